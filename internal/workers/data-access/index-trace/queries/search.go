// internal/workers/data-access/index-trace/queries/search.go
package queries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"bnpl-copilot/internal/models"
)

var ErrIndexNotFound = errors.New("index not found")

type QueryResult struct {
	Traces    []models.TraceRecord
	TotalHits int64
	Took      int64
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source models.TraceRecord `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a trace query.
func Search(ctx context.Context, esClient *elasticsearch.Client, tq TraceQuery) (*QueryResult, error) {
	req, err := BuildSearch(tq)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := req.Do(ctx, esClient)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, tq.Index)
	}
	if res.IsError() {
		return nil, fmt.Errorf("search query failed: %s", res.String())
	}

	var r searchResponse
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, err
	}

	traces := make([]models.TraceRecord, 0, len(r.Hits.Hits))
	for _, hit := range r.Hits.Hits {
		traces = append(traces, hit.Source)
	}

	return &QueryResult{
		Traces:    traces,
		TotalHits: r.Hits.Total.Value,
		Took:      time.Since(start).Milliseconds(),
	}, nil
}

// Index stores one trace record.
func Index(ctx context.Context, esClient *elasticsearch.Client, index string, rec models.TraceRecord) error {
	req, err := BuildIndex(index, rec)
	if err != nil {
		return err
	}
	res, err := req.Do(ctx, esClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index trace failed: %s", res.String())
	}
	return nil
}
