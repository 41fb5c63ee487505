// internal/workers/data-access/index-trace/queries/builders.go
package queries

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"bnpl-copilot/internal/models"
)

var (
	ErrMissingIndex   = errors.New("index name is required")
	ErrMissingSession = errors.New("session id is required")
)

// TraceQuery selects one session's trace records, newest first.
type TraceQuery struct {
	Index      string
	SessionID  string
	Event      string
	Pagination struct {
		From int
		Size int
	}
}

// BuildSearch builds the search request for a session's traces.
func BuildSearch(tq TraceQuery) (*esapi.SearchRequest, error) {
	if tq.Index == "" {
		return nil, ErrMissingIndex
	}
	if tq.SessionID == "" {
		return nil, ErrMissingSession
	}

	body, err := json.Marshal(buildSessionQuery(tq))
	if err != nil {
		return nil, err
	}

	return &esapi.SearchRequest{
		Index: []string{tq.Index},
		Body:  bytes.NewReader(body),
		From:  &tq.Pagination.From,
		Size:  &tq.Pagination.Size,
	}, nil
}

func buildSessionQuery(tq TraceQuery) map[string]interface{} {
	filterClauses := []interface{}{
		map[string]interface{}{
			"term": map[string]interface{}{"sessionId": tq.SessionID},
		},
	}
	if tq.Event != "" {
		filterClauses = append(filterClauses, map[string]interface{}{
			"term": map[string]interface{}{"event": tq.Event},
		})
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filterClauses,
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
}

// BuildIndex builds the request storing one trace record under its trace ID.
func BuildIndex(index string, rec models.TraceRecord) (*esapi.IndexRequest, error) {
	if index == "" {
		return nil, ErrMissingIndex
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	return &esapi.IndexRequest{
		Index:      index,
		DocumentID: rec.TraceID,
		Body:       bytes.NewReader(body),
	}, nil
}
