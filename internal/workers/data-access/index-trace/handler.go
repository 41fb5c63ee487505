// internal/workers/data-access/index-trace/handler.go
package indextrace

import (
	"context"
	"errors"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/internal/workers/data-access/index-trace/queries"
)

const (
	TaskType = "index-trace"
)

var (
	ErrIndexFailed       = errors.New("TRACE_INDEX_FAILED")
	ErrSearchQueryFailed = errors.New("SEARCH_QUERY_FAILED")
	ErrSearchTimeout     = errors.New("SEARCH_TIMEOUT")
	ErrIndexNotFound     = errors.New("INDEX_NOT_FOUND")
	ErrMissingSession    = errors.New("MISSING_SESSION_ID")
)

// Handler stores trace records in Elasticsearch and searches them per
// session. It is the trace_log collaborator when Elasticsearch is enabled.
type Handler struct {
	config *Config
	client *elasticsearch.Client
	logger logger.Logger
}

func NewHandler(config *Config, client *elasticsearch.Client, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		client: client,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Name identifies the sink in metrics.
func (h *Handler) Name() string { return "elasticsearch" }

// Record indexes one trace record.
func (h *Handler) Record(ctx context.Context, rec models.TraceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	if err := queries.Index(ctx, h.client, h.config.Index, rec); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", ErrIndexFailed, ErrSearchTimeout)
		}
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	return nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.SessionID == "" {
		return nil, ErrMissingSession
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	tq := queries.TraceQuery{
		Index:     h.config.Index,
		SessionID: input.SessionID,
		Event:     input.Event,
	}
	tq.Pagination.From = input.Pagination.From
	if tq.Pagination.From < 0 {
		tq.Pagination.From = 0
	}
	tq.Pagination.Size = input.Pagination.Size
	if tq.Pagination.Size < 1 {
		tq.Pagination.Size = h.config.DefaultSize
	}
	if tq.Pagination.Size > h.config.MaxSize {
		tq.Pagination.Size = h.config.MaxSize
	}

	result, err := queries.Search(ctx, h.client, tq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrSearchTimeout
		}
		if errors.Is(err, queries.ErrIndexNotFound) {
			return nil, ErrIndexNotFound
		}
		h.logger.Warn("trace search failed", map[string]interface{}{
			logger.FieldSessionID: input.SessionID,
			"error":               err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrSearchQueryFailed, err)
	}

	return &Output{
		Traces:    result.Traces,
		TotalHits: result.TotalHits,
		Took:      result.Took,
	}, nil
}
