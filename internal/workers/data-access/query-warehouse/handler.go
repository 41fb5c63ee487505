package querywarehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"bnpl-copilot/internal/common/database"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/internal/workers/data-access/query-warehouse/queries"
	"bnpl-copilot/pkg/registry"
)

const (
	TaskType = "query-warehouse"

	riskKeyPrefix  = "copilot:risk:"
	latestCacheKey = "latest_data_date"
)

var (
	ErrQueryExecutionFailed = errors.New("QUERY_EXECUTION_FAILED")
	ErrQueryTimeout         = errors.New("QUERY_TIMEOUT")
	ErrInvalidQueryType     = errors.New("INVALID_QUERY_TYPE")
	ErrInvalidQuery         = errors.New("INVALID_QUERY")
)

// Handler answers KPI, tabular and risk-score reads against the warehouse.
// Redis is optional and only caches risk scores.
type Handler struct {
	config   *Config
	store    database.SQLStore
	registry *registry.Registry
	redis    *redis.Client
	latest   *ttlcache.Cache[string, time.Time]
	logger   logger.Logger
}

func NewHandler(config *Config, store database.SQLStore, reg *registry.Registry, rdb *redis.Client, log logger.Logger) *Handler {
	return &Handler{
		config:   config,
		store:    store,
		registry: reg,
		redis:    rdb,
		latest: ttlcache.New(
			ttlcache.WithTTL[string, time.Time](config.LatestDateTTL),
		),
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Dialect is the SQL dialect queries are rendered in.
func (h *Handler) Dialect() database.Dialect {
	return h.store.Dialect()
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil {
		return nil, fmt.Errorf("input cannot be nil")
	}

	start := time.Now()
	out := &Output{}
	var err error

	switch models.QueryType(input.QueryType) {
	case QueryTypeKPI:
		if input.KPI == nil {
			return nil, fmt.Errorf("%w: kpi args missing", ErrInvalidQuery)
		}
		out.Result, err = h.FetchKPI(ctx, *input.KPI)
	case QueryTypeSelect:
		if input.Query == nil {
			return nil, fmt.Errorf("%w: query missing", ErrInvalidQuery)
		}
		out.Result, err = h.RunQuery(ctx, *input.Query)
	case QueryTypeRiskScores:
		if input.Risk == nil {
			return nil, fmt.Errorf("%w: risk args missing", ErrInvalidQuery)
		}
		out.Result, err = h.LookupRisk(ctx, input.Risk.UserIDs, input.Risk.MinScore, input.Risk.Limit)
	case QueryTypeLatestDataDate:
		var latest time.Time
		latest, err = h.LatestDataDate(ctx)
		if err == nil {
			out.LatestDataDate = latest.Format(models.DateLayout)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidQueryType, input.QueryType)
	}
	if err != nil {
		return nil, err
	}

	out.QueryExecutionTime = time.Since(start).Milliseconds()
	return out, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

// ==========================
// KPI fetch
// ==========================

// FetchKPI answers every metric from its precomputed source and merges the
// per-metric rows on the group columns.
func (h *Handler) FetchKPI(ctx context.Context, args models.KPIArgs) (*models.ResultSet, error) {
	compiled, err := queries.CompileKPI(h.registry, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	parts := make([]*models.ResultSet, 0, len(compiled))
	for _, c := range compiled {
		rs, err := h.RunQuery(ctx, c.Spec)
		if err != nil {
			return nil, err
		}
		parts = append(parts, rs)
	}

	merged := queries.MergeByKey(args.GroupBy, parts)
	if limit := h.rowCap(args.Limit); len(merged.Rows) > limit {
		merged.Rows = merged.Rows[:limit]
		merged.RowCount = limit
		merged.Truncated = true
	}
	merged.ID = newResultID()
	merged.SourceTool = models.ToolKPIFetch
	merged.Window = args.Window
	return merged, nil
}

// ==========================
// Read-only query
// ==========================

// RunQuery renders and runs a QuerySpec. The population of the spec's
// denominator table is counted when the rows alone cannot tell an empty
// answer from a zero one.
func (h *Handler) RunQuery(ctx context.Context, spec models.QuerySpec) (*models.ResultSet, error) {
	spec.Limit = h.rowCap(spec.Limit)
	stmt, err := queries.Render(h.store.Dialect(), spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	h.logger.Debug("running query", map[string]interface{}{
		"table": spec.Table,
		"sql":   stmt.SQL,
	})

	rows, err := h.store.GetDB().QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, h.queryError(ctx, err)
	}
	defer rows.Close()

	columns, data, err := database.ScanRows(rows, 0)
	if err != nil {
		return nil, h.queryError(ctx, err)
	}

	rs := &models.ResultSet{
		ID:         newResultID(),
		Columns:    columns,
		SourceTool: models.ToolSQLQuery,
		Window:     spec.Window,
	}
	for _, row := range data {
		rs.Rows = append(rs.Rows, models.Row(row))
	}
	if len(rs.Rows) > spec.Limit {
		rs.Rows = rs.Rows[:spec.Limit]
		rs.Truncated = true
	}
	rs.RowCount = len(rs.Rows)

	if spec.Population != "" && needsPopulation(rs, spec) {
		pop, err := h.population(ctx, spec.Population, spec.Window)
		if err != nil {
			return nil, err
		}
		rs.Population = &pop
	}
	return rs, nil
}

func needsPopulation(rs *models.ResultSet, spec models.QuerySpec) bool {
	if len(rs.Rows) == 0 {
		return true
	}
	aggregated := false
	for _, item := range spec.Select {
		if item.Aggregation == models.AggNone {
			continue
		}
		aggregated = true
		for _, row := range rs.Rows {
			if f, ok := models.AsFloat(row[item.Alias]); ok && f != 0 {
				return false
			}
		}
	}
	return aggregated
}

func (h *Handler) population(ctx context.Context, table string, w models.TimeWindow) (int64, error) {
	stmt := queries.RenderPopulation(h.store.Dialect(), table, h.registry.DateColumn(table), w)
	var n int64
	if err := h.store.GetDB().QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, h.queryError(ctx, err)
	}
	return n, nil
}

// ==========================
// Risk lookup
// ==========================

// LookupRisk returns scores at or above minScore, highest first. Scores for
// explicit users are served from Redis when cached.
func (h *Handler) LookupRisk(ctx context.Context, userIDs []string, minScore float64, limit int) (*models.ResultSet, error) {
	limit = h.rowCap(limit)
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	var entries []riskEntry
	if len(userIDs) == 0 {
		fetched, err := h.queryRisk(ctx, nil, minScore, limit)
		if err != nil {
			return nil, err
		}
		entries = fetched
	} else {
		cached, missing := h.cachedRisk(ctx, userIDs)
		entries = cached
		if len(missing) > 0 {
			fetched, err := h.queryRisk(ctx, missing, minScore, limit)
			if err != nil {
				return nil, err
			}
			h.cacheRisk(ctx, fetched)
			entries = append(entries, fetched...)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})

	rs := &models.ResultSet{
		ID:         newResultID(),
		Columns:    []string{"user_id", "risk_score", "risk_band", "model_version"},
		SourceTool: models.ToolRiskLookup,
	}
	for _, e := range entries {
		if e.Score < minScore {
			continue
		}
		if len(rs.Rows) == limit {
			rs.Truncated = true
			break
		}
		rs.Rows = append(rs.Rows, models.Row{
			"user_id":       e.UserID,
			"risk_score":    e.Score,
			"risk_band":     e.Band,
			"model_version": e.ModelVersion,
		})
	}
	rs.RowCount = len(rs.Rows)
	return rs, nil
}

func (h *Handler) queryRisk(ctx context.Context, userIDs []string, minScore float64, limit int) ([]riskEntry, error) {
	stmt := queries.RenderRiskScores(h.store.Dialect(), userIDs, minScore, limit)
	rows, err := h.store.GetDB().QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, h.queryError(ctx, err)
	}
	defer rows.Close()

	_, data, err := database.ScanRows(rows, 0)
	if err != nil {
		return nil, h.queryError(ctx, err)
	}
	out := make([]riskEntry, 0, len(data))
	for _, row := range data {
		score, _ := models.AsFloat(row["risk_score"])
		out = append(out, riskEntry{
			UserID:       fmt.Sprint(row["user_id"]),
			Score:        score,
			Band:         fmt.Sprint(row["risk_band"]),
			ModelVersion: fmt.Sprint(row["model_version"]),
		})
	}
	return out, nil
}

// cachedRisk splits userIDs into cached entries and IDs still to fetch.
// Redis failures only cost a cache miss.
func (h *Handler) cachedRisk(ctx context.Context, userIDs []string) ([]riskEntry, []string) {
	if h.redis == nil {
		return nil, userIDs
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = riskKeyPrefix + id
	}
	values, err := h.redis.MGet(ctx, keys...).Result()
	if err != nil {
		h.logger.Warn("risk cache read failed", map[string]interface{}{"error": err})
		return nil, userIDs
	}

	var hits []riskEntry
	var missing []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, userIDs[i])
			continue
		}
		var e riskEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			missing = append(missing, userIDs[i])
			continue
		}
		hits = append(hits, e)
	}
	return hits, missing
}

func (h *Handler) cacheRisk(ctx context.Context, entries []riskEntry) {
	if h.redis == nil || len(entries) == 0 {
		return
	}
	_, err := h.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			pipe.Set(ctx, riskKeyPrefix+e.UserID, data, h.config.RiskCacheTTL)
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("risk cache write failed", map[string]interface{}{"error": err})
	}
}

// ==========================
// Latest data date
// ==========================

// LatestDataDate is the newest day in kpi_daily, cached for LatestDateTTL.
func (h *Handler) LatestDataDate(ctx context.Context) (time.Time, error) {
	if item := h.latest.Get(latestCacheKey); item != nil {
		return item.Value(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	latest, err := database.LatestDataDate(ctx, h.store.GetDB())
	if err != nil {
		return time.Time{}, h.queryError(ctx, err)
	}
	h.latest.Set(latestCacheKey, latest, ttlcache.DefaultTTL)
	return latest, nil
}

// ==========================
// Helpers
// ==========================

func (h *Handler) rowCap(limit int) int {
	if limit <= 0 || limit > h.config.HardMaxRows {
		return h.config.HardMaxRows
	}
	return limit
}

func (h *Handler) queryError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrQueryExecutionFailed, err)
}

func newResultID() models.ResultSetID {
	return models.ResultSetID("rs_" + uuid.NewString())
}
