// internal/workers/infrastructure/build-response/handler.go
package buildresponse

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/common/validation"
	"bnpl-copilot/internal/models"
)

const TaskType = "build-response"

var (
	ErrMissingReport            = errors.New("MISSING_REPORT")
	ErrResponseValidationFailed = errors.New("RESPONSE_VALIDATION_FAILED")
)

// Chart colours of the dashboard.
const (
	colorCurrent  = "#3b82f6"
	colorPrevious = "#82ca9d"
	colorRisk     = "#8884d8"
)

var responseSchema = validation.MustCompile("chat-response", []byte(`{
  "type": "object",
  "required": ["id", "role", "content", "hasAnalytics"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "role": {"enum": ["assistant"]},
    "content": {"type": "string", "minLength": 1},
    "hasAnalytics": {"type": "boolean"},
    "analytics": {
      "type": "object",
      "required": ["kpis", "charts", "tables", "cards"],
      "properties": {
        "kpis": {"type": "array", "items": {
          "type": "object", "required": ["label", "value"],
          "properties": {"label": {"type": "string"}, "unit": {"type": "string"}}
        }},
        "charts": {"type": "array", "items": {
          "type": "object", "required": ["id", "kind", "title", "xKey", "series", "rows"],
          "properties": {
            "kind": {"enum": ["bar", "line"]},
            "series": {"type": "array", "minItems": 1, "items": {"type": "object", "required": ["dataKey"]}},
            "rows": {"type": "array"}
          }
        }},
        "tables": {"type": "array", "items": {
          "type": "object", "required": ["id", "title", "columns", "rows"],
          "properties": {"columns": {"type": "array", "items": {"type": "string"}}, "rows": {"type": "array", "maxItems": 20}}
        }},
        "cards": {"type": "array", "items": {
          "type": "object", "required": ["title", "items"],
          "properties": {"items": {"type": "array", "items": {"type": "string"}}}
        }}
      }
    }
  }
}`))

type Handler struct {
	config *Config
	logger logger.Logger
}

func NewHandler(config *Config, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// Execute turns a narrated report into the outbound chat response. The
// content is the rendered five-section report; the analytics payload is
// derived from the accepted result only.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.Report == nil {
		return nil, ErrMissingReport
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := input.ResponseID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	resp := &models.ChatResponse{
		ID:        id,
		Role:      models.RoleAssistantName,
		Content:   input.Report.Render(),
		SessionID: input.SessionID,
		Report:    input.Report,
	}

	payload := h.buildAnalytics(input)
	if len(payload.KPIs) > 0 || len(payload.Charts) > 0 || len(payload.Tables) > 0 {
		resp.HasAnalytics = true
		resp.Analytics = payload
	}

	if h.config.ValidateOutput {
		result, err := responseSchema.Validate(resp)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResponseValidationFailed, err)
		}
		if err := result.Err(); err != nil {
			h.logger.Error("response failed validation", map[string]interface{}{
				"responseId": id,
				"errors":     result.GetErrorMessages(),
			})
			return nil, fmt.Errorf("%w: %v", ErrResponseValidationFailed, err)
		}
	}

	h.logger.Debug("response built", map[string]interface{}{
		logger.FieldSessionID: input.SessionID,
		"responseId":          id,
		"hasAnalytics":        resp.HasAnalytics,
	})

	return &Output{
		Response: resp,
		Metadata: ResponseMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.config.AppVersion,
		},
	}, nil
}

func (h *Handler) buildAnalytics(input *Input) *models.AnalyticsPayload {
	payload := &models.AnalyticsPayload{
		KPIs:   []models.KPIItem{},
		Charts: []models.Chart{},
		Tables: []models.Table{},
		Cards:  []models.Card{},
	}

	for i, m := range input.Report.KeyMetrics {
		if i == h.config.MaxKPIs {
			break
		}
		payload.KPIs = append(payload.KPIs, models.KPIItem{Label: m.Label, Value: m.Value, Unit: m.Unit})
	}

	if rs := input.Result; rs != nil && len(rs.Rows) > 0 {
		if chart := h.metricChart(input.Plan, rs); chart != nil {
			payload.Charts = append(payload.Charts, *chart)
		}
		if chart := h.riskChart(rs); chart != nil {
			payload.Charts = append(payload.Charts, *chart)
		}
		payload.Tables = append(payload.Tables, h.table(input.Plan, rs))
	}

	if len(input.Report.Drivers) > 0 {
		payload.Cards = append(payload.Cards, models.Card{Title: "Drivers", Items: input.Report.Drivers})
	}
	if len(input.Report.Actions) > 0 {
		items := make([]string, 0, len(input.Report.Actions))
		for _, a := range input.Report.Actions {
			items = append(items, fmt.Sprintf("%s (Impact: %s, Effort: %s)", a.Description, a.Impact, a.Effort))
		}
		payload.Cards = append(payload.Cards, models.Card{Title: "Recommended Actions", Items: items})
	}
	if c := input.Report.DataAssumptions.Caveats; len(c) > 0 {
		payload.Cards = append(payload.Cards, models.Card{Title: "Caveats", Items: c})
	}
	return payload
}

// metricChart plots the first metric against the first grouping key: a line
// over dates, bars otherwise. Comparisons add the previous period series.
func (h *Handler) metricChart(plan *models.Plan, rs *models.ResultSet) *models.Chart {
	if plan == nil || len(plan.Metrics) == 0 || len(plan.Keys) == 0 || len(rs.Rows) < 2 {
		return nil
	}
	metric, key := plan.Metrics[0], plan.Keys[0]
	if !rs.HasColumn(metric) || !rs.HasColumn(key) {
		return nil
	}

	kind := models.ChartBar
	if isDateKey(key) {
		kind = models.ChartLine
	}
	series := []models.Series{{DataKey: metric, Color: colorCurrent}}
	previous := metric + models.SuffixPrevious
	withPrevious := rs.HasColumn(previous)
	if withPrevious {
		series = append(series, models.Series{DataKey: previous, Color: colorPrevious})
	}

	rows := make([]map[string]interface{}, 0, len(rs.Rows))
	for i, row := range rs.Rows {
		if i == h.config.MaxChartPoints {
			break
		}
		point := map[string]interface{}{key: cellValue(row[key]), metric: cellValue(row[metric])}
		if withPrevious {
			point[previous] = cellValue(row[previous])
		}
		rows = append(rows, point)
	}
	if kind == models.ChartLine {
		sort.SliceStable(rows, func(i, j int) bool {
			return fmt.Sprint(rows[i][key]) < fmt.Sprint(rows[j][key])
		})
	}

	return &models.Chart{
		ID:     "chart_" + metric,
		Kind:   kind,
		Title:  fmt.Sprintf("%s by %s", title(metric), title(key)),
		XKey:   key,
		Series: series,
		Rows:   rows,
	}
}

// riskChart counts rows per risk band.
func (h *Handler) riskChart(rs *models.ResultSet) *models.Chart {
	if !rs.HasColumn(models.ColumnRiskBand) {
		return nil
	}
	counts := map[string]int{}
	for _, row := range rs.Rows {
		if b, ok := row[models.ColumnRiskBand].(string); ok && b != "" {
			counts[b]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	var rows []map[string]interface{}
	for _, band := range []string{"very_high", "high", "medium", "low"} {
		if n, ok := counts[band]; ok {
			rows = append(rows, map[string]interface{}{"band": band, "users": n})
		}
	}
	return &models.Chart{
		ID:     "chart_risk_bands",
		Kind:   models.ChartBar,
		Title:  "Users by Risk Band",
		XKey:   "band",
		Series: []models.Series{{DataKey: "users", Color: colorRisk}},
		Rows:   rows,
	}
}

func (h *Handler) table(plan *models.Plan, rs *models.ResultSet) models.Table {
	rows := make([]map[string]interface{}, 0, len(rs.Rows))
	for i, row := range rs.Rows {
		if i == h.config.MaxTableRows {
			break
		}
		out := make(map[string]interface{}, len(rs.Columns))
		for _, c := range rs.Columns {
			out[c] = cellValue(row[c])
		}
		rows = append(rows, out)
	}

	names := []string{string(rs.SourceTool)}
	if plan != nil {
		switch {
		case len(plan.Metrics) > 0:
			names = plan.Metrics
		case plan.Subject != models.SubjectNone:
			names = []string{string(plan.Subject)}
		}
	}
	titles := make([]string, len(names))
	for i, n := range names {
		titles[i] = title(n)
	}
	return models.Table{
		ID:      "table_" + string(rs.ID),
		Title:   strings.Join(titles, ", "),
		Columns: append([]string(nil), rs.Columns...),
		Rows:    rows,
	}
}

// cellValue makes a result cell JSON-safe.
func cellValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(models.DateLayout)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return nil
		}
	}
	return v
}

// title turns dispute_rate into Dispute Rate.
func title(column string) string {
	words := strings.FieldsFunc(column, func(r rune) bool { return r == '_' || r == ' ' })
	for i, w := range words {
		switch w {
		case "gmv", "id":
			words[i] = strings.ToUpper(w)
		default:
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func isDateKey(key string) bool {
	return key == "date" || strings.HasSuffix(key, "_date") ||
		strings.HasSuffix(key, "_week") || strings.HasSuffix(key, "_month")
}
