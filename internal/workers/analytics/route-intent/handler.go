// internal/workers/analytics/route-intent/handler.go
package routeintent

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"

	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/common/llm"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/common/validation"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

const (
	TaskType = "route-intent"
)

var (
	ErrEmptyMessage = errors.New("EMPTY_MESSAGE")
)

// referenceKeys are the identifier columns a pronoun can point at, in
// preference order.
var referenceKeys = []string{"user_id", "merchant_id", "order_id"}

type Handler struct {
	config     *Config
	registry   *registry.Registry
	rules      *Rules
	classifier Classifier
	clock      clockwork.Clock
	logger     logger.Logger
}

// NewHandler builds the router. classifier may be nil, in which case every
// message goes through the rules.
func NewHandler(config *Config, reg *registry.Registry, classifier Classifier, log logger.Logger) *Handler {
	return &Handler{
		config:     config,
		registry:   reg,
		rules:      NewRules(reg),
		classifier: classifier,
		clock:      clockwork.NewRealClock(),
		logger: log.WithFields(map[string]interface{}{
			"taskType": TaskType,
		}),
	}
}

// WithClock replaces the clock used when no data date is known.
func (h *Handler) WithClock(c clockwork.Clock) *Handler {
	h.clock = c
	return h
}

// Execute classifies one message. Classifier failures never surface as
// errors; they fall back to the rules and are recorded in Notes.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	text := validation.SanitizeMessage(input.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	anchor := input.LatestDataDate
	if anchor.IsZero() {
		anchor = h.clock.Now()
	}
	anchor = models.Day(anchor)

	reading := h.rules.Read(text, anchor)
	output := &Output{
		Entities:   reading.Entities,
		Confidence: reading.Confidence,
		Source:     SourceRules,
	}

	if h.classifier != nil {
		cls, err := h.classify(ctx, text, input.History)
		switch {
		case err == nil:
			if h.apply(output, cls) {
				reading.ExplicitWindow = true
			}
		case errors.Is(err, llm.ErrDisabled):
		default:
			h.logger.Warn("classifier unavailable, using rules", map[string]interface{}{
				"error": err.Error(),
			})
			output.Degraded = true
			output.Entities.LowConfidence = true
			output.Notes = append(output.Notes, string(apperrors.ErrCodeClassificationUnavailable))
		}
	}

	e := &output.Entities
	if reading.Pronoun && input.PriorResult != nil {
		e.Reference = referenceFor(input.PriorResult)
	}

	sparse := reading.Pronoun ||
		(len(e.Metrics) == 0 && len(e.UnknownMetrics) == 0 && !reading.ExplicitWindow && e.Subject == models.SubjectNone)
	if sparse {
		if prev := lastEntities(input.History); prev != nil {
			output.Entities = Merge(*prev, output.Entities)
			e = &output.Entities
		}
	}

	if e.Intent == "" {
		e.Intent = models.IntentAdHoc
	}
	if e.TimeWindow.IsZero() {
		e.TimeWindow = models.TrailingWindow(anchor, h.config.DefaultWindowDays)
		e.WindowDefaulted = true
	}

	h.logger.Info("intent routed", map[string]interface{}{
		logger.FieldIntent: string(e.Intent),
		"confidence":       output.Confidence,
		"source":           output.Source,
		"metrics":          e.Metrics,
		"window":           e.TimeWindow.String(),
		"merged":           sparse,
		"degraded":         output.Degraded,
	})
	return output, nil
}

func (h *Handler) classify(ctx context.Context, text string, history []models.ConversationTurn) (*Classification, error) {
	if h.config.ClassifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.ClassifyTimeout)
		defer cancel()
	}
	return h.classifier.Classify(ctx, text, history)
}

// apply overlays a classification on the rule reading and reports whether it
// supplied the time window.
func (h *Handler) apply(out *Output, cls *Classification) bool {
	e := &out.Entities
	out.Source = SourceLLM
	out.Confidence = cls.Confidence

	if cls.Confidence < h.config.MinConfidence || !cls.Intent.Valid() {
		e.Intent = models.IntentAdHoc
		e.LowConfidence = true
	} else {
		e.Intent = cls.Intent
		e.LowConfidence = false
	}

	var known []string
	for _, name := range cls.Metrics {
		if _, ok := h.registry.KPI(name); ok {
			known = append(known, name)
		} else {
			e.AddUnknownMetric(name)
		}
	}
	if len(known) > 0 {
		e.Metrics = nil
		for _, name := range known {
			e.AddMetric(name)
		}
	}
	if len(cls.GroupBy) > 0 {
		e.GroupBy = append([]string(nil), cls.GroupBy...)
	}
	if cls.Comparison != nil {
		e.Comparison = *cls.Comparison
	}
	if cls.Limit != nil && *cls.Limit > 0 {
		e.Limit = models.IntPtr(*cls.Limit)
	}

	// Rule windows are anchored at the data date; the classifier's only
	// fills a gap.
	if e.TimeWindow.IsZero() {
		if w, ok := cls.Window.Window(); ok {
			e.TimeWindow = w
			return true
		}
	}
	return false
}

func referenceFor(rs *models.ResultSet) *models.ResultReference {
	for _, key := range referenceKeys {
		if !rs.HasColumn(key) {
			continue
		}
		seen := map[string]bool{}
		var values []string
		for _, v := range rs.Strings(key) {
			if !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return nil
		}
		return &models.ResultReference{ResultID: rs.ID, Key: key, Values: values}
	}
	return nil
}

func lastEntities(history []models.ConversationTurn) *models.ExtractedEntities {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Entities != nil {
			e := history[i].Entities.Clone()
			return &e
		}
	}
	return nil
}
