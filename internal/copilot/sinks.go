// internal/copilot/sinks.go
package copilot

import (
	"context"
	"errors"
	"fmt"

	"bnpl-copilot/internal/common/aws"
	"bnpl-copilot/internal/common/logger"
	"bnpl-copilot/internal/common/metrics"
	"bnpl-copilot/internal/models"
)

// TraceSink receives trace records. It is the same contract the executor's
// trace_log tool writes to.
type TraceSink interface {
	Record(ctx context.Context, record models.TraceRecord) error
}

// NamedSink is a sink with a label for metrics.
type NamedSink interface {
	TraceSink
	Name() string
}

// LogSink writes trace records to the structured log.
type LogSink struct {
	logger logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log.Named("trace")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Record(_ context.Context, rec models.TraceRecord) error {
	fields := map[string]interface{}{
		"traceId":             rec.TraceID,
		"event":               rec.Event,
		logger.FieldSessionID: rec.SessionID,
		logger.FieldTurnID:    rec.TurnID,
		logger.FieldPlanID:    rec.Plan.ID,
		logger.FieldIntent:    string(rec.Plan.Intent),
		"tools":               rec.Plan.Tools,
		"rows":                rec.ResultSummary.Rows,
		"failures":            rec.ResultSummary.Failures,
		logger.FieldLatencyMs: rec.LatencyMs,
	}
	if rec.Outcome != "" {
		fields["outcome"] = rec.Outcome
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	s.logger.Info("trace", fields)
	return nil
}

// Publisher is the part of the SNS client the alert sink uses.
type Publisher interface {
	PublishJSON(ctx context.Context, topicARN, subject string, v interface{}, attrs map[string]string) (string, error)
}

var _ Publisher = (*aws.SNSClient)(nil)

// AlertSink publishes guardrail violations to an SNS topic. Other events
// are ignored.
type AlertSink struct {
	publisher Publisher
	topicARN  string
	logger    logger.Logger
}

func NewAlertSink(publisher Publisher, topicARN string, log logger.Logger) *AlertSink {
	return &AlertSink{publisher: publisher, topicARN: topicARN, logger: log}
}

func (s *AlertSink) Name() string { return "sns" }

func (s *AlertSink) Record(ctx context.Context, rec models.TraceRecord) error {
	if rec.Event != models.TraceGuardrailViolation {
		return nil
	}
	id, err := s.publisher.PublishJSON(ctx, s.topicARN, "Copilot guardrail violation", rec, map[string]string{
		"event":     rec.Event,
		"sessionId": rec.SessionID,
		"intent":    string(rec.Plan.Intent),
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	s.logger.Info("guardrail alert published", map[string]interface{}{
		"messageId":           id,
		logger.FieldSessionID: rec.SessionID,
		logger.FieldPlanID:    rec.Plan.ID,
	})
	return nil
}

// MultiSink fans a record out to every sink. A failing sink is counted and
// logged and does not stop the others.
type MultiSink struct {
	sinks   []NamedSink
	metrics *metrics.Metrics
	logger  logger.Logger
}

func NewMultiSink(m *metrics.Metrics, log logger.Logger, sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks, metrics: m, logger: log}
}

func (s *MultiSink) Name() string { return "multi" }

// Record returns the joined sink errors for callers that log them.
func (s *MultiSink) Record(ctx context.Context, rec models.TraceRecord) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, rec); err != nil {
			s.metrics.TraceSinkError(sink.Name())
			s.logger.Warn("trace sink failed", map[string]interface{}{
				"sink":  sink.Name(),
				"event": rec.Event,
				"error": err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Len is the number of sinks.
func (s *MultiSink) Len() int { return len(s.sinks) }
