package copilot

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bnpl-copilot/internal/common/metrics"
	"bnpl-copilot/internal/models"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJSON(ctx context.Context, topicARN, subject string, v interface{}, attrs map[string]string) (string, error) {
	a := m.Called(ctx, topicARN, subject, v, attrs)
	return a.String(0), a.Error(1)
}

type failingSink struct{ name string }

func (s failingSink) Name() string { return s.name }

func (s failingSink) Record(context.Context, models.TraceRecord) error {
	return errors.New("sink offline")
}

func violation() models.TraceRecord {
	return models.TraceRecord{
		TraceID:   "tr_1",
		SessionID: "s1",
		Event:     models.TraceGuardrailViolation,
		Plan:      models.PlanSummary{ID: "plan_1", Intent: models.IntentAdHoc},
		Outcome:   "GUARDRAIL_VIOLATION",
	}
}

func TestAlertSink_Record(t *testing.T) {
	const topic = "arn:aws:sns:eu-west-1:123456789012:copilot-alerts"

	t.Run("publishes guardrail violations", func(t *testing.T) {
		pub := &MockPublisher{}
		pub.On("PublishJSON", mock.Anything, topic, "Copilot guardrail violation", violation(),
			map[string]string{"event": models.TraceGuardrailViolation, "sessionId": "s1", "intent": "ad_hoc"},
		).Return("msg-1", nil).Once()

		sink := NewAlertSink(pub, topic, createTestLogger(t))
		require.NoError(t, sink.Record(context.Background(), violation()))
		pub.AssertExpectations(t)
	})

	t.Run("ignores other events", func(t *testing.T) {
		pub := &MockPublisher{}
		rec := violation()
		rec.Event = models.TraceTurnComplete

		sink := NewAlertSink(pub, topic, createTestLogger(t))
		require.NoError(t, sink.Record(context.Background(), rec))
		pub.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("publish failure", func(t *testing.T) {
		pub := &MockPublisher{}
		pub.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("", errors.New("throttled"))

		sink := NewAlertSink(pub, topic, createTestLogger(t))
		assert.ErrorContains(t, sink.Record(context.Background(), violation()), "throttled")
	})
}

func TestMultiSink_Record(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	good := &MockSink{}
	good.On("Record", mock.Anything, mock.Anything).Return(nil)

	sink := NewMultiSink(m, createTestLogger(t), failingSink{name: "elasticsearch"}, good, NewLogSink(createTestLogger(t)))
	err := sink.Record(context.Background(), violation())

	assert.ErrorContains(t, err, "elasticsearch: sink offline")
	good.AssertNumberOfCalls(t, "Record", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TraceSinkErrors.WithLabelValues("elasticsearch")))
	assert.Equal(t, 3, sink.Len())
}
