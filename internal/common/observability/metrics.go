// internal/common/observability/metrics.go
package observability

import (
	"context"
	"log"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability records request and capability latencies through the
// OpenTelemetry metric SDK, exported on the Prometheus registry.
type Observability struct {
	meterProvider      *metric.MeterProvider
	meter              otelmetric.Meter
	requestDuration    otelmetric.Float64Histogram
	capabilityDuration otelmetric.Float64Histogram
}

func New(serviceName string, reg promclient.Registerer) *Observability {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	requestDuration, _ := meter.Float64Histogram(
		"copilot.request.duration",
		otelmetric.WithDescription("End-to-end chat request duration"),
		otelmetric.WithUnit("ms"),
	)

	capabilityDuration, _ := meter.Float64Histogram(
		"copilot.capability.duration",
		otelmetric.WithDescription("Classifier and narrator capability call duration"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider:      provider,
		meter:              meter,
		requestDuration:    requestDuration,
		capabilityDuration: capabilityDuration,
	}
}

// RecordRequest records one chat request. A nil receiver records nothing.
func (o *Observability) RecordRequest(ctx context.Context, duration time.Duration, intent, outcome string) {
	if o == nil || o.requestDuration == nil {
		return
	}
	o.requestDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("outcome", outcome),
	))
}

// RecordCapability records one classifier or narrator call.
func (o *Observability) RecordCapability(ctx context.Context, duration time.Duration, capability string, degraded bool) {
	if o == nil || o.capabilityDuration == nil {
		return
	}
	o.capabilityDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("capability", capability),
		attribute.Bool("degraded", degraded),
	))
}

func (o *Observability) Shutdown() {
	if o != nil && o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
