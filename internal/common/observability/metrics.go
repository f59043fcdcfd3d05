package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observability owns the OpenTelemetry meter and tracer providers. A nil
// *Observability is valid and records nothing.
type Observability struct {
	meterProvider    *metric.MeterProvider
	tracing          *Tracing
	meter            otelmetric.Meter
	jobCounter       otelmetric.Int64Counter
	jobDuration      otelmetric.Float64Histogram
	dispatchCounter  otelmetric.Int64Counter
	dispatchDuration otelmetric.Float64Histogram
	deliveryCounter  otelmetric.Int64Counter
}

func New(serviceName, jaegerEndpoint string) *Observability {
	o := &Observability{tracing: NewTracing(serviceName, jaegerEndpoint)}

	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return o
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	o.jobCounter, _ = meter.Int64Counter(
		"jobs.processed",
		otelmetric.WithDescription("Number of inbound change events processed"),
	)
	o.jobDuration, _ = meter.Float64Histogram(
		"jobs.duration",
		otelmetric.WithDescription("Inbound job processing duration"),
		otelmetric.WithUnit("ms"),
	)
	o.dispatchCounter, _ = meter.Int64Counter(
		"dispatch.finished",
		otelmetric.WithDescription("Dispatch requests that reached a terminal or parked state"),
	)
	o.dispatchDuration, _ = meter.Float64Histogram(
		"dispatch.duration",
		otelmetric.WithDescription("Dispatch request processing duration"),
		otelmetric.WithUnit("ms"),
	)
	o.deliveryCounter, _ = meter.Int64Counter(
		"dispatch.deliveries",
		otelmetric.WithDescription("Per-recipient delivery outcomes"),
	)

	o.meterProvider = provider
	o.meter = meter
	return o
}

func (o *Observability) RecordJobProcessed(ctx context.Context, status string) {
	if o != nil && o.jobCounter != nil {
		o.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

func (o *Observability) RecordJobDuration(ctx context.Context, duration time.Duration, status string) {
	if o != nil && o.jobDuration != nil {
		o.jobDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

func (o *Observability) RecordDispatch(ctx context.Context, kind, state string, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("kind", kind), attribute.String("state", state))
	if o.dispatchCounter != nil {
		o.dispatchCounter.Add(ctx, 1, attrs)
	}
	if o.dispatchDuration != nil {
		o.dispatchDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) RecordDeliveries(ctx context.Context, channel, outcome string, n int) {
	if o != nil && o.deliveryCounter != nil && n > 0 {
		o.deliveryCounter.Add(ctx, int64(n), otelmetric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("outcome", outcome),
		))
	}
}

// StartSpan starts a span on the configured tracer, or the global one.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var tracer trace.Tracer
	if o != nil && o.tracing != nil {
		tracer = o.tracing.Tracer()
	} else {
		tracer = otel.Tracer(instrumentationName)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) Shutdown() {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.meterProvider != nil {
		o.meterProvider.Shutdown(ctx)
	}
	if o.tracing != nil {
		o.tracing.Shutdown(ctx)
	}
}
