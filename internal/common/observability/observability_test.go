package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNilObservabilityIsSafe(t *testing.T) {
	var o *Observability
	ctx := context.Background()

	assert.NotPanics(t, func() {
		o.RecordJobProcessed(ctx, "success")
		o.RecordJobDuration(ctx, time.Second, "success")
		o.RecordDispatch(ctx, "published", "completed", time.Second)
		o.RecordDeliveries(ctx, "push", "sent", 3)
		_, span := o.StartSpan(ctx, "dispatch.test")
		span.End()
		o.Shutdown()
	})
}

func TestTracing_StartSpan(t *testing.T) {
	tracing := NewTracing("publish-dispatch-test", "")
	defer tracing.Shutdown(context.Background())

	o := &Observability{tracing: tracing}
	ctx, span := o.StartSpan(context.Background(), "dispatch.Dispatch", attribute.String("document.id", "doc-1"))
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.IsRecording())
	assert.NotNil(t, ctx)
}
