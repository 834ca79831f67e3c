package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation couples one public operation with its span, timer, and
// scoped logger. End records the outcome exactly once.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	logger  *slog.Logger
	name    string
	start   time.Time
}

// StartOperation opens a span and starts timing the named operation.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	logger := slog.Default().With("operation", name)
	logger.DebugContext(ctx, "operation started")

	return &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		logger:  logger,
		name:    name,
		start:   time.Now(),
	}, ctx
}

// End closes the span and records duration and status meters.
func (o *Operation) End(err error) {
	elapsed := time.Since(o.start).Seconds()

	status := "ok"
	if err != nil {
		status = "error"
		o.metrics.ErrorsTotal.WithLabelValues(o.name, "operation").Inc()
		o.logger.ErrorContext(o.ctx, "operation failed", "error", err, "duration", elapsed)
	} else {
		o.logger.DebugContext(o.ctx, "operation completed", "duration", elapsed)
	}

	EndSpan(o.span, err)
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(elapsed)
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
}
