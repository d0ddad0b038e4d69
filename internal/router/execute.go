package router

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/axial/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/jmerrifield20/axial/internal/router"

// Execute runs task on the registered provider id. Provider failures come
// back as *ExecutionError so callers can tell them apart from routing
// failures.
func (r *Router) Execute(ctx context.Context, id, task string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	reg, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}

	ctx, span := r.tracer.Start(ctx, "axial.provider.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("axial.provider.id", id),
			attribute.String("axial.provider.privacy", string(reg.info.PrivacyLevel)),
			attribute.String("axial.task", task),
		),
	)
	defer span.End()

	if params == nil {
		params = map[string]any{}
	}
	out, err := reg.provider.Execute(ctx, task, params)
	metrics.RecordProviderExecution(id, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("provider execution failed", zap.String("provider", id), zap.Error(err))
		return nil, &ExecutionError{ProviderID: id, Task: task, Err: err}
	}

	span.SetStatus(codes.Ok, "")
	return out, nil
}
