package service

import "context"

// Tracer starts a span around a unit of work. Implementations may forward
// spans to an external collector; NoopTracer is the zero-cost default.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(err error)) {
	return ctx, func(error) {}
}

// NoopTracer discards all spans.
var NoopTracer Tracer = noopTracer{}
