// Package telemetry provides tracing plumbing. Without an installed SDK the
// global otel tracer is a no-op, so instrumentation is always safe to call.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span aliases the otel span interface so instrumented packages only
// import this package.
type Span = trace.Span

// Tracer wraps an otel tracer.
type Tracer struct {
	tracer trace.Tracer
	debug  bool
}

var (
	globalMu     sync.RWMutex
	globalTracer = &Tracer{tracer: otel.Tracer("termagent")}
)

// GetTracer returns the process-wide tracer.
func GetTracer() *Tracer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalTracer
}

// SetDebug controls whether spans carry verbose payload attributes.
func SetDebug(debug bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalTracer = &Tracer{tracer: globalTracer.tracer, debug: debug}
}

// Debug reports whether verbose attributes are enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a named span.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return t.tracer.Start(ctx, name)
}

// StartSpan starts a named span on the process-wide tracer.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return GetTracer().StartSpan(ctx, name)
}
