package jwkscache

import "context"

// TraceEmitter starts a span for a resolve/fetch/refresh cycle and returns
// a closure that ends it, recording err if non-nil. The manager starts one
// jwks.fetch span per upstream fetch cycle; no other span is started by
// this package, so resolve, refresh, and register calls have no span of
// their own.
type TraceEmitter interface {
	StartSpan(ctx context.Context, name, tenant, provider string) (context.Context, func(err error))
}

// NoopTraceEmitter starts no span; ctx is returned unchanged and the end
// closure is a no-op. It is the Registry default when no emitter is
// supplied.
type NoopTraceEmitter struct{}

func (NoopTraceEmitter) StartSpan(ctx context.Context, name, tenant, provider string) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}
