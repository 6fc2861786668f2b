package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	identityKey contextKey = iota
	sourceKey
)

// ContextWithIdentity attaches an authenticated identity and the path
// that produced it.
func ContextWithIdentity(ctx context.Context, identity *Identity, source Source) context.Context {
	ctx = context.WithValue(ctx, identityKey, identity)
	return context.WithValue(ctx, sourceKey, source)
}

// IdentityFromContext returns the identity attached by the
// authentication middleware, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity != nil
}

// SourceFromContext returns the validation path recorded with the
// identity, or [SourceNone].
func SourceFromContext(ctx context.Context) Source {
	s, _ := ctx.Value(sourceKey).(Source)
	return s
}

// TraceIDFromContext returns the active OpenTelemetry trace ID in hex.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
