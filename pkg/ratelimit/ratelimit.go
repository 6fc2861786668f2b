// Package ratelimit implements a fixed-window request counter shared by
// every gateway replica through a [kvstore.Store].
//
// Each bucket is one counter key. The first hit of a window creates the
// counter with a TTL equal to the window; later hits increment it; the
// store expires it when the window ends. A caller is limited once the
// post-increment count exceeds the bucket's maximum. Bursts straddling a
// window boundary can reach twice the maximum; that is accepted in
// exchange for a single atomic store operation per request.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/kvstore"
)

const tracerName = "github.com/StricklySoft/storefront-gateway/pkg/ratelimit"

// keyPrefix namespaces rate-limit counters in the shared store.
const keyPrefix = "ratelimit:"

// BucketKey returns the counter key for a route class and caller, e.g.
// "ratelimit:auth:203.0.113.7".
func BucketKey(routeClass, caller string) string {
	return keyPrefix + routeClass + ":" + caller
}

// Limiter decides whether a request exceeds its bucket's quota. It is
// safe for concurrent use.
type Limiter struct {
	store  kvstore.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTracer sets the tracer. The default is the global provider's
// tracer for this package.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Limiter) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// New returns a Limiter counting in store.
func New(store kvstore.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ShouldLimit records one hit against bucketKey and reports whether the
// hit exceeds maxHits within the current window. The first hit of a
// window starts a window of the given length.
//
// A store failure is returned with limited=false. Callers decide whether
// to fail open or closed; the gateway middleware fails open.
func (l *Limiter) ShouldLimit(ctx context.Context, bucketKey string, maxHits int, window time.Duration) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "ratelimit.ShouldLimit", trace.WithAttributes(
		attribute.String("ratelimit.bucket", bucketKey),
		attribute.Int("ratelimit.max_hits", maxHits),
		attribute.Int64("ratelimit.window_ms", window.Milliseconds()),
	))
	defer span.End()

	if maxHits < 1 || window <= 0 {
		err := sserr.Newf(sserr.CodeValidation,
			"ratelimit: maxHits must be >= 1 and window positive, got %d and %v", maxHits, window)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	count, err := l.store.IncrWithTTLOnFirstHit(ctx, bucketKey, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	limited := count > int64(maxHits)
	span.SetAttributes(
		attribute.Int64("ratelimit.count", count),
		attribute.Bool("ratelimit.limited", limited),
	)
	if limited {
		l.logger.DebugContext(ctx, "rate limit exceeded",
			"bucket", bucketKey, "count", count, "max_hits", maxHits)
	}
	return limited, nil
}

// RetryAfter returns the whole seconds until bucketKey's window resets,
// rounded up and at least one. When the remaining time cannot be read
// the full window is returned.
func (l *Limiter) RetryAfter(ctx context.Context, bucketKey string, window time.Duration) int {
	remaining, err := l.store.TTL(ctx, bucketKey)
	if err != nil || remaining <= 0 {
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			l.logger.WarnContext(ctx, "ratelimit: reading window ttl failed",
				"bucket", bucketKey, "error", err)
		}
		remaining = window
	}
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
