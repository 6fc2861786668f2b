// Package kvstore defines the shared key-value capability the gateway's
// caches and rate limiter are built on, and an in-process implementation
// for single-instance deployments and tests.
//
// Production deployments back [Store] with Redis
// (see pkg/clients/redis) so every gateway replica sees the same cached
// key set, the same introspection verdicts and the same rate-limit
// counters.
package kvstore

import (
	"context"
	"errors"
	"time"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// ErrNotFound is returned by Get and TTL when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the minimal capability set shared by the token caches and the
// rate limiter. Implementations must be safe for concurrent use and must
// never return a value after its TTL has elapsed.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL stores value at key, replacing any previous value and
	// expiry. ttl must be positive.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrWithTTLOnFirstHit atomically increments the integer counter at
	// key and returns the new count. When the increment creates the
	// counter, its expiry is set to ttl in the same atomic step; later
	// increments leave the expiry untouched.
	IncrWithTTLOnFirstHit(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key, or ErrNotFound. A key
	// without an expiry reports zero.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// ValidateTTL rejects non-positive expiries. A zero TTL would mean
// "never expire" to some backends.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return sserr.Newf(sserr.CodeValidation, "kvstore: ttl must be positive, got %v", ttl)
	}
	return nil
}
