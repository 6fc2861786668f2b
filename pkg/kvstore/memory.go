package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// sweepInterval bounds how often expired entries are purged on write.
const sweepInterval = time.Minute

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Memory is a [Store] held in process memory. State is not shared
// between processes, so it only gives correct rate limiting for a single
// gateway instance.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the time source. Tests use it to move past windows
// without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastSweep = m.now()
	return m
}

// lookup returns the live entry for key, dropping it if expired. The
// caller must hold m.mu.
func (m *Memory) lookup(key string, now time.Time) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// sweep drops expired entries at most once per sweepInterval. The caller
// must hold m.mu.
func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	m.lastSweep = now
}

// Get implements [Store].
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, m.now())
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// SetWithTTL implements [Store].
func (m *Memory) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	m.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Delete implements [Store].
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// IncrWithTTLOnFirstHit implements [Store].
func (m *Memory) IncrWithTTLOnFirstHit(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ValidateTTL(ttl); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	e, ok := m.lookup(key, now)
	if !ok {
		m.entries[key] = memoryEntry{value: "1", expiresAt: now.Add(ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, sserr.Wrapf(err, sserr.CodeInternalDatabase,
			"kvstore: value at %q is not an integer", key)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	m.entries[key] = e
	return n, nil
}

// TTL implements [Store].
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookup(key, now)
	if !ok {
		return 0, ErrNotFound
	}
	return e.expiresAt.Sub(now), nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
