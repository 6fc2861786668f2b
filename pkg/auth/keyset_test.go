package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/storefront-gateway/internal/testutil"
	"github.com/StricklySoft/storefront-gateway/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/kvstore"
)

func newTestKeySetCache(t *testing.T, idp *testutil.IdentityProvider, store kvstore.Store, opts ...KeySetOption) *KeySetCache {
	t.Helper()
	c, err := NewKeySetCache(idp.JWKSURL(), store, opts...)
	require.NoError(t, err)
	return c
}

func TestNewKeySetCache_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewKeySetCache("", kvstore.NewMemory())
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)

	_, err = NewKeySetCache("https://idp.test/jwks", nil)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestKeySetCache_CacheKeyIsStable(t *testing.T) {
	t.Parallel()
	a, err := NewKeySetCache("https://idp.test/jwks", kvstore.NewMemory())
	require.NoError(t, err)
	b, err := NewKeySetCache("https://idp.test/jwks", kvstore.NewMemory())
	require.NoError(t, err)
	c, err := NewKeySetCache("https://other.test/jwks", kvstore.NewMemory())
	require.NoError(t, err)

	assert.Equal(t, a.CacheKey(), b.CacheKey())
	assert.NotEqual(t, a.CacheKey(), c.CacheKey())
	assert.Regexp(t, `^auth:jwks:[0-9a-f]{16}$`, a.CacheKey())
}

func TestKeySetCache_GetFetchesOnceThenCaches(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	idp.GenerateECKey(t, "ec-1")
	c := newTestKeySetCache(t, idp, kvstore.NewMemory())

	set, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"ec-1", fixtures.TestKeyID}, set.KeyIDs())
	assert.False(t, set.FetchedAt().IsZero())

	rsaKey, ok := set.Key(fixtures.TestKeyID)
	require.True(t, ok)
	assert.IsType(t, &rsa.PublicKey{}, rsaKey)
	ecKey, ok := set.Key("ec-1")
	require.True(t, ok)
	assert.IsType(t, &ecdsa.PublicKey{}, ecKey)

	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), idp.JWKSHits())
}

func TestKeySetCache_SharedAcrossReplicas(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	store := kvstore.NewMemory()

	first := newTestKeySetCache(t, idp, store)
	second := newTestKeySetCache(t, idp, store)

	_, err := first.Get(context.Background())
	require.NoError(t, err)
	set, err := second.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, set.Len())
	assert.Equal(t, int64(1), idp.JWKSHits())
}

func TestKeySetCache_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	c := newTestKeySetCache(t, idp, kvstore.NewMemory(), WithKeySetTTL(time.Hour))

	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	now = now.Add(59 * time.Minute)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), idp.JWKSHits())

	now = now.Add(2 * time.Minute)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), idp.JWKSHits())
}

func TestKeySetCache_Invalidate(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	store := kvstore.NewMemory()
	c := newTestKeySetCache(t, idp, store)

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(context.Background()))
	_, err = store.Get(context.Background(), c.CacheKey())
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	idp.GenerateRSAKey(t, fixtures.TestRotatedKeyID)
	set, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, int64(2), idp.JWKSHits())
}

func TestKeySetCache_FetchFailureNotCached(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	idp.SetJWKSStatus(http.StatusInternalServerError)
	store := kvstore.NewMemory()
	c := newTestKeySetCache(t, idp, store)

	_, err := c.Get(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
	assert.True(t, sserr.IsRetryable(err))
	assert.Equal(t, 0, store.Len())

	idp.SetJWKSStatus(0)
	set, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestKeySetCache_InvalidJSON(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.SetRawJWKS(`{"keys": [`)
	c := newTestKeySetCache(t, idp, kvstore.NewMemory())

	_, err := c.Get(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
}

func TestKeySetCache_SkipsUnusableKeys(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.SetRawJWKS(`{"keys": [
		{"kty": "RSA", "kid": "good", "use": "sig", "n": "wJrBZQ", "e": "AQAB"},
		{"kty": "RSA", "use": "sig", "n": "wJrBZQ", "e": "AQAB"},
		{"kty": "RSA", "kid": "enc", "use": "enc", "n": "wJrBZQ", "e": "AQAB"},
		{"kty": "oct", "kid": "hmac", "k": "c2VjcmV0"},
		{"kty": "RSA", "kid": "bad-modulus", "n": "!!!", "e": "AQAB"},
		{"kty": "RSA", "kid": "huge-exponent", "n": "wJrBZQ", "e": "AQABAQAB"},
		{"kty": "EC", "kid": "bad-curve", "crv": "P-192", "x": "AQ", "y": "AQ"},
		{"kty": "EC", "kid": "bad-x", "crv": "P-256", "x": "***", "y": "AQ"}
	]}`)
	c := newTestKeySetCache(t, idp, kvstore.NewMemory())

	set, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, set.KeyIDs())
}

func TestKeySetCache_DiscardsUndecodableCacheEntry(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	store := kvstore.NewMemory()
	c := newTestKeySetCache(t, idp, store)

	require.NoError(t, store.SetWithTTL(context.Background(), c.CacheKey(), "not json", time.Hour))

	set, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, int64(1), idp.JWKSHits())
}

func TestKeySetCache_Discovery(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)

	c, err := NewKeySetCache("", kvstore.NewMemory(), WithDiscoveryIssuer(idp.Issuer()+"/"))
	require.NoError(t, err)

	set, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())

	require.NoError(t, c.Invalidate(context.Background()))
	_, err = c.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), idp.DiscoveryHits(), "discovery result is remembered")
	assert.Equal(t, int64(2), idp.JWKSHits())
}

// gatedClient blocks every request until released, counting calls.
type gatedClient struct {
	next    HTTPClient
	release chan struct{}
	calls   atomic.Int64
}

func (g *gatedClient) Do(req *http.Request) (*http.Response, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
	return g.next.Do(req)
}

func TestKeySetCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	gate := &gatedClient{next: http.DefaultClient, release: make(chan struct{})}
	c := newTestKeySetCache(t, idp, kvstore.NewMemory(), WithKeySetHTTPClient(gate))

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background())
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return gate.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), gate.calls.Load())
	assert.Equal(t, int64(1), idp.JWKSHits())
}

func TestKeySetCache_CanceledContext(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.GenerateRSAKey(t, fixtures.TestKeyID)
	gate := &gatedClient{next: http.DefaultClient, release: make(chan struct{})}
	c := newTestKeySetCache(t, idp, kvstore.NewMemory(), WithKeySetHTTPClient(gate))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(0), idp.JWKSHits())
}

func TestSigningKeySet_NilSafe(t *testing.T) {
	t.Parallel()
	var s *SigningKeySet
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.KeyIDs())
	assert.True(t, s.FetchedAt().IsZero())
	_, ok := s.Key("any")
	assert.False(t, ok)
}
