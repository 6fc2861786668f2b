package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/kvstore"
)

const tracerName = "github.com/StricklySoft/storefront-gateway/pkg/auth"

// DefaultKeySetTTL is how long a fetched key set is served from cache.
const DefaultKeySetTTL = time.Hour

// maxDocumentSize caps JWKS, discovery and introspection response bodies.
const maxDocumentSize = 1 << 20

// HTTPClient is the subset of [*http.Client] used to reach the identity
// provider.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SigningKeySet maps key IDs to public verification keys. A set is
// immutable once built and safe for concurrent reads.
type SigningKeySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// Key returns the public key for kid.
func (s *SigningKeySet) Key(kid string) (crypto.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len returns the number of usable keys.
func (s *SigningKeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// KeyIDs returns the key IDs in sorted order.
func (s *SigningKeySet) KeyIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		ids = append(ids, kid)
	}
	slices.Sort(ids)
	return ids
}

// FetchedAt returns when the set was downloaded from the provider.
func (s *SigningKeySet) FetchedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.fetchedAt
}

// cachedKeySet is the shared-store representation: the provider's raw
// document plus its fetch time.
type cachedKeySet struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Document  json.RawMessage `json:"jwks"`
}

// parsedDocument memoizes the last parsed document so replicas reading
// the same cached entry do not rebuild keys on every request.
type parsedDocument struct {
	digest string
	set    *SigningKeySet
}

// KeySetCache serves the identity provider's signing keys from the shared
// store, fetching them over HTTP when the cached copy is absent or has
// expired.
//
// KeySetCache is safe for concurrent use. Concurrent misses in one
// process share a single HTTP fetch.
type KeySetCache struct {
	jwksURI   string
	issuer    string
	cacheKey  string
	ttl       time.Duration
	store     kvstore.Store
	client    HTTPClient
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	group     singleflight.Group
	lastParse atomic.Pointer[parsedDocument]
	discovery atomic.Pointer[string]
}

// KeySetOption configures a KeySetCache.
type KeySetOption func(*KeySetCache)

// WithKeySetTTL overrides [DefaultKeySetTTL].
func WithKeySetTTL(ttl time.Duration) KeySetOption {
	return func(c *KeySetCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithKeySetHTTPClient sets the client used to fetch the key set.
func WithKeySetHTTPClient(client HTTPClient) KeySetOption {
	return func(c *KeySetCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithDiscoveryIssuer resolves the key set URI from the issuer's
// /.well-known/openid-configuration document when no URI is given.
func WithDiscoveryIssuer(issuer string) KeySetOption {
	return func(c *KeySetCache) { c.issuer = issuer }
}

// WithKeySetLogger sets the logger. The default is [slog.Default].
func WithKeySetLogger(logger *slog.Logger) KeySetOption {
	return func(c *KeySetCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithKeySetTracer sets the tracer.
func WithKeySetTracer(tracer trace.Tracer) KeySetOption {
	return func(c *KeySetCache) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewKeySetCache returns a cache for the key set published at jwksURI.
// jwksURI may be empty when [WithDiscoveryIssuer] is used.
func NewKeySetCache(jwksURI string, store kvstore.Store, opts ...KeySetOption) (*KeySetCache, error) {
	if store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: key set cache requires a store")
	}
	c := &KeySetCache{
		jwksURI: jwksURI,
		ttl:     DefaultKeySetTTL,
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.jwksURI == "" && c.issuer == "" {
		return nil, sserr.New(sserr.CodeValidationRequired,
			"auth: a JWKS URI or a discovery issuer is required")
	}

	source := c.jwksURI
	if source == "" {
		source = c.issuer
	}
	sum := sha256.Sum256([]byte(source))
	c.cacheKey = "auth:jwks:" + hex.EncodeToString(sum[:8])
	return c, nil
}

// CacheKey returns the shared-store key holding the cached key set.
func (c *KeySetCache) CacheKey() string {
	return c.cacheKey
}

// Get returns the current key set: the cached copy when present and
// unexpired, otherwise a freshly fetched one, which is then cached. Fetch
// failures are returned; callers must not validate against an empty set.
func (c *KeySetCache) Get(ctx context.Context) (*SigningKeySet, error) {
	ctx, span := startSpan(ctx, c.tracer, "auth.KeySet.Get")
	defer span.End()

	if set, ok := c.cached(ctx); ok {
		span.SetAttributes(attribute.Bool("auth.keyset.cache_hit", true), attribute.Int("auth.keyset.size", set.Len()))
		return set, nil
	}
	span.SetAttributes(attribute.Bool("auth.keyset.cache_hit", false))

	set, err := c.sharedRefresh(ctx)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("auth.keyset.size", set.Len()))
	return set, nil
}

// sharedRefresh collapses concurrent fetches into one. The fetch runs on
// the leading caller's context; a waiter whose leader was canceled
// fetches for itself rather than inheriting the cancellation.
func (c *KeySetCache) sharedRefresh(ctx context.Context) (*SigningKeySet, error) {
	ch := c.group.DoChan(c.cacheKey, func() (any, error) {
		return c.refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*SigningKeySet), nil
		}
		if res.Shared && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
			return c.refresh(ctx)
		}
		return nil, res.Err
	}
}

// Invalidate drops the cached key set so the next Get refetches it.
func (c *KeySetCache) Invalidate(ctx context.Context) error {
	ctx, span := startSpan(ctx, c.tracer, "auth.KeySet.Invalidate")
	defer span.End()

	c.lastParse.Store(nil)
	if err := c.store.Delete(ctx, c.cacheKey); err != nil {
		finishSpan(span, err)
		return err
	}
	c.logger.InfoContext(ctx, "auth: signing key set invalidated", "cache_key", c.cacheKey)
	return nil
}

// cached reads and decodes the shared-store entry. Unreadable entries
// and store failures count as a miss.
func (c *KeySetCache) cached(ctx context.Context) (*SigningKeySet, bool) {
	raw, err := c.store.Get(ctx, c.cacheKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.logger.WarnContext(ctx, "auth: reading cached key set failed", "error", err)
		}
		return nil, false
	}

	var entry cachedKeySet
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.WarnContext(ctx, "auth: discarding undecodable cached key set", "error", err)
		return nil, false
	}
	if c.now().Sub(entry.FetchedAt) >= c.ttl {
		return nil, false
	}

	set, err := c.parse(entry.Document, entry.FetchedAt)
	if err != nil || set.Len() == 0 {
		return nil, false
	}
	return set, true
}

// refresh fetches the key set from the provider and stores it.
func (c *KeySetCache) refresh(ctx context.Context) (*SigningKeySet, error) {
	uri, err := c.resolveURI(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := c.fetch(ctx, uri)
	if err != nil {
		c.logger.WarnContext(ctx, "auth: fetching signing key set failed", "uri", uri, "error", err)
		return nil, err
	}

	fetchedAt := c.now()
	set, err := c.parse(doc, fetchedAt)
	if err != nil {
		return nil, err
	}

	entry, err := json.Marshal(cachedKeySet{FetchedAt: fetchedAt, Document: doc})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "auth: encoding key set for cache")
	}
	if err := c.store.SetWithTTL(ctx, c.cacheKey, string(entry), c.ttl); err != nil {
		// The fetched keys are still good for this request.
		c.logger.WarnContext(ctx, "auth: caching signing key set failed", "error", err)
	}

	c.logger.DebugContext(ctx, "auth: signing key set refreshed", "uri", uri, "keys", set.KeyIDs())
	return set, nil
}

func (c *KeySetCache) fetch(ctx context.Context, uri string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: building JWKS request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: JWKS request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, sserr.Newf(sserr.CodeUnavailableDependency,
			"auth: JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: reading JWKS response")
	}
	if !json.Valid(body) {
		return nil, sserr.New(sserr.CodeUnavailableDependency, "auth: JWKS response is not valid JSON")
	}
	return body, nil
}

// resolveURI returns the configured JWKS URI, or discovers it from the
// issuer once and remembers it.
func (c *KeySetCache) resolveURI(ctx context.Context) (string, error) {
	if c.jwksURI != "" {
		return c.jwksURI, nil
	}
	if uri := c.discovery.Load(); uri != nil {
		return *uri, nil
	}
	uri, err := discoverJWKSURI(ctx, c.issuer, c.client)
	if err != nil {
		return "", err
	}
	c.discovery.Store(&uri)
	return uri, nil
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// parse builds a key set from a JWKS document. Keys without a kid, keys
// for encryption, unsupported key types and malformed keys are skipped.
func (c *KeySetCache) parse(doc json.RawMessage, fetchedAt time.Time) (*SigningKeySet, error) {
	sum := sha256.Sum256(doc)
	digest := hex.EncodeToString(sum[:])
	if last := c.lastParse.Load(); last != nil && last.digest == digest {
		return last.set, nil
	}

	set, err := parseKeySet(doc, fetchedAt)
	if err != nil {
		return nil, err
	}
	c.lastParse.Store(&parsedDocument{digest: digest, set: set})
	return set, nil
}

func parseKeySet(doc []byte, fetchedAt time.Time) (*SigningKeySet, error) {
	var jwks jwksDocument
	if err := json.Unmarshal(doc, &jwks); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: parsing JWKS document")
	}

	keys := make(map[string]crypto.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		var (
			pub crypto.PublicKey
			err error
		)
		switch k.Kty {
		case "RSA":
			pub, err = parseRSAPublicKey(k.N, k.E)
		case "EC":
			pub, err = parseECPublicKey(k.Crv, k.X, k.Y)
		default:
			continue
		}
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return &SigningKeySet{keys: keys, fetchedAt: fetchedAt}, nil
}

func parseRSAPublicKey(nBase64, eBase64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding RSA exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("auth: RSA key has empty modulus or oversized exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func parseECPublicKey(crv, xBase64, yBase64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("auth: unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: decoding EC y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func discoverJWKSURI(ctx context.Context, issuer string, client HTTPClient) (string, error) {
	discoveryURL := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: building discovery request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: discovery request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", sserr.Newf(sserr.CodeUnavailableDependency,
			"auth: discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return "", sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: parsing discovery document")
	}
	if doc.JWKSURI == "" {
		return "", sserr.New(sserr.CodeUnavailableDependency, "auth: discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// tokenHash keys per-token cache entries without storing raw tokens.
func tokenHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
