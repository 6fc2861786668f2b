package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/kvstore"
)

// DefaultIntrospectionTTL caches verdicts that carry no exp claim,
// including negative verdicts. Operators can change it with
// [WithDefaultTTL].
const DefaultIntrospectionTTL = 5 * time.Minute

// Secret is a credential that redacts itself when printed or marshaled.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string   { return secretRedacted }
func (s Secret) GoString() string { return secretRedacted }

// Value returns the unredacted secret.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of serialized configuration.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// Verdict is the identity provider's answer about one token.
type Verdict struct {
	Active      bool       `json:"active"`
	Subject     string     `json:"sub,omitempty"`
	ClientID    string     `json:"client_id,omitempty"`
	Username    string     `json:"username,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Roles       []string   `json:"roles,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	Expiry      *time.Time `json:"exp,omitempty"`

	// Reason explains an inactive verdict. It is empty when Active.
	Reason string `json:"-"`

	// Cached is set when the verdict was served from the shared store.
	Cached bool `json:"-"`
}

// Identity maps the verdict onto the normalized identity shape.
func (v Verdict) Identity() *Identity {
	return &Identity{
		Subject:     v.Subject,
		ClientID:    v.ClientID,
		Username:    v.Username,
		Scopes:      slices.Clone(v.Scopes),
		Roles:       slices.Clone(v.Roles),
		Permissions: slices.Clone(v.Permissions),
	}
}

// introspectionResponse is the RFC 7662 document returned by the
// identity provider.
type introspectionResponse struct {
	Active     bool        `json:"active"`
	Sub        string      `json:"sub"`
	ClientID   string      `json:"client_id"`
	Username   string      `json:"username"`
	Scope      string      `json:"scope"`
	Role       stringOrSet `json:"role"`
	Permission stringOrSet `json:"permission"`
	Exp        *float64    `json:"exp"`
}

// stringOrSet decodes a claim sent either as one string or as an array.
type stringOrSet []string

func (s *stringOrSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		if one == "" {
			*s = nil
		} else {
			*s = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Introspector asks the identity provider whether an opaque or otherwise
// unverifiable token is active, caching verdicts in the shared store.
//
// Transport failures are never cached: they say nothing about the token.
// Inactive verdicts are cached so a replayed bad token costs one remote
// call per TTL.
type Introspector struct {
	endpoint     string
	clientID     string
	clientSecret Secret
	defaultTTL   time.Duration
	store        kvstore.Store
	client       HTTPClient
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	group        singleflight.Group
}

// IntrospectorOption configures an Introspector.
type IntrospectorOption func(*Introspector)

// WithDefaultTTL sets the cache lifetime for verdicts without an exp
// claim. Non-positive values are ignored.
func WithDefaultTTL(ttl time.Duration) IntrospectorOption {
	return func(i *Introspector) {
		if ttl > 0 {
			i.defaultTTL = ttl
		}
	}
}

// WithIntrospectionHTTPClient sets the client used to call the endpoint.
func WithIntrospectionHTTPClient(client HTTPClient) IntrospectorOption {
	return func(i *Introspector) {
		if client != nil {
			i.client = client
		}
	}
}

// WithIntrospectionLogger sets the logger.
func WithIntrospectionLogger(logger *slog.Logger) IntrospectorOption {
	return func(i *Introspector) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithIntrospectionTracer sets the tracer.
func WithIntrospectionTracer(tracer trace.Tracer) IntrospectorOption {
	return func(i *Introspector) {
		if tracer != nil {
			i.tracer = tracer
		}
	}
}

// WithIntrospectionClock sets the time source used for TTLs.
func WithIntrospectionClock(now func() time.Time) IntrospectorOption {
	return func(i *Introspector) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIntrospector returns a client for the introspection endpoint,
// authenticating as the confidential client clientID.
func NewIntrospector(endpoint, clientID string, clientSecret Secret, store kvstore.Store, opts ...IntrospectorOption) (*Introspector, error) {
	if endpoint == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: introspection endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidationFormat, "auth: introspection endpoint is not a valid URL")
	}
	if clientID == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: introspection client id is required")
	}
	if store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: introspector requires a store")
	}

	i := &Introspector{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		defaultTTL:   DefaultIntrospectionTTL,
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Introspect returns the verdict for token. It never returns an error:
// failures are inactive verdicts with [ReasonHTTPFailure] or
// [ReasonIntrospectionFailed].
func (i *Introspector) Introspect(ctx context.Context, token string) Verdict {
	ctx, span := startSpan(ctx, i.tracer, "auth.Introspect")
	defer span.End()

	hash := tokenHash(token)
	key := "auth:introspect:" + hash

	if v, ok := i.cached(ctx, key); ok {
		span.SetAttributes(attribute.Bool("auth.introspect.cache_hit", true), attribute.Bool("auth.introspect.active", v.Active))
		return v
	}
	span.SetAttributes(attribute.Bool("auth.introspect.cache_hit", false))

	v := i.sharedIntrospect(ctx, token, key, hash)

	span.SetAttributes(attribute.Bool("auth.introspect.active", v.Active))
	if v.Reason != "" {
		span.SetAttributes(attribute.String("auth.reason", v.Reason))
	}
	return v
}

// sharedIntrospect collapses concurrent introspections of one token. The
// call runs on the leading caller's context; a waiter whose leader was
// canceled introspects for itself rather than inheriting the failure.
func (i *Introspector) sharedIntrospect(ctx context.Context, token, key, hash string) Verdict {
	ch := i.group.DoChan(hash, func() (any, error) {
		v, err := i.introspectAndCache(ctx, token, key)
		return v, err
	})

	select {
	case <-ctx.Done():
		return Verdict{Reason: ReasonIntrospectionFailed}
	case res := <-ch:
		if res.Err != nil && res.Shared && ctx.Err() == nil {
			v, _ := i.introspectAndCache(ctx, token, key)
			return v
		}
		return res.Val.(Verdict)
	}
}

func (i *Introspector) cached(ctx context.Context, key string) (Verdict, bool) {
	raw, err := i.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			i.logger.WarnContext(ctx, "auth: reading cached verdict failed", "error", err)
		}
		return Verdict{}, false
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		i.logger.WarnContext(ctx, "auth: discarding undecodable cached verdict", "error", err)
		return Verdict{}, false
	}
	if v.Expiry != nil && !i.now().Before(*v.Expiry) {
		return Verdict{}, false
	}

	v.Cached = true
	if !v.Active {
		v.Reason = ReasonInactiveCached
	}
	return v, true
}

// introspectAndCache calls the endpoint and caches a definitive verdict.
// The error is the context's when the call failed because ctx ended.
func (i *Introspector) introspectAndCache(ctx context.Context, token, key string) (Verdict, error) {
	v, ok := i.call(ctx, token)
	if !ok {
		return v, ctx.Err()
	}

	ttl := i.cacheTTL(v)
	if ttl <= 0 {
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		i.logger.WarnContext(ctx, "auth: encoding verdict failed", "error", err)
		return v, nil
	}
	if err := i.store.SetWithTTL(ctx, key, string(data), ttl); err != nil {
		i.logger.WarnContext(ctx, "auth: caching verdict failed", "error", err)
	}
	return v, nil
}

// cacheTTL is the time until exp when the verdict carries one, otherwise
// the default. A verdict already past exp is not cached.
func (i *Introspector) cacheTTL(v Verdict) time.Duration {
	if v.Expiry == nil {
		return i.defaultTTL
	}
	return max(0, v.Expiry.Sub(i.now()))
}

// call performs the HTTP exchange. ok is false for failures that must
// not be cached.
func (i *Introspector) call(ctx context.Context, token string) (Verdict, bool) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		i.logger.ErrorContext(ctx, "auth: building introspection request failed", "error", err)
		return Verdict{Reason: ReasonIntrospectionFailed}, false
	}
	req.SetBasicAuth(i.clientID, i.clientSecret.Value())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.WarnContext(ctx, "auth: introspection request failed", "error", err)
		return Verdict{Reason: ReasonIntrospectionFailed}, false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		i.logger.WarnContext(ctx, "auth: introspection endpoint returned non-success status",
			"status", resp.StatusCode)
		return Verdict{Reason: ReasonHTTPFailure}, false
	}

	var doc introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		i.logger.WarnContext(ctx, "auth: decoding introspection response failed", "error", err)
		return Verdict{Reason: ReasonIntrospectionFailed}, false
	}

	v := Verdict{
		Active:      doc.Active,
		Subject:     doc.Sub,
		ClientID:    doc.ClientID,
		Username:    doc.Username,
		Scopes:      strings.Fields(doc.Scope),
		Roles:       []string(doc.Role),
		Permissions: []string(doc.Permission),
	}
	if doc.Exp != nil && !math.IsNaN(*doc.Exp) && !math.IsInf(*doc.Exp, 0) {
		sec, frac := math.Modf(*doc.Exp)
		exp := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		v.Expiry = &exp
	}
	if !v.Active {
		v.Reason = ReasonInactive
	}
	return v, true
}
