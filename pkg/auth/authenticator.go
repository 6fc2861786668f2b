package auth

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// DefaultClockSkew is the leeway applied to exp and nbf.
const DefaultClockSkew = 60 * time.Second

// maxTokenSize rejects oversized tokens before any parsing.
const maxTokenSize = 8192

// allowedAlgorithms are the asymmetric JWS algorithms accepted locally.
// HMAC and "none" are excluded so a published public key can never be
// used as a shared secret.
var allowedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// errKeyNotFound marks a token whose kid is absent from the key set,
// the signature of a rotated key.
var errKeyNotFound = errors.New("auth: signing key not found in key set")

// KeySource provides the signing key set. [*KeySetCache] implements it.
type KeySource interface {
	Get(ctx context.Context) (*SigningKeySet, error)
	Invalidate(ctx context.Context) error
}

// TokenIntrospector asks the identity provider about a token.
// [*Introspector] implements it.
type TokenIntrospector interface {
	Introspect(ctx context.Context, token string) Verdict
}

// Config holds the validation policy.
type Config struct {
	Mode Mode

	// Issuer must equal the iss claim. Empty skips the check.
	Issuer string

	// Audiences lists acceptable aud values; the token must carry at
	// least one. Empty skips the check.
	Audiences []string

	// ClockSkew is the leeway for exp and nbf. Zero means
	// [DefaultClockSkew].
	ClockSkew time.Duration
}

// Authenticator turns bearer tokens into [Decision] values. It is safe
// for concurrent use.
type Authenticator struct {
	cfg          Config
	keys         KeySource
	introspector TokenIntrospector
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithTracer sets the tracer. The default is the global provider's
// tracer for this package.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Authenticator) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

// WithClock sets the time source used for exp and nbf checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator returns an Authenticator. introspector may be nil
// only in [ModeJwtOnly].
func NewAuthenticator(cfg Config, keys KeySource, introspector TokenIntrospector, opts ...Option) (*Authenticator, error) {
	if keys == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: authenticator requires a key source")
	}
	if cfg.Mode == ModeJwtFirst && introspector == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"auth: JwtFirst mode requires an introspector")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	cfg.Audiences = slices.Clone(cfg.Audiences)

	a := &Authenticator{
		cfg:          cfg,
		keys:         keys,
		introspector: introspector,
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Mode returns the configured validation mode.
func (a *Authenticator) Mode() Mode {
	return a.cfg.Mode
}

// Authenticate validates bearerToken, which must already be stripped of
// its "Bearer " prefix.
//
// The token is validated locally first. On success no remote call is
// made. In [ModeJwtFirst] any local failure falls back to introspection,
// whose verdict decides; in [ModeJwtOnly] the local failure is final.
func (a *Authenticator) Authenticate(ctx context.Context, bearerToken string) Decision {
	ctx, span := startSpan(ctx, a.tracer, "auth.Authenticate")
	defer span.End()
	span.SetAttributes(attribute.String("auth.mode", a.cfg.Mode.String()))

	d := a.authenticate(ctx, bearerToken)

	span.SetAttributes(
		attribute.Bool("auth.ok", d.OK),
		attribute.String("auth.source", d.Source.String()),
	)
	if !d.OK {
		span.SetAttributes(attribute.String("auth.reason", d.Reason))
		span.SetStatus(codes.Error, d.Reason)
	}
	return d
}

func (a *Authenticator) authenticate(ctx context.Context, bearerToken string) Decision {
	token := strings.TrimSpace(bearerToken)
	if token == "" {
		return deny(SourceNone, ReasonEmptyToken)
	}

	identity, reason := a.validateLocal(ctx, token)
	if reason == "" {
		return allow(identity, SourceJwt)
	}

	if a.cfg.Mode == ModeJwtOnly {
		a.logger.DebugContext(ctx, "auth: local validation failed", "reason", reason)
		return deny(SourceJwt, reason)
	}

	a.logger.DebugContext(ctx, "auth: local validation failed, introspecting", "reason", reason)
	v := a.introspector.Introspect(ctx, token)
	if v.Active {
		return allow(v.Identity(), SourceIntrospection)
	}
	if v.Reason == "" {
		return deny(SourceIntrospection, ReasonInactive)
	}
	return deny(SourceIntrospection, v.Reason)
}

// validateLocal verifies token as a JWT signed by a key in the current
// key set. It returns the identity, or a failure reason.
func (a *Authenticator) validateLocal(ctx context.Context, token string) (*Identity, string) {
	ctx, span := startSpan(ctx, a.tracer, "auth.ValidateLocal")
	defer span.End()

	identity, reason := a.verify(ctx, token)
	if reason != "" {
		span.SetAttributes(attribute.String("auth.reason", reason))
	}
	return identity, reason
}

func (a *Authenticator) verify(ctx context.Context, token string) (*Identity, string) {
	if len(token) > maxTokenSize {
		return nil, ReasonNotAJWT
	}

	// Structure and kid are checked before touching the key set so
	// opaque tokens never cause a key set lookup.
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, ReasonNotAJWT
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, ReasonNoKid
	}

	set, err := a.keys.Get(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "auth: signing key set unavailable", "error", err)
		return nil, ReasonNoSigningKeys
	}
	if set.Len() == 0 {
		return nil, ReasonNoSigningKeys
	}

	claims, err := a.parse(token, set)
	if errors.Is(err, errKeyNotFound) {
		// Possibly a rotated key: refresh once and retry once.
		a.logger.InfoContext(ctx, "auth: token kid not in key set, refreshing", "kid", kid)
		if invErr := a.keys.Invalidate(ctx); invErr != nil {
			a.logger.WarnContext(ctx, "auth: invalidating key set failed", "error", invErr)
		}
		set, err = a.keys.Get(ctx)
		if err != nil || set.Len() == 0 {
			return nil, ReasonNoSigningKeys
		}
		claims, err = a.parse(token, set)
	}
	if err != nil {
		return nil, classifyJWTError(err)
	}
	return identityFromClaims(map[string]any(claims)), ""
}

func (a *Authenticator) parse(token string, set *SigningKeySet) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedAlgorithms),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if len(a.cfg.Audiences) > 0 {
		// Any one configured audience is enough.
		opts = append(opts, jwt.WithAudience(a.cfg.Audiences...))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := set.Key(kid)
		if !ok {
			return nil, errKeyNotFound
		}
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// classifyJWTError maps a jwt parse failure to a reason.
func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonSignatureInvalid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonNotAJWT
	default:
		return ReasonJWTValidation
	}
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on span. It does not end the span.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
