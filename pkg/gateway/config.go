package gateway

import (
	"net/url"
	"time"

	"github.com/StricklySoft/storefront-gateway/pkg/auth"
	"github.com/StricklySoft/storefront-gateway/pkg/clients/redis"
	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// EnvPrefix prefixes every gateway environment variable.
const EnvPrefix = "GATEWAY"

// Store backends selectable with GATEWAY_STORE.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Route classes. Each class has its own rate-limit rule.
const (
	RouteClassAuth = "auth"
	RouteClassAPI  = "api"
)

// Default rate-limit rules applied when a rule is left zero.
var (
	DefaultAuthRule = Rule{MaxHits: 10, Window: time.Minute}
	DefaultAPIRule  = Rule{MaxHits: 100, Window: time.Minute}
)

// Config is the complete gateway configuration, loaded with
// config.New().WithEnvPrefix(EnvPrefix).
type Config struct {
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080" yaml:"listenAddr" json:"listenAddr"`
	GRPCListenAddr  string        `env:"GRPC_LISTEN_ADDR" yaml:"grpcListenAddr" json:"grpcListenAddr"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" yaml:"shutdownTimeout" json:"shutdownTimeout"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info" yaml:"logLevel" json:"logLevel"`

	// Store selects the shared store: "redis" for multi-replica
	// deployments or "memory" for a single process.
	Store string `env:"STORE" envDefault:"redis" yaml:"store" json:"store"`

	Auth      AuthConfig      `env:"AUTH" yaml:"auth" json:"auth"`
	RateLimit RateLimitConfig `env:"RATELIMIT" yaml:"rateLimit" json:"rateLimit"`
	Redis     redis.Config    `env:"REDIS" yaml:"redis" json:"redis"`
	Upstreams UpstreamConfig  `env:"UPSTREAM" yaml:"upstreams" json:"upstreams"`
}

// AuthConfig configures token validation.
type AuthConfig struct {
	Mode      auth.Mode     `env:"MODE" envDefault:"JwtFirst" yaml:"mode" json:"mode"`
	Issuer    string        `env:"ISSUER" yaml:"issuer" json:"issuer"`
	Audiences []string      `env:"AUDIENCES" yaml:"audiences" json:"audiences"`
	ClockSkew time.Duration `env:"CLOCK_SKEW" envDefault:"60s" yaml:"clockSkew" json:"clockSkew"`

	// JWKSURI may be empty when Issuer supports OpenID discovery.
	JWKSURI      string        `env:"JWKS_URI" yaml:"jwksUri" json:"jwksUri"`
	JWKSCacheTTL time.Duration `env:"JWKS_CACHE_TTL" envDefault:"1h" yaml:"jwksCacheTtl" json:"jwksCacheTtl"`

	IntrospectionURL        string        `env:"INTROSPECTION_URL" yaml:"introspectionUrl" json:"introspectionUrl"`
	ClientID                string        `env:"CLIENT_ID" yaml:"clientId" json:"clientId"`
	ClientSecret            auth.Secret   `env:"CLIENT_SECRET" yaml:"clientSecret" json:"-"`
	IntrospectionDefaultTTL time.Duration `env:"INTROSPECTION_DEFAULT_TTL" envDefault:"5m" yaml:"introspectionDefaultTtl" json:"introspectionDefaultTtl"`

	// HTTPTimeout bounds every call to the identity provider.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s" yaml:"httpTimeout" json:"httpTimeout"`
}

// Rule is a fixed-window quota.
type Rule struct {
	MaxHits int           `env:"MAX_HITS" yaml:"maxHits" json:"maxHits"`
	Window  time.Duration `env:"WINDOW" yaml:"window" json:"window"`
}

// fillDefaults replaces each zero field with the default's.
func (r *Rule) fillDefaults(def Rule) {
	if r.MaxHits == 0 {
		r.MaxHits = def.MaxHits
	}
	if r.Window == 0 {
		r.Window = def.Window
	}
}

// RateLimitConfig holds one rule per route class.
type RateLimitConfig struct {
	Auth Rule `env:"AUTH" yaml:"auth" json:"auth"`
	API  Rule `env:"API" yaml:"api" json:"api"`

	// TrustProxy keys buckets by an X-Forwarded-For entry instead of the
	// peer address. Enable only behind a trusted load balancer.
	TrustProxy bool `env:"TRUST_PROXY" yaml:"trustProxy" json:"trustProxy"`

	// TrustedHops is the number of trusted proxies in front of the
	// gateway. The client is the entry that many places from the right of
	// X-Forwarded-For; entries further left are client-supplied.
	TrustedHops int `env:"TRUSTED_HOPS" envDefault:"1" yaml:"trustedHops" json:"trustedHops"`
}

// proxyHops is the X-Forwarded-For depth to read, or 0 to use the peer
// address.
func (c RateLimitConfig) proxyHops() int {
	if !c.TrustProxy {
		return 0
	}
	return c.TrustedHops
}

// RuleFor returns the rule for a route class.
func (c RateLimitConfig) RuleFor(class string) Rule {
	if class == RouteClassAuth {
		return c.Auth
	}
	return c.API
}

// UpstreamConfig holds the backend base URLs. A route whose upstream is
// empty is not mounted.
type UpstreamConfig struct {
	Auth    string `env:"AUTH_URL" yaml:"auth" json:"auth"`
	Catalog string `env:"CATALOG_URL" yaml:"catalog" json:"catalog"`
	Cart    string `env:"CART_URL" yaml:"cart" json:"cart"`
	Orders  string `env:"ORDERS_URL" yaml:"orders" json:"orders"`
	Payment string `env:"PAYMENT_URL" yaml:"payment" json:"payment"`

	// GRPC is the dial target (host:port) that gRPC calls are forwarded
	// to. The gRPC listener requires it.
	GRPC string `env:"GRPC_ADDR" yaml:"grpc" json:"grpc"`
}

// Validate fills zero rate-limit fields with their defaults and checks
// cross-field rules. It mutates the receiver.
func (c *Config) Validate() error {
	c.RateLimit.Auth.fillDefaults(DefaultAuthRule)
	c.RateLimit.API.fillDefaults(DefaultAPIRule)
	if c.RateLimit.TrustedHops == 0 {
		c.RateLimit.TrustedHops = 1
	}

	if c.Auth.JWKSURI == "" && c.Auth.Issuer == "" {
		return sserr.New(sserr.CodeValidationRequired,
			"gateway: AUTH_JWKS_URI or AUTH_ISSUER must be set")
	}
	if c.Auth.Mode == auth.ModeJwtFirst {
		if c.Auth.IntrospectionURL == "" || c.Auth.ClientID == "" {
			return sserr.New(sserr.CodeValidationRequired,
				"gateway: JwtFirst mode requires AUTH_INTROSPECTION_URL and AUTH_CLIENT_ID")
		}
	}
	if c.GRPCListenAddr != "" && c.Upstreams.GRPC == "" {
		return sserr.New(sserr.CodeValidationRequired,
			"gateway: GRPC_LISTEN_ADDR requires UPSTREAM_GRPC_ADDR")
	}
	for name, raw := range map[string]string{
		"AUTH_JWKS_URI":          c.Auth.JWKSURI,
		"AUTH_ISSUER":            c.Auth.Issuer,
		"AUTH_INTROSPECTION_URL": c.Auth.IntrospectionURL,
		"UPSTREAM_AUTH_URL":      c.Upstreams.Auth,
		"UPSTREAM_CATALOG_URL":   c.Upstreams.Catalog,
		"UPSTREAM_CART_URL":      c.Upstreams.Cart,
		"UPSTREAM_ORDERS_URL":    c.Upstreams.Orders,
		"UPSTREAM_PAYMENT_URL":   c.Upstreams.Payment,
	} {
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return sserr.Wrapf(err, sserr.CodeValidationFormat, "gateway: %s is not an absolute http(s) URL", name)
		}
	}

	for class, rule := range map[string]Rule{RouteClassAuth: c.RateLimit.Auth, RouteClassAPI: c.RateLimit.API} {
		if rule.MaxHits < 1 || rule.Window <= 0 {
			return sserr.Newf(sserr.CodeValidation,
				"gateway: rate limit for %q needs MAX_HITS >= 1 and a positive WINDOW", class)
		}
	}

	if c.RateLimit.TrustedHops < 0 {
		return sserr.Newf(sserr.CodeValidation,
			"gateway: RATELIMIT_TRUSTED_HOPS must not be negative, got %d", c.RateLimit.TrustedHops)
	}

	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if err := c.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeInternalConfiguration, "gateway: invalid redis configuration")
		}
	default:
		return sserr.Newf(sserr.CodeValidationFormat,
			"gateway: STORE must be %q or %q, got %q", StoreRedis, StoreMemory, c.Store)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return sserr.Newf(sserr.CodeValidationFormat, "unsupported URL %q", raw)
	}
	return nil
}
