// Package gateway assembles the storefront edge: bearer authentication,
// per-route-class rate limiting, identity forwarding and reverse
// proxying to the backend services.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/StricklySoft/storefront-gateway/pkg/auth"
	"github.com/StricklySoft/storefront-gateway/pkg/clients/redis"
	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/kvstore"
	"github.com/StricklySoft/storefront-gateway/pkg/ratelimit"
)

// healthServicePrefix marks gRPC methods reachable without a token.
const healthServicePrefix = "/grpc.health.v1.Health/"

// Gateway owns the shared store and every component built on it.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	store   kvstore.Store
	closers []func() error
	checks  []func(context.Context) error

	authn   *auth.Authenticator
	limiter *ratelimit.Limiter
	metrics *Metrics
	handler http.Handler
	grpc    *grpcProxy
}

type options struct {
	logger         *slog.Logger
	store          kvstore.Store
	tracerProvider trace.TracerProvider
	idpClient      auth.HTTPClient
	transport      http.RoundTripper
	grpcDialOpts   []grpc.DialOption
	checks         []func(context.Context) error
}

// Option configures [New].
type Option func(*options)

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore supplies the shared store instead of building one from
// Config.Store. The caller keeps ownership of it.
func WithStore(store kvstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithTracerProvider sets the OpenTelemetry provider. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithIdentityProviderClient sets the HTTP client used for JWKS,
// discovery and introspection calls.
func WithIdentityProviderClient(client auth.HTTPClient) Option {
	return func(o *options) { o.idpClient = client }
}

// WithUpstreamTransport sets the transport for proxied requests.
func WithUpstreamTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithGRPCUpstreamDialOptions adds dial options for the gRPC upstream
// connection. The default dials without transport security.
func WithGRPCUpstreamDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.grpcDialOpts = append(o.grpcDialOpts, opts...) }
}

// WithReadinessCheck adds a check to /readyz, such as the process
// lifecycle reporting that it is draining.
func WithReadinessCheck(check func(context.Context) error) Option {
	return func(o *options) {
		if check != nil {
			o.checks = append(o.checks, check)
		}
	}
}

// New validates cfg and builds a gateway. It connects to Redis when
// cfg.Store is "redis" and no store was supplied.
func New(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	o := options{logger: slog.Default(), tracerProvider: otel.GetTracerProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg, logger: o.logger, checks: o.checks}

	g.store = o.store
	if g.store == nil {
		store, err := g.openStore(ctx)
		if err != nil {
			return nil, err
		}
		g.store = store
	}

	if err := g.build(o); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) openStore(ctx context.Context) (kvstore.Store, error) {
	if g.cfg.Store == StoreMemory {
		g.logger.Warn("gateway: using in-process store; rate limits and caches are not shared between replicas")
		return kvstore.NewMemory(), nil
	}
	client, err := redis.NewClient(ctx, g.cfg.Redis)
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, client.Close)
	return client, nil
}

func (g *Gateway) build(o options) error {
	tracer := o.tracerProvider.Tracer("github.com/StricklySoft/storefront-gateway/pkg/gateway")

	idp := o.idpClient
	if idp == nil {
		idp = &http.Client{
			Timeout:   g.cfg.Auth.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(o.tracerProvider)),
		}
	}

	keyOpts := []auth.KeySetOption{
		auth.WithKeySetTTL(g.cfg.Auth.JWKSCacheTTL),
		auth.WithKeySetHTTPClient(idp),
		auth.WithKeySetLogger(g.logger),
		auth.WithKeySetTracer(tracer),
	}
	if g.cfg.Auth.JWKSURI == "" {
		keyOpts = append(keyOpts, auth.WithDiscoveryIssuer(g.cfg.Auth.Issuer))
	}
	keys, err := auth.NewKeySetCache(g.cfg.Auth.JWKSURI, g.store, keyOpts...)
	if err != nil {
		return err
	}

	var introspector auth.TokenIntrospector
	if g.cfg.Auth.Mode == auth.ModeJwtFirst {
		introspector, err = auth.NewIntrospector(
			g.cfg.Auth.IntrospectionURL,
			g.cfg.Auth.ClientID,
			g.cfg.Auth.ClientSecret,
			g.store,
			auth.WithDefaultTTL(g.cfg.Auth.IntrospectionDefaultTTL),
			auth.WithIntrospectionHTTPClient(idp),
			auth.WithIntrospectionLogger(g.logger),
			auth.WithIntrospectionTracer(tracer),
		)
		if err != nil {
			return err
		}
	}

	g.authn, err = auth.NewAuthenticator(auth.Config{
		Mode:      g.cfg.Auth.Mode,
		Issuer:    g.cfg.Auth.Issuer,
		Audiences: g.cfg.Auth.Audiences,
		ClockSkew: g.cfg.Auth.ClockSkew,
	}, keys, introspector, auth.WithLogger(g.logger), auth.WithTracer(tracer))
	if err != nil {
		return err
	}

	g.limiter = ratelimit.New(g.store, ratelimit.WithLogger(g.logger), ratelimit.WithTracer(tracer))
	g.metrics = NewMetrics()

	transport := o.transport
	if transport == nil {
		transport = otelhttp.NewTransport(newTransport(), otelhttp.WithTracerProvider(o.tracerProvider))
	}

	if target := g.cfg.Upstreams.GRPC; target != "" {
		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}, o.grpcDialOpts...)
		conn, err := grpc.NewClient(target, dialOpts...)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "gateway: invalid gRPC upstream %q", target)
		}
		g.closers = append(g.closers, conn.Close)
		g.grpc = &grpcProxy{conn: conn}
	}

	router, err := NewRouter(&g.cfg, Deps{
		Authenticator: g.authn,
		Limiter:       g.limiter,
		Metrics:       g.metrics,
		Logger:        g.logger,
		Ready:         g.Ready,
		Transport:     transport,
	})
	if err != nil {
		return err
	}
	g.handler = otelhttp.NewHandler(router, "storefront-gateway",
		otelhttp.WithTracerProvider(o.tracerProvider),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	g.logger.Info("gateway: configured",
		"auth_mode", g.cfg.Auth.Mode.String(),
		"store", g.cfg.Store,
		"auth_rule", g.cfg.RateLimit.Auth,
		"api_rule", g.cfg.RateLimit.API,
		"grpc_upstream", g.cfg.Upstreams.GRPC,
	)
	return nil
}

// Handler returns the instrumented HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Authenticator returns the token authenticator.
func (g *Gateway) Authenticator() *auth.Authenticator {
	return g.authn
}

// Metrics returns the gateway's collectors.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Ready runs the readiness checks, then checks the shared store when it
// supports health checks.
func (g *Gateway) Ready(ctx context.Context) error {
	for _, check := range g.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	if h, ok := g.store.(interface{ Health(context.Context) error }); ok {
		return h.Health(ctx)
	}
	return nil
}

// UnaryInterceptor authenticates unary gRPC calls. Health checks pass
// without a token.
func (g *Gateway) UnaryInterceptor() grpc.UnaryServerInterceptor {
	authenticate := auth.UnaryServerInterceptor(g.authn, g.logger)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		return authenticate(ctx, req, info, handler)
	}
}

// StreamInterceptor authenticates streaming gRPC calls. Health watches
// pass without a token.
func (g *Gateway) StreamInterceptor() grpc.StreamServerInterceptor {
	authenticate := auth.StreamServerInterceptor(g.authn, g.logger)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}
		return authenticate(srv, ss, info, handler)
	}
}

// GRPCServerOptions returns server options installing both interceptors.
// With a gRPC upstream configured they also forward every method the
// server does not register itself, after authentication, to that
// upstream.
func (g *Gateway) GRPCServerOptions() []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(g.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(g.StreamInterceptor()),
	}
	if g.grpc != nil {
		opts = append(opts,
			grpc.ForceServerCodec(frameCodec{}),
			grpc.UnknownServiceHandler(g.grpc.handle),
		)
	}
	return opts
}

// Close releases the store connection if the gateway opened it.
func (g *Gateway) Close() error {
	var errs []error
	for _, c := range g.closers {
		errs = append(errs, c())
	}
	g.closers = nil
	return errors.Join(errs...)
}
