package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/StricklySoft/storefront-gateway/internal/testutil"
	"github.com/StricklySoft/storefront-gateway/internal/testutil/fixtures"
	"github.com/StricklySoft/storefront-gateway/pkg/auth"
	"github.com/StricklySoft/storefront-gateway/pkg/clients/redis"
	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/kvstore"
)

// ===========================================================================
// Harness
// ===========================================================================

// upstream records what the backend services received.
type upstream struct {
	*httptest.Server

	mu    sync.Mutex
	calls int
	last  *http.Request
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.calls++
		u.last = r.Clone(context.Background())
		u.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(u.Server.Close)
	return u
}

func (u *upstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *upstream) Last() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

type harness struct {
	idp      *testutil.IdentityProvider
	key      *rsa.PrivateKey
	upstream *upstream
	gw       *Gateway
	server   *httptest.Server
}

func testConfig(idp *testutil.IdentityProvider, upstreamURL string) Config {
	return Config{
		Store: StoreMemory,
		Auth: AuthConfig{
			Mode:                    auth.ModeJwtFirst,
			Issuer:                  idp.Issuer(),
			Audiences:               []string{fixtures.TestAudience},
			ClockSkew:               time.Minute,
			JWKSURI:                 idp.JWKSURL(),
			JWKSCacheTTL:            time.Hour,
			IntrospectionURL:        idp.IntrospectionURL(),
			ClientID:                fixtures.TestClientID,
			ClientSecret:            auth.Secret(fixtures.TestClientSecret),
			IntrospectionDefaultTTL: time.Minute,
			HTTPTimeout:             5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Auth: Rule{MaxHits: 2, Window: time.Minute},
			API:  Rule{MaxHits: 100, Window: time.Minute},
		},
		Upstreams: UpstreamConfig{
			Auth:    upstreamURL,
			Catalog: upstreamURL,
			Cart:    upstreamURL,
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWithOptions(t, nil, mutate...)
}

func newHarnessWithOptions(t *testing.T, opts []Option, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		idp:      testutil.NewIdentityProvider(t),
		upstream: newUpstream(t),
	}
	h.key = h.idp.GenerateRSAKey(t, fixtures.TestKeyID)

	cfg := testConfig(h.idp, h.upstream.URL)
	for _, m := range mutate {
		m(&cfg)
	}

	opts = append([]Option{
		WithLogger(discardLogger()),
		WithStore(kvstore.NewMemory()),
	}, opts...)
	gw, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	h.gw = gw

	h.server = httptest.NewServer(gw.Handler())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	return testutil.SignRS256(t, h.key, fixtures.TestKeyID,
		testutil.Claims(h.idp.Issuer(), fixtures.TestAudience, fixtures.TestSubject))
}

func (h *harness) do(t *testing.T, method, path, bearer string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, nil)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func forgedIdentity() http.Header {
	h := http.Header{}
	h.Set(auth.HeaderUserID, "admin")
	h.Set(auth.HeaderUserRoles, "superuser")
	h.Set(auth.HeaderAuthSource, "jwt")
	return h
}

// ===========================================================================
// Construction
// ===========================================================================

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{Store: StoreMemory}, WithLogger(discardLogger()))
	testutil.AssertErrorCode(t, err, sserr.CodeValidationRequired)
}

func TestNew_MemoryStoreFromConfig(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	gw, err := New(context.Background(), testConfig(idp, ""), WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.NoError(t, gw.Ready(context.Background()))
	assert.Equal(t, auth.ModeJwtFirst, gw.Authenticator().Mode())
	assert.NoError(t, gw.Close())
}

func TestNew_RedisUnreachable(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	cfg := testConfig(idp, "")
	cfg.Store = StoreRedis
	cfg.Redis = redis.Config{URI: "redis://127.0.0.1:1", DialTimeout: 200 * time.Millisecond}

	_, err := New(context.Background(), cfg, WithLogger(discardLogger()))
	testutil.AssertErrorCode(t, err, sserr.CodeUnavailableDependency)
}

// ===========================================================================
// Operational endpoints
// ===========================================================================

func TestGateway_HealthReadyMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))

	resp = h.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ready"}`, readBody(t, resp))

	resp = h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "storefront_gateway_http_requests_total")
}

func TestGateway_ReadyzReportsStoreOutage(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	idp := testutil.NewIdentityProvider(t)
	cfg := testConfig(idp, "")
	cfg.Store = StoreRedis
	cfg.Redis = redis.Config{URI: "redis://" + mr.Addr(), MaxRetries: -1}

	gw, err := New(context.Background(), cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_ReadinessCheck(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	draining := errors.New("draining")
	var failing atomic.Bool

	gw, err := New(context.Background(), testConfig(idp, ""),
		WithLogger(discardLogger()),
		WithStore(kvstore.NewMemory()),
		WithReadinessCheck(func(context.Context) error {
			if failing.Load() {
				return draining
			}
			return nil
		}),
	)
	require.NoError(t, err)

	assert.NoError(t, gw.Ready(context.Background()))
	failing.Store(true)
	assert.ErrorIs(t, gw.Ready(context.Background()), draining)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_UnknownRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_found", body.Error)
}

// ===========================================================================
// API routes
// ===========================================================================

func TestGateway_APIRequiresToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/catalog/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Bearer error="invalid_token"`, resp.Header.Get("WWW-Authenticate"))
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
	assert.Zero(t, h.upstream.Calls())
}

func TestGateway_JWTForwardsIdentity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/catalog/products?page=2", h.token(t), forgedIdentity())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/api/catalog/products", readBody(t, resp))

	got := h.upstream.Last()
	require.NotNil(t, got)
	assert.Equal(t, "page=2", got.URL.RawQuery)
	assert.Equal(t, fixtures.TestSubject, got.Header.Get(auth.HeaderUserID))
	assert.Equal(t, fixtures.TestUsername, got.Header.Get(auth.HeaderUsername))
	assert.Equal(t, "customer", got.Header.Get(auth.HeaderUserRoles))
	assert.Equal(t, "jwt", got.Header.Get(auth.HeaderAuthSource))
	assert.Equal(t, resp.Header.Get(HeaderRequestID), got.Header.Get(HeaderRequestID))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))

	assert.Zero(t, h.idp.IntrospectionHits(), "a valid JWT never reaches introspection")
	assert.Equal(t, 1.0, promtest.ToFloat64(
		h.gw.Metrics().authDecisions.WithLabelValues("jwt", "allowed", "")))
}

func TestGateway_OpaqueTokenUsesIntrospection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.idp.SetVerdict("opaque-session", map[string]any{
		"active":    true,
		"sub":       "user-42",
		"client_id": "mobile-app",
		"scope":     "cart:write",
		"exp":       time.Now().Add(10 * time.Minute).Unix(),
	})

	for range 2 {
		resp := h.do(t, http.MethodPost, "/api/cart/items", "opaque-session", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	got := h.upstream.Last()
	assert.Equal(t, "user-42", got.Header.Get(auth.HeaderUserID))
	assert.Equal(t, "mobile-app", got.Header.Get(auth.HeaderClientID))
	assert.Equal(t, "cart:write", got.Header.Get(auth.HeaderUserScopes))
	assert.Equal(t, "introspection", got.Header.Get(auth.HeaderAuthSource))
	assert.Equal(t, int64(1), h.idp.IntrospectionHits(), "verdict is cached")
}

func TestGateway_InactiveTokenRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/cart", "revoked-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body auth.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_token", body.Error)
	assert.Zero(t, h.upstream.Calls())
}

func TestGateway_JwtOnlyRejectsOpaqueTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.Auth.Mode = auth.ModeJwtOnly })
	h.idp.SetVerdict("opaque-session", map[string]any{"active": true, "sub": "u"})

	resp := h.do(t, http.MethodGet, "/api/catalog", "opaque-session", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.idp.IntrospectionHits())
}

func TestGateway_UnconfiguredUpstreamNotMounted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/orders/1", h.token(t), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_UpstreamDown(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	h := newHarness(t, func(c *Config) { c.Upstreams.Catalog = deadURL })

	resp := h.do(t, http.MethodGet, "/api/catalog", h.token(t), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "bad_gateway", body.Error)
	assert.Equal(t, string(sserr.CodeUnavailableDependency), body.Code)
}

// ===========================================================================
// Auth routes
// ===========================================================================

func TestGateway_AuthRoutesRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for i := range 2 {
		resp := h.do(t, http.MethodPost, "/api/auth/login", "", forgedIdentity())
		require.Equal(t, http.StatusOK, resp.StatusCode, "hit %d", i+1)
	}
	got := h.upstream.Last()
	for _, name := range auth.IdentityHeaders() {
		assert.Empty(t, got.Header.Get(name), "%s must not reach the auth service", name)
	}

	resp := h.do(t, http.MethodPost, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, 2, h.upstream.Calls())

	// The api class has its own bucket.
	resp = h.do(t, http.MethodGet, "/api/catalog", h.token(t), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_RateLimitSharedAcrossReplicas(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	idp := testutil.NewIdentityProvider(t)
	up := newUpstream(t)

	newReplica := func() http.Handler {
		cfg := testConfig(idp, up.URL)
		cfg.Store = StoreRedis
		cfg.Redis = redis.Config{URI: "redis://" + mr.Addr()}
		gw, err := New(context.Background(), cfg, WithLogger(discardLogger()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = gw.Close() })
		return gw.Handler()
	}
	replicas := []http.Handler{newReplica(), newReplica()}

	login := func(replica http.Handler) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = fixtures.TestClientIP + ":40000"
		rec := httptest.NewRecorder()
		replica.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, login(replicas[0]))
	assert.Equal(t, http.StatusOK, login(replicas[1]))
	assert.Equal(t, http.StatusTooManyRequests, login(replicas[0]))
	assert.Equal(t, http.StatusTooManyRequests, login(replicas[1]))
	assert.True(t, mr.Exists("ratelimit:auth:"+fixtures.TestClientIP))
}

// ===========================================================================
// gRPC
// ===========================================================================

func TestGateway_UnaryInterceptor(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	intercept := h.gw.UnaryInterceptor()

	var seen *auth.Identity
	handler := func(ctx context.Context, _ any) (any, error) {
		seen, _ = auth.IdentityFromContext(ctx)
		return "ok", nil
	}

	t.Run("health passes without token", func(t *testing.T) {
		info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
		resp, err := intercept(context.Background(), nil, info, handler)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})

	t.Run("missing token", func(t *testing.T) {
		info := &grpc.UnaryServerInfo{FullMethod: "/storefront.cart.v1.Cart/Get"}
		_, err := intercept(context.Background(), nil, info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("valid token", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(),
			metadata.Pairs("authorization", "Bearer "+h.token(t)))
		info := &grpc.UnaryServerInfo{FullMethod: "/storefront.cart.v1.Cart/Get"}
		_, err := intercept(ctx, nil, info, handler)
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.Equal(t, fixtures.TestSubject, seen.Subject)
	})
}

func TestGateway_GRPCHealthOverBufconn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	lis := bufconn.Listen(1 << 20)
	opts := append(h.gw.GRPCServerOptions(),
		grpc.UnknownServiceHandler(func(any, grpc.ServerStream) error {
			return status.Error(codes.Unimplemented, "unknown service")
		}))
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// Any other service is authenticated before it is dispatched.
	err = conn.Invoke(ctx, "/storefront.cart.v1.Cart/Get", &healthpb.HealthCheckRequest{}, &healthpb.HealthCheckResponse{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, auth.ReasonEmptyToken, status.Convert(err).Message())
}

// grpcBackend is a gRPC upstream that echoes the first request frame and
// records the metadata it was called with.
type grpcBackend struct {
	lis *bufconn.Listener

	mu    sync.Mutex
	calls int
	md    metadata.MD
}

func newGRPCBackend(t *testing.T) *grpcBackend {
	t.Helper()
	b := &grpcBackend{lis: bufconn.Listen(1 << 20)}
	srv := grpc.NewServer(
		grpc.ForceServerCodec(frameCodec{}),
		grpc.UnknownServiceHandler(func(_ any, ss grpc.ServerStream) error {
			md, _ := metadata.FromIncomingContext(ss.Context())
			b.mu.Lock()
			b.calls++
			b.md = md
			b.mu.Unlock()

			f := &frame{}
			if err := ss.RecvMsg(f); err != nil {
				return err
			}
			if len(md.Get("x-cart-missing")) > 0 {
				return status.Error(codes.NotFound, "cart not found")
			}
			if err := ss.SetHeader(metadata.Pairs("x-backend", "cart")); err != nil {
				return err
			}
			return ss.SendMsg(f)
		}),
	)
	go func() { _ = srv.Serve(b.lis) }()
	t.Cleanup(srv.Stop)
	return b
}

func (b *grpcBackend) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return b.lis.DialContext(ctx)
	})
}

func (b *grpcBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *grpcBackend) Metadata() metadata.MD {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md
}

func TestGateway_GRPCForwarding(t *testing.T) {
	t.Parallel()
	backend := newGRPCBackend(t)
	h := newHarnessWithOptions(t,
		[]Option{WithGRPCUpstreamDialOptions(backend.dialer())},
		func(c *Config) {
			c.GRPCListenAddr = "bufnet"
			c.Upstreams.GRPC = "passthrough:///cart-grpc"
		})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(h.gw.GRPCServerOptions()...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const method = "/storefront.cart.v1.Cart/Get"

	t.Run("health served locally", func(t *testing.T) {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	})

	t.Run("missing token never reaches upstream", func(t *testing.T) {
		err := conn.Invoke(ctx, method, &healthpb.HealthCheckRequest{}, &healthpb.HealthCheckRequest{})
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
		assert.Zero(t, backend.Calls())
	})

	t.Run("authenticated call is forwarded with identity", func(t *testing.T) {
		callCtx := metadata.AppendToOutgoingContext(ctx,
			"authorization", "Bearer "+h.token(t),
			"x-user-id", "attacker",
		)
		var header metadata.MD
		out := &healthpb.HealthCheckRequest{}
		err := conn.Invoke(callCtx, method, &healthpb.HealthCheckRequest{Service: "cart-42"}, out, grpc.Header(&header))
		require.NoError(t, err)

		assert.Equal(t, "cart-42", out.GetService(), "payload echoed byte for byte")
		assert.Equal(t, []string{"cart"}, header.Get("x-backend"))
		md := backend.Metadata()
		assert.Equal(t, []string{fixtures.TestSubject}, md.Get(auth.HeaderUserID))
		assert.Equal(t, []string{auth.SourceJwt.String()}, md.Get(auth.HeaderAuthSource))
		assert.NotEmpty(t, md.Get("authorization"))
	})

	t.Run("upstream status reaches caller", func(t *testing.T) {
		callCtx := metadata.AppendToOutgoingContext(ctx,
			"authorization", "Bearer "+h.token(t),
			"x-cart-missing", "1",
		)
		err := conn.Invoke(callCtx, method, &healthpb.HealthCheckRequest{}, &healthpb.HealthCheckRequest{})
		assert.Equal(t, codes.NotFound, status.Code(err))
		assert.Equal(t, "cart not found", status.Convert(err).Message())
	})
}
