package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/StricklySoft/storefront-gateway/pkg/auth"
	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/ratelimit"
)

// readyTimeout bounds the readiness probe.
const readyTimeout = 2 * time.Second

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Authenticator auth.TokenAuthenticator
	Limiter       *ratelimit.Limiter
	Metrics       *Metrics
	Logger        *slog.Logger

	// Ready reports whether the shared store is reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error

	// Transport carries proxied requests. Nil means a default transport.
	Transport http.RoundTripper
}

// NewRouter builds the edge router:
//
//	GET  /healthz          liveness
//	GET  /readyz           shared store reachability
//	GET  /metrics          Prometheus
//	/api/auth/*            class "auth": rate limited, no authentication
//	/api/catalog|cart|orders|payment/*
//	                       class "api": authenticated, then rate limited
//
// Inbound identity headers are stripped on every route.
func NewRouter(cfg *Config, deps Deps) (http.Handler, error) {
	if deps.Authenticator == nil || deps.Limiter == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"gateway: router requires an authenticator and a limiter")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Transport == nil {
		deps.Transport = newTransport()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(deps.Logger, deps.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(stripIdentityHeaders)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorStatus(w, http.StatusNotFound, sserr.New(sserr.CodeValidation, "no route"))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Get("/readyz", readyHandler(deps))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	rl := cfg.RateLimit
	limit := func(class string) func(http.Handler) http.Handler {
		return RateLimit(deps.Limiter, class, rl.RuleFor(class), rl.proxyHops(), deps.Logger, deps.Metrics)
	}

	if cfg.Upstreams.Auth != "" {
		proxy, err := proxyTo(cfg.Upstreams.Auth, deps)
		if err != nil {
			return nil, err
		}
		r.Group(func(r chi.Router) {
			r.Use(routeClass(RouteClassAuth))
			r.Use(limit(RouteClassAuth))
			mount(r, "/api/auth", proxy)
		})
	}

	type apiRoute struct {
		prefix string
		proxy  http.Handler
	}
	var routes []apiRoute
	for _, route := range []struct{ prefix, upstream string }{
		{"/api/catalog", cfg.Upstreams.Catalog},
		{"/api/cart", cfg.Upstreams.Cart},
		{"/api/orders", cfg.Upstreams.Orders},
		{"/api/payment", cfg.Upstreams.Payment},
	} {
		if route.upstream == "" {
			continue
		}
		proxy, err := proxyTo(route.upstream, deps)
		if err != nil {
			return nil, err
		}
		routes = append(routes, apiRoute{prefix: route.prefix, proxy: proxy})
	}

	r.Group(func(r chi.Router) {
		r.Use(routeClass(RouteClassAPI))
		r.Use(auth.HTTPMiddleware(deps.Authenticator, deps.Metrics.observeDecision, recordSubject))
		r.Use(limit(RouteClassAPI))
		for _, route := range routes {
			mount(r, route.prefix, route.proxy)
		}
	})

	return r, nil
}

func mount(r chi.Router, prefix string, h http.Handler) {
	r.Handle(prefix, h)
	r.Handle(prefix+"/*", h)
}

func proxyTo(raw string, deps Deps) (http.Handler, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "gateway: invalid upstream %q", raw)
	}
	return newProxy(target, deps.Transport, deps.Logger), nil
}

func stripIdentityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.StripIdentityHeaders(r.Header)
		next.ServeHTTP(w, r)
	})
}

func readyHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				deps.Logger.WarnContext(ctx, "gateway: not ready", "error", err)
				writeStatus(w, http.StatusServiceUnavailable, "unavailable")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
