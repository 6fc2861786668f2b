package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// newProxy returns a reverse proxy to target. The inbound path is kept
// and appended to target's path. Identity headers set by the auth
// middleware travel with the request; X-Forwarded-* are rewritten.
func newProxy(target *url.URL, transport http.RoundTripper, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if id := pr.In.Header.Get(HeaderRequestID); id != "" {
				pr.Out.Header.Set(HeaderRequestID, id)
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusBadGateway
			code := sserr.CodeUnavailableDependency
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
				code = sserr.CodeTimeoutDependency
			}
			if errors.Is(err, context.Canceled) {
				// The client went away; nobody reads the response.
				return
			}
			logger.WarnContext(r.Context(), "gateway: upstream request failed",
				"upstream", target.Host, "path", r.URL.Path, "error", err)
			writeErrorStatus(w, status, sserr.Wrap(err, code, "upstream unavailable"))
		},
	}
}

// newTransport returns the upstream transport. otelhttp wraps it in
// the router so spans propagate.
func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 64
	t.IdleConnTimeout = 90 * time.Second
	t.ResponseHeaderTimeout = 30 * time.Second
	return t
}
