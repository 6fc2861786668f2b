package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/StricklySoft/storefront-gateway/pkg/auth"
	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/ratelimit"
)

// HeaderRequestID carries the request ID to clients and upstreams.
const HeaderRequestID = "X-Request-Id"

// maxRequestIDLength bounds client-supplied request IDs.
const maxRequestIDLength = 128

type ctxKey int

const (
	requestIDKey ctxKey = iota
	requestInfoKey
)

// requestInfo is filled in by inner middleware and read by AccessLog
// after the request completes.
type requestInfo struct {
	routeClass string
	subject    string
}

// RequestIDFromContext returns the ID assigned by [RequestID].
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID keeps a well-formed inbound X-Request-Id or assigns a new
// UUID, and echoes it on the response and the proxied request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// AccessLog logs one line per request and records request metrics.
// Authorization and cookie values are never logged.
func AccessLog(logger *slog.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			class := info.routeClass
			if class == "" {
				class = "internal"
			}
			if metrics != nil {
				metrics.observeRequest(class, status, elapsed)
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
				"route_class", class,
				"request_id", RequestIDFromContext(r.Context()),
			}
			if info.subject != "" {
				attrs = append(attrs, "subject", info.subject)
			}
			if traceID, ok := auth.TraceIDFromContext(r.Context()); ok {
				attrs = append(attrs, "trace_id", traceID)
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request", attrs...)
		})
	}
}

// routeClass tags the request with its class for logging and metrics.
func routeClass(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
				info.routeClass = class
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recordSubject is an [auth.DecisionHook] that hands the authenticated
// subject to [AccessLog].
func recordSubject(r *http.Request, d auth.Decision) {
	if !d.OK || d.Identity == nil {
		return
	}
	if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
		info.subject = d.Identity.Subject
	}
}

// ClientIP returns the caller's address. With hops > 0 it is the
// X-Forwarded-For entry hops places from the right, the one appended by the
// outermost trusted proxy. Otherwise, or when the header is shorter or
// that entry is not an IP, the peer address is used.
func ClientIP(r *http.Request, hops int) string {
	if hops > 0 {
		var entries []string
		for _, v := range r.Header.Values("X-Forwarded-For") {
			entries = append(entries, strings.Split(v, ",")...)
		}
		if len(entries) >= hops {
			if ip := net.ParseIP(strings.TrimSpace(entries[len(entries)-hops])); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit counts the request against the class bucket of its client
// IP, resolved with [ClientIP] and proxyHops. Exceeding the rule answers 429 with Retry-After. Store failures
// are logged and the request is let through.
func RateLimit(limiter *ratelimit.Limiter, class string, rule Rule, proxyHops int, logger *slog.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := ratelimit.BucketKey(class, ClientIP(r, proxyHops))

			limited, err := limiter.ShouldLimit(ctx, key, rule.MaxHits, rule.Window)
			switch {
			case err != nil:
				logger.WarnContext(ctx, "gateway: rate limiter unavailable, allowing request",
					"route_class", class, "error", err)
				metrics.observeRateLimit(class, "error")
			case limited:
				metrics.observeRateLimit(class, "limited")
				retryAfter := limiter.RetryAfter(ctx, key, rule.Window)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, sserr.New(sserr.CodeRateLimited, "rate limit exceeded").
					WithDetail("retry_after_seconds", retryAfter))
				return
			default:
				metrics.observeRateLimit(class, "allowed")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errorBody is the JSON shape of gateway-generated errors.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var errorNames = map[int]string{
	http.StatusTooManyRequests:    "rate_limited",
	http.StatusBadGateway:         "bad_gateway",
	http.StatusServiceUnavailable: "unavailable",
	http.StatusGatewayTimeout:     "upstream_timeout",
	http.StatusNotFound:           "not_found",
}

func writeError(w http.ResponseWriter, e *sserr.Error) {
	writeErrorStatus(w, e.HTTPStatus(), e)
}

func writeErrorStatus(w http.ResponseWriter, status int, e *sserr.Error) {
	name, ok := errorNames[status]
	if !ok {
		name = "internal_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:   name,
		Code:    string(e.Code),
		Message: e.Message,
		Details: e.Details,
	})
}
