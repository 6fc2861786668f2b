package auth

import (
	"context"
	"encoding/json"
	"net/http"
)

// TokenAuthenticator is the part of [*Authenticator] used by the
// middleware and interceptors.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, bearerToken string) Decision
}

// DecisionHook observes every decision made by [HTTPMiddleware].
type DecisionHook func(r *http.Request, d Decision)

// ErrorBody is the JSON body written with a 401.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// HTTPMiddleware authenticates each request's bearer token.
//
// Inbound identity headers are always stripped. On success the identity
// is stored in the request context and forwarded to the next handler as
// identity headers. On failure the middleware answers 401 with an
// [ErrorBody] and the next handler is not called.
//
// hooks run for every decision, allowed or denied.
func HTTPMiddleware(authn TokenAuthenticator, hooks ...DecisionHook) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			StripIdentityHeaders(r.Header)

			token := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
			d := authn.Authenticate(r.Context(), token)
			for _, hook := range hooks {
				hook(r, d)
			}
			if !d.OK {
				WriteUnauthorized(w, d.Reason)
				return
			}

			ApplyIdentityHeaders(r.Header, d.Identity, d.Source)
			ctx := ContextWithIdentity(r.Context(), d.Identity, d.Source)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteUnauthorized writes a 401 with reason in the body.
func WriteUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: "invalid_token", Reason: reason})
}
