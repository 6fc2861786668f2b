// Package auth authenticates bearer tokens at the storefront edge.
//
// A token is first validated locally as a signed JWT against the identity
// provider's published key set ([KeySetCache]). Tokens that cannot be
// validated locally (opaque tokens, revoked-but-unexpired tokens, keys
// rotated faster than the cache refreshes) fall back to OAuth2 token
// introspection ([Introspector]) unless the [Authenticator] runs in
// [ModeJwtOnly].
//
// Both paths produce the same [Identity] shape, and every outcome is a
// [Decision] value: failures carry a reason string such as
// [ReasonTokenExpired] instead of an error, so nothing raised inside the
// authentication machinery can escape into the request pipeline.
//
// Cached key sets, cached introspection verdicts and rate-limit counters
// all live in one [kvstore.Store] shared by every gateway replica.
package auth

import (
	"slices"
	"strings"
)

// Source identifies which path produced a [Decision].
type Source int

const (
	// SourceNone means no validation path ran (e.g. an empty token).
	SourceNone Source = iota

	// SourceJwt means the token was validated locally against the key set.
	SourceJwt

	// SourceIntrospection means the identity provider's introspection
	// endpoint decided.
	SourceIntrospection
)

// String returns the lowercase name forwarded in X-Auth-Source.
func (s Source) String() string {
	switch s {
	case SourceJwt:
		return "jwt"
	case SourceIntrospection:
		return "introspection"
	default:
		return "none"
	}
}

// Failure reasons reported on [Decision.Reason] and [Verdict.Reason].
const (
	ReasonEmptyToken          = "empty_token"
	ReasonNotAJWT             = "not_a_jwt"
	ReasonNoKid               = "no_kid"
	ReasonNoSigningKeys       = "no_signing_keys"
	ReasonSignatureInvalid    = "signature_validation_failed"
	ReasonTokenExpired        = "token_expired"
	ReasonJWTValidation       = "jwt_validation_error"
	ReasonInactive            = "inactive"
	ReasonInactiveCached      = "inactive_cached"
	ReasonHTTPFailure         = "http_failure"
	ReasonIntrospectionFailed = "introspection_error"
)

// Identity is the normalized caller produced by either validation path.
type Identity struct {
	Subject     string
	ClientID    string
	Username    string
	Scopes      []string
	Roles       []string
	Permissions []string

	// Claims holds every claim of a locally validated JWT. It is nil for
	// identities produced by introspection.
	Claims map[string]any
}

// HasScope reports whether the identity was granted scope.
func (i *Identity) HasScope(scope string) bool {
	return i != nil && slices.Contains(i.Scopes, scope)
}

// HasRole reports whether the identity holds role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// HasPermission reports whether the identity holds permission.
func (i *Identity) HasPermission(permission string) bool {
	return i != nil && slices.Contains(i.Permissions, permission)
}

// Decision is the outcome of authenticating one bearer token. Identity
// is set iff OK; Reason is set iff !OK.
type Decision struct {
	OK       bool
	Identity *Identity
	Source   Source
	Reason   string
}

func allow(identity *Identity, source Source) Decision {
	return Decision{OK: true, Identity: identity, Source: source}
}

func deny(source Source, reason string) Decision {
	return Decision{Source: source, Reason: reason}
}

// identityFromClaims maps JWT claims onto an Identity. Scopes come from
// "scope" (space separated) or "scp"; roles from "role" or "roles";
// permissions from "permission" or "permissions".
func identityFromClaims(claims map[string]any) *Identity {
	id := &Identity{
		Subject:     claimString(claims, "sub"),
		ClientID:    firstNonEmpty(claimString(claims, "client_id"), claimString(claims, "azp")),
		Username:    firstNonEmpty(claimString(claims, "preferred_username"), claimString(claims, "username")),
		Scopes:      mergeUnique(claimStrings(claims, "scope"), claimStrings(claims, "scp")),
		Roles:       mergeUnique(claimStrings(claims, "role"), claimStrings(claims, "roles")),
		Permissions: mergeUnique(claimStrings(claims, "permission"), claimStrings(claims, "permissions")),
		Claims:      claims,
	}
	return id
}

func claimString(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// claimStrings reads a claim that may be a space-separated string or an
// array of strings.
func claimStrings(claims map[string]any, name string) []string {
	switch v := claims[name].(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mergeUnique(lists ...[]string) []string {
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
