package auth

import (
	"net/http"
	"strings"
)

// Header names used to carry the authenticated identity to backend
// services. Backends trust these headers only because the gateway
// strips any inbound copies before setting them.
const (
	// HeaderAuthorization carries the bearer token.
	HeaderAuthorization = "Authorization"

	HeaderUserID          = "X-User-Id"
	HeaderClientID        = "X-Client-Id"
	HeaderUsername        = "X-Username"
	HeaderUserRoles       = "X-User-Roles"
	HeaderUserScopes      = "X-User-Scopes"
	HeaderUserPermissions = "X-User-Permissions"
	HeaderAuthSource      = "X-Auth-Source"
)

// identityHeaders lists every header written by [ApplyIdentityHeaders].
var identityHeaders = []string{
	HeaderUserID,
	HeaderClientID,
	HeaderUsername,
	HeaderUserRoles,
	HeaderUserScopes,
	HeaderUserPermissions,
	HeaderAuthSource,
}

// IdentityHeaders returns the names of the forwarded identity headers.
func IdentityHeaders() []string {
	out := make([]string, len(identityHeaders))
	copy(out, identityHeaders)
	return out
}

// bearerPrefix is matched case-insensitively.
const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token from an Authorization header
// value, or "" if the value is not a bearer credential.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// StripIdentityHeaders removes every forwarded identity header from h so
// a client cannot impersonate another user.
func StripIdentityHeaders(h http.Header) {
	for _, name := range identityHeaders {
		h.Del(name)
	}
}

// ApplyIdentityHeaders strips h and then writes identity into it. Lists
// are comma separated. Empty values are omitted.
func ApplyIdentityHeaders(h http.Header, identity *Identity, source Source) {
	StripIdentityHeaders(h)
	if identity == nil {
		return
	}
	setIfNotEmpty(h, HeaderUserID, identity.Subject)
	setIfNotEmpty(h, HeaderClientID, identity.ClientID)
	setIfNotEmpty(h, HeaderUsername, identity.Username)
	setIfNotEmpty(h, HeaderUserRoles, strings.Join(identity.Roles, ","))
	setIfNotEmpty(h, HeaderUserScopes, strings.Join(identity.Scopes, ","))
	setIfNotEmpty(h, HeaderUserPermissions, strings.Join(identity.Permissions, ","))
	if source != SourceNone {
		h.Set(HeaderAuthSource, source.String())
	}
}

// IdentityFromHeaders rebuilds an identity from forwarded headers. It is
// meant for backends sitting behind the gateway. It returns nil if no
// user or client id is present.
func IdentityFromHeaders(h http.Header) (*Identity, Source) {
	id := &Identity{
		Subject:     h.Get(HeaderUserID),
		ClientID:    h.Get(HeaderClientID),
		Username:    h.Get(HeaderUsername),
		Roles:       splitList(h.Get(HeaderUserRoles)),
		Scopes:      splitList(h.Get(HeaderUserScopes)),
		Permissions: splitList(h.Get(HeaderUserPermissions)),
	}
	if id.Subject == "" && id.ClientID == "" {
		return nil, SourceNone
	}

	source := SourceNone
	switch h.Get(HeaderAuthSource) {
	case SourceJwt.String():
		source = SourceJwt
	case SourceIntrospection.String():
		source = SourceIntrospection
	}
	return id, source
}

func setIfNotEmpty(h http.Header, name, value string) {
	if value != "" {
		h.Set(name, value)
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
