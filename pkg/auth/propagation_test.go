package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{header: "bearer abc", want: "abc"},
		{header: "BEARER   abc  ", want: "abc"},
		{header: "Basic dXNlcjpwYXNz", want: ""},
		{header: "Bearer ", want: ""},
		{header: "Bearer", want: ""},
		{header: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractBearerToken(tt.header), "header %q", tt.header)
	}
}

func TestStripIdentityHeaders(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	for _, name := range IdentityHeaders() {
		h.Set(name, "forged")
	}
	h.Set("X-Request-Id", "keep")

	StripIdentityHeaders(h)

	for _, name := range IdentityHeaders() {
		assert.Empty(t, h.Values(name), name)
	}
	assert.Equal(t, "keep", h.Get("X-Request-Id"))
}

func TestApplyIdentityHeaders(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set(HeaderUserRoles, "admin")
	h.Set(HeaderUsername, "forged")

	ApplyIdentityHeaders(h, &Identity{
		Subject: "user-1",
		Roles:   []string{"customer", "vip"},
		Scopes:  []string{"cart:read"},
	}, SourceJwt)

	assert.Equal(t, "user-1", h.Get(HeaderUserID))
	assert.Equal(t, "customer,vip", h.Get(HeaderUserRoles))
	assert.Equal(t, "cart:read", h.Get(HeaderUserScopes))
	assert.Equal(t, "jwt", h.Get(HeaderAuthSource))
	assert.Empty(t, h.Values(HeaderUsername), "forged header removed, empty value omitted")
	assert.Empty(t, h.Values(HeaderClientID))
	assert.Empty(t, h.Values(HeaderUserPermissions))
}

func TestApplyIdentityHeaders_NilIdentityStrips(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set(HeaderUserID, "forged")

	ApplyIdentityHeaders(h, nil, SourceJwt)
	assert.Empty(t, h.Values(HeaderUserID))
	assert.Empty(t, h.Values(HeaderAuthSource))
}

func TestIdentityFromHeaders(t *testing.T) {
	t.Parallel()
	want := &Identity{
		Subject:     "user-1",
		ClientID:    "web",
		Username:    "alice",
		Roles:       []string{"customer"},
		Scopes:      []string{"a", "b"},
		Permissions: []string{"orders.cancel"},
	}
	h := http.Header{}
	ApplyIdentityHeaders(h, want, SourceIntrospection)

	got, source := IdentityFromHeaders(h)
	require.NotNil(t, got)
	assert.Equal(t, want, got)
	assert.Equal(t, SourceIntrospection, source)

	none, source := IdentityFromHeaders(http.Header{})
	assert.Nil(t, none)
	assert.Equal(t, SourceNone, source)
}
