package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/storefront-gateway/internal/testutil/fixtures"
)

// IdentityProvider is a fake OpenID provider serving a JWKS document, a
// discovery document and an RFC 7662 introspection endpoint. Every
// endpoint counts its hits so tests can assert how often the gateway
// went to the network.
//
// Routes:
//
//	GET  /.well-known/openid-configuration
//	GET  /jwks
//	POST /introspect  (Basic auth with fixtures.TestClientID / TestClientSecret)
type IdentityProvider struct {
	Server *httptest.Server

	mu               sync.Mutex
	keys             map[string]any
	rawJWKS          []byte
	jwksStatus       int
	verdicts         map[string]map[string]any
	introspectStatus int

	jwksHits       atomic.Int64
	discoveryHits  atomic.Int64
	introspectHits atomic.Int64
}

// NewIdentityProvider starts a fake provider that is closed with the test.
func NewIdentityProvider(t testing.TB) *IdentityProvider {
	t.Helper()
	p := &IdentityProvider{
		keys:     make(map[string]any),
		verdicts: make(map[string]map[string]any),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("GET /jwks", p.serveJWKS)
	mux.HandleFunc("POST /introspect", p.serveIntrospect)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer returns the provider's base URL, used as the iss claim.
func (p *IdentityProvider) Issuer() string { return p.Server.URL }

// JWKSURL returns the key set endpoint.
func (p *IdentityProvider) JWKSURL() string { return p.Server.URL + "/jwks" }

// IntrospectionURL returns the introspection endpoint.
func (p *IdentityProvider) IntrospectionURL() string { return p.Server.URL + "/introspect" }

// JWKSHits returns how many times the key set was downloaded.
func (p *IdentityProvider) JWKSHits() int64 { return p.jwksHits.Load() }

// DiscoveryHits returns how many times the discovery document was read.
func (p *IdentityProvider) DiscoveryHits() int64 { return p.discoveryHits.Load() }

// IntrospectionHits returns how many introspection calls were made.
func (p *IdentityProvider) IntrospectionHits() int64 { return p.introspectHits.Load() }

// GenerateRSAKey creates a 2048-bit key and publishes it under kid.
func (p *IdentityProvider) GenerateRSAKey(t testing.TB, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generating RSA key")
	p.PublishKey(kid, key)
	return key
}

// GenerateECKey creates a P-256 key and publishes it under kid.
func (p *IdentityProvider) GenerateECKey(t testing.TB, kid string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "generating EC key")
	p.PublishKey(kid, key)
	return key
}

// PublishKey adds the public half of key (an *rsa.PrivateKey or
// *ecdsa.PrivateKey) to the JWKS document.
func (p *IdentityProvider) PublishKey(kid string, key any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[kid] = key
	p.rawJWKS = nil
}

// RetireKey removes kid from the JWKS document.
func (p *IdentityProvider) RetireKey(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, kid)
}

// SetRawJWKS serves doc verbatim instead of the generated key set.
func (p *IdentityProvider) SetRawJWKS(doc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rawJWKS = []byte(doc)
}

// SetJWKSStatus makes the JWKS endpoint fail with status. Zero restores
// normal behavior.
func (p *IdentityProvider) SetJWKSStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwksStatus = status
}

// SetVerdict registers the introspection response for token. Tokens
// without a verdict are reported inactive.
func (p *IdentityProvider) SetVerdict(token string, verdict map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verdicts[token] = verdict
}

// SetIntrospectionStatus makes the introspection endpoint fail with
// status. Zero restores normal behavior.
func (p *IdentityProvider) SetIntrospectionStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.introspectStatus = status
}

func (p *IdentityProvider) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discoveryHits.Add(1)
	writeJSON(w, http.StatusOK, map[string]string{
		"issuer":                 p.Issuer(),
		"jwks_uri":               p.JWKSURL(),
		"introspection_endpoint": p.IntrospectionURL(),
	})
}

func (p *IdentityProvider) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.jwksHits.Add(1)

	p.mu.Lock()
	status := p.jwksStatus
	raw := p.rawJWKS
	keys := make([]map[string]string, 0, len(p.keys))
	for kid, key := range p.keys {
		keys = append(keys, publicJWK(kid, key))
	}
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	if raw != nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (p *IdentityProvider) serveIntrospect(w http.ResponseWriter, r *http.Request) {
	p.introspectHits.Add(1)

	user, pass, ok := r.BasicAuth()
	if !ok || user != fixtures.TestClientID || pass != fixtures.TestClientSecret {
		http.Error(w, "invalid client", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	status := p.introspectStatus
	verdict, found := p.verdicts[r.PostForm.Get("token")]
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	if !found {
		verdict = map[string]any{"active": false}
	}
	writeJSON(w, http.StatusOK, verdict)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func publicJWK(kid string, key any) map[string]string {
	b64 := base64.RawURLEncoding.EncodeToString
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return map[string]string{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   b64(k.N.Bytes()),
			"e":   b64(big.NewInt(int64(k.E)).Bytes()),
		}
	case *ecdsa.PrivateKey:
		size := (k.Curve.Params().BitSize + 7) / 8
		return map[string]string{
			"kty": "EC",
			"kid": kid,
			"use": "sig",
			"crv": k.Curve.Params().Name,
			"x":   b64(k.X.FillBytes(make([]byte, size))),
			"y":   b64(k.Y.FillBytes(make([]byte, size))),
		}
	default:
		return map[string]string{"kid": kid}
	}
}

// Claims returns a valid claim set for subject issued by issuer for
// audience, expiring in one hour.
func Claims(issuer, audience, subject string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                issuer,
		"aud":                audience,
		"sub":                subject,
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"preferred_username": fixtures.TestUsername,
		"scope":              "catalog:read cart:write",
		"roles":              []string{"customer"},
	}
}

// SignRS256 signs claims with key, setting the kid header when non-empty.
func SignRS256(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	return sign(t, jwt.SigningMethodRS256, key, kid, claims)
}

// SignES256 signs claims with key, setting the kid header when non-empty.
func SignES256(t testing.TB, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	return sign(t, jwt.SigningMethodES256, key, kid, claims)
}

func sign(t testing.TB, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err, "signing test token")
	return signed
}
