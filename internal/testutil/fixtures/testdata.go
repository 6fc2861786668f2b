// Package fixtures provides shared test data constants for the gateway
// test suite.
//
// Using common constants for identities and credentials prevents magic
// strings in tests and keeps the fake identity provider and the code
// under test in agreement.
package fixtures

// Standard identity values used in auth tests.
const (
	// TestSubject is the default subject claim for test identities.
	TestSubject = "user-abc-123"

	// TestUsername is the default preferred_username claim.
	TestUsername = "shopper"

	// TestAudience is the default audience for test tokens.
	TestAudience = "storefront-api"

	// TestKeyID is the default signing key ID.
	TestKeyID = "key-2024-01"

	// TestRotatedKeyID is the key ID published after a rotation.
	TestRotatedKeyID = "key-2024-02"
)

// Confidential client credentials accepted by the fake introspection
// endpoint.
const (
	TestClientID = "storefront-gateway"

	// TestClientSecret is a deliberately weak value suitable only for
	// unit tests.
	TestClientSecret = "gateway-secret"
)

// Standard network values used in rate limiter and middleware tests.
const (
	TestClientIP    = "203.0.113.7"
	TestAltClientIP = "198.51.100.23"
)
