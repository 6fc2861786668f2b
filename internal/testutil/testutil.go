// Package testutil holds helpers shared by the gateway test suites: error
// code assertions, temporary config files and a fake identity provider
// ([IdentityProvider]).
//
// Helpers take [testing.TB] and call t.Helper() so failures point at the
// calling test.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// RequireErrorCode stops the test unless err is an *sserr.Error carrying
// code.
//
//	_, err := auth.NewKeySetCache("", store)
//	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	e, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, e.Code, "code mismatch (message: %s)", e.Message)
}

// AssertErrorCode is the non-fatal form of [RequireErrorCode], for
// table-driven tests that should report every failing row.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	e, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, e.Code, "code mismatch (message: %s)", e.Message)
}

// TempConfigFile writes content to config<ext> in a per-test directory
// and returns its path.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "writing %s", path)
	return path
}

// AssertJSONNotContains fails when the JSON encoding of v contains
// unexpected. Used to check that secrets never serialize.
func AssertJSONNotContains(t testing.TB, v any, unexpected string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, string(data), unexpected)
}
