package errors

// Code is a machine-readable error code of the form CATEGORY_NNN.
type Code string

// Error code categories:
//
//	VAL_xxx     - Validation errors (400)
//	AUTH_xxx    - Authentication errors (401)
//	AUTHZ_xxx   - Authorization errors (403)
//	RATE_xxx    - Rate limiting (429)
//	INT_xxx     - Internal errors (500)
//	UNAVAIL_xxx - Dependency unavailable (503)
//	TIMEOUT_xxx - Timeouts (504)
const (
	CodeValidation         Code = "VAL_001"
	CodeValidationRequired Code = "VAL_002"
	CodeValidationFormat   Code = "VAL_003"

	CodeAuthentication        Code = "AUTH_001"
	CodeAuthenticationExpired Code = "AUTH_002"
	CodeAuthenticationInvalid Code = "AUTH_003"

	CodeAuthorization Code = "AUTHZ_001"

	// CodeRateLimited indicates the caller exhausted its quota for the
	// current window.
	CodeRateLimited Code = "RATE_001"

	CodeInternal              Code = "INT_001"
	CodeInternalDatabase      Code = "INT_002"
	CodeInternalConfiguration Code = "INT_003"

	CodeUnavailable           Code = "UNAVAIL_001"
	CodeUnavailableDependency Code = "UNAVAIL_002"

	CodeTimeout           Code = "TIMEOUT_001"
	CodeTimeoutDatabase   Code = "TIMEOUT_002"
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the code as a string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore (e.g., "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
