package auth

import (
	"strings"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

// Mode selects which validation paths the [Authenticator] may use.
type Mode int

const (
	// ModeJwtFirst validates locally and falls back to introspection.
	ModeJwtFirst Mode = iota

	// ModeJwtOnly validates locally and never introspects. Use it when
	// no introspection endpoint is reachable.
	ModeJwtOnly
)

// String returns the configuration spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeJwtOnly:
		return "JwtOnly"
	default:
		return "JwtFirst"
	}
}

// ParseMode resolves a configured mode name, case-insensitively. An empty
// string selects [ModeJwtFirst].
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jwtfirst", "jwt_first", "jwt-first":
		return ModeJwtFirst, nil
	case "jwtonly", "jwt_only", "jwt-only":
		return ModeJwtOnly, nil
	default:
		return ModeJwtFirst, sserr.Newf(sserr.CodeValidationFormat,
			"auth: unknown validation mode %q (want JwtFirst or JwtOnly)", s)
	}
}

// UnmarshalText lets config files and env vars carry the mode by name.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
