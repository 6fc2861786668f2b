package redis

import (
	"fmt"
	"net/url"
	"time"
)

// maxStatementTruncateLen caps the db.statement span attribute.
const maxStatementTruncateLen = 100

// Default connection settings for the gateway's shared store.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 6379
	DefaultDB            = 0
	DefaultPoolSize      = 50
	DefaultMinIdleConns  = 10
	DefaultMaxRetries    = 2
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 500 * time.Millisecond
	DefaultWriteTimeout  = 500 * time.Millisecond
	DefaultHealthTimeout = 2 * time.Second
)

// Secret is a string that redacts itself when printed, logged or
// marshaled. Use Value to read the real content.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the unredacted secret.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of JSON and YAML output.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Config holds the connection settings for the store shared by all
// gateway replicas. When URI is set it takes precedence over Host, Port,
// DB, Password and TLSEnabled. Env tags are relative to the enclosing
// config section (GATEWAY_REDIS_ in the gateway).
type Config struct {
	URI          string        `json:"uri,omitempty" yaml:"uri" env:"URI"`
	Host         string        `json:"host,omitempty" yaml:"host" env:"HOST"`
	Port         int           `json:"port,omitempty" yaml:"port" env:"PORT"`
	DB           int           `json:"db" yaml:"db" env:"DB"`
	Password     Secret        `json:"-" yaml:"password" env:"PASSWORD"`
	PoolSize     int           `json:"pool_size,omitempty" yaml:"poolSize" env:"POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns,omitempty" yaml:"minIdleConns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int           `json:"max_retries,omitempty" yaml:"maxRetries" env:"MAX_RETRIES"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dialTimeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	TLSEnabled   bool          `json:"tls_enabled,omitempty" yaml:"tlsEnabled" env:"TLS_ENABLED"`
}

// DefaultConfig returns a Config for a local Redis on the default port.
func DefaultConfig() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
		MaxRetries:   DefaultMaxRetries,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate fills zero-valued settings with defaults and checks ranges.
// It mutates the receiver.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: config URI is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DB < 0 {
		return fmt.Errorf("redis: config db must be >= 0, got %d", c.DB)
	}
	if c.PoolSize < c.MinIdleConns {
		return fmt.Errorf("redis: config pool_size (%d) must be >= min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":  c.DialTimeout,
		"read_timeout":  c.ReadTimeout,
		"write_timeout": c.WriteTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("redis: config %s must not be negative, got %v", name, d)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns < 0 {
		c.MinIdleConns = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
