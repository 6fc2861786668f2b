// Package redis provides the Redis-backed [kvstore.Store] shared by all
// gateway replicas. It holds the cached signing key set, cached
// introspection verdicts and the fixed-window rate-limit counters.
//
// Every operation is traced with OpenTelemetry using the database client
// semantic conventions, and failures are returned as [*sserr.Error]
// values: [sserr.CodeTimeoutDatabase] for deadline overruns and
// [sserr.CodeInternalDatabase] for everything else. Missing keys are
// reported as [kvstore.ErrNotFound].
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
	"github.com/StricklySoft/storefront-gateway/pkg/kvstore"
)

const tracerName = "github.com/StricklySoft/storefront-gateway/pkg/clients/redis"

// incrWithTTLScript increments KEYS[1] and, when that created the
// counter, sets its expiry to ARGV[1] milliseconds. A counter found
// without an expiry is also given one so it cannot live forever.
var incrWithTTLScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 or redis.call("PTTL", KEYS[1]) == -1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Cmdable is the subset of go-redis commands the store uses. It is
// satisfied by [*redis.Client] and by mocks in tests.
type Cmdable interface {
	redis.Scripter

	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var (
	_ Cmdable       = (*redis.Client)(nil)
	_ kvstore.Store = (*Client)(nil)
)

// Client is a traced Redis [kvstore.Store]. It is safe for concurrent
// use; create one per process and share it.
type Client struct {
	cmdable Cmdable
	config  *Config
	tracer  trace.Tracer
	dbIndex int
}

// NewClient validates cfg, connects, and pings the server before
// returning. The caller must Close the client.
//
// Error codes returned:
//   - [sserr.CodeValidation]: invalid configuration
//   - [sserr.CodeUnavailableDependency]: cannot reach Redis
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: invalid configuration")
	}

	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency,
			"redis: failed to connect to server")
	}

	return &Client{
		cmdable: rdb,
		config:  &cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: opts.DB,
	}, nil
}

// options builds go-redis options from the config. Pool and timeout
// settings apply to URI connections as well.
func (c *Config) options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URI != "" {
		var err error
		opts, err = redis.ParseURL(c.URI)
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeValidation,
				"redis: failed to parse connection URI")
		}
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", c.Host, c.Port),
			Password: c.Password.Value(),
			DB:       c.DB,
		}
		if c.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.MaxRetries = c.MaxRetries
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts, nil
}

// NewFromClient wraps an existing Cmdable, such as a mock or a client
// pointed at miniredis. cfg may be nil.
func NewFromClient(cmdable Cmdable, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{
		cmdable: cmdable,
		config:  cfg,
		tracer:  otel.Tracer(tracerName),
		dbIndex: cfg.DB,
	}
}

// Get implements [kvstore.Store].
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, span := c.startSpan(ctx, "Get", "GET "+key)
	val, err := c.cmdable.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("db.redis.hit", false))
		finishSpan(span, nil)
		return "", kvstore.ErrNotFound
	}
	finishSpan(span, err)
	if err != nil {
		return "", wrapError(err, "redis: get failed")
	}
	return val, nil
}

// SetWithTTL implements [kvstore.Store].
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := kvstore.ValidateTTL(ttl); err != nil {
		return err
	}
	ctx, span := c.startSpan(ctx, "Set", fmt.Sprintf("SET %s PX %d", key, ttl.Milliseconds()))
	err := c.cmdable.Set(ctx, key, value, ttl).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "redis: set failed")
	}
	return nil
}

// Delete implements [kvstore.Store].
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, span := c.startSpan(ctx, "Del", "DEL "+key)
	err := c.cmdable.Del(ctx, key).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "redis: del failed")
	}
	return nil
}

// IncrWithTTLOnFirstHit implements [kvstore.Store] with a Lua script so
// the increment and the expiry are applied atomically.
func (c *Client) IncrWithTTLOnFirstHit(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := kvstore.ValidateTTL(ttl); err != nil {
		return 0, err
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	ctx, span := c.startSpan(ctx, "IncrWithTTL", fmt.Sprintf("EVALSHA incr_ttl %s %d", key, ms))
	n, err := incrWithTTLScript.Run(ctx, c.cmdable, []string{key}, ms).Int64()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: incr with ttl failed")
	}
	return n, nil
}

// TTL implements [kvstore.Store].
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := c.startSpan(ctx, "PTTL", "PTTL "+key)
	val, err := c.cmdable.PTTL(ctx, key).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: pttl failed")
	}

	// PTTL replies -2 for a missing key and -1 for one without expiry;
	// go-redis passes both through unscaled.
	switch val {
	case -2:
		return 0, kvstore.ErrNotFound
	case -1:
		return 0, nil
	default:
		return val, nil
	}
}

// Health pings the server, applying [DefaultHealthTimeout] when ctx has
// no deadline. Failures carry [sserr.CodeUnavailableDependency].
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "PING")
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	err := c.cmdable.Ping(ctx).Err()
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: health check failed")
	}
	return nil
}

// Close releases connection resources.
func (c *Client) Close() error {
	return c.cmdable.Close()
}

// Client returns the wrapped Cmdable. Do not close it directly.
func (c *Client) Client() Cmdable {
	return c.cmdable
}

func (c *Client) startSpan(ctx context.Context, operationName, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "redis."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.Int("db.redis.database_index", c.dbIndex),
		attribute.String("db.statement", truncateStatement(statement)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError classifies deadline overruns as retryable timeouts. A
// canceled context is not retryable: the caller gave up.
func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
