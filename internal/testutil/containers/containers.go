//go:build integration

// Package containers starts throwaway service containers for the
// integration-tagged test suites. Files using it must carry the same
// build tag:
//
//	//go:build integration
package containers

import (
	"context"
	"fmt"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// DefaultRedisImage matches the Redis major version the gateway is
// deployed against.
const DefaultRedisImage = "docker.io/redis:7-alpine"

// RedisResult is a started Redis container. The caller terminates it:
//
//	defer result.Container.Terminate(ctx)
type RedisResult struct {
	Container *tcredis.RedisContainer

	// ConnString is a redis:// URI suitable for redis.Config.URI.
	ConnString string
}

// StartRedis starts an unauthenticated Redis container. If the
// connection string cannot be resolved the container is terminated
// before returning.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}

	return &RedisResult{Container: container, ConnString: connStr}, nil
}
