// Package redis wraps go-redis with the connection, pub/sub, and key helpers
// the gateway relies on. Redis is both the durable log medium (streams,
// sorted sets) and the KV/counter store; isolation across tenants is by key
// prefix, never by database.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// defaultTimeout fills dial/read/write gaps the connection URL leaves open.
const defaultTimeout = 5 * time.Second

// Connect dials a redis:// connection string and verifies the server answers
// before anything builds on it. Consumers hold the UniversalClient interface
// so the storage layer never assumes a topology.
func Connect(ctx context.Context, rawURL string) (goredis.UniversalClient, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
