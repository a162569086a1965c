// Package kv narrows the shared key-value store to the operations the runtime
// needs, so the capacity controller, tenant config adapter and workflow queue
// can be exercised against an in-memory double in tests.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// IncrWithTTL increments key by one and ensures it carries at least ttl,
	// returning the post-increment value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}
