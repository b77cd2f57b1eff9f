// Package store persists all shared state: the server catalog, status
// records, the poll queue, availability buckets and the change channels
// the web UI listens on.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable marks transient store connectivity failures. Callers
// skip the cycle and retry later instead of treating the condition as
// data corruption.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the capability set the backend needs from its key-value
// store: hash fields, scalar keys, a scored set for the poll queue,
// counter increments and pub/sub notifications.
type Store interface {
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HKeys(ctx context.Context, key string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HMGet(ctx context.Context, key string, fields ...string) ([]*string, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZMembers(ctx context.Context, key string) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Subscription is a live pub/sub subscription. Messages delivers payloads
// until Close.
type Subscription interface {
	Messages() <-chan string
	Close() error
}
