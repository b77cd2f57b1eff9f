package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	c *redis.Client
}

// NewRedis connects to the redis instance at addr using the given
// database number. The connection is lazy; the first operation reports
// ErrUnavailable if the server cannot be reached.
func NewRedis(addr string, db int) *Redis {
	return &Redis{c: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

func (r *Redis) Close() error {
	return r.c.Close()
}

// unavailable wraps any transport-level redis error so callers can match
// with errors.Is(err, ErrUnavailable).
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return v, true, nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	if err := r.c.HSet(ctx, key, field, value).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.c.HDel(ctx, key, fields...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) HKeys(ctx context.Context, key string) ([]string, error) {
	v, err := r.c.HKeys(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return v, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return v, nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	v, err := r.c.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return v, nil
}

func (r *Redis) HMGet(ctx context.Context, key string, fields ...string) ([]*string, error) {
	vals, err := r.c.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*string, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = &s
		}
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.c.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := r.c.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable(err)
	}
	return v, true, nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	by := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		by.Count = limit
	}
	v, err := r.c.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return v, nil
}

func (r *Redis) ZMembers(ctx context.Context, key string) ([]string, error) {
	v, err := r.c.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return v, nil
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.c.ZRem(ctx, key, args...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	if err := r.c.Publish(ctx, channel, message).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// redisSubscription adapts redis.PubSub to the Subscription interface.
type redisSubscription struct {
	ps  *redis.PubSub
	out chan string
}

func (s *redisSubscription) Messages() <-chan string { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.c.Subscribe(ctx, channel)
	// Force the subscribe round trip so connection failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, unavailable(err)
	}
	sub := &redisSubscription{ps: ps, out: make(chan string, 32)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- msg.Payload
		}
	}()
	return sub, nil
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}
