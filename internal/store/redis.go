package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTimeout bounds each Redis operation. It is deliberately short:
// on expiry the limiter falls back to the local store rather than holding up
// the request.
const DefaultRedisTimeout = 250 * time.Millisecond

// Redis is the distributed counter store, shared by all replicas.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRedis connects to the Redis backend at redisURL. A non-empty token
// overrides the password embedded in the URL (some managed providers hand the
// credential out separately). The connection is verified with a ping.
func NewRedis(redisURL, token string, opts ...RedisOption) (*Redis, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if token != "" {
		parsed.Password = token
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := &Redis{client: client, timeout: DefaultRedisTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get returns the current count for key, or 0 when the key is absent.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: redis get %q: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

// Increment atomically increments key and returns the post-increment value.
func (r *Redis) Increment(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis incr %q: %v", ErrUnavailable, key, err)
	}
	return n, nil
}

// Expire sets the TTL for key if it does not already have one, so a bucket's
// expiry is anchored to its first increment.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := r.client.ExpireNX(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis expire %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// bound layers the per-operation timeout on top of the caller's context so a
// slow backend cannot consume the whole request deadline.
func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}
