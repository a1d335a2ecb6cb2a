// Package store provides the bounded-counter storage used for rate accounting.
//
// Two adapters implement the same CounterStore contract: a Redis-backed
// distributed store shared across replicas, and an in-process local store used
// when the distributed backend is absent or failing.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable classifies backend failures (network error, timeout). Callers
// detect it with errors.Is and fall back to another store; it is never surfaced
// to the end client.
var ErrUnavailable = errors.New("counter store unavailable")

// CounterStore is the contract for incrementing and reading a bounded counter
// with expiry. Both adapters tolerate nonexistent keys: absent is reported as
// count 0, never as an error.
type CounterStore interface {
	// Get returns the current count for key, or 0 when the key is absent.
	Get(ctx context.Context, key string) (int64, error)

	// Increment atomically increments the counter and returns the
	// post-increment value. Decisions compare this returned value against
	// the limit, which closes the get-then-increment race.
	Increment(ctx context.Context, key string) (int64, error)

	// Expire sets the TTL for key. The limiter calls it once per bucket,
	// on the bucket's first increment.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
