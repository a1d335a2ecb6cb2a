package store

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the local store purges expired entries.
const DefaultSweepInterval = 60 * time.Second

type localEntry struct {
	count     int64
	expiresAt time.Time // zero until Expire is called
}

// Local is the in-process counter store. It backs deployments without a
// distributed backend and serves as the fallback during backend outages.
// A background sweep bounds memory growth by purging expired entries.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry

	now           func() time.Time
	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// LocalOption configures a Local store.
type LocalOption func(*Local)

// WithSweepInterval sets the purge interval. Zero or negative disables the
// background sweep.
func WithSweepInterval(d time.Duration) LocalOption {
	return func(l *Local) { l.sweepInterval = d }
}

// WithNow injects the clock, for tests that need to age entries without
// sleeping.
func WithNow(now func() time.Time) LocalOption {
	return func(l *Local) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLocal creates a local counter store and starts its sweep loop.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		entries:       make(map[string]*localEntry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sweepInterval > 0 {
		go l.sweepLoop()
	}
	return l
}

// Close stops the background sweep. Safe to call more than once.
func (l *Local) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

// Get returns the current count for key, or 0 when the key is absent or its
// TTL has elapsed. The local store never fails.
func (l *Local) Get(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.entries[key]
	if !ok || l.expired(ent) {
		return 0, nil
	}
	return ent.count, nil
}

// Increment increments the counter for key, creating it at 1 if absent or
// expired, and returns the post-increment value.
func (l *Local) Increment(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.entries[key]
	if !ok || l.expired(ent) {
		l.entries[key] = &localEntry{count: 1}
		return 1, nil
	}
	ent.count++
	return ent.count, nil
}

// Expire anchors the TTL for key to now. Expiry of a missing key is a no-op.
func (l *Local) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ent, ok := l.entries[key]; ok {
		ent.expiresAt = l.now().Add(ttl)
	}
	return nil
}

// Sweep removes all expired entries. Exposed so tests and the sweep loop share
// one code path.
func (l *Local) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, ent := range l.entries {
		if l.expired(ent) {
			delete(l.entries, key)
		}
	}
}

// Len reports the number of live entries, expired or not.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) expired(ent *localEntry) bool {
	return !ent.expiresAt.IsZero() && !l.now().Before(ent.expiresAt)
}

func (l *Local) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
