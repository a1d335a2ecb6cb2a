// Package limiter implements the rate-limiting core: policy compilation,
// whitelist exemption, window-bucket accounting against a counter store with
// fallback, and decision construction.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratacore/rategate/internal/audit"
	"github.com/stratacore/rategate/internal/identity"
	logpkg "github.com/stratacore/rategate/internal/logger"
	"github.com/stratacore/rategate/internal/request"
	"github.com/stratacore/rategate/internal/store"
)

// ReasonLimitExceeded is the deny reason for an ordinary violation.
const ReasonLimitExceeded = "rate limit exceeded"

// keyPrefix namespaces counter keys in shared backends.
const keyPrefix = "ratelimit:"

// Bucket computes the window-bucket index for a point in time.
func Bucket(now time.Time, window time.Duration) int64 {
	return now.UnixMilli() / window.Milliseconds()
}

// BucketKey builds the counter-store key for an identifier and bucket index.
func BucketKey(identifier string, bucket int64) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, identifier, bucket)
}

// FailurePolicy decides what happens when every counter store is unavailable.
type FailurePolicy uint8

const (
	// FailOpen allows the request when enforcement itself fails,
	// prioritizing availability over strictness. This is the default.
	FailOpen FailurePolicy = iota
	// FailClosed denies the request when enforcement itself fails.
	FailClosed
)

// ParseFailurePolicy maps a configuration value to a FailurePolicy.
func ParseFailurePolicy(name string) (FailurePolicy, error) {
	switch name {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("unknown failure policy %q (want open or closed)", name)
}

// Policy is the rate-limit configuration for one protected operation.
// Constructed once per endpoint and treated as immutable.
type Policy struct {
	Name           string
	MaxRequests    int
	Window         time.Duration
	Strategy       identity.Strategy
	Whitelist      []string
	EnableAuditLog bool
	IncludeHeaders bool
	Message        string
}

// CompiledPolicy is a Policy with its extractor and whitelist matcher resolved
// up front, so no strategy dispatch or pattern parsing happens per request.
type CompiledPolicy struct {
	Policy

	extract   identity.Extractor
	whitelist *whitelistMatcher
}

// Compile validates the policy and resolves its extractor and whitelist.
// Invalid policies fail here, at startup, never per request.
func Compile(p Policy) (*CompiledPolicy, error) {
	if p.MaxRequests < 1 {
		return nil, fmt.Errorf("policy %q: max requests must be at least 1, got %d", p.Name, p.MaxRequests)
	}
	if p.Window <= 0 {
		return nil, fmt.Errorf("policy %q: window must be positive, got %s", p.Name, p.Window)
	}
	wl, err := compileWhitelist(p.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", p.Name, err)
	}
	return &CompiledPolicy{
		Policy:    p,
		extract:   identity.ExtractorFor(p.Strategy),
		whitelist: wl,
	}, nil
}

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed         bool
	Limit           int
	Remaining       int
	Reset           time.Time
	CurrentRequests int64
	Identifier      string
	Reason          string
}

// AuditReporter receives violation records. Implementations must not block.
type AuditReporter interface {
	Report(v audit.Violation)
}

// Limiter is the rate-limiting service object. It holds the injected stores
// and audit sink; handlers receive it by reference, never through a global.
type Limiter struct {
	primary  store.CounterStore
	fallback store.CounterStore
	policy   FailurePolicy
	sink     AuditReporter
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailurePolicy selects fail-open or fail-closed behavior for total store
// failure.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithAuditSink injects the violation reporter.
func WithAuditSink(sink AuditReporter) Option {
	return func(l *Limiter) { l.sink = sink }
}

// WithLogger injects the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// WithNow injects the clock, for window-rollover tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter using primary for counting, falling back to fallback
// when primary is unavailable. fallback may be nil for single-store setups.
func New(primary store.CounterStore, fallback store.CounterStore, opts ...Option) (*Limiter, error) {
	if primary == nil {
		return nil, errors.New("limiter: primary counter store is required")
	}
	l := &Limiter{
		primary:  primary,
		fallback: fallback,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check runs one rate-limit decision for the request under the given policy.
// It never returns an error: store failures resolve to an allow or deny
// according to the failure policy, with a diagnostic Reason.
func (l *Limiter) Check(ctx context.Context, r *http.Request, p *CompiledPolicy) Result {
	id := p.extract(r)
	bucket := Bucket(l.now(), p.Window)
	// Reset is the start of the next bucket, not a sliding deadline from
	// this request.
	reset := time.UnixMilli((bucket + 1) * p.Window.Milliseconds())

	// Whitelisted addresses bypass counting entirely: no counter is
	// created or consulted. The match is always on the network address,
	// whatever strategy names the client.
	if p.whitelist.Match(request.ClientIP(r)) {
		return Result{
			Allowed:    true,
			Limit:      p.MaxRequests,
			Remaining:  p.MaxRequests,
			Reset:      reset,
			Identifier: id,
		}
	}

	key := BucketKey(id, bucket)

	count, err := l.incrementBucket(ctx, l.primary, key, p.Window)
	if err != nil && l.fallback != nil {
		l.log.Warn("store_fallback",
			zap.String("policy", p.Name),
			zap.String("identifier", logpkg.SanitizeIdentifier(id)),
			zap.String("error", logpkg.SanitizeError(err)),
		)
		count, err = l.incrementBucket(ctx, l.fallback, key, p.Window)
	}
	if err != nil {
		return l.storeFailureResult(p, id, reset, err)
	}

	if count > int64(p.MaxRequests) {
		if p.EnableAuditLog && l.sink != nil {
			l.sink.Report(audit.Violation{
				ID:           uuid.NewString(),
				Identifier:   id,
				Strategy:     p.Strategy.String(),
				Limit:        p.MaxRequests,
				Window:       p.Window,
				CurrentCount: count,
				ClientIP:     request.ClientIP(r),
				UserAgent:    r.Header.Get("User-Agent"),
				Path:         r.URL.Path,
				Method:       r.Method,
				At:           l.now(),
			})
		}
		return Result{
			Allowed:         false,
			Limit:           p.MaxRequests,
			Remaining:       0,
			Reset:           reset,
			CurrentRequests: count,
			Identifier:      id,
			Reason:          ReasonLimitExceeded,
		}
	}

	remaining := p.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:         true,
		Limit:           p.MaxRequests,
		Remaining:       remaining,
		Reset:           reset,
		CurrentRequests: count,
		Identifier:      id,
	}
}

// incrementBucket performs the atomic increment and, on a bucket's first
// increment, anchors its TTL to the window length.
func (l *Limiter) incrementBucket(ctx context.Context, s store.CounterStore, key string, window time.Duration) (int64, error) {
	count, err := s.Increment(ctx, key)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.Expire(ctx, key, window); err != nil {
			// The counter exists but may outlive its window; the key
			// still rolls over, so log rather than fail the check.
			l.log.Warn("counter_expire_failed",
				zap.String("error", logpkg.SanitizeError(err)),
			)
		}
	}
	return count, nil
}

func (l *Limiter) storeFailureResult(p *CompiledPolicy, id string, reset time.Time, err error) Result {
	l.log.Error("all_counter_stores_unavailable",
		zap.String("policy", p.Name),
		zap.String("identifier", logpkg.SanitizeIdentifier(id)),
		zap.String("error", logpkg.SanitizeError(err)),
		zap.Bool("fail_open", l.policy == FailOpen),
	)
	if l.policy == FailClosed {
		return Result{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			Reset:      reset,
			Identifier: id,
			Reason:     "counter storage unavailable, failing closed",
		}
	}
	return Result{
		Allowed:    true,
		Limit:      p.MaxRequests,
		Remaining:  p.MaxRequests,
		Reset:      reset,
		Identifier: id,
		Reason:     "counter storage unavailable, failing open",
	}
}
