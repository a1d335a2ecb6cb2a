package limiter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stratacore/rategate/internal/audit"
	"github.com/stratacore/rategate/internal/identity"
	"github.com/stratacore/rategate/internal/store"
)

// brokenStore simulates an unreachable backend.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func (brokenStore) Increment(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func (brokenStore) Expire(context.Context, string, time.Duration) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

type recordingSink struct {
	mu         sync.Mutex
	violations []audit.Violation
}

func (s *recordingSink) Report(v audit.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}

func mustCompile(t *testing.T, p Policy) *CompiledPolicy {
	t.Helper()
	cp, err := Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return cp
}

func newLocalLimiter(t *testing.T, opts ...Option) (*Limiter, *store.Local) {
	t.Helper()
	local := store.NewLocal(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = local.Close() })
	l, err := New(local, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, local
}

func requestFrom(addr string) *http.Request {
	r := httptest.NewRequest("GET", "/api/items", nil)
	r.Header.Set("X-Forwarded-For", addr)
	return r
}

func TestSequentialLimit(t *testing.T) {
	t.Parallel()

	l, _ := newLocalLimiter(t)
	p := mustCompile(t, Policy{
		Name:        "scenario-a",
		MaxRequests: 3,
		Window:      60 * time.Second,
		Strategy:    identity.NetworkAddress,
	})

	want := []struct {
		allowed   bool
		remaining int
	}{
		{true, 2}, {true, 1}, {true, 0}, {false, 0}, {false, 0},
	}

	for i, w := range want {
		res := l.Check(context.Background(), requestFrom("203.0.113.7"), p)
		if res.Allowed != w.allowed || res.Remaining != w.remaining {
			t.Errorf("request %d: got allowed=%v remaining=%d, want allowed=%v remaining=%d",
				i+1, res.Allowed, res.Remaining, w.allowed, w.remaining)
		}
		if !res.Allowed && res.Reason != ReasonLimitExceeded {
			t.Errorf("request %d: reason = %q, want %q", i+1, res.Reason, ReasonLimitExceeded)
		}
		if res.Limit != 3 {
			t.Errorf("request %d: limit = %d, want 3", i+1, res.Limit)
		}
	}
}

func TestIndependentIdentifiers(t *testing.T) {
	t.Parallel()

	l, _ := newLocalLimiter(t)
	p := mustCompile(t, Policy{
		Name:        "per-client",
		MaxRequests: 1,
		Window:      time.Minute,
		Strategy:    identity.NetworkAddress,
	})

	if res := l.Check(context.Background(), requestFrom("203.0.113.7"), p); !res.Allowed {
		t.Fatalf("first client should be allowed")
	}
	if res := l.Check(context.Background(), requestFrom("203.0.113.8"), p); !res.Allowed {
		t.Errorf("a different client must have an independent counter")
	}
	if res := l.Check(context.Background(), requestFrom("203.0.113.7"), p); res.Allowed {
		t.Errorf("first client's second request should be denied")
	}
}

func TestWindowRollover(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	l, _ := newLocalLimiter(t, WithNow(clock))
	p := mustCompile(t, Policy{
		Name:        "rollover",
		MaxRequests: 1,
		Window:      time.Minute,
		Strategy:    identity.NetworkAddress,
	})

	ctx := context.Background()
	if res := l.Check(ctx, requestFrom("203.0.113.7"), p); !res.Allowed {
		t.Fatalf("first request should be allowed")
	}
	if res := l.Check(ctx, requestFrom("203.0.113.7"), p); res.Allowed {
		t.Fatalf("second request in the same window should be denied")
	}

	mu.Lock()
	now = now.Add(time.Minute + time.Millisecond)
	mu.Unlock()

	res := l.Check(ctx, requestFrom("203.0.113.7"), p)
	if !res.Allowed {
		t.Errorf("request in the next window should start a fresh count")
	}
	if res.CurrentRequests != 1 {
		t.Errorf("fresh window count = %d, want 1", res.CurrentRequests)
	}
}

func TestResetIsNextBucketBoundary(t *testing.T) {
	t.Parallel()

	// 10s into a minute-long bucket.
	now := time.UnixMilli(1_700_000_000_000).Truncate(time.Minute).Add(10 * time.Second)
	l, _ := newLocalLimiter(t, WithNow(func() time.Time { return now }))
	p := mustCompile(t, Policy{
		Name:        "reset",
		MaxRequests: 5,
		Window:      time.Minute,
		Strategy:    identity.NetworkAddress,
	})

	res := l.Check(context.Background(), requestFrom("203.0.113.7"), p)
	wantReset := now.Truncate(time.Minute).Add(time.Minute)
	if !res.Reset.Equal(wantReset) {
		t.Errorf("Reset = %v, want start of next bucket %v", res.Reset, wantReset)
	}
}

func TestWhitelistBypassesCounting(t *testing.T) {
	t.Parallel()

	l, local := newLocalLimiter(t)
	p := mustCompile(t, Policy{
		Name:        "scenario-c",
		MaxRequests: 1,
		Window:      time.Minute,
		Strategy:    identity.NetworkAddress,
		Whitelist:   []string{"203.0.113.7"},
	})

	for i := 0; i < 10; i++ {
		res := l.Check(context.Background(), requestFrom("203.0.113.7"), p)
		if !res.Allowed {
			t.Fatalf("whitelisted request %d denied", i+1)
		}
	}
	if got := local.Len(); got != 0 {
		t.Errorf("whitelisted traffic created %d counters, want 0", got)
	}
}

func TestWhitelistMatchesAddressUnderAnyStrategy(t *testing.T) {
	t.Parallel()

	l, local := newLocalLimiter(t)
	p := mustCompile(t, Policy{
		Name:        "wl-api-key",
		MaxRequests: 1,
		Window:      time.Minute,
		Strategy:    identity.APIKey,
		Whitelist:   []string{"203.0.113.0/24"},
	})

	r := requestFrom("203.0.113.7")
	r.Header.Set("X-API-Key", "some-key")
	for i := 0; i < 3; i++ {
		if res := l.Check(context.Background(), r, p); !res.Allowed {
			t.Fatalf("request %d denied despite whitelisted address", i+1)
		}
	}
	if got := local.Len(); got != 0 {
		t.Errorf("whitelisted traffic created %d counters, want 0", got)
	}
}

func TestFallbackToLocalStore(t *testing.T) {
	t.Parallel()

	local := store.NewLocal(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = local.Close() })

	l, err := New(brokenStore{}, local)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := mustCompile(t, Policy{
		Name:        "fallback",
		MaxRequests: 2,
		Window:      time.Minute,
		Strategy:    identity.NetworkAddress,
	})

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		res := l.Check(ctx, requestFrom("203.0.113.7"), p)
		if !res.Allowed {
			t.Fatalf("request %d should be served from the fallback store", i)
		}
		if res.CurrentRequests != int64(i) {
			t.Errorf("fallback count = %d, want %d", res.CurrentRequests, i)
		}
	}
	if res := l.Check(ctx, requestFrom("203.0.113.7"), p); res.Allowed {
		t.Errorf("fallback store must still enforce the limit")
	}
	if got := local.Len(); got == 0 {
		t.Errorf("expected counters in the fallback store")
	}
}

func TestTotalStoreFailure(t *testing.T) {
	t.Parallel()

	t.Run("fail-open default", func(t *testing.T) {
		t.Parallel()

		l, err := New(brokenStore{}, brokenStore{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		p := mustCompile(t, Policy{
			Name:        "outage",
			MaxRequests: 1,
			Window:      time.Minute,
			Strategy:    identity.NetworkAddress,
		})

		res := l.Check(context.Background(), requestFrom("203.0.113.7"), p)
		if !res.Allowed {
			t.Errorf("fail-open must allow during total store failure")
		}
		if res.Reason == "" {
			t.Errorf("fail-open result must carry a diagnostic reason")
		}
	})

	t.Run("fail-closed", func(t *testing.T) {
		t.Parallel()

		l, err := New(brokenStore{}, nil, WithFailurePolicy(FailClosed))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		p := mustCompile(t, Policy{
			Name:        "outage-closed",
			MaxRequests: 1,
			Window:      time.Minute,
			Strategy:    identity.NetworkAddress,
		})

		res := l.Check(context.Background(), requestFrom("203.0.113.7"), p)
		if res.Allowed {
			t.Errorf("fail-closed must deny during total store failure")
		}
		if res.Reason == "" {
			t.Errorf("fail-closed result must carry a diagnostic reason")
		}
	})
}

func TestAuditReporting(t *testing.T) {
	t.Parallel()

	t.Run("violations reported when enabled", func(t *testing.T) {
		t.Parallel()

		sink := &recordingSink{}
		l, _ := newLocalLimiter(t, WithAuditSink(sink))
		p := mustCompile(t, Policy{
			Name:           "audited",
			MaxRequests:    1,
			Window:         time.Minute,
			Strategy:       identity.NetworkAddress,
			EnableAuditLog: true,
		})

		ctx := context.Background()
		r := requestFrom("203.0.113.7")
		r.Header.Set("User-Agent", "audit-test")

		l.Check(ctx, r, p)
		if sink.count() != 0 {
			t.Fatalf("allowed request must not be audited")
		}

		res := l.Check(ctx, r, p)
		if res.Allowed {
			t.Fatalf("second request should be denied")
		}
		if sink.count() != 1 {
			t.Fatalf("denied request should produce one violation, got %d", sink.count())
		}

		v := sink.violations[0]
		if v.ID == "" {
			t.Errorf("violation must carry an ID")
		}
		if v.Identifier != "203.0.113.7" || v.ClientIP != "203.0.113.7" {
			t.Errorf("violation identity = %q/%q", v.Identifier, v.ClientIP)
		}
		if v.Limit != 1 || v.CurrentCount != 2 {
			t.Errorf("violation counts = limit %d current %d", v.Limit, v.CurrentCount)
		}
		if v.UserAgent != "audit-test" || v.Method != "GET" || v.Path != "/api/items" {
			t.Errorf("violation metadata = %q %q %q", v.UserAgent, v.Method, v.Path)
		}
	})

	t.Run("no report when disabled", func(t *testing.T) {
		t.Parallel()

		sink := &recordingSink{}
		l, _ := newLocalLimiter(t, WithAuditSink(sink))
		p := mustCompile(t, Policy{
			Name:        "unaudited",
			MaxRequests: 1,
			Window:      time.Minute,
			Strategy:    identity.NetworkAddress,
		})

		ctx := context.Background()
		l.Check(ctx, requestFrom("203.0.113.7"), p)
		l.Check(ctx, requestFrom("203.0.113.7"), p)
		if sink.count() != 0 {
			t.Errorf("auditing disabled but %d violations reported", sink.count())
		}
	})
}

func TestCompileRejectsInvalidPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "zero max requests", policy: Policy{Name: "p", Window: time.Minute}},
		{name: "zero window", policy: Policy{Name: "p", MaxRequests: 1}},
		{name: "bad whitelist entry", policy: Policy{Name: "p", MaxRequests: 1, Window: time.Minute, Whitelist: []string{"10.0.0.0/99"}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := Compile(tt.policy); err == nil {
				t.Errorf("expected compile error")
			}
		})
	}
}

func TestNewRequiresPrimaryStore(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Errorf("expected error for nil primary store")
	}
}

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()

	if p, err := ParseFailurePolicy("open"); err != nil || p != FailOpen {
		t.Errorf("ParseFailurePolicy(open) = %v, %v", p, err)
	}
	if p, err := ParseFailurePolicy(""); err != nil || p != FailOpen {
		t.Errorf("ParseFailurePolicy(empty) = %v, %v", p, err)
	}
	if p, err := ParseFailurePolicy("closed"); err != nil || p != FailClosed {
		t.Errorf("ParseFailurePolicy(closed) = %v, %v", p, err)
	}
	if _, err := ParseFailurePolicy("maybe"); err == nil {
		t.Errorf("expected error for unknown policy")
	}
}
