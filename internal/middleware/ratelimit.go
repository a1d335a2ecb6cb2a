// Package middleware adapts the rate-limiting core to net/http: the request
// gate, request logging, panic recovery, and policy hot-reload.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stratacore/rategate/internal/limiter"
	logpkg "github.com/stratacore/rategate/internal/logger"
)

// CodeRateLimitExceeded is the stable machine-readable code in 429 bodies.
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// defaultDenialMessage is used when the policy carries no custom message.
const defaultDenialMessage = "Too many requests, please try again later"

// RejectionDetails carries the limit metadata in a 429 body.
type RejectionDetails struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"resetTime"`
}

// RejectionResponse is the JSON body of a 429.
type RejectionResponse struct {
	Error   string           `json:"error"`
	Code    string           `json:"code"`
	Details RejectionDetails `json:"details"`
}

// Gate wraps handlers with rate limiting for one policy. It supports two
// integration modes built on the same check: Middleware (decorator) and Allow
// (short-circuit for handlers that gate imperatively).
type Gate struct {
	limiter *limiter.Limiter
	policy  *limiter.CompiledPolicy
	log     *zap.Logger
}

// NewGate creates a request gate for the given compiled policy.
func NewGate(l *limiter.Limiter, p *limiter.CompiledPolicy, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{limiter: l, policy: p, log: log}
}

// Middleware returns decorator-mode gating: on deny it writes the structured
// 429 and never invokes next; on allow it annotates the response with
// X-RateLimit headers (when the policy asks for them) and forwards.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := g.limiter.Check(r.Context(), r, g.policy)
		if !res.Allowed {
			g.reject(w, res)
			return
		}
		if g.policy.IncludeHeaders {
			setRateLimitHeaders(w.Header(), res)
		}
		next.ServeHTTP(w, r)
	})
}

// Allow is short-circuit-mode gating: it runs the check and, on deny, writes
// the 429 and reports false so the caller returns without running its own
// logic. On allow it reports true and writes nothing.
func (g *Gate) Allow(w http.ResponseWriter, r *http.Request) bool {
	res := g.limiter.Check(r.Context(), r, g.policy)
	if !res.Allowed {
		g.reject(w, res)
		return false
	}
	if g.policy.IncludeHeaders {
		setRateLimitHeaders(w.Header(), res)
	}
	return true
}

func (g *Gate) reject(w http.ResponseWriter, res limiter.Result) {
	msg := g.policy.Message
	if msg == "" {
		msg = defaultDenialMessage
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.Reset)))
	if g.policy.IncludeHeaders {
		setRateLimitHeaders(h, res)
	}
	w.WriteHeader(http.StatusTooManyRequests)

	body := RejectionResponse{
		Error: msg,
		Code:  CodeRateLimitExceeded,
		Details: RejectionDetails{
			Limit:     res.Limit,
			Remaining: res.Remaining,
			ResetTime: res.Reset.UnixMilli(),
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.log.Error("failed_to_encode_rejection_response",
			zap.String("error", logpkg.SanitizeError(err)),
			zap.String("identifier", logpkg.SanitizeIdentifier(res.Identifier)),
		)
	}
}

func setRateLimitHeaders(h http.Header, res limiter.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

// retryAfterSeconds rounds up to whole seconds; a denial never advertises a
// zero-second retry.
func retryAfterSeconds(reset time.Time) int {
	until := time.Until(reset)
	secs := int((until + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
