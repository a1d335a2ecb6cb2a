// Package audit reports rate-limit violations to the audit log, off the
// request's critical path.
package audit

import (
	"time"

	"go.uber.org/zap"

	logpkg "github.com/stratacore/rategate/internal/logger"
)

// Violation is the audit payload for one denied request.
type Violation struct {
	ID           string
	Identifier   string
	Strategy     string
	Limit        int
	Window       time.Duration
	CurrentCount int64
	ClientIP     string
	UserAgent    string
	Path         string
	Method       string
	At           time.Time
}

// Sink writes violations to the audit log. Report is fire-and-forget: a slow
// or failing audit backend must never delay or fail the gating decision.
type Sink struct {
	log *zap.Logger
}

// NewSink creates an audit sink backed by the given logger.
func NewSink(log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{log: log}
}

// Report records the violation asynchronously. Failures inside the sink are
// caught and logged locally; they never propagate to the caller.
func (s *Sink) Report(v Violation) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("audit_report_panic", zap.Any("error", r))
			}
		}()
		s.log.Warn("rate_limit_violation",
			zap.String("violation_id", v.ID),
			zap.String("identifier", logpkg.SanitizeIdentifier(v.Identifier)),
			zap.String("strategy", v.Strategy),
			zap.Int("limit", v.Limit),
			zap.Int64("window_ms", v.Window.Milliseconds()),
			zap.Int64("current_count", v.CurrentCount),
			zap.String("ip", logpkg.SanitizeIdentifier(v.ClientIP)),
			zap.String("user_agent", logpkg.SanitizeString(v.UserAgent, logpkg.MaxUserAgentLength)),
			zap.String("path", logpkg.SanitizePath(v.Path)),
			zap.String("method", v.Method),
			zap.Time("at", v.At),
		)
	}()
}
