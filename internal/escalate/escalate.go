// Package escalate classifies operational failures by severity, rate-limits
// repeated alerts of the same kind, and fans out to configured channels.
package escalate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func ParseSeverity(raw string) Severity {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

type Notification struct {
	ID        string
	Severity  Severity
	Operation string
	ErrorType string
	Payload   map[string]any
	CreatedAt time.Time
}

// DedupeKey groups notifications that describe the same failure mode.
func (n Notification) DedupeKey() string {
	return n.Operation + ":" + n.ErrorType + ":" + n.Severity.String()
}

// Limiter gates notifications per dedupe key. Allow returning false means a
// notification for that key was already sent within the window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type Pipeline struct {
	min      Severity
	limiter  Limiter
	channels []Channel
	logger   *slog.Logger
	now      func() time.Time
}

func NewPipeline(min Severity, limiter Limiter, logger *slog.Logger, channels ...Channel) *Pipeline {
	return &Pipeline{
		min:      min,
		limiter:  limiter,
		channels: channels,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify fans the failure out to every channel, best effort. Channel errors
// are logged and swallowed; a broken alert path must never break the caller.
func (p *Pipeline) Notify(ctx context.Context, severity Severity, operation string, errorType string, payload map[string]any) {
	if severity < p.min {
		return
	}

	n := Notification{
		ID:        uuid.NewString(),
		Severity:  severity,
		Operation: operation,
		ErrorType: errorType,
		Payload:   payload,
		CreatedAt: p.now().UTC(),
	}

	allowed, err := p.limiter.Allow(ctx, n.DedupeKey())
	if err != nil {
		// Fail open: a broken limiter should not silence alerts.
		p.logger.Warn("escalation limiter error", "err", err, "dedupe_key", n.DedupeKey())
		allowed = true
	}
	if !allowed {
		p.logger.Info("escalation suppressed by rate limit",
			"dedupe_key", n.DedupeKey(),
			"operation", operation,
			"error_type", errorType,
			"severity", severity.String(),
		)
		return
	}

	for _, ch := range p.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			p.logger.Error("escalation channel delivery failed",
				"channel", ch.Name(),
				"notification_id", n.ID,
				"operation", operation,
				"err", err,
			)
		}
	}
}
