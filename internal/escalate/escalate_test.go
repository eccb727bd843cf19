package escalate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type recordingChannel struct {
	name      string
	delivered []Notification
	err       error
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Deliver(_ context.Context, n Notification) error {
	if c.err != nil {
		return c.err
	}
	c.delivered = append(c.delivered, n)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyDropsBelowMinimum(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	p := NewPipeline(SeverityHigh, NewWindowLimiter(1, time.Minute), discardLogger(), ch)

	p.Notify(context.Background(), SeverityMedium, "stripe.checkout.create", "network", nil)
	if len(ch.delivered) != 0 {
		t.Fatal("below-minimum severity should be dropped")
	}

	p.Notify(context.Background(), SeverityCritical, "stripe.checkout.create", "network", nil)
	if len(ch.delivered) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(ch.delivered))
	}
}

func TestNotifySuppressesDuplicatesWithinWindow(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	limiter := NewWindowLimiter(1, 10*time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	p := NewPipeline(SeverityLow, limiter, discardLogger(), ch)

	for i := 0; i < 5; i++ {
		p.Notify(context.Background(), SeverityCritical, "webhook.dispatch", "unknown", nil)
	}
	if len(ch.delivered) != 1 {
		t.Fatalf("delivered %d notifications, want 1 (rest suppressed)", len(ch.delivered))
	}

	// A different failure mode has its own window.
	p.Notify(context.Background(), SeverityCritical, "webhook.dispatch", "network", nil)
	if len(ch.delivered) != 2 {
		t.Fatalf("delivered %d notifications, want 2", len(ch.delivered))
	}

	// After the window resets, the original key fires again.
	now = now.Add(11 * time.Minute)
	p.Notify(context.Background(), SeverityCritical, "webhook.dispatch", "unknown", nil)
	if len(ch.delivered) != 3 {
		t.Fatalf("delivered %d notifications, want 3", len(ch.delivered))
	}
}

func TestNotifyChannelFailureDoesNotBlockOthers(t *testing.T) {
	broken := &recordingChannel{name: "broken", err: errors.New("smtp down")}
	healthy := &recordingChannel{name: "healthy"}
	p := NewPipeline(SeverityLow, NewWindowLimiter(1, time.Minute), discardLogger(), broken, healthy)

	p.Notify(context.Background(), SeverityCritical, "webhook.dispatch", "unknown", map[string]any{"event_id": "evt_1"})
	if len(healthy.delivered) != 1 {
		t.Fatal("healthy channel should still receive the notification")
	}
	if healthy.delivered[0].Payload["event_id"] != "evt_1" {
		t.Fatal("payload should pass through to channels")
	}
}

func TestDedupeKey(t *testing.T) {
	n := Notification{Severity: SeverityHigh, Operation: "stripe.invoice.list", ErrorType: "rate_limit"}
	if got := n.DedupeKey(); got != "stripe.invoice.list:rate_limit:high" {
		t.Fatalf("DedupeKey() = %q", got)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"low":      SeverityLow,
		"Medium":   SeverityMedium,
		" HIGH ":   SeverityHigh,
		"critical": SeverityCritical,
		"bogus":    SeverityMedium,
	}
	for raw, want := range tests {
		if got := ParseSeverity(raw); got != want {
			t.Fatalf("ParseSeverity(%q) = %s, want %s", raw, got, want)
		}
	}
}
