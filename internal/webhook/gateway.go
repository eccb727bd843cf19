// Package webhook is the inbound edge for provider lifecycle events:
// signature verification, idempotent dedupe, and dispatch to the
// reconciliation handlers.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v79/webhook"

	"github.com/paysyncd/paysync/internal/escalate"
	"github.com/paysyncd/paysync/internal/ledger"
	"github.com/paysyncd/paysync/internal/reconcile"
)

// Gateway verifies, dedupes, and dispatches inbound provider events.
//
// Processing outcome never changes the HTTP status for a signed, well-formed
// request: the provider's own redelivery is the retry path, and returning an
// error status would trigger redelivery on top of side effects that already
// landed. Signature and method failures are the only rejects.
type Gateway struct {
	secret    string
	tolerance time.Duration
	ledger    ledger.Store
	handlers  map[string]reconcile.HandlerFunc
	pipeline  *escalate.Pipeline
	logger    *slog.Logger
	now       func() time.Time
}

type Config struct {
	SigningSecret    string
	ToleranceSeconds int
}

func NewGateway(cfg Config, store ledger.Store, handlers map[string]reconcile.HandlerFunc, pipeline *escalate.Pipeline, logger *slog.Logger) *Gateway {
	tolSeconds := cfg.ToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Gateway{
		secret:    strings.TrimSpace(cfg.SigningSecret),
		tolerance: time.Duration(tolSeconds) * time.Second,
		ledger:    store,
		handlers:  handlers,
		pipeline:  pipeline,
		logger:    logger,
		now:       time.Now,
	}
}

type response struct {
	Received  bool   `json:"received"`
	Processed bool   `json:"processed"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.secret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	// Signature verification is the auth; the comparison inside is
	// constant-time HMAC.
	stripeEvt, err := stripewebhook.ConstructEventWithTolerance(body, sigHeader, g.secret, g.tolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evt := reconcile.Event{
		ID:         stripeEvt.ID,
		Type:       string(stripeEvt.Type),
		Payload:    stripeEvt.Data.Raw,
		ReceivedAt: g.now().UTC(),
	}
	g.logger.Info("provider event received",
		"provider_event_id", evt.ID,
		"event_type", evt.Type,
	)

	ctx := r.Context()
	claimed, err := g.ledger.TryClaim(ctx, evt.ID)
	if err != nil {
		g.logger.Error("ledger claim failed", "err", err, "provider_event_id", evt.ID)
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}
	if !claimed {
		// Idempotent replay, not an error.
		attrs := []any{"provider_event_id", evt.ID, "event_type", evt.Type}
		if counter, ok := g.ledger.(ledger.AttemptCounter); ok {
			attrs = append(attrs, "attempts", counter.Attempts(evt.ID))
		}
		g.logger.Info("duplicate provider event ignored", attrs...)
		writeJSON(w, http.StatusOK, response{Received: true, Processed: false, EventID: evt.ID, EventType: evt.Type})
		return
	}

	handler, ok := g.handlers[evt.Type]
	if !ok {
		// Acknowledge unhandled types; the claim stays so replays stay cheap.
		g.logger.Info("no handler for event type", "event_type", evt.Type)
		writeJSON(w, http.StatusOK, response{Received: true, Processed: false, EventID: evt.ID, EventType: evt.Type})
		return
	}

	if err := handler(ctx, evt); err != nil {
		if errors.Is(err, reconcile.ErrSkipped) {
			g.logger.Warn("provider event skipped", "provider_event_id", evt.ID, "event_type", evt.Type)
			writeJSON(w, http.StatusOK, response{Received: true, Processed: false, EventID: evt.ID, EventType: evt.Type})
			return
		}

		// Release the claim so the provider's redelivery can retry the whole
		// handler; every handler write is an upsert, so a rerun is safe.
		if relErr := g.ledger.Release(ctx, evt.ID); relErr != nil {
			g.logger.Error("ledger release failed", "err", relErr, "provider_event_id", evt.ID)
		}
		g.logger.Error("provider event processing failed", "err", err, "provider_event_id", evt.ID, "event_type", evt.Type)
		if g.pipeline != nil {
			g.pipeline.Notify(ctx, escalate.SeverityCritical, "webhook.dispatch", evt.Type, map[string]any{
				"provider_event_id": evt.ID,
				"event_type":        evt.Type,
				"error":             err.Error(),
			})
		}
		writeJSON(w, http.StatusOK, response{Received: true, Processed: false, EventID: evt.ID, EventType: evt.Type})
		return
	}

	writeJSON(w, http.StatusOK, response{Received: true, Processed: true, EventID: evt.ID, EventType: evt.Type})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
