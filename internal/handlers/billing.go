package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"

	"github.com/paysyncd/paysync/internal/escalate"
	"github.com/paysyncd/paysync/internal/faults"
	"github.com/paysyncd/paysync/internal/outbound"
	"github.com/paysyncd/paysync/internal/storage"
)

// ProviderClient is the slice of the outbound client the billing API needs.
type ProviderClient interface {
	CreateCheckoutSession(ctx context.Context, p outbound.CheckoutParams) (*stripe.CheckoutSession, error)
	CancelSubscription(ctx context.Context, accountID, subscriptionID, idempotencyKey string) (*stripe.Subscription, error)
	RetrieveCoupon(ctx context.Context, couponID string) (*stripe.Coupon, error)
	ListInvoices(ctx context.Context, customerID string, limit int64) ([]*stripe.Invoice, error)
}

// SubscriptionStore is the slice of the repository the billing API needs.
type SubscriptionStore interface {
	FindSubscriptionByAccountID(ctx context.Context, accountID string) (storage.Subscription, error)
	UpsertCheckoutSession(ctx context.Context, s storage.CheckoutSession) error
}

type Handler struct {
	provider ProviderClient
	store    SubscriptionStore
	pipeline *escalate.Pipeline
	logger   *slog.Logger
	cfg      Config
}

type Config struct {
	PriceStarter       string
	PricePro           string
	CheckoutSuccessURL string
	CheckoutCancelURL  string
}

func New(provider ProviderClient, store SubscriptionStore, pipeline *escalate.Pipeline, logger *slog.Logger, cfg Config) *Handler {
	cfg.PriceStarter = strings.TrimSpace(cfg.PriceStarter)
	cfg.PricePro = strings.TrimSpace(cfg.PricePro)
	cfg.CheckoutSuccessURL = strings.TrimSpace(cfg.CheckoutSuccessURL)
	cfg.CheckoutCancelURL = strings.TrimSpace(cfg.CheckoutCancelURL)
	return &Handler{provider: provider, store: store, pipeline: pipeline, logger: logger, cfg: cfg}
}

// notifyFailure escalates retries-exhausted outbound failures. Permanent
// classes (bad request, auth) are the caller's problem, not an operator page.
func (h *Handler) notifyFailure(ctx context.Context, err error) {
	if h.pipeline == nil {
		return
	}
	var failure *faults.Failure
	if !errors.As(err, &failure) || !failure.Exhausted {
		return
	}
	h.pipeline.Notify(ctx, escalate.SeverityHigh, failure.Op, string(failure.Class), map[string]any{
		"attempts": failure.Attempts,
		"error":    failure.Err.Error(),
	})
}

type checkoutRequest struct {
	Plan       string `json:"plan"`
	Coupon     string `json:"coupon,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	plan := strings.TrimSpace(strings.ToLower(req.Plan))
	if plan == "" {
		http.Error(w, "plan is required", http.StatusBadRequest)
		return
	}

	accountID := strings.TrimSpace(r.Header.Get("X-Account-Id"))
	if accountID == "" {
		http.Error(w, "missing account context", http.StatusBadRequest)
		return
	}

	priceID := ""
	switch plan {
	case "starter":
		priceID = h.cfg.PriceStarter
	case "pro":
		priceID = h.cfg.PricePro
	default:
		http.Error(w, "unsupported plan", http.StatusBadRequest)
		return
	}
	if priceID == "" {
		http.Error(w, "price id not configured for plan", http.StatusNotImplemented)
		return
	}

	successURL := strings.TrimSpace(req.SuccessURL)
	if successURL == "" {
		successURL = h.cfg.CheckoutSuccessURL
	}
	cancelURL := strings.TrimSpace(req.CancelURL)
	if cancelURL == "" {
		cancelURL = h.cfg.CheckoutCancelURL
	}
	if successURL == "" || cancelURL == "" {
		http.Error(w, "success_url and cancel_url are required (or configure default URLs)", http.StatusBadRequest)
		return
	}

	coupon := strings.TrimSpace(req.Coupon)
	if coupon != "" {
		c, err := h.provider.RetrieveCoupon(r.Context(), coupon)
		if err != nil {
			var failure *faults.Failure
			if errors.As(err, &failure) && failure.Class == faults.ClassInvalidRequest {
				http.Error(w, "unknown coupon", http.StatusBadRequest)
				return
			}
			h.logger.Error("coupon lookup failed", "err", err, "coupon", coupon)
			h.notifyFailure(r.Context(), err)
			writeFailure(w, err)
			return
		}
		if !c.Valid {
			http.Error(w, "coupon is no longer valid", http.StatusBadRequest)
			return
		}
	}

	sess, err := h.provider.CreateCheckoutSession(r.Context(), outbound.CheckoutParams{
		AccountID:      accountID,
		Plan:           plan,
		PriceID:        priceID,
		Coupon:         coupon,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Error("checkout session create failed", "err", err, "account_id", accountID)
		h.notifyFailure(r.Context(), err)
		writeFailure(w, err)
		return
	}

	if err := h.store.UpsertCheckoutSession(r.Context(), storage.CheckoutSession{
		SessionID: sess.ID,
		AccountID: accountID,
		Plan:      plan,
		Status:    "created",
		URL:       sess.URL,
	}); err != nil {
		http.Error(w, "failed to persist checkout session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}

type cancelRequest struct {
	AccountID string `json:"account_id,omitempty"`
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // optional body

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = strings.TrimSpace(r.Header.Get("X-Account-Id"))
	}
	if accountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	sub, err := h.store.FindSubscriptionByAccountID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load subscription", http.StatusInternalServerError)
		return
	}
	if sub.ExternalID == "" {
		http.Error(w, "no provider subscription id on record", http.StatusConflict)
		return
	}

	canceled, err := h.provider.CancelSubscription(r.Context(), accountID, sub.ExternalID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.logger.Error("subscription cancel failed", "err", err, "account_id", accountID, "subscription_id", sub.ExternalID)
		h.notifyFailure(r.Context(), err)
		writeFailure(w, err)
		return
	}

	resp := map[string]any{
		"status":          "canceled",
		"subscription_id": canceled.ID,
	}
	if canceled.CanceledAt > 0 {
		resp["canceled_at"] = time.Unix(canceled.CanceledAt, 0).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		accountID = strings.TrimSpace(r.Header.Get("X-Account-Id"))
	}
	if accountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	sub, err := h.store.FindSubscriptionByAccountID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusOK, map[string]any{
				"account_id": accountID,
				"status":     "none",
			})
			return
		}
		http.Error(w, "failed to load subscription", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"account_id":      accountID,
		"subscription_id": sub.ExternalID,
		"plan":            sub.Plan,
		"status":          sub.Status,
		"updated_at":      sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if sub.CurrentPeriodEnd != nil {
		resp["current_period_end"] = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		accountID = strings.TrimSpace(r.Header.Get("X-Account-Id"))
	}
	if accountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	sub, err := h.store.FindSubscriptionByAccountID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "no billing history for account", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load subscription", http.StatusInternalServerError)
		return
	}

	limit := int64(10)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	invoices, err := h.provider.ListInvoices(r.Context(), sub.CustomerExternalID, limit)
	if err != nil {
		h.logger.Error("invoice list failed", "err", err, "account_id", accountID)
		h.notifyFailure(r.Context(), err)
		writeFailure(w, err)
		return
	}

	out := make([]map[string]any, 0, len(invoices))
	for _, inv := range invoices {
		item := map[string]any{
			"invoice_id":  inv.ID,
			"status":      string(inv.Status),
			"amount_due":  inv.AmountDue,
			"amount_paid": inv.AmountPaid,
			"currency":    string(inv.Currency),
		}
		if inv.Created > 0 {
			item["created_at"] = time.Unix(inv.Created, 0).UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"invoices":   out,
	})
}

// writeFailure maps a terminal outbound failure onto the HTTP boundary: the
// error class picks the status code, and rate-limit failures carry Retry-After
// so callers back off instead of hammering.
func writeFailure(w http.ResponseWriter, err error) {
	var failure *faults.Failure
	if !errors.As(err, &failure) {
		http.Error(w, "upstream call failed", http.StatusBadGateway)
		return
	}

	if failure.Class == faults.ClassRateLimit {
		seconds := 30
		if hint, ok := faults.RetryAfterHint(failure); ok {
			// Round up; a truncated sub-second hint would read as "retry now".
			seconds = int((hint + time.Second - 1) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	writeJSON(w, failure.Class.HTTPStatus(), map[string]any{
		"error": "upstream call failed",
		"class": string(failure.Class),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
