package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"

	"github.com/paysyncd/paysync/internal/escalate"
	"github.com/paysyncd/paysync/internal/faults"
	"github.com/paysyncd/paysync/internal/outbound"
	"github.com/paysyncd/paysync/internal/storage"
)

type fakeProvider struct {
	checkoutErr error
	cancelErr   error
	couponErr   error
	listErr     error

	lastCheckout outbound.CheckoutParams
	lastCancelID string
	coupon       *stripe.Coupon
	invoices     []*stripe.Invoice
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, p outbound.CheckoutParams) (*stripe.CheckoutSession, error) {
	f.lastCheckout = p
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, _, subscriptionID, _ string) (*stripe.Subscription, error) {
	f.lastCancelID = subscriptionID
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &stripe.Subscription{ID: subscriptionID, CanceledAt: time.Now().Unix()}, nil
}

func (f *fakeProvider) RetrieveCoupon(_ context.Context, couponID string) (*stripe.Coupon, error) {
	if f.couponErr != nil {
		return nil, f.couponErr
	}
	if f.coupon != nil {
		return f.coupon, nil
	}
	return &stripe.Coupon{ID: couponID, Valid: true}, nil
}

func (f *fakeProvider) ListInvoices(_ context.Context, _ string, _ int64) ([]*stripe.Invoice, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.invoices, nil
}

type fakeSubStore struct {
	sub      storage.Subscription
	findErr  error
	sessions []storage.CheckoutSession
}

func (f *fakeSubStore) FindSubscriptionByAccountID(context.Context, string) (storage.Subscription, error) {
	if f.findErr != nil {
		return storage.Subscription{}, f.findErr
	}
	return f.sub, nil
}

func (f *fakeSubStore) UpsertCheckoutSession(_ context.Context, s storage.CheckoutSession) error {
	f.sessions = append(f.sessions, s)
	return nil
}

func newTestHandler(provider ProviderClient, store SubscriptionStore) *Handler {
	return New(provider, store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		PriceStarter:       "price_starter",
		PricePro:           "price_pro",
		CheckoutSuccessURL: "https://app.example/billing/success",
		CheckoutCancelURL:  "https://app.example/billing/cancel",
	})
}

func TestCheckoutCreatesSessionAndPersists(t *testing.T) {
	provider := &fakeProvider{}
	store := &fakeSubStore{}
	h := newTestHandler(provider, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", strings.NewReader(`{"plan":"pro"}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if provider.lastCheckout.PriceID != "price_pro" {
		t.Errorf("price id = %q, want price_pro", provider.lastCheckout.PriceID)
	}
	if provider.lastCheckout.AccountID != "acct-1" {
		t.Errorf("account id = %q, want acct-1", provider.lastCheckout.AccountID)
	}
	if len(store.sessions) != 1 || store.sessions[0].SessionID != "cs_test_1" {
		t.Fatalf("persisted sessions = %+v, want one cs_test_1", store.sessions)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["url"] != "https://checkout.example/cs_test_1" {
		t.Errorf("url = %v", resp["url"])
	}
}

func TestCheckoutRejectsUnknownPlan(t *testing.T) {
	h := newTestHandler(&fakeProvider{}, &fakeSubStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", strings.NewReader(`{"plan":"platinum"}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCheckoutRejectsExpiredCoupon(t *testing.T) {
	provider := &fakeProvider{coupon: &stripe.Coupon{ID: "SAVE20", Valid: false}}
	h := newTestHandler(provider, &fakeSubStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", strings.NewReader(`{"plan":"pro","coupon":"SAVE20"}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCheckoutForwardsCoupon(t *testing.T) {
	provider := &fakeProvider{}
	h := newTestHandler(provider, &fakeSubStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", strings.NewReader(`{"plan":"pro","coupon":"SAVE20"}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if provider.lastCheckout.Coupon != "SAVE20" {
		t.Errorf("coupon = %q, want SAVE20", provider.lastCheckout.Coupon)
	}
}

func TestRateLimitFailureSetsRetryAfter(t *testing.T) {
	provider := &fakeProvider{
		checkoutErr: &faults.Failure{
			Op:        "stripe.checkout_session.create",
			Class:     faults.ClassRateLimit,
			Attempts:  6,
			Exhausted: true,
			Err:       &stripe.Error{Type: stripe.ErrorTypeAPI, Code: stripe.ErrorCodeRateLimit},
		},
	}
	h := newTestHandler(provider, &fakeSubStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", strings.NewReader(`{"plan":"starter"}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on rate-limit failure")
	}
}

func TestRetryAfterHintRoundsUpToOneSecond(t *testing.T) {
	provider := &fakeProvider{
		checkoutErr: &faults.Failure{
			Op:        "stripe.checkout_session.create",
			Class:     faults.ClassRateLimit,
			Attempts:  6,
			Exhausted: true,
			Err: &stripe.Error{
				Type: stripe.ErrorTypeAPI,
				Code: stripe.ErrorCodeRateLimit,
				APIResource: stripe.APIResource{
					LastResponse: &stripe.APIResponse{
						Header: http.Header{"Retry-After": []string{"0"}},
					},
				},
			},
		},
	}
	h := newTestHandler(provider, &fakeSubStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", strings.NewReader(`{"plan":"starter"}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	// A zero hint must not tell clients to retry immediately against a
	// provider that just rate limited us.
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want %q", got, "1")
	}
}

type recordingChannel struct {
	notifications []escalate.Notification
}

func (c *recordingChannel) Name() string { return "test" }

func (c *recordingChannel) Deliver(_ context.Context, n escalate.Notification) error {
	c.notifications = append(c.notifications, n)
	return nil
}

func TestExhaustedOutboundFailureEscalates(t *testing.T) {
	ch := &recordingChannel{}
	pipeline := escalate.NewPipeline(escalate.SeverityLow, escalate.NewWindowLimiter(10, time.Minute),
		slog.New(slog.NewTextHandler(io.Discard, nil)), ch)
	provider := &fakeProvider{checkoutErr: &faults.Failure{
		Op:        "stripe.checkout_session.create",
		Class:     faults.ClassNetwork,
		Attempts:  4,
		Exhausted: true,
		Err:       errors.New("dial tcp: i/o timeout"),
	}}
	h := New(provider, &fakeSubStore{}, pipeline, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		PriceStarter:       "price_starter",
		PricePro:           "price_pro",
		CheckoutSuccessURL: "https://app.example/billing/success",
		CheckoutCancelURL:  "https://app.example/billing/cancel",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", strings.NewReader(`{"plan":"pro"}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if len(ch.notifications) != 1 {
		t.Fatalf("escalated %d notifications, want 1", len(ch.notifications))
	}
	if ch.notifications[0].ErrorType != string(faults.ClassNetwork) {
		t.Errorf("error type = %q, want network", ch.notifications[0].ErrorType)
	}
}

func TestCancelSubscriptionNotFound(t *testing.T) {
	h := newTestHandler(&fakeProvider{}, &fakeSubStore{findErr: pgx.ErrNoRows})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/subscription/cancel", strings.NewReader(`{}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.CancelSubscription(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelSubscriptionUsesRecordedID(t *testing.T) {
	provider := &fakeProvider{}
	store := &fakeSubStore{sub: storage.Subscription{ExternalID: "sub_42", Status: "active"}}
	h := newTestHandler(provider, store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/subscription/cancel", strings.NewReader(`{}`))
	req.Header.Set("X-Account-Id", "acct-1")
	rec := httptest.NewRecorder()
	h.CancelSubscription(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if provider.lastCancelID != "sub_42" {
		t.Errorf("canceled %q, want sub_42", provider.lastCancelID)
	}
}

func TestGetSubscriptionDefaultsWhenMissing(t *testing.T) {
	h := newTestHandler(&fakeProvider{}, &fakeSubStore{findErr: pgx.ErrNoRows})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/subscription?account_id=acct-1", nil)
	rec := httptest.NewRecorder()
	h.GetSubscription(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "none" {
		t.Errorf("status = %v, want none", resp["status"])
	}
}

func TestListInvoices(t *testing.T) {
	provider := &fakeProvider{invoices: []*stripe.Invoice{
		{ID: "in_1", Status: stripe.InvoiceStatusPaid, AmountDue: 4900, AmountPaid: 4900, Currency: stripe.CurrencyUSD, Created: time.Now().Unix()},
	}}
	store := &fakeSubStore{sub: storage.Subscription{ExternalID: "sub_42", CustomerExternalID: "cus_9"}}
	h := newTestHandler(provider, store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/invoices?account_id=acct-1", nil)
	rec := httptest.NewRecorder()
	h.ListInvoices(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Invoices []map[string]any `json:"invoices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Invoices) != 1 || resp.Invoices[0]["invoice_id"] != "in_1" {
		t.Fatalf("invoices = %+v, want one in_1", resp.Invoices)
	}
}
