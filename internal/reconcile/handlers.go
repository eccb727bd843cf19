package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
)

type HandlerFunc func(ctx context.Context, evt Event) error

type Handlers struct {
	store  Store
	events EventSink
	logger *slog.Logger
}

func NewHandlers(store Store, events EventSink, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, events: events, logger: logger}
}

// Registry maps provider event types to their handler.
func (h *Handlers) Registry() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"checkout.session.completed":    h.handleCheckoutCompleted,
		"checkout.session.expired":      h.handleCheckoutExpired,
		"payment_intent.succeeded":      h.handlePaymentIntent,
		"payment_intent.payment_failed": h.handlePaymentIntent,
		"customer.subscription.created": h.handleSubscriptionUpserted,
		"customer.subscription.updated": h.handleSubscriptionUpserted,
		"customer.subscription.deleted": h.handleSubscriptionDeleted,
		"invoice.payment_succeeded":     h.handleInvoice,
		"invoice.payment_failed":        h.handleInvoice,
	}
}

func (h *Handlers) handleCheckoutCompleted(ctx context.Context, evt Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Payload, &session); err != nil {
		return fmt.Errorf("invalid checkout session payload: %w", err)
	}

	accountID := strings.TrimSpace(session.Metadata["account_id"])
	plan := strings.TrimSpace(strings.ToLower(session.Metadata["plan"]))

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	email := ""
	if session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}

	customer, err := h.resolveCustomer(ctx, customerID, accountID, email)
	if err != nil {
		return err
	}

	if err := h.store.MarkCheckoutSessionCompleted(ctx, session.ID, evt.ReceivedAt, customerID, subscriptionID); err != nil {
		return err
	}

	if subscriptionID == "" {
		return nil
	}
	sub := Subscription{
		ExternalID:         subscriptionID,
		CustomerExternalID: customer.ExternalID,
		AccountID:          customer.AccountID,
		Plan:               plan,
		Status:             "active",
	}
	if err := h.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	return h.emitSubscriptionEvent(ctx, "billing.subscription.activated.v1", sub, evt.ReceivedAt)
}

// handleCheckoutExpired closes out a session the buyer abandoned. There is no
// customer to resolve; the session row is the only state that changes.
func (h *Handlers) handleCheckoutExpired(ctx context.Context, evt Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Payload, &session); err != nil {
		return fmt.Errorf("invalid checkout session payload: %w", err)
	}

	expiredAt := evt.ReceivedAt
	if t := unixTime(session.ExpiresAt); t != nil {
		expiredAt = *t
	}
	return h.store.MarkCheckoutSessionExpired(ctx, session.ID, expiredAt)
}

func (h *Handlers) handleSubscriptionUpserted(ctx context.Context, evt Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(evt.Payload, &sub); err != nil {
		return fmt.Errorf("invalid subscription payload: %w", err)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	accountID := strings.TrimSpace(sub.Metadata["account_id"])
	plan := strings.TrimSpace(strings.ToLower(sub.Metadata["plan"]))

	customer, err := h.resolveCustomer(ctx, customerID, accountID, "")
	if err != nil {
		return err
	}

	rec := Subscription{
		ExternalID:         sub.ID,
		CustomerExternalID: customer.ExternalID,
		AccountID:          customer.AccountID,
		Plan:               plan,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CanceledAt:         unixTime(sub.CanceledAt),
	}
	if err := h.store.UpsertSubscription(ctx, rec); err != nil {
		return err
	}

	if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
		return h.emitSubscriptionEvent(ctx, "billing.subscription.activated.v1", rec, evt.ReceivedAt)
	}
	return nil
}

func (h *Handlers) handleSubscriptionDeleted(ctx context.Context, evt Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(evt.Payload, &sub); err != nil {
		return fmt.Errorf("invalid subscription payload: %w", err)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	accountID := strings.TrimSpace(sub.Metadata["account_id"])

	customer, err := h.resolveCustomer(ctx, customerID, accountID, "")
	if err != nil {
		return err
	}

	canceledAt := unixTime(sub.CanceledAt)
	if canceledAt == nil {
		t := evt.ReceivedAt
		canceledAt = &t
	}
	rec := Subscription{
		ExternalID:         sub.ID,
		CustomerExternalID: customer.ExternalID,
		AccountID:          customer.AccountID,
		Plan:               strings.TrimSpace(strings.ToLower(sub.Metadata["plan"])),
		Status:             "canceled",
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CanceledAt:         canceledAt,
	}
	if err := h.store.UpsertSubscription(ctx, rec); err != nil {
		return err
	}
	return h.emitSubscriptionEvent(ctx, "billing.subscription.canceled.v1", rec, evt.ReceivedAt)
}

func (h *Handlers) handlePaymentIntent(ctx context.Context, evt Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Payload, &pi); err != nil {
		return fmt.Errorf("invalid payment intent payload: %w", err)
	}

	customerID := ""
	if pi.Customer != nil {
		customerID = pi.Customer.ID
	}
	accountID := strings.TrimSpace(pi.Metadata["account_id"])

	customer, err := h.resolveCustomer(ctx, customerID, accountID, "")
	if err != nil {
		return err
	}

	occurredAt := evt.ReceivedAt
	if t := unixTime(pi.Created); t != nil {
		occurredAt = *t
	}
	rec := Payment{
		ExternalID:         pi.ID,
		CustomerExternalID: customer.ExternalID,
		Amount:             pi.Amount,
		Currency:           string(pi.Currency),
		Status:             string(pi.Status),
		OccurredAt:         occurredAt,
	}
	if err := h.store.UpsertPayment(ctx, rec); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"payment_id":  rec.ExternalID,
		"customer_id": rec.CustomerExternalID,
		"amount":      rec.Amount,
		"currency":    rec.Currency,
		"status":      rec.Status,
		"occurred_at": rec.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return h.emit(ctx, "billing.payment.recorded.v1", rec.ExternalID, payload)
}

func (h *Handlers) handleInvoice(ctx context.Context, evt Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(evt.Payload, &inv); err != nil {
		return fmt.Errorf("invalid invoice payload: %w", err)
	}

	customerID := ""
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	accountID := strings.TrimSpace(inv.Metadata["account_id"])

	customer, err := h.resolveCustomer(ctx, customerID, accountID, "")
	if err != nil {
		return err
	}

	subscriptionID := ""
	if inv.Subscription != nil {
		subscriptionID = inv.Subscription.ID
	}
	rec := Invoice{
		ExternalID:             inv.ID,
		CustomerExternalID:     customer.ExternalID,
		SubscriptionExternalID: subscriptionID,
		AmountDue:              inv.AmountDue,
		AmountPaid:             inv.AmountPaid,
		Currency:               string(inv.Currency),
		Status:                 string(inv.Status),
		PeriodStart:            unixTime(inv.PeriodStart),
		PeriodEnd:              unixTime(inv.PeriodEnd),
	}
	return h.store.UpsertInvoice(ctx, rec)
}

// resolveCustomer enforces the referential invariant: a dependent record is
// only written against a customer that exists locally. The first webhook for
// a customer can arrive before the account-linking metadata is persisted; in
// that case the event is skipped, not failed, because the provider will
// redeliver related events that can re-trigger resolution.
func (h *Handlers) resolveCustomer(ctx context.Context, externalID, accountID, email string) (Customer, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		h.logger.Warn("event carries no customer reference")
		return Customer{}, ErrSkipped
	}

	existing, ok, err := h.store.FindCustomerByExternalID(ctx, externalID)
	if err != nil {
		return Customer{}, err
	}
	if ok {
		if existing.AccountID == "" && accountID != "" {
			existing.AccountID = accountID
			if err := h.store.UpsertCustomer(ctx, existing); err != nil {
				return Customer{}, err
			}
		}
		return existing, nil
	}

	if accountID == "" {
		h.logger.Warn("customer not resolvable yet, skipping event", "customer_external_id", externalID)
		return Customer{}, ErrSkipped
	}

	c := Customer{ExternalID: externalID, AccountID: accountID, Email: email}
	if err := h.store.UpsertCustomer(ctx, c); err != nil {
		return Customer{}, err
	}
	return c, nil
}

func (h *Handlers) emitSubscriptionEvent(ctx context.Context, eventType string, sub Subscription, occurredAt time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"subscription_id": sub.ExternalID,
		"customer_id":     sub.CustomerExternalID,
		"account_id":      sub.AccountID,
		"plan":            sub.Plan,
		"status":          sub.Status,
		"occurred_at":     occurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return h.emit(ctx, eventType, sub.AccountID, payload)
}

func (h *Handlers) emit(ctx context.Context, eventType, aggregateID string, payload []byte) error {
	if h.events == nil {
		return nil
	}
	return h.events.Emit(ctx, eventType, aggregateID, payload)
}

func unixTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
