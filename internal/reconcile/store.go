// Package reconcile applies verified provider events to the local system of
// record. Handlers are pure data synchronization: resolve the customer, then
// upsert the dependent record keyed by the provider's object id. Every write
// is an upsert, so a handler is safe to re-run from the start after a partial
// failure.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event is one verified inbound provider event. Identity is the
// provider-assigned ID; the payload is the raw object document.
type Event struct {
	ID         string
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// ErrSkipped marks a non-fatal outcome: the event referenced a customer that
// cannot be resolved yet (the account-linking metadata usually arrives with a
// later event). The gateway acknowledges without releasing the claim.
var ErrSkipped = errors.New("event skipped")

type Customer struct {
	ExternalID string
	AccountID  string
	Email      string
}

type Subscription struct {
	ExternalID         string
	CustomerExternalID string
	AccountID          string
	Plan               string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time
}

type Payment struct {
	ExternalID         string
	CustomerExternalID string
	Amount             int64
	Currency           string
	Status             string
	OccurredAt         time.Time
}

type Invoice struct {
	ExternalID             string
	CustomerExternalID     string
	SubscriptionExternalID string
	AmountDue              int64
	AmountPaid             int64
	Currency               string
	Status                 string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
}

// Store is the local system of record. Upserts are conflict-safe on the
// provider's external id.
type Store interface {
	FindCustomerByExternalID(ctx context.Context, externalID string) (Customer, bool, error)
	UpsertCustomer(ctx context.Context, c Customer) error
	UpsertSubscription(ctx context.Context, s Subscription) error
	UpsertPayment(ctx context.Context, p Payment) error
	UpsertInvoice(ctx context.Context, inv Invoice) error
	MarkCheckoutSessionCompleted(ctx context.Context, sessionID string, completedAt time.Time, customerID, subscriptionID string) error
	MarkCheckoutSessionExpired(ctx context.Context, sessionID string, expiredAt time.Time) error
}

// EventSink receives versioned domain events describing reconciled state
// changes (transactional outbox in production).
type EventSink interface {
	Emit(ctx context.Context, eventType string, aggregateID string, payload []byte) error
}
