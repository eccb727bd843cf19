package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/paysyncd/paysync/internal/escalate"
	"github.com/paysyncd/paysync/internal/reconcile"
	"github.com/paysyncd/paysync/libs/db"
)

// Repository is the pgx-backed system of record. Every write keyed by a
// provider id is an upsert so reconciliation handlers can be re-run safely.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) FindCustomerByExternalID(ctx context.Context, externalID string) (reconcile.Customer, bool, error) {
	var c reconcile.Customer
	err := r.pool.QueryRow(ctx, `
		SELECT external_id, COALESCE(account_id::text, ''), COALESCE(email, '')
		FROM customers
		WHERE external_id = $1
	`, externalID).Scan(&c.ExternalID, &c.AccountID, &c.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reconcile.Customer{}, false, nil
		}
		return reconcile.Customer{}, false, err
	}
	return c, true, nil
}

func (r *Repository) UpsertCustomer(ctx context.Context, c reconcile.Customer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO customers (external_id, account_id, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_id)
		DO UPDATE SET account_id = COALESCE(EXCLUDED.account_id, customers.account_id),
		              email = COALESCE(NULLIF(EXCLUDED.email, ''), customers.email),
		              updated_at = now()
	`, c.ExternalID, nullIfEmpty(c.AccountID), nullIfEmpty(c.Email))
	return err
}

func (r *Repository) UpsertSubscription(ctx context.Context, s reconcile.Subscription) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO subscriptions (external_id, customer_external_id, account_id, plan, status, current_period_start, current_period_end, canceled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_id)
		DO UPDATE SET customer_external_id = EXCLUDED.customer_external_id,
		              account_id = EXCLUDED.account_id,
		              plan = EXCLUDED.plan,
		              status = EXCLUDED.status,
		              current_period_start = EXCLUDED.current_period_start,
		              current_period_end = EXCLUDED.current_period_end,
		              canceled_at = EXCLUDED.canceled_at,
		              updated_at = now()
	`, s.ExternalID, s.CustomerExternalID, nullIfEmpty(s.AccountID), nullIfEmpty(s.Plan), s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CanceledAt)
	return err
}

func (r *Repository) UpsertPayment(ctx context.Context, p reconcile.Payment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payments (external_id, customer_external_id, amount, currency, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id)
		DO UPDATE SET customer_external_id = EXCLUDED.customer_external_id,
		              amount = EXCLUDED.amount,
		              currency = EXCLUDED.currency,
		              status = EXCLUDED.status,
		              occurred_at = EXCLUDED.occurred_at,
		              updated_at = now()
	`, p.ExternalID, p.CustomerExternalID, p.Amount, p.Currency, p.Status, p.OccurredAt)
	return err
}

func (r *Repository) UpsertInvoice(ctx context.Context, inv reconcile.Invoice) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO invoices (external_id, customer_external_id, subscription_external_id, amount_due, amount_paid, currency, status, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id)
		DO UPDATE SET customer_external_id = EXCLUDED.customer_external_id,
		              subscription_external_id = EXCLUDED.subscription_external_id,
		              amount_due = EXCLUDED.amount_due,
		              amount_paid = EXCLUDED.amount_paid,
		              currency = EXCLUDED.currency,
		              status = EXCLUDED.status,
		              period_start = EXCLUDED.period_start,
		              period_end = EXCLUDED.period_end,
		              updated_at = now()
	`, inv.ExternalID, inv.CustomerExternalID, nullIfEmpty(inv.SubscriptionExternalID), inv.AmountDue, inv.AmountPaid, inv.Currency, inv.Status, inv.PeriodStart, inv.PeriodEnd)
	return err
}

type CheckoutSession struct {
	SessionID      string
	AccountID      string
	Plan           string
	Status         string
	URL            string
	CustomerID     string
	SubscriptionID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	ExpiredAt      *time.Time
}

func (r *Repository) UpsertCheckoutSession(ctx context.Context, s CheckoutSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO checkout_sessions (session_id, account_id, plan, status, url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id)
		DO UPDATE SET account_id = EXCLUDED.account_id,
		              plan = EXCLUDED.plan,
		              status = EXCLUDED.status,
		              url = EXCLUDED.url,
		              updated_at = now()
	`, s.SessionID, s.AccountID, s.Plan, s.Status, nullIfEmpty(s.URL))
	return err
}

func (r *Repository) MarkCheckoutSessionCompleted(ctx context.Context, sessionID string, completedAt time.Time, customerID, subscriptionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'completed',
		    customer_external_id = $3,
		    subscription_external_id = $4,
		    completed_at = $2,
		    updated_at = now()
		WHERE session_id = $1
	`, sessionID, completedAt, nullIfEmpty(customerID), nullIfEmpty(subscriptionID))
	return err
}

func (r *Repository) MarkCheckoutSessionExpired(ctx context.Context, sessionID string, expiredAt time.Time) error {
	// A completed session stays completed; expiry events can arrive out of
	// order with completion on provider retries.
	_, err := r.pool.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'expired',
		    expired_at = $2,
		    updated_at = now()
		WHERE session_id = $1 AND status <> 'completed'
	`, sessionID, expiredAt)
	return err
}

type Subscription struct {
	ExternalID         string
	CustomerExternalID string
	AccountID          string
	Plan               string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	UpdatedAt          time.Time
}

func (r *Repository) FindSubscriptionByAccountID(ctx context.Context, accountID string) (Subscription, error) {
	var s Subscription
	err := r.pool.QueryRow(ctx, `
		SELECT external_id, customer_external_id, COALESCE(account_id::text, ''), COALESCE(plan, ''), status,
		       current_period_start, current_period_end, updated_at
		FROM subscriptions
		WHERE account_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, accountID).Scan(&s.ExternalID, &s.CustomerExternalID, &s.AccountID, &s.Plan, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	return s, nil
}

// ListSubscriptionsForReconcile implements reconcile.SubscriptionLister:
// the stalest rows come back first so every subscription eventually gets a
// provider cross-check.
func (r *Repository) ListSubscriptionsForReconcile(ctx context.Context, limit int) ([]reconcile.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT external_id, customer_external_id, COALESCE(account_id::text, ''), COALESCE(plan, ''), status
		FROM subscriptions
		WHERE external_id <> ''
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []reconcile.Subscription
	for rows.Next() {
		var s reconcile.Subscription
		if err := rows.Scan(&s.ExternalID, &s.CustomerExternalID, &s.AccountID, &s.Plan, &s.Status); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// InsertEscalation implements escalate.Sink.
func (r *Repository) InsertEscalation(ctx context.Context, n escalate.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO escalations (notification_id, severity, operation, error_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.Severity.String(), n.Operation, n.ErrorType, payload, n.CreatedAt)
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
