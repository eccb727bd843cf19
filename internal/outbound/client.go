package outbound

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	stripecoupon "github.com/stripe/stripe-go/v79/coupon"
	stripeinvoice "github.com/stripe/stripe-go/v79/invoice"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"

	"github.com/paysyncd/paysync/internal/retry"
)

// Client is the provider control-plane surface. Every call goes through the
// retry executor, so callers see either a success or a terminal
// *faults.Failure carrying the error class.
type Client struct {
	ex     *retry.Executor
	logger *slog.Logger
}

func NewClient(secretKey string, ex *retry.Executor, logger *slog.Logger) *Client {
	// Stripe uses a global API key; set it once at construction.
	stripe.Key = strings.TrimSpace(secretKey)
	return &Client{ex: ex, logger: logger}
}

type CheckoutParams struct {
	AccountID      string
	Plan           string
	PriceID        string
	Coupon         string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CreateCheckoutSession opens a hosted checkout session for a subscription.
// An idempotency key is always sent so retried attempts land on the same
// session instead of minting duplicates.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	idemKey := strings.TrimSpace(p.IdempotencyKey)
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	return retry.Do(ctx, c.ex, "stripe.checkout_session.create", func(ctx context.Context) (*stripe.CheckoutSession, error) {
		params := &stripe.CheckoutSessionParams{
			Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			SuccessURL:        stripe.String(p.SuccessURL),
			CancelURL:         stripe.String(p.CancelURL),
			ClientReferenceID: stripe.String(p.AccountID),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					Price:    stripe.String(p.PriceID),
					Quantity: stripe.Int64(1),
				},
			},
			Metadata: map[string]string{
				"account_id": p.AccountID,
				"plan":       p.Plan,
			},
			SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
				Metadata: map[string]string{
					"account_id": p.AccountID,
					"plan":       p.Plan,
				},
			},
		}
		if p.Coupon != "" {
			params.Discounts = []*stripe.CheckoutSessionDiscountParams{
				{Coupon: stripe.String(p.Coupon)},
			}
		}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(idemKey)
		params.AddExpand("url")
		return checkoutsession.New(params)
	})
}

// CancelSubscription cancels the provider subscription immediately. When the
// caller supplies no idempotency key, a deterministic one is derived so
// accidental double-submits collapse into a single cancellation.
func (c *Client) CancelSubscription(ctx context.Context, accountID, subscriptionID, idempotencyKey string) (*stripe.Subscription, error) {
	idemKey := strings.TrimSpace(idempotencyKey)
	if idemKey == "" {
		idemKey = "cancel:" + accountID + ":" + subscriptionID
	}

	return retry.Do(ctx, c.ex, "stripe.subscription.cancel", func(ctx context.Context) (*stripe.Subscription, error) {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		params.IdempotencyKey = stripe.String(idemKey)
		return stripesubscription.Cancel(subscriptionID, params)
	})
}

// RetrieveSubscription fetches the provider's current view of a subscription.
// The drift reconciler uses this to repair local rows after missed webhooks.
func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return retry.Do(ctx, c.ex, "stripe.subscription.retrieve", func(ctx context.Context) (*stripe.Subscription, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		return stripesubscription.Get(subscriptionID, params)
	})
}

// RetrieveCoupon validates a promotion code against the provider.
func (c *Client) RetrieveCoupon(ctx context.Context, couponID string) (*stripe.Coupon, error) {
	return retry.Do(ctx, c.ex, "stripe.coupon.retrieve", func(ctx context.Context) (*stripe.Coupon, error) {
		params := &stripe.CouponParams{}
		params.Context = ctx
		return stripecoupon.Get(couponID, params)
	})
}

// ListInvoices pages the customer's invoices, newest first.
func (c *Client) ListInvoices(ctx context.Context, customerID string, limit int64) ([]*stripe.Invoice, error) {
	if limit <= 0 {
		limit = 10
	}

	return retry.Do(ctx, c.ex, "stripe.invoice.list", func(ctx context.Context) ([]*stripe.Invoice, error) {
		params := &stripe.InvoiceListParams{
			Customer: stripe.String(customerID),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(limit)

		var invoices []*stripe.Invoice
		iter := stripeinvoice.List(params)
		for iter.Next() {
			invoices = append(invoices, iter.Invoice())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return invoices, nil
	})
}
