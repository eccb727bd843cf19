package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
)

// SubscriptionLister pages local subscription rows due for a provider
// cross-check, stalest first.
type SubscriptionLister interface {
	ListSubscriptionsForReconcile(ctx context.Context, limit int) ([]Subscription, error)
}

// SubscriptionFetcher reads the provider's authoritative subscription state.
type SubscriptionFetcher interface {
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// Lock is the leader-election primitive. Exactly one instance across the
// deployment should run the drift loop at a time.
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type DriftConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DriftReconciler periodically compares local subscription rows against the
// provider and repairs any divergence. Webhooks are the primary sync path;
// this loop is the backstop for deliveries that were dropped, expired past
// the provider's retry horizon, or processed before the account mapping
// existed.
type DriftReconciler struct {
	handlers *Handlers
	lister   SubscriptionLister
	provider SubscriptionFetcher
	lock     Lock
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func NewDriftReconciler(h *Handlers, lister SubscriptionLister, provider SubscriptionFetcher, lock Lock, logger *slog.Logger, cfg DriftConfig) *DriftReconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &DriftReconciler{
		handlers: h,
		lister:   lister,
		provider: provider,
		lock:     lock,
		logger:   logger,
		interval: interval,
		batch:    batch,
	}
}

// Run blocks until ctx is canceled. With a Lock configured it first wins
// leadership, then sweeps immediately and on every interval tick.
func (d *DriftReconciler) Run(ctx context.Context) {
	if d.lock != nil {
		if !d.acquireLock(ctx) {
			return
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.lock.Release(releaseCtx)
		}()
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcileOnce(ctx)
		}
	}
}

func (d *DriftReconciler) acquireLock(ctx context.Context) bool {
	for {
		held, err := d.lock.TryAcquire(ctx)
		if err != nil {
			d.logger.Error("reconcile lock attempt failed", "err", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return false
			}
			continue
		}
		if held {
			d.logger.Info("reconcile leadership acquired")
			return true
		}
		// Another instance is leading; poll in case it goes away.
		if !sleepCtx(ctx, 30*time.Second) {
			return false
		}
	}
}

func (d *DriftReconciler) reconcileOnce(ctx context.Context) {
	subs, err := d.lister.ListSubscriptionsForReconcile(ctx, d.batch)
	if err != nil {
		d.logger.Error("reconcile listing failed", "err", err)
		return
	}

	drifted := 0
	for _, local := range subs {
		if ctx.Err() != nil {
			return
		}
		changed, err := d.reconcileSubscription(ctx, local)
		if err != nil {
			// The fetch already ran through the retry executor; a residual
			// failure here means skip and retry on the next sweep.
			d.logger.Warn("subscription reconcile failed",
				"subscription_external_id", local.ExternalID, "err", err)
			continue
		}
		if changed {
			drifted++
		}
	}
	if drifted > 0 {
		d.logger.Info("subscription drift repaired", "checked", len(subs), "drifted", drifted)
	}
}

func (d *DriftReconciler) reconcileSubscription(ctx context.Context, local Subscription) (bool, error) {
	remote, err := d.provider.RetrieveSubscription(ctx, local.ExternalID)
	if err != nil {
		return false, err
	}

	plan := strings.TrimSpace(strings.ToLower(remote.Metadata["plan"]))
	if plan == "" {
		plan = local.Plan
	}
	rec := Subscription{
		ExternalID:         local.ExternalID,
		CustomerExternalID: local.CustomerExternalID,
		AccountID:          local.AccountID,
		Plan:               plan,
		Status:             string(remote.Status),
		CurrentPeriodStart: unixTime(remote.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(remote.CurrentPeriodEnd),
		CanceledAt:         unixTime(remote.CanceledAt),
	}
	if rec.CustomerExternalID == "" && remote.Customer != nil {
		rec.CustomerExternalID = remote.Customer.ID
	}

	entitled := remote.Status == stripe.SubscriptionStatusActive || remote.Status == stripe.SubscriptionStatusTrialing
	wasEntitled := local.Status == "active" || local.Status == "trialing"
	if entitled == wasEntitled && rec.Status == local.Status && rec.Plan == local.Plan {
		return false, nil
	}

	if err := d.handlers.store.UpsertSubscription(ctx, rec); err != nil {
		return false, err
	}

	occurredAt := time.Now().UTC()
	switch {
	case entitled && !wasEntitled:
		return true, d.handlers.emitSubscriptionEvent(ctx, "billing.subscription.activated.v1", rec, occurredAt)
	case !entitled && wasEntitled:
		return true, d.handlers.emitSubscriptionEvent(ctx, "billing.subscription.canceled.v1", rec, occurredAt)
	}
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
