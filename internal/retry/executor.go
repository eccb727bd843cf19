package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/paysyncd/paysync/internal/faults"
)

// Executor composes the classifier, backoff calculator, and circuit breaker
// into a retry loop. One executor per outbound integration; the breaker it
// owns is the only shared mutable state, so independent callers can run the
// loop concurrently.
type Executor struct {
	integration      string
	breaker          *Breaker
	profile          Profile
	rateLimitProfile Profile
	attemptTimeout   time.Duration
	logger           *slog.Logger
	sleep            func(context.Context, time.Duration) error
}

type ExecutorConfig struct {
	Profile          Profile
	RateLimitProfile Profile
	AttemptTimeout   time.Duration
	Breaker          BreakerConfig
}

func NewExecutor(integration string, logger *slog.Logger, cfg ExecutorConfig) *Executor {
	if cfg.Profile.MaxAttempts <= 0 {
		cfg.Profile = DefaultProfile
	}
	if cfg.RateLimitProfile.MaxAttempts <= 0 {
		cfg.RateLimitProfile = RateLimitProfile
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Executor{
		integration:      integration,
		breaker:          NewBreaker(cfg.Breaker),
		profile:          cfg.Profile,
		rateLimitProfile: cfg.RateLimitProfile,
		attemptTimeout:   cfg.AttemptTimeout,
		logger:           logger,
		sleep:            sleepCtx,
	}
}

// Breaker exposes the executor's breaker for health reporting.
func (ex *Executor) Breaker() *Breaker { return ex.breaker }

// Do runs fn with bounded retries. Each attempt carries its own timeout; a
// timeout classifies as network. Only a terminal failure (non-retryable class
// or retries exhausted) propagates, as a *faults.Failure carrying the class.
// Cancellation is honored between attempts, never mid-attempt.
func Do[T any](ctx context.Context, ex *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if err := ex.breaker.Allow(); err != nil {
			ex.logger.Warn("outbound call rejected by circuit breaker",
				"integration", ex.integration,
				"op", op,
				"attempt", attempt,
			)
			return zero, &faults.Failure{Op: op, Class: faults.ClassAPIError, Attempts: attempt - 1, Err: err}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, ex.attemptTimeout)
		v, err := fn(attemptCtx)
		cancel()

		if err == nil {
			ex.breaker.RecordSuccess()
			ex.logger.Info("outbound call succeeded",
				"integration", ex.integration,
				"op", op,
				"attempt", attempt,
			)
			return v, nil
		}

		ex.breaker.RecordFailure()
		class := faults.Classify(err)
		retryable := class.Retryable()
		ex.logger.Warn("outbound call attempt failed",
			"integration", ex.integration,
			"op", op,
			"attempt", attempt,
			"class", string(class),
			"retryable", retryable,
			"err", err,
		)

		p := ex.profile
		if class == faults.ClassRateLimit {
			p = ex.rateLimitProfile
		}
		if !retryable || attempt > p.MaxAttempts {
			return zero, &faults.Failure{
				Op:        op,
				Class:     class,
				Attempts:  attempt,
				Exhausted: retryable,
				Err:       err,
			}
		}

		var delay time.Duration
		if hint, ok := faults.RetryAfterHint(err); ok {
			delay = HintDelay(hint, p)
		} else {
			delay = Delay(attempt, p)
		}
		if err := ex.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
