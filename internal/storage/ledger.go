package storage

import (
	"context"
	"time"

	"github.com/paysyncd/paysync/libs/db"
)

// PGLedger is a durable idempotency ledger backed by the provider_events
// table. INSERT ... ON CONFLICT DO NOTHING gives the atomic check-and-insert;
// rows past the retention window are purged opportunistically since the
// provider does not redeliver indefinitely.
type PGLedger struct {
	pool      *db.Pool
	retention time.Duration
}

func NewPGLedger(pool *db.Pool, retention time.Duration) *PGLedger {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &PGLedger{pool: pool, retention: retention}
}

func (l *PGLedger) TryClaim(ctx context.Context, eventID string) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO provider_events (provider_event_id)
		VALUES ($1)
		ON CONFLICT (provider_event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, nil
}

func (l *PGLedger) Release(ctx context.Context, eventID string) error {
	_, err := l.pool.Exec(ctx, `
		DELETE FROM provider_events
		WHERE provider_event_id = $1
	`, eventID)
	return err
}

// Evict purges entries older than the retention window. Run it periodically;
// correctness does not depend on it.
func (l *PGLedger) Evict(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM provider_events
		WHERE first_seen_at < now() - $1::interval
	`, l.retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
