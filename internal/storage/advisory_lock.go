package storage

import (
	"context"

	"github.com/paysyncd/paysync/libs/db"
)

// AdvisoryLock elects one reconciler instance across the deployment using a
// Postgres session advisory lock. TryAcquire is non-blocking; the holder
// keeps the lock until Release or until its database session ends, so a
// crashed leader frees the lock without operator action.
type AdvisoryLock struct {
	pool *db.Pool
	key  int64
}

func NewAdvisoryLock(pool *db.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var held bool
	err := l.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&held)
	if err != nil {
		return false, err
	}
	return held, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	return err
}
