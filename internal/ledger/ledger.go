// Package ledger records which provider event ids have already been applied,
// giving the ingestion gateway its at-most-once guarantee. The store is
// injected so single-instance deployments can run in memory while
// multi-instance deployments share a Redis or Postgres ledger.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Store is the claim surface. TryClaim must be an atomic check-and-insert:
// under concurrent deliveries of the same event id exactly one caller sees
// claimed=true. The gateway claims before dispatch, releases on handler
// failure, and never releases on success.
type Store interface {
	TryClaim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// AttemptCounter is implemented by stores that track per-event delivery
// counts; callers may use it to enrich duplicate diagnostics.
type AttemptCounter interface {
	Attempts(eventID string) int
}

type entry struct {
	firstSeen time.Time
	attempts  int
}

// MemoryStore is a mutex-guarded in-process ledger. Entries older than the
// retention window are evicted lazily; the provider does not redeliver
// indefinitely, so expiry cannot reintroduce duplicates in practice.
type MemoryStore struct {
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &MemoryStore{
		retention: retention,
		now:       time.Now,
		entries:   map[string]*entry{},
	}
}

func (s *MemoryStore) TryClaim(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if e, ok := s.entries[eventID]; ok {
		e.attempts++
		return false, nil
	}
	s.entries[eventID] = &entry{firstSeen: now, attempts: 1}
	return true, nil
}

// Attempts reports how many deliveries of an event id the ledger has seen,
// the original claim included. Zero means the id is unknown or evicted.
func (s *MemoryStore) Attempts(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[eventID]; ok {
		return e.attempts
	}
	return 0
}

func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, eventID)
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	// Sweeping on every claim would be O(n) per webhook; once per tenth of
	// the retention window is plenty.
	if now.Sub(s.lastSweep) < s.retention/10 {
		return
	}
	s.lastSweep = now
	for id, e := range s.entries {
		if now.Sub(e.firstSeen) > s.retention {
			delete(s.entries, id)
		}
	}
}
