package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a shared ledger for multi-instance deployments. SET NX gives
// the same exactly-one-claim semantics across processes that the memory
// store gives within one.
type RedisStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, retention time.Duration) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "ledger"
	}
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(eventID string) string {
	return s.prefix + ":" + eventID
}

func (s *RedisStore) TryClaim(ctx context.Context, eventID string) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(eventID), time.Now().UTC().Format(time.RFC3339), s.retention).Result()
}

func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	return s.rdb.Del(ctx, s.key(eventID)).Err()
}
