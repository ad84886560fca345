package cache

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// IngestLock is a per-document single-flight lock backed by redis SETNX.
// Only one ingestion run per document id may be active at a time; the TTL
// bounds how long a crashed worker can hold the slot.
type IngestLock struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewIngestLock(client *redisv9.Client, ttl time.Duration) *IngestLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &IngestLock{
		client: client,
		ttl:    ttl,
	}
}

// TryLock attempts to acquire the lock for the document. It returns false
// without error when another ingestion currently holds it.
func (l *IngestLock) TryLock(ctx context.Context, documentID uint) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(documentID), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire ingest lock failed: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock. Releasing a lock that expired is harmless.
func (l *IngestLock) Unlock(ctx context.Context, documentID uint) error {
	if err := l.client.Del(ctx, l.key(documentID)).Err(); err != nil {
		return fmt.Errorf("redis release ingest lock failed: %w", err)
	}
	return nil
}

func (l *IngestLock) key(documentID uint) string {
	return fmt.Sprintf("ingest:lock:%d", documentID)
}
