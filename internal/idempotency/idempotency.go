// Package idempotency implements the batch de-duplication store (C7): a
// Redis-backed record of already-processed batch ids, consulted before any
// write and populated only after the writer has acknowledged (§4.7).
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veltrix-io/tichain/internal/model"
)

const keyPrefix = "idem:"

// Store wraps a Redis client scoped to the idempotency key namespace.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore connects to addr and verifies connectivity. ttl bounds how long
// a processed batch id is remembered; it must exceed the broker's maximum
// plausible redelivery delay (§4.7).
func NewStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect idempotency store: %w", err)
	}
	return &Store{rdb: rdb, ttl: ttl}, nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// AlreadyProcessed reports whether batchID has a recorded idempotency
// entry. Callers must treat a true result as a no-op success: ack/commit
// without re-writing (§4.7, §4.9 DuplicateBatchError).
func (s *Store) AlreadyProcessed(ctx context.Context, batchID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPrefix+batchID).Result()
	if err != nil {
		return false, &model.TransientDependencyError{Dependency: "idempotency-store", Err: err}
	}
	return n > 0, nil
}

// MarkProcessed records batchID as durably written, with an expiry bounding
// how long the record is kept. Must only be called after the time-series
// writer has acknowledged the batch (§4.7 commit-ordering invariant) —
// never before.
func (s *Store) MarkProcessed(ctx context.Context, batchID string) error {
	rec := model.IdempotencyRecord{BatchID: batchID, FirstProcessedAt: time.Now().UTC(), TTL: s.ttl}
	// SetNX: a racing redelivery that lost Exists still cannot clobber the
	// first writer's timestamp.
	ok, err := s.rdb.SetNX(ctx, keyPrefix+batchID, rec.FirstProcessedAt.Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return &model.TransientDependencyError{Dependency: "idempotency-store", Err: err}
	}
	_ = ok // already-set is not an error: concurrent redelivery racing to mark is fine
	return nil
}
