package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Store{rdb: rdb, ttl: time.Hour}, mr
}

func TestAlreadyProcessed_FalseForUnknownBatch(t *testing.T) {
	s, _ := newTestStore(t)
	dup, err := s.AlreadyProcessed(context.Background(), "b1")
	require.NoError(t, err)
	require.False(t, dup)
}

func TestMarkProcessed_ThenAlreadyProcessed_ReportsTrue(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.MarkProcessed(context.Background(), "b1"))

	dup, err := s.AlreadyProcessed(context.Background(), "b1")
	require.NoError(t, err)
	require.True(t, dup)
}

func TestMarkProcessed_IsIdempotentAcrossRedelivery(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.MarkProcessed(context.Background(), "b1"))
	require.NoError(t, s.MarkProcessed(context.Background(), "b1"), "a racing redelivery marking the same batch again must not error")
}

func TestAlreadyProcessed_ExpiresAfterTTL(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.MarkProcessed(context.Background(), "b1"))
	mr.FastForward(2 * time.Hour)

	dup, err := s.AlreadyProcessed(context.Background(), "b1")
	require.NoError(t, err)
	require.False(t, dup, "an entry past its TTL must no longer count as processed")
}
