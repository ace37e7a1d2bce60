// Package currentvalue implements the current-value cache (C9): the latest
// known sample per point sequence id, kept in Redis for low-latency reads,
// updated only when a newer sample arrives (§4.9).
package currentvalue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veltrix-io/tichain/internal/model"
)

const keyPrefix = "cv:"

// compareAndSet is a Lua script enforcing the monotone-timestamp invariant
// (§4.9: a cache update is only applied if its timestamp is newer than
// what is already stored) atomically, so two pipeline workers racing on
// the same sequence id can never apply them out of order.
const compareAndSetScript = `
local existing = redis.call("HGET", KEYS[1], "ts")
if existing and tonumber(existing) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "ts", ARGV[1], "value", ARGV[2], "quality", ARGV[3])
return 1
`

// Cache wraps a Redis client scoped to the current-value key namespace.
type Cache struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewCache connects to addr and verifies connectivity.
func NewCache(ctx context.Context, addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect current-value cache: %w", err)
	}
	return &Cache{rdb: rdb, script: redis.NewScript(compareAndSetScript)}, nil
}

// Close releases the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Update applies cv if it is newer than whatever is currently cached for
// sequenceID. A failure here is non-fatal to the pipeline (§4.9,
// obs.Metrics.CurrentValueFailures) — the time-series write is the
// durable record; this cache is a derived, best-effort convenience.
func (c *Cache) Update(ctx context.Context, sequenceID int64, cv model.CurrentValue) error {
	key := keyPrefix + strconv.FormatInt(sequenceID, 10)
	_, err := c.script.Run(ctx, c.rdb, []string{key},
		cv.Timestamp.UnixNano(),
		strconv.FormatFloat(cv.Value, 'g', -1, 64),
		cv.Quality.String(),
	).Result()
	if err != nil {
		return &model.TransientDependencyError{Dependency: "current-value-cache", Err: err}
	}
	return nil
}

// Get returns the cached current value for sequenceID, or nil if absent.
func (c *Cache) Get(ctx context.Context, sequenceID int64) (*model.CurrentValue, error) {
	key := keyPrefix + strconv.FormatInt(sequenceID, 10)
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &model.TransientDependencyError{Dependency: "current-value-cache", Err: err}
	}
	if len(res) == 0 {
		return nil, nil
	}
	ts, err := strconv.ParseInt(res["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse cached timestamp: %w", err)
	}
	value, err := strconv.ParseFloat(res["value"], 64)
	if err != nil {
		return nil, fmt.Errorf("parse cached value: %w", err)
	}
	quality, _ := model.ParseQuality(res["quality"])
	return &model.CurrentValue{
		SequenceID: sequenceID,
		Timestamp:  time.Unix(0, ts).UTC(),
		Value:      value,
		Quality:    quality,
	}, nil
}

// GetMulti batches Get across sequenceIDs with a single pipelined round
// trip, mirroring the teacher's batched-cache-read idiom.
func (c *Cache) GetMulti(ctx context.Context, sequenceIDs []int64) (map[int64]model.CurrentValue, error) {
	if len(sequenceIDs) == 0 {
		return nil, nil
	}
	pipe := c.rdb.Pipeline()
	cmds := make(map[int64]*redis.MapStringStringCmd, len(sequenceIDs))
	for _, id := range sequenceIDs {
		cmds[id] = pipe.HGetAll(ctx, keyPrefix+strconv.FormatInt(id, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &model.TransientDependencyError{Dependency: "current-value-cache", Err: err}
	}

	out := make(map[int64]model.CurrentValue, len(sequenceIDs))
	for id, cmd := range cmds {
		res, err := cmd.Result()
		if err != nil || len(res) == 0 {
			continue
		}
		ts, err1 := strconv.ParseInt(res["ts"], 10, 64)
		value, err2 := strconv.ParseFloat(res["value"], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		quality, _ := model.ParseQuality(res["quality"])
		out[id] = model.CurrentValue{SequenceID: id, Timestamp: time.Unix(0, ts).UTC(), Value: value, Quality: quality}
	}
	return out, nil
}
