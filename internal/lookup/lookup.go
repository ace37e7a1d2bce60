// Package lookup implements the Point Lookup Cache (C2): an in-memory,
// periodically refreshed snapshot of the registry used to resolve point
// names to sequence ids on the hot path without a database round trip per
// point (§4.2).
package lookup

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veltrix-io/tichain/internal/model"
	"github.com/veltrix-io/tichain/internal/registry"
)

// snapshot is an immutable point-name index, swapped atomically on refresh.
type snapshot struct {
	byName map[string]*model.Point // keyed by dataSourceID + "\x00" + lower-cased name
	takenAt time.Time
}

// Cache resolves (dataSourceID, name) to a registered Point, refreshing its
// backing snapshot on a fixed interval and on explicit demand.
type Cache struct {
	reg     *registry.Registry
	logger  *zap.SugaredLogger
	current atomic.Pointer[snapshot]

	refreshInterval time.Duration
	stop            chan struct{}
	done            chan struct{}
}

// NewCache builds a Cache with an empty snapshot. Call Start to begin
// periodic refresh, or Refresh once before serving traffic.
func NewCache(reg *registry.Registry, logger *zap.SugaredLogger, refreshInterval time.Duration) *Cache {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	c := &Cache{reg: reg, logger: logger, refreshInterval: refreshInterval, stop: make(chan struct{}), done: make(chan struct{})}
	c.current.Store(&snapshot{byName: map[string]*model.Point{}})
	return c
}

// Resolve returns the cached Point for (dataSourceID, name), or nil if not
// yet known to this snapshot. Callers falling through a nil result should
// attempt registry auto-registration (§4.2 "resolution miss path").
func (c *Cache) Resolve(dataSourceID, name string) *model.Point {
	return c.current.Load().byName[cacheKey(dataSourceID, name)]
}

// Put inserts or overwrites a single point in the current snapshot without
// waiting for the next full refresh — used right after an auto-registration
// so the newly created point resolves immediately on the next batch.
func (c *Cache) Put(p *model.Point) {
	old := c.current.Load()
	next := &snapshot{byName: make(map[string]*model.Point, len(old.byName)+1), takenAt: old.takenAt}
	for k, v := range old.byName {
		next.byName[k] = v
	}
	next.byName[cacheKey(p.DataSourceID, p.Name)] = p
	c.current.Store(next)
}

// Refresh reloads the entire snapshot from the registry. Call this at
// startup before serving traffic, and periodically thereafter via Start.
func (c *Cache) Refresh(ctx context.Context) error {
	byName := make(map[string]*model.Point)
	after := int64(0)
	for {
		page, err := c.reg.List(ctx, model.PointFilter{After: after, Limit: 500})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			byName[cacheKey(p.DataSourceID, p.Name)] = p
			after = p.SequenceID
		}
		if len(page) < 500 {
			break
		}
	}
	c.current.Store(&snapshot{byName: byName, takenAt: time.Now().UTC()})
	if c.logger != nil {
		c.logger.Infow("point lookup cache refreshed", "points", len(byName))
	}
	return nil
}

// Start launches the periodic refresh loop in a background goroutine.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil && c.logger != nil {
					c.logger.Warnw("point lookup cache refresh failed", "error", err)
				}
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the refresh loop and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

func cacheKey(dataSourceID, name string) string {
	return dataSourceID + "\x00" + strings.ToLower(name)
}
