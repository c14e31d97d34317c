package httpapi

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/DoyleJ11/cha-panelas/internal/types"
)

// itemsCache serves GET /itens from memory for ttl. Concurrent misses share
// one store query. Invalidate bumps a generation so a query that started
// before a mutation never refills the cache with stale rows.
type itemsCache struct {
	load  func(context.Context) ([]types.Item, error)
	ttl   time.Duration
	clock clock.PassiveClock
	group singleflight.Group

	mu      sync.Mutex
	items   []types.Item
	fetched time.Time
	valid   bool
	gen     uint64
}

func newItemsCache(load func(context.Context) ([]types.Item, error), ttl time.Duration, clk clock.PassiveClock) *itemsCache {
	return &itemsCache{load: load, ttl: ttl, clock: clk}
}

func (c *itemsCache) Get(ctx context.Context) ([]types.Item, error) {
	c.mu.Lock()
	if c.valid && c.clock.Since(c.fetched) < c.ttl {
		items := c.items
		c.mu.Unlock()
		return items, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do("itens", func() (any, error) {
		items, err := c.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen && c.ttl > 0 {
			c.items, c.fetched, c.valid = items, c.clock.Now(), true
		}
		c.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Item), nil
}

func (c *itemsCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
	c.group.Forget("itens")
}
