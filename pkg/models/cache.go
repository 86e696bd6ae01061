package models

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Cache keeps the result of a Lister for a while. Concurrent refreshes share
// one call.
type Cache struct {
	lister Lister
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	models  []Model
	fetched time.Time
}

type CacheOption func(*Cache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(lister Lister, ttl time.Duration, options ...CacheOption) *Cache {
	c := &Cache{lister: lister, ttl: ttl, now: time.Now}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Cache) cached() ([]Model, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models == nil {
		return nil, false, false
	}
	fresh := c.now().Sub(c.fetched) < c.ttl
	return c.models, true, fresh
}

// List returns the cached models, refreshing them when the TTL passed. When
// the refresh fails, stale models are returned if there are any.
func (c *Cache) List(ctx context.Context) ([]Model, error) {
	models, ok, fresh := c.cached()
	if ok && fresh {
		return models, nil
	}

	v, err, _ := c.group.Do("list", func() (interface{}, error) {
		ms, err := c.lister.List(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models = ms
		c.fetched = c.now()
		c.mu.Unlock()
		return ms, nil
	})
	if err != nil {
		if ok {
			log.Warn().Err(err).Msg("model list refresh failed, serving stale list")
			return models, nil
		}
		return nil, err
	}
	return v.([]Model), nil
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
}

var _ Lister = (*Cache)(nil)
