// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache provides a bounded in-memory cache with per-entry TTLs.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxSize bounds a cache created without an explicit size.
	DefaultMaxSize = 1000
	// DefaultTTL is applied to entries set without an explicit TTL.
	DefaultTTL = time.Hour
	// DefaultSweepInterval is the period of the background expiry sweep.
	DefaultSweepInterval = 5 * time.Minute
)

// entry is a cached value with its creation time and lifetime.
type entry[V any] struct {
	key       string
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Metrics tracks cache performance counters.
type Metrics struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Size        int     `json:"size"`
	HitRate     float64 `json:"hitRate"`
}

// Options configures a TTLCache.
type Options struct {
	// Name identifies the cache in logs.
	Name string
	// MaxSize is the maximum number of entries.
	MaxSize int
	// TTL is the default entry lifetime.
	TTL time.Duration
	// SweepInterval is the background sweep period. Zero uses DefaultSweepInterval,
	// a negative value disables the sweeper.
	SweepInterval time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// TTLCache is a bounded cache whose entries expire after a TTL. When full,
// the oldest entries by creation time are evicted first.
//
// Entries live in a list ordered by creation time (front = newest) so the
// eviction candidates are always at the back.
type TTLCache[V any] struct {
	name    string
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a TTLCache and starts its background sweeper.
//
// Parameters:
//   - opts: Cache sizing, TTL and sweep settings
//
// Returns:
//   - *TTLCache[V]: A cache ready for use. Call Close to stop the sweeper.
func New[V any](opts Options) *TTLCache[V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &TTLCache[V]{
		name:    opts.Name,
		maxSize: opts.MaxSize,
		ttl:     opts.TTL,
		now:     opts.Now,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get returns the value for key. Expired entries are removed and reported as absent.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if e.expired(c.now()) {
		c.removeElement(elem)
		c.expirations.Add(1)
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A non-positive ttl uses the cache default.
// When the cache is full, the oldest ~10% of entries (at least one) are
// evicted before inserting.
func (c *TTLCache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		// Overwrites restart the entry's lifetime and its eviction position.
		c.removeElement(elem)
	}

	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[V]{key: key, value: value, createdAt: c.now(), ttl: ttl}
	c.items[key] = c.order.PushFront(e)
}

// evictOldest must be called with c.mu held.
func (c *TTLCache[V]) evictOldest() {
	n := c.maxSize / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.removeElement(oldest)
		c.evictions.Add(1)
	}
}

// removeElement must be called with c.mu held.
func (c *TTLCache[V]) removeElement(elem *list.Element) {
	e := c.order.Remove(elem).(*entry[V])
	delete(c.items, e.key)
}

// Delete removes key from the cache.
func (c *TTLCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Invalidate removes every key containing pattern as a substring and returns
// the number of removed entries. An empty pattern clears the cache.
func (c *TTLCache[V]) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		n := len(c.items)
		c.items = make(map[string]*list.Element)
		c.order.Init()
		return n
	}

	removed := 0
	for key, elem := range c.items {
		if strings.Contains(key, pattern) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Sweep removes all expired entries and returns how many were removed.
func (c *TTLCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, elem := range c.items {
		if elem.Value.(*entry[V]).expired(now) {
			c.order.Remove(elem)
			delete(c.items, key)
			removed++
		}
	}
	c.expirations.Add(int64(removed))
	return removed
}

func (c *TTLCache[V]) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.WithField("cache", c.name).Debugf("swept %d expired entries", n)
			}
		case <-c.stop:
			return
		}
	}
}

// Keys returns the current keys, newest first. Expired entries not yet swept are included.
func (c *TTLCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry[V]).key)
	}
	return keys
}

// Len returns the number of stored entries.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Metrics returns a snapshot of the cache counters.
func (c *TTLCache[V]) Metrics() Metrics {
	hits := c.hits.Load()
	misses := c.misses.Load()
	m := Metrics{
		Hits:        hits,
		Misses:      misses,
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        c.Len(),
	}
	if total := hits + misses; total > 0 {
		m.HitRate = float64(hits) / float64(total)
	}
	return m
}

// Close stops the background sweeper. It is safe to call more than once.
func (c *TTLCache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}
