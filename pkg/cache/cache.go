/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache holds the process-local session -> sandbox accelerator.
// Entries are derived from durable bindings and are never trusted past
// their own expiry.
package cache

import (
	"container/list"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
)

const (
	DefaultIdleTTL         = 15 * time.Minute
	DefaultJanitorInterval = 5 * time.Minute
	DefaultMaxEntries      = 10000
)

// Options configures a Cache.
type Options struct {
	// IdleTTL drops entries nobody touched for this long, independent of sandbox expiry.
	IdleTTL time.Duration
	// JanitorInterval is the sweep period. A negative value disables the janitor.
	JanitorInterval time.Duration
	// MaxEntries bounds the map; the least recently accessed entry is evicted first.
	MaxEntries int
	Clock      clock.PassiveClock
}

type cacheEntry struct {
	key     string
	value   types.CacheEntry
	element *list.Element
}

// Cache is a thread-safe, TTL-aware map from session ID to sandbox metadata.
// All mutation goes through its methods.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lruList    *list.List
	maxEntries int
	idleTTL    time.Duration
	clock      clock.PassiveClock

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its janitor.
func New(opts Options) *Cache {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.JanitorInterval == 0 {
		opts.JanitorInterval = DefaultJanitorInterval
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	c := &Cache{
		entries:    make(map[string]*cacheEntry),
		lruList:    list.New(),
		maxEntries: opts.MaxEntries,
		idleTTL:    opts.IdleTTL,
		clock:      opts.Clock,
		stopCh:     make(chan struct{}),
	}
	if opts.JanitorInterval > 0 {
		go wait.Until(func() { c.Sweep() }, opts.JanitorInterval, c.stopCh)
	}
	return c
}

// Stop terminates the janitor. It is safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		klog.V(2).Info("session cache janitor stopped")
	})
}

// Get returns a copy of the entry for sessionID if it has not expired.
// Expired entries are left in place for the janitor.
func (c *Cache) Get(sessionID string) (*types.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[sessionID]
	if !exists {
		return nil, false
	}
	if !c.clock.Now().Before(entry.value.ExpiresAt) {
		return nil, false
	}
	value := entry.value
	return &value, true
}

// Put inserts or overwrites the entry for sessionID.
func (c *Cache) Put(sessionID string, binding *types.SandboxBinding) {
	if binding == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	value := types.CacheEntry{
		SandboxID:    binding.SandboxID,
		CreatedAt:    binding.CreatedAt,
		ExpiresAt:    binding.ExpiresAt,
		LastAccessed: c.clock.Now(),
	}

	if entry, exists := c.entries[sessionID]; exists {
		entry.value = value
		c.lruList.MoveToFront(entry.element)
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	entry := &cacheEntry{key: sessionID, value: value}
	entry.element = c.lruList.PushFront(entry)
	c.entries[sessionID] = entry
}

// Touch refreshes lastAccessed without changing expiry.
func (c *Cache) Touch(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[sessionID]
	if !exists {
		return
	}
	entry.value.LastAccessed = c.clock.Now()
	c.lruList.MoveToFront(entry.element)
}

// Invalidate removes the entry unconditionally.
func (c *Cache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(sessionID)
}

// Sweep removes entries that expired or sat idle longer than the idle TTL,
// and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.value.ExpiresAt) || now.Sub(entry.value.LastAccessed) > c.idleTTL {
			c.removeLocked(key)
			removed++
		}
	}
	if removed > 0 {
		klog.V(4).Infof("session cache janitor removed %d entries, %d remain", removed, len(c.entries))
	}
	return removed
}

// Stats reports entry counts as of now.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	stats := types.CacheStats{TotalEntries: len(c.entries)}
	for _, entry := range c.entries {
		if now.Before(entry.value.ExpiresAt) {
			stats.ValidEntries++
		} else {
			stats.ExpiredEntries++
		}
	}
	return stats
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked must be called with lock held
func (c *Cache) removeLocked(key string) {
	entry, exists := c.entries[key]
	if !exists {
		return
	}
	c.lruList.Remove(entry.element)
	delete(c.entries, key)
}

// evictOldest must be called with lock held
func (c *Cache) evictOldest() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	// nolint:errcheck
	entry := back.Value.(*cacheEntry)
	c.lruList.Remove(back)
	delete(c.entries, entry.key)
	klog.V(4).Infof("session cache full, evicted session %s", entry.key)
}
