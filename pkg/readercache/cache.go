// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package readercache keeps recently deserialized object snapshots in
// memory so unmodified objects are not re-parsed on every read. The cache
// is best effort: a miss always falls back to the canonical store.
package readercache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/fossil/internal/sync2"
	"storj.io/fossil/pkg/fossil"
)

// Config configures the reader cache.
type Config struct {
	MaxEntries    int           `help:"maximum number of cached readers" default:"20"`
	MaxAge        time.Duration `help:"age after which a cached reader is expired" default:"10s"`
	SweepInterval time.Duration `help:"how often expired readers are swept out" default:"5s"`
}

// Cache is a bounded time-and-size evicted object snapshot cache.
type Cache struct {
	log    *zap.Logger
	config Config

	sweep sync2.Cycle

	mu      sync.Mutex
	entries map[fossil.PID]*entry

	// now is replaceable for tests.
	now func() time.Time
}

type entry struct {
	object    *fossil.Object
	timestamp time.Time
}

// New creates a reader cache.
func New(log *zap.Logger, config Config) *Cache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 20
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 10 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Second
	}
	cache := &Cache{
		log:     log,
		config:  config,
		entries: make(map[fossil.PID]*entry),
		now:     time.Now,
	}
	cache.sweep.SetInterval(config.SweepInterval)
	return cache
}

// Run sweeps expired entries until the context is canceled.
func (cache *Cache) Run(ctx context.Context) error {
	return cache.sweep.Run(ctx, func(ctx context.Context) error {
		cache.RemoveExpired()
		return nil
	})
}

// Close stops the sweep cycle.
func (cache *Cache) Close() error {
	cache.sweep.Stop()
	return nil
}

// Put stores or refreshes the snapshot for the pid, evicting the entry with
// the oldest timestamp when the cache would exceed its capacity.
func (cache *Cache) Put(pid fossil.PID, object *fossil.Object) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.entries[pid] = &entry{object: object, timestamp: cache.now()}

	for cache.config.MaxEntries > 0 && len(cache.entries) > cache.config.MaxEntries {
		cache.evictOldestLocked()
	}
}

// Get returns the cached snapshot and refreshes its timestamp; a read acts
// as a touch.
func (cache *Cache) Get(pid fossil.PID) (*fossil.Object, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	e, ok := cache.entries[pid]
	if !ok {
		return nil, false
	}
	e.timestamp = cache.now()
	return e.object, true
}

// Remove unconditionally evicts the pid.
func (cache *Cache) Remove(pid fossil.PID) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.entries, pid)
}

// RemoveExpired evicts every entry older than the configured max age.
func (cache *Cache) RemoveExpired() {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cutoff := cache.now().Add(-cache.config.MaxAge)
	removed := 0
	for pid, e := range cache.entries {
		if e.timestamp.Before(cutoff) {
			delete(cache.entries, pid)
			removed++
		}
	}
	if removed > 0 {
		cache.log.Debug("swept expired readers", zap.Int("removed", removed))
	}
}

// Len returns the current number of entries.
func (cache *Cache) Len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.entries)
}

func (cache *Cache) evictOldestLocked() {
	var oldestPID fossil.PID
	var oldest time.Time
	first := true
	for pid, e := range cache.entries {
		if first || e.timestamp.Before(oldest) {
			oldestPID, oldest, first = pid, e.timestamp, false
		}
	}
	if !first {
		delete(cache.entries, oldestPID)
	}
}

// SetNowFunc replaces the clock, for tests.
func (cache *Cache) SetNowFunc(now func() time.Time) { cache.now = now }
