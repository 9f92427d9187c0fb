package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/store"
)

// TagPersistImmediately forces a synchronous write-through on Set instead of
// waiting for the periodic sync.
const TagPersistImmediately = "persist-immediately"

// Tier says where a Get was satisfied, so each layer is observable.
type Tier int

const (
	TierMiss Tier = iota
	TierLocal
	TierStore
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierStore:
		return "store"
	default:
		return "miss"
	}
}

type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is a per-agent two-tier cache: a bounded in-memory map over the
// durable store. The local tier is LRU-bounded; the store tier holds
// everything flushed by the sync loop or write-through sets.
type Cache struct {
	store   *store.Store
	ownerID string
	cfg     config.CacheConfig
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*store.MemoryEntry
	dirty   map[string]bool
	stats   Stats

	done chan struct{}
	wg   sync.WaitGroup
}

func New(st *store.Store, ownerID string, cfg config.CacheConfig, logger *slog.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   st,
		ownerID: ownerID,
		cfg:     cfg,
		logger:  logger.With("owner_id", ownerID),
		entries: make(map[string]*store.MemoryEntry),
		dirty:   make(map[string]bool),
		done:    make(chan struct{}),
	}
}

func (c *Cache) OwnerID() string { return c.ownerID }

// Start launches the periodic sync loop.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.syncLoop()
}

// Stop flushes dirty entries and stops the sync loop.
func (c *Cache) Stop() {
	close(c.done)
	c.wg.Wait()
	c.flush()
}

// Set upserts a value. createdAt is kept from the first write so TTL expiry
// is anchored to creation, not updates. ttl == 0 never time-expires.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags ...string) error {
	return c.set(key, value, "", ttl, tags)
}

// SetTyped is Set with an entry type, used by query filters.
func (c *Cache) SetTyped(key string, value any, entryType string, ttl time.Duration, tags ...string) error {
	return c.set(key, value, entryType, ttl, tags)
}

func (c *Cache) set(key string, value any, entryType string, ttl time.Duration, tags []string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	e := &store.MemoryEntry{
		OwnerID:      c.ownerID,
		Key:          key,
		Value:        data,
		Type:         entryType,
		Tags:         tags,
		TTL:          ttl,
		LastAccessed: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if prev, ok := c.entries[key]; ok {
		e.CreatedAt = prev.CreatedAt
		e.AccessCount = prev.AccessCount
	}
	c.entries[key] = e
	c.dirty[key] = true
	c.evictLocked()
	writeThrough := hasTag(tags, TagPersistImmediately)
	c.mu.Unlock()

	if writeThrough {
		if err := c.store.UpsertMemoryEntry(e); err != nil {
			return fmt.Errorf("write through: %w", err)
		}
		c.mu.Lock()
		delete(c.dirty, key)
		c.mu.Unlock()
	}
	return nil
}

// Get returns the value, whether it was found, and the tier that served it.
// Store hits are pulled into the local tier.
func (c *Cache) Get(key string) (json.RawMessage, bool, Tier) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.Expired(now) {
			delete(c.entries, key)
			delete(c.dirty, key)
			c.stats.Misses++
			c.mu.Unlock()
			return nil, false, TierMiss
		}
		e.AccessCount++
		e.LastAccessed = now
		c.dirty[key] = true
		c.stats.Hits++
		value := e.Value
		c.mu.Unlock()
		return value, true, TierLocal
	}
	c.mu.Unlock()

	e, err := c.store.GetMemoryEntry(c.ownerID, key)
	if err != nil {
		c.logger.Warn("cache store lookup failed", "key", key, "error", err)
	}
	if e == nil || e.Expired(now) {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false, TierMiss
	}

	e.AccessCount++
	e.LastAccessed = now
	c.mu.Lock()
	c.entries[key] = e
	c.dirty[key] = true
	c.evictLocked()
	c.stats.Hits++
	c.mu.Unlock()
	return e.Value, true, TierStore
}

func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	delete(c.dirty, key)
	c.mu.Unlock()
	return c.store.DeleteMemoryEntry(c.ownerID, key)
}

func (c *Cache) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]*store.MemoryEntry)
	c.dirty = make(map[string]bool)
	c.mu.Unlock()
	return c.store.ClearMemoryEntries(c.ownerID)
}

// Query merges local and store entries without duplication, local winning,
// then applies the filter's offset and limit.
func (c *Cache) Query(f store.MemoryFilter) ([]store.MemoryEntry, error) {
	offset, limit := f.Offset, f.Limit
	f.Offset, f.Limit = 0, 0

	stored, err := c.store.QueryMemoryEntries(c.ownerID, f)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c.mu.Lock()
	merged := make(map[string]store.MemoryEntry, len(stored)+len(c.entries))
	for _, e := range stored {
		if !e.Expired(now) {
			merged[e.Key] = e
		}
	}
	for key, e := range c.entries {
		if e.Expired(now) || !matchesFilter(e, f) {
			continue
		}
		merged[key] = *e
	}
	c.mu.Unlock()

	entries := make([]store.MemoryEntry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	if offset > 0 {
		if offset >= len(entries) {
			return nil, nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// evictLocked trims the local tier down to MaxEntries by least-recent access.
// Dirty evictees are flushed to the store so the data survives in the durable
// tier. Caller holds c.mu.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		var victim string
		var oldest time.Time
		for key, e := range c.entries {
			if victim == "" || e.LastAccessed.Before(oldest) {
				victim = key
				oldest = e.LastAccessed
			}
		}
		e := c.entries[victim]
		if c.dirty[victim] && !e.Expired(time.Now()) {
			if err := c.store.UpsertMemoryEntry(e); err != nil {
				c.logger.Warn("evicted entry flush failed", "key", victim, "error", err)
			}
		}
		delete(c.entries, victim)
		delete(c.dirty, victim)
		c.stats.Evictions++
	}
}

func (c *Cache) syncLoop() {
	defer c.wg.Done()
	interval := c.cfg.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.flush()
			if _, err := c.store.DeleteExpiredMemoryEntries(); err != nil {
				c.logger.Warn("expired entry cleanup failed", "error", err)
			}
			c.persistStats()
		}
	}
}

// flush upserts dirty non-expired entries and drops locally expired ones.
func (c *Cache) flush() {
	now := time.Now()
	c.mu.Lock()
	var pending []*store.MemoryEntry
	for key := range c.dirty {
		e, ok := c.entries[key]
		if !ok {
			delete(c.dirty, key)
			continue
		}
		if e.Expired(now) {
			delete(c.entries, key)
			delete(c.dirty, key)
			continue
		}
		pending = append(pending, e)
	}
	c.mu.Unlock()

	for _, e := range pending {
		if err := c.store.UpsertMemoryEntry(e); err != nil {
			c.logger.Warn("cache sync failed", "key", e.Key, "error", err)
			continue
		}
		c.mu.Lock()
		delete(c.dirty, e.Key)
		c.mu.Unlock()
	}
}

func (c *Cache) persistStats() {
	stats := c.Stats()
	for _, rec := range []struct {
		name  string
		value float64
	}{
		{"cache_hits", float64(stats.Hits)},
		{"cache_misses", float64(stats.Misses)},
		{"cache_evictions", float64(stats.Evictions)},
	} {
		if err := c.store.RecordMetric(c.ownerID, rec.name, rec.value, "count"); err != nil {
			c.logger.Warn("cache stats persist failed", "metric", rec.name, "error", err)
		}
	}
}

func matchesFilter(e *store.MemoryEntry, f store.MemoryFilter) bool {
	if len(f.Keys) > 0 && !containsString(f.Keys, e.Key) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.CreatedAfter.IsZero() && e.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && e.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if len(f.Tags) > 0 && !hasAnyTagLocal(e.Tags, f.Tags) {
		return false
	}
	return true
}

func hasTag(tags []string, want string) bool {
	return containsString(tags, want)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func hasAnyTagLocal(have, want []string) bool {
	for _, w := range want {
		if containsString(have, w) {
			return true
		}
	}
	return false
}
