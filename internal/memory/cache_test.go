package memory

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/avlonitis/ergon/internal/config"
	"github.com/avlonitis/ergon/internal/store"
)

func newTestCache(t *testing.T, maxEntries int) (*Cache, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := New(st, "agent-1", config.CacheConfig{
		MaxEntries:   maxEntries,
		SyncInterval: time.Hour, // sync manually in tests
	}, nil)
	return c, st
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, 10)

	if err := c.Set("listing:1", map[string]any{"make": "Toyota"}, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, found, tier := c.Get("listing:1")
	if !found {
		t.Fatal("expected hit")
	}
	if tier != TierLocal {
		t.Errorf("expected local tier, got %s", tier)
	}
	if string(value) != `{"make":"Toyota"}` {
		t.Errorf("unexpected value: %s", value)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t, 10)

	_, found, tier := c.Get("nope")
	if found || tier != TierMiss {
		t.Errorf("expected miss, got found=%v tier=%s", found, tier)
	}
	if c.Stats().Misses != 1 {
		t.Errorf("expected 1 miss, got %+v", c.Stats())
	}
}

func TestTTLExpiry(t *testing.T) {
	c, _ := newTestCache(t, 10)

	if err := c.Set("short", "v", 50*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, found, _ := c.Get("short"); !found {
		t.Fatal("expected entry to be retrievable immediately")
	}

	time.Sleep(80 * time.Millisecond)
	if _, found, _ := c.Get("short"); found {
		t.Error("expected entry to expire after its ttl")
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, _ := newTestCache(t, 10)

	if err := c.Set("forever", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, found, _ := c.Get("forever"); !found {
		t.Error("ttl=0 entry must not time-expire")
	}
}

func TestLRUEviction(t *testing.T) {
	c, _ := newTestCache(t, 3)

	for i := 0; i < 3; i++ {
		_ = c.Set(fmt.Sprintf("k%d", i), i, 0)
		time.Sleep(2 * time.Millisecond) // distinct lastAccessed
	}
	// Touch k0 so k1 becomes the least recently used.
	_, _, _ = c.Get("k0")
	time.Sleep(2 * time.Millisecond)

	_ = c.Set("k3", 3, 0)

	c.mu.Lock()
	n := len(c.entries)
	_, k1Local := c.entries["k1"]
	_, k0Local := c.entries["k0"]
	c.mu.Unlock()

	if n != 3 {
		t.Errorf("expected 3 local entries, got %d", n)
	}
	if k1Local {
		t.Error("expected k1 to be evicted")
	}
	if !k0Local {
		t.Error("expected recently used k0 to survive")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %+v", c.Stats())
	}
}

func TestEvictedEntrySurvivesInStore(t *testing.T) {
	c, _ := newTestCache(t, 2)

	_ = c.Set("a", 1, 0)
	time.Sleep(2 * time.Millisecond)
	_ = c.Set("b", 2, 0)
	time.Sleep(2 * time.Millisecond)
	_ = c.Set("c", 3, 0) // evicts a

	value, found, tier := c.Get("a")
	if !found {
		t.Fatal("expected evicted entry to be served from the store")
	}
	if tier != TierStore {
		t.Errorf("expected store tier, got %s", tier)
	}
	if string(value) != "1" {
		t.Errorf("unexpected value: %s", value)
	}

	// The store hit pulled it back into the local tier.
	if _, _, tier := c.Get("a"); tier != TierLocal {
		t.Errorf("expected local tier after pull-in, got %s", tier)
	}
}

func TestPersistImmediately(t *testing.T) {
	c, st := newTestCache(t, 10)

	if err := c.Set("critical", "data", 0, TagPersistImmediately); err != nil {
		t.Fatalf("set: %v", err)
	}

	e, err := st.GetMemoryEntry("agent-1", "critical")
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if e == nil {
		t.Fatal("expected write-through entry in store before any sync")
	}
}

func TestSyncFlushesDirtyEntries(t *testing.T) {
	c, st := newTestCache(t, 10)

	_ = c.Set("lazy", "data", 0)
	if e, _ := st.GetMemoryEntry("agent-1", "lazy"); e != nil {
		t.Fatal("entry should not reach the store before sync")
	}

	c.flush()
	e, err := st.GetMemoryEntry("agent-1", "lazy")
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if e == nil {
		t.Fatal("expected entry in store after flush")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c, st := newTestCache(t, 10)

	_ = c.Set("a", 1, 0, TagPersistImmediately)
	_ = c.Set("b", 2, 0, TagPersistImmediately)

	if err := c.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := c.Get("a"); found {
		t.Error("expected a to be gone from both tiers")
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, found, _ := c.Get("b"); found {
		t.Error("expected clear to drop b from both tiers")
	}
	if e, _ := st.GetMemoryEntry("agent-1", "b"); e != nil {
		t.Error("expected clear to reach the store")
	}
}

func TestQueryMergesTiers(t *testing.T) {
	c, _ := newTestCache(t, 10)

	// One entry only in the store, one only local, one in both (local newer).
	_ = c.Set("stored", map[string]string{"v": "old"}, 0, TagPersistImmediately)
	_ = c.Set("both", map[string]string{"v": "old"}, 0, TagPersistImmediately)
	_ = c.Set("both", map[string]string{"v": "new"}, 0)
	_ = c.Set("local", map[string]string{"v": "x"}, 0)

	entries, err := c.Query(store.MemoryFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Key == "both" && string(e.Value) != `{"v":"new"}` {
			t.Errorf("expected local version to win, got %s", e.Value)
		}
	}
}

func TestQueryOffsetLimit(t *testing.T) {
	c, _ := newTestCache(t, 10)

	for i := 0; i < 5; i++ {
		_ = c.Set(fmt.Sprintf("k%d", i), i, 0)
	}

	entries, err := c.Query(store.MemoryFilter{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}

	entries, _ = c.Query(store.MemoryFilter{Offset: 10})
	if len(entries) != 0 {
		t.Errorf("expected 0 entries past the end, got %d", len(entries))
	}
}
