package schedcache

import (
	"sync"
	"testing"
	"time"
)

func TestGetOrCreateReturnsExisting(t *testing.T) {
	c := New[string, int](10, 0)
	v, created := c.GetOrCreate("a", func() int { return 1 })
	if !created || v != 1 {
		t.Fatalf("first GetOrCreate = (%d, %v), want (1, true)", v, created)
	}
	v, created = c.GetOrCreate("a", func() int { return 2 })
	if created || v != 1 {
		t.Fatalf("second GetOrCreate = (%d, %v), want (1, false)", v, created)
	}
}

func TestMaxEvictsOldest(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c := New(2, 0, WithOnEvict[string, int](func(k string, _ int) {
		mu.Lock()
		evicted = append(evicted, k)
		mu.Unlock()
	}))

	c.GetOrCreate("a", func() int { return 1 })
	c.GetOrCreate("b", func() int { return 2 })
	c.GetOrCreate("a", func() int { return 0 }) // refresh a, b is now oldest
	c.GetOrCreate("c", func() int { return 3 })

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("refreshed entry should survive eviction of older one")
	}
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	var evicted []string
	c := New(0, time.Minute,
		WithOnEvict[string, int](func(k string, _ int) { evicted = append(evicted, k) }),
		withNow[string, int](clock))

	c.GetOrCreate("a", func() int { return 1 })
	now = now.Add(30 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("entry expired before ttl")
	}

	// Get refreshed the deadline; expiry counts from last access.
	now = now.Add(45 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("entry expired despite access refresh")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("entry should have expired")
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("evicted = %v, want [a]", evicted)
	}
}

func TestDeleteSkipsEvictCallback(t *testing.T) {
	calls := 0
	c := New(10, 0, WithOnEvict[string, int](func(string, int) { calls++ }))
	c.GetOrCreate("a", func() int { return 1 })
	if v, ok := c.Delete("a"); !ok || v != 1 {
		t.Fatalf("Delete = (%d, %v), want (1, true)", v, ok)
	}
	if calls != 0 {
		t.Fatalf("eviction callback ran %d times on explicit Delete", calls)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestRange(t *testing.T) {
	c := New[string, int](10, 0)
	c.GetOrCreate("a", func() int { return 1 })
	c.GetOrCreate("b", func() int { return 2 })
	seen := map[string]int{}
	c.Range(func(k string, v int) { seen[k] = v })
	if len(seen) != 2 || seen["a"] != 1 || seen["b"] != 2 {
		t.Fatalf("Range saw %v", seen)
	}
}
