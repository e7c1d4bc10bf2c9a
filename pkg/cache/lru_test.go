package cache_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/cache"
)

func TestNewLRUCache_RejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { cache.NewLRUCache[string, int](0) })
	assert.Panics(t, func() { cache.NewLRUCache[string, int](-1) })
}

func TestLRUCache_GetOrAdd(t *testing.T) {
	t.Parallel()

	c := cache.NewLRUCache[string, int](4)

	v, existed := c.GetOrAdd("user-1", func() int { return 1 })
	assert.False(t, existed)
	assert.Equal(t, 1, v)

	v, existed = c.GetOrAdd("user-1", func() int {
		t.Error("create must not run for a cached key")
		return 2
	})
	assert.True(t, existed)
	assert.Equal(t, 1, v)

	got, ok := c.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = c.Get("user-2")
	assert.False(t, ok)
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		touch   func(c *cache.LRUCache[string, string])
		evicted string
	}{
		{
			name:    "oldest goes first",
			touch:   func(*cache.LRUCache[string, string]) {},
			evicted: "a",
		},
		{
			name:    "get refreshes recency",
			touch:   func(c *cache.LRUCache[string, string]) { c.Get("a") },
			evicted: "b",
		},
		{
			name:    "peek does not refresh recency",
			touch:   func(c *cache.LRUCache[string, string]) { c.Peek("a") },
			evicted: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var evicted []string
			c := cache.NewLRUCache[string, string](2)
			c.SetEvictCallback(func(key, _ string) { evicted = append(evicted, key) })

			c.GetOrAdd("a", func() string { return "A" })
			c.GetOrAdd("b", func() string { return "B" })
			tt.touch(c)
			c.GetOrAdd("c", func() string { return "C" })

			assert.Equal(t, []string{tt.evicted}, evicted)
			assert.Equal(t, 2, c.Len())
			_, ok := c.Peek(tt.evicted)
			assert.False(t, ok)
		})
	}
}

func TestLRUCache_ClearReleasesEveryEntry(t *testing.T) {
	t.Parallel()

	released := map[string]int{}
	c := cache.NewLRUCache[string, int](8)
	c.SetEvictCallback(func(key string, v int) { released[key] = v })

	for i := range 3 {
		c.GetOrAdd(fmt.Sprintf("user-%d", i), func() int { return i })
	}
	c.Clear()

	assert.Equal(t, map[string]int{"user-0": 0, "user-1": 1, "user-2": 2}, released)
	assert.Equal(t, 0, c.Len())

	// Usable after Clear.
	v, existed := c.GetOrAdd("user-0", func() int { return 10 })
	assert.False(t, existed)
	assert.Equal(t, 10, v)
}

func TestLRUCache_ConcurrentGetOrAddCreatesOnce(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	c := cache.NewLRUCache[string, *int](16)

	var wg sync.WaitGroup
	values := make([]*int, 32)
	for i := range values {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values[i], _ = c.GetOrAdd("shared", func() *int {
				created.Add(1)
				return new(int)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, v := range values {
		assert.Same(t, values[0], v)
	}
}

func TestLRUCache_Range(t *testing.T) {
	t.Parallel()

	c := cache.NewLRUCache[string, int](3)
	for i, key := range []string{"a", "b", "c"} {
		c.GetOrAdd(key, func() int { return i })
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "most recent first", limit: 10, want: []string{"c", "b", "a"}},
		{name: "stops when fn returns false", limit: 2, want: []string{"c", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var seen []string
			c.Range(func(key string, _ int) bool {
				seen = append(seen, key)
				return len(seen) < tt.limit
			})
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestLRUCache_RangeKeepsRecency(t *testing.T) {
	t.Parallel()

	c := cache.NewLRUCache[string, int](2)
	c.GetOrAdd("a", func() int { return 1 })
	c.GetOrAdd("b", func() int { return 2 })

	c.Range(func(string, int) bool { return true })
	c.GetOrAdd("c", func() int { return 3 })

	_, ok := c.Peek("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}
