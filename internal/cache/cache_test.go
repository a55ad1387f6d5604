package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutThenGetHits(t *testing.T) {
	require := require.New(t)

	c := New[string]("test", time.Minute)
	c.Put("k", "v", 60*time.Second)

	v, ok := c.Get("k")
	require.True(ok)
	require.Equal("v", v)

	stats := c.Stats()
	require.Equal(uint64(1), stats.HitCount)
	require.Equal(uint64(0), stats.MissCount)
	require.Equal(1, stats.ActiveItems)
}

func TestExpiredEntryMissesAndIsEvicted(t *testing.T) {
	require := require.New(t)

	c := New[int]("test", time.Minute)
	c.Put("k", 1, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	stats := c.Stats()
	require.Equal(1, stats.TotalItems)
	require.Equal(1, stats.ExpiredItems)
	require.Equal(0, stats.ActiveItems)

	_, ok := c.Get("k")
	require.False(ok)

	stats = c.Stats()
	require.Equal(0, stats.TotalItems)
	require.Equal(uint64(1), stats.MissCount)
}

func TestPutOverwrites(t *testing.T) {
	require := require.New(t)

	c := New[string]("test", time.Minute)
	c.Put("k", "old", time.Minute)
	c.Put("k", "new", time.Minute)

	v, ok := c.Get("k")
	require.True(ok)
	require.Equal("new", v)
	require.Equal(1, c.Stats().TotalItems)
}

func TestInvalidateAndClear(t *testing.T) {
	require := require.New(t)

	c := New[string]("test", time.Minute)
	c.Put("a", "1", 0)
	c.Put("b", "2", 0)

	c.Invalidate("a")
	_, ok := c.Get("a")
	require.False(ok)

	_, ok = c.Get("b")
	require.True(ok)

	c.Clear()
	_, ok = c.Get("b")
	require.False(ok)

	stats := c.Stats()
	require.Equal(0, stats.TotalItems)
	require.Equal(uint64(1), stats.HitCount)
	require.Equal(uint64(2), stats.MissCount)
}

func TestPutIfUnchangedSkipsAfterInvalidate(t *testing.T) {
	require := require.New(t)

	c := New[string]("test", time.Minute)

	gen := c.Generation("a")
	c.Invalidate("a")
	require.False(c.PutIfUnchanged("a", "old", 0, gen))
	_, ok := c.Get("a")
	require.False(ok)

	gen = c.Generation("a")
	require.True(c.PutIfUnchanged("a", "fresh", 0, gen))
	v, ok := c.Get("a")
	require.True(ok)
	require.Equal("fresh", v)

	// other keys do not disturb the generation
	gen = c.Generation("a")
	c.Invalidate("b")
	require.True(c.PutIfUnchanged("a", "again", 0, gen))

	gen = c.Generation("b")
	c.Clear()
	require.False(c.PutIfUnchanged("b", "old", 0, gen))
	require.True(c.PutIfUnchanged("b", "new", 0, c.Generation("b")))
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	require := require.New(t)

	c := New[string]("test", time.Minute)
	c.Put("short1", "x", 10*time.Millisecond)
	c.Put("short2", "x", 10*time.Millisecond)
	c.Put("long", "x", time.Minute)
	time.Sleep(30 * time.Millisecond)

	require.Equal(2, c.Cleanup())
	require.Equal(0, c.Cleanup())

	stats := c.Stats()
	require.Equal(1, stats.TotalItems)
	require.Equal(0, stats.ExpiredItems)
	// Cleanup does not touch counters.
	require.Equal(uint64(0), stats.HitCount+stats.MissCount)
}

func TestCountersMatchCalls(t *testing.T) {
	require := require.New(t)

	c := New[int]("test", time.Minute)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprint(i), i, 0)
	}

	hits, misses := 0, 0
	for i := 0; i < 8; i++ {
		if _, ok := c.Get(fmt.Sprint(i)); ok {
			hits++
		} else {
			misses++
		}
	}

	stats := c.Stats()
	require.Equal(uint64(hits), stats.HitCount)
	require.Equal(uint64(misses), stats.MissCount)
	require.Equal(5, hits)
	require.Equal(3, misses)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int]("test", time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", w, i%10)
				c.Put(key, i, time.Minute)
				if _, ok := c.Get(key); !ok {
					t.Errorf("get after put missed for %s", key)
				}
				if i%50 == 0 {
					c.Cleanup()
					c.Stats()
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, uint64(8*200), c.Stats().HitCount)
}

func TestRegistryOrdersByName(t *testing.T) {
	require := require.New(t)

	r := NewRegistry()
	r.Register(New[int](MetricsCache, time.Minute))
	r.Register(New[int](AffiliatesCache, time.Minute))
	r.Register(New[int](HealthCache, time.Minute))

	all := r.All()
	require.Len(all, 3)
	require.Equal(AffiliatesCache, all[0].Name())
	require.Equal(HealthCache, all[1].Name())
	require.Equal(MetricsCache, all[2].Name())

	_, ok := r.Get("missing")
	require.False(ok)
}
