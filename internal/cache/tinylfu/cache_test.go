package tinylfu_test

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"tg-forwarder/internal/cache/tinylfu"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDelete(t *testing.T) {
	t.Parallel()

	c := tinylfu.New[string, int](tinylfu.Options{MaxSize: 10})
	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 10)
	v, _ = c.Get("a")
	assert.Equal(t, 10, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	c := tinylfu.New[string, string](tinylfu.Options{MaxSize: 8, TTL: 15 * time.Second})
	c.SetClock(func() time.Time { return now })

	c.Set("k", "v")
	now = now.Add(14 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestBoundedSize(t *testing.T) {
	t.Parallel()

	c := tinylfu.New[int, int](tinylfu.Options{MaxSize: 100})
	for i := range 1000 {
		c.Set(i, i)
	}
	assert.LessOrEqual(t, c.Len(), 100)
}

func TestFrequentKeysSurviveScan(t *testing.T) {
	t.Parallel()

	c := tinylfu.New[string, int](tinylfu.Options{MaxSize: 50, WindowRatio: 0.1})
	hot := make([]string, 20)
	for i := range hot {
		hot[i] = "hot-" + strconv.Itoa(i)
		c.Set(hot[i], i)
	}
	// Разогреваем частоты горячих ключей.
	for range 10 {
		for _, k := range hot {
			c.Get(k)
		}
	}
	// Однократный проход по холодным ключам не должен вытеснить горячие.
	for i := range 500 {
		c.Set("cold-"+strconv.Itoa(i), i)
	}

	survivors := 0
	for _, k := range hot {
		if _, ok := c.Get(k); ok {
			survivors++
		}
	}
	assert.GreaterOrEqual(t, survivors, 15)
}

func TestExpiredVictimReplaced(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	c := tinylfu.New[string, int](tinylfu.Options{MaxSize: 4, WindowRatio: 0.25, TTL: time.Minute})
	c.SetClock(func() time.Time { return now })

	for i := range 4 {
		k := "old-" + strconv.Itoa(i)
		c.Set(k, i)
		for range 5 {
			c.Get(k)
		}
	}
	now = now.Add(2 * time.Minute)
	c.Set("fresh-1", 1)
	c.Set("fresh-2", 2)

	_, ok := c.Get("fresh-1")
	assert.True(t, ok, "expired main victim must give way to a cold candidate")
}

func TestDeleteFunc(t *testing.T) {
	t.Parallel()

	c := tinylfu.New[string, int](tinylfu.Options{MaxSize: 16})
	c.Set("source:1", 1)
	c.Set("source:2", 2)
	c.Set("target:1", 3)

	n := c.DeleteFunc(func(k string) bool { return k[:6] == "source" })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := tinylfu.New[int, int](tinylfu.Options{MaxSize: 64})
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Go(func() {
			for i := range 1000 {
				c.Set(i%100, g)
				c.Get(i % 50)
			}
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
