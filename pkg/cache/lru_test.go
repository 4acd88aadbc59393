package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUGetSet(t *testing.T) {
	c := NewLRU[bool](10, time.Minute)
	c.Set("alice|view-table|fixtures/dogs", true)

	v, ok := c.Get("alice|view-table|fixtures/dogs")
	assert.True(t, ok)
	assert.True(t, v)

	_, ok = c.Get("bob|view-table|fixtures/dogs")
	assert.False(t, ok)

	c.Set("alice|view-table|fixtures/dogs", false)
	v, _ = c.Get("alice|view-table|fixtures/dogs")
	assert.False(t, v)
	assert.Equal(t, 1, c.Size())
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU[string](10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k", "v")

	now = now.Add(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Size(), "expired entries are dropped on read")
}

func TestLRUEviction(t *testing.T) {
	c := NewLRU[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // b is now least recently used
	c.Set("c", 3)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestLRUInvalidate(t *testing.T) {
	c := NewLRU[int](10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size())

	c.InvalidateAll()
	assert.Zero(t, c.Size())
	c.Set("a", 1)
	assert.Equal(t, 1, c.Size())
}

func TestLRUDefaults(t *testing.T) {
	c := NewLRU[int](0, 0)
	assert.Equal(t, 1, c.maxSize)
	assert.Equal(t, 60*time.Second, c.ttl)
}

func TestLRUConcurrent(t *testing.T) {
	c := NewLRU[int](50, time.Minute)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				key := fmt.Sprintf("k%d", (i*200+j)%80)
				c.Set(key, j)
				c.Get(key)
				if j%50 == 0 {
					c.Invalidate(key)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), 50)
}
