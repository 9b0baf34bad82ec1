package playbook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetAndGet(t *testing.T) {
	c := newCache(time.Minute)

	c.set("playbook", "# Standing instructions")

	content, ok := c.get("playbook")
	assert.True(t, ok)
	assert.Equal(t, "# Standing instructions", content)

	_, ok = c.get("missing")
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newCache(50 * time.Millisecond)

	c.set("playbook", "content")
	_, ok := c.get("playbook")
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	content, ok := c.get("playbook")
	assert.False(t, ok)
	assert.Equal(t, "", content)
}

func TestCache_Invalidate(t *testing.T) {
	c := newCache(time.Minute)

	c.set("playbook", "old")
	c.invalidate("playbook")

	_, ok := c.get("playbook")
	assert.False(t, ok)
}

func TestCache_Overwrite(t *testing.T) {
	c := newCache(time.Minute)

	c.set("playbook", "old")
	c.set("playbook", "new")

	content, ok := c.get("playbook")
	assert.True(t, ok)
	assert.Equal(t, "new", content)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newCache(time.Minute)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.set("shared", "content")
		}()
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.get("shared")
		}()
	}
	wg.Wait()

	content, ok := c.get("shared")
	assert.True(t, ok)
	assert.Equal(t, "content", content)
}
