package middleware

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_BurstTraffic(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)

	allowed, limited := 0, 0
	for i := 0; i < 20; i++ {
		if rl.Allow("alice") {
			allowed++
		} else {
			limited++
		}
	}
	assert.Equal(t, 10, allowed)
	assert.Equal(t, 10, limited)
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("bob"), "call %d", i+1)
	}
	assert.False(t, rl.Allow("bob"))

	now = now.Add(30 * time.Second)
	assert.False(t, rl.Allow("bob"), "earlier calls still inside the window")

	now = now.Add(31 * time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("bob"), "call %d after the window", i+1)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	assert.True(t, rl.Allow("bob"))
	assert.True(t, rl.Allow("bob"))
	assert.False(t, rl.Allow("bob"))
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(50, time.Minute)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if rl.Allow("shared") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestRateLimiter_SweepsIdleKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, time.Second)
	rl.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		rl.Allow(fmt.Sprintf("user-%d", i))
	}
	assert.Equal(t, 100, rl.Keys())

	now = now.Add(2 * time.Second)
	rl.Allow("late")
	assert.Equal(t, 1, rl.Keys())
}

func TestRateLimiter_NonPositiveLimitDeniesAll(t *testing.T) {
	for _, limit := range []int{0, -1} {
		rl := NewRateLimiter(limit, time.Second)
		assert.False(t, rl.Allow("alice"), "limit %d", limit)
		assert.Equal(t, 0, rl.Keys())
	}
}
