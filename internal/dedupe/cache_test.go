// ABOUTME: Tests for the replay window used to reject repeated challenges.
// ABOUTME: Validates TTL expiration, size limits, eviction, sweeping and concurrency safety.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_FirstThenRepeat(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("acme", "challenge-1"), "first sighting is fresh")
	assert.True(t, cache.Seen("acme", "challenge-1"), "second sighting is a replay")
	assert.False(t, cache.Seen("globex", "challenge-1"), "parts are scoped")
}

func TestCache_PartsAreNotConcatenated(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("ab", "c"))
	assert.False(t, cache.Seen("a", "bc"))
}

func TestCache_Contains(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Contains("k"))
	cache.Seen("k")
	assert.True(t, cache.Contains("k"))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("expiring"))
	assert.True(t, cache.Contains("expiring"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Contains("expiring"))
	assert.False(t, cache.Seen("expiring"), "an expired digest counts as fresh again")
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Seen("first")
	cache.Seen("second")
	cache.Seen("third")
	cache.Seen("fourth")

	assert.False(t, cache.Contains("first"), "first should be evicted")
	assert.True(t, cache.Contains("second"))
	assert.True(t, cache.Contains("fourth"))
	assert.Equal(t, uint64(1), cache.Evicted())

	cache.Seen("fifth")
	assert.False(t, cache.Contains("second"), "second should be evicted")
	assert.Equal(t, 3, cache.Len())
}

func TestCache_RemoveExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Seen("a")
	cache.Seen("b")
	time.Sleep(20 * time.Millisecond)
	cache.Seen("c")

	cache.removeExpired()

	assert.Equal(t, 1, cache.Len(), "only the live digest remains")
	assert.True(t, cache.Contains("c"))
}

func TestCache_Seen_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100
	var fresh atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for range numGoroutines {
		go func() {
			defer wg.Done()
			if !cache.Seen("contested") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one caller wins")
}

func TestCache_Defaults(t *testing.T) {
	cache := New(time.Minute, 0)
	defer cache.Close()
	assert.Equal(t, DefaultMaxSize, cache.maxSize)

	assert.Equal(t, time.Second, sweepInterval(100*time.Millisecond))
	assert.Equal(t, 30*time.Second, sweepInterval(time.Minute))
	assert.Equal(t, time.Minute, sweepInterval(time.Hour))
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Close()
	cache.Close()
}
