// ABOUTME: Thread-safe TTL window of challenge digests for replay rejection.
// ABOUTME: The authenticator marks every accepted challenge and rejects repeats inside the window.

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"sync"
	"time"
)

// DefaultMaxSize bounds the window when no size is configured.
const DefaultMaxSize = 100_000

type digest [sha256.Size]byte

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers digests of recently seen values for ttl. Only digests are
// stored so challenge ciphertexts never linger in memory. When full, the oldest
// digest is evicted.
type Cache struct {
	mu      sync.Mutex
	seen    map[digest]*entry
	order   *list.List // digests, oldest at front
	ttl     time.Duration
	maxSize int
	evicted uint64
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[digest]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

// sweepInterval is half the ttl, kept between one second and one minute.
func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, time.Second), time.Minute)
}

func digestOf(parts []string) digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	var d digest
	copy(d[:], h.Sum(nil))
	return d
}

// Seen atomically reports whether the value made of parts was already seen
// within the window and marks it if not. Only the first caller gets false.
func (c *Cache) Seen(parts ...string) bool {
	d := digestOf(parts)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[d]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		c.order.Remove(e.element)
		delete(c.seen, d)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[d] = &entry{seenAt: now, element: c.order.PushBack(d)}
	return false
}

// Contains reports whether parts were seen within the window without marking.
func (c *Cache) Contains(parts ...string) bool {
	d := digestOf(parts)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[d]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Len returns the number of digests held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Evicted returns how many live digests were dropped because the cache was full.
// A growing value means the window is too small for the request rate.
func (c *Cache) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// evictOldest drops the front of the order list. Caller holds mu.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	d, _ := front.Value.(digest)
	c.order.Remove(front)
	delete(c.seen, d)
	c.evicted++
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired walks from the oldest digest and stops at the first live one.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		d, _ := front.Value.(digest)
		if now.Sub(c.seen[d].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, d)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
