// ABOUTME: Thread-safe TTL cache of recently seen keys
// ABOUTME: Backs single-use auth nonces and recently fanned-out record ids

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	expires time.Time
}

// Cache is a size-bounded set of keys that forget themselves after a TTL.
// Insertion order is kept in a list so eviction of the oldest key is O(1).
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache whose keys live for ttl, holding at most maxSize keys.
// A background goroutine sweeps expired keys until Close is called.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Check reports whether key is present and unexpired.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark reports whether key was already present; if not, it is marked.
// The check and mark happen under one lock, so exactly one of several
// concurrent callers with the same key sees false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key, refreshing its expiry if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) liveLocked(key string) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Before(el.Value.(*entry).expires)
}

func (c *Cache) markLocked(key string) {
	expires := c.now().Add(c.ttl)

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).expires = expires
		c.order.MoveToBack(el)
		return
	}

	for len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, expires: expires})
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Marks move keys to the back, so expiry is
// monotonic along the list and the sweep stops at the first live key.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; {
		if now.Before(el.Value.(*entry).expires) {
			return
		}
		next := el.Next()
		c.removeLocked(el)
		el = next
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
