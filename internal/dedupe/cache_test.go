// ABOUTME: Tests for the dedupe cache
// ABOUTME: Uses a fake clock for TTL behaviour; covers eviction and concurrent CheckAndMark

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestCache_CheckAndMark(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 10, WithClock(clock.Now))
	defer c.Close()

	assert.False(t, c.Check("nonce"))
	assert.False(t, c.CheckAndMark("nonce"), "first use is new")
	assert.True(t, c.CheckAndMark("nonce"), "second use is a replay")
	assert.True(t, c.Check("nonce"))
}

func TestCache_Expiry(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 10, WithClock(clock.Now))
	defer c.Close()

	c.Mark("k")
	clock.Advance(59 * time.Second)
	assert.True(t, c.Check("k"))

	clock.Advance(time.Second)
	assert.False(t, c.Check("k"), "expires exactly at ttl")
	assert.False(t, c.CheckAndMark("k"), "expired key can be marked again")
	assert.True(t, c.Check("k"))
}

func TestCache_MarkRefreshes(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 10, WithClock(clock.Now))
	defer c.Close()

	c.Mark("k")
	clock.Advance(45 * time.Second)
	c.Mark("k")
	clock.Advance(45 * time.Second)
	assert.True(t, c.Check("k"))
}

func TestCache_EvictsOldest(t *testing.T) {
	c := New(time.Hour, 3)
	defer c.Close()

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	c.Mark("a") // a becomes newest
	c.Mark("d") // evicts b

	assert.True(t, c.Check("a"))
	assert.False(t, c.Check("b"))
	assert.True(t, c.Check("c"))
	assert.True(t, c.Check("d"))
	assert.Equal(t, 3, c.Len())
}

func TestCache_Forget(t *testing.T) {
	c := New(time.Hour, 3)
	defer c.Close()

	c.Mark("a")
	c.Forget("a")
	c.Forget("missing")
	assert.False(t, c.Check("a"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 10, WithClock(clock.Now))
	defer c.Close()

	c.Mark("old")
	clock.Advance(30 * time.Second)
	c.Mark("young")
	clock.Advance(31 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("young"))
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c := New(time.Hour, 1000)
	defer c.Close()

	for k := range 10 {
		key := fmt.Sprintf("nonce-%d", k)
		var fresh atomic.Int32
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !c.CheckAndMark(key) {
					fresh.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), fresh.Load(), key)
	}
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 1)
	c.Close()
	c.Close()
}
