// ABOUTME: Tests for the inbound message dedupe cache
// ABOUTME: Uses an injected clock for expiry; covers eviction, forget, sweep and concurrency

package dedupe

import (
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

func newTestCache(t *testing.T, opts Options) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(opts)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	key := Key("matrix", "$event1")

	assert.False(t, c.Seen(key))
	assert.False(t, c.CheckAndMark(key), "first delivery passes")
	assert.True(t, c.CheckAndMark(key), "redelivery is a duplicate")
	assert.True(t, c.Seen(key))
	assert.False(t, c.CheckAndMark(Key("telegram", "$event1")), "same id on another channel is distinct")
}

func TestExpiry(t *testing.T) {
	c, clock := newTestCache(t, Options{TTL: time.Minute})
	key := Key("matrix", "$e")

	c.CheckAndMark(key)
	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen(key))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Seen(key))
	assert.False(t, c.CheckAndMark(key), "expired key is accepted again")
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	key := Key("matrix", "$e")

	c.CheckAndMark(key)
	c.Forget(key)
	assert.False(t, c.CheckAndMark(key))
	c.Forget("missing")
}

func TestEvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 2})

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	c.CheckAndMark("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
}

func TestSweep(t *testing.T) {
	c, clock := newTestCache(t, Options{TTL: time.Minute})

	c.CheckAndMark("old")
	clock.Advance(30 * time.Second)
	c.CheckAndMark("new")
	clock.Advance(45 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestConcurrentDeliveries(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	var passed atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Go(func() {
			if !c.CheckAndMark(Key("matrix", "$same")) {
				passed.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), passed.Load())
}

func TestCloseTwice(t *testing.T) {
	c := New(Options{})
	c.Close()
	c.Close()
}
