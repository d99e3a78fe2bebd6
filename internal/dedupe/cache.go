// ABOUTME: TTL cache that drops inbound channel messages delivered more than once
// ABOUTME: Keys are (channel, message id); a failed message can be forgotten so a retry goes through

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Options tune the cache.
type Options struct {
	// TTL is how long a key stays marked. Defaults to 10 minutes.
	TTL time.Duration
	// MaxSize bounds the number of keys; the oldest is evicted first.
	// Defaults to 10000.
	MaxSize int
	// CleanupInterval is how often expired keys are swept. Defaults to a
	// minute.
	CleanupInterval time.Duration
}

type cacheEntry struct {
	marked  time.Time
	element *list.Element
}

// Cache remembers recently seen inbound message keys. Channels such as
// Matrix or Telegram redeliver on reconnect; the cache turns those
// redeliveries into no-ops.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// Key builds the cache key for a message received on a channel.
func Key(channel, messageID string) string {
	return channel + "\x00" + messageID
}

// New creates a cache and starts its background sweeper.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(opts.CleanupInterval)
	return c
}

// Seen reports whether key is marked and unexpired, without marking it.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.marked) < c.ttl
}

// CheckAndMark reports whether key was already seen, and marks it if not.
// Check and mark happen under one lock so two deliveries of the same
// message cannot both pass.
func (c *Cache) CheckAndMark(key string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.marked) < c.ttl {
			return true
		}
		entry.marked = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{marked: now, element: c.order.PushBack(key)}
	return false
}

// Forget unmarks key. Call it when processing a message failed so the
// channel's redelivery is accepted.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys currently held, expired ones included
// until the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
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

// sweep drops expired keys. Keys are in mark order, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.marked) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
