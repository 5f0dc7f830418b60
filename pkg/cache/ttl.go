package cache

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ErrInvalidCapacity is returned when a cache is constructed with a capacity
// lower than one.
var ErrInvalidCapacity = errors.New("cache: capacity must be at least 1")

// Option configures a TTL cache at construction time.
type Option func(*options)

type options struct {
	now        func() time.Time
	defaultTTL time.Duration
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDefaultTTL sets the TTL applied by Set. Zero or negative disables expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
	Capacity    int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return !now.Before(e.expiresAt)
}

// TTL is a size-bounded LRU cache whose entries may carry an expiry time.
// Recency and eviction come from golang-lru's simplelru; expiry is only
// evaluated on Get and there is no background sweep. All methods are safe for
// concurrent use.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time

	lru   *simplelru.LRU[K, entry[V]]
	stats Stats
}

// New constructs a TTL cache holding at most capacity entries.
func New[K comparable, V any](capacity int, opts ...Option) (*TTL[K, V], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	cfg := options{now: time.Now}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	lru, err := simplelru.NewLRU[K, entry[V]](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &TTL[K, V]{
		capacity:   capacity,
		defaultTTL: cfg.defaultTTL,
		now:        cfg.now,
		lru:        lru,
	}, nil
}

// MustNew is like New but panics on an invalid capacity.
func MustNew[K comparable, V any](capacity int, opts ...Option) *TTL[K, V] {
	c, err := New[K, V](capacity, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the value stored under key. An expired entry counts as a miss
// and is removed.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	ent, ok := c.lru.Peek(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if ent.expired(c.now()) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	c.lru.Get(key)
	c.stats.Hits++
	return ent.value, true
}

// Set stores value using the default TTL configured on the cache.
func (c *TTL[K, V]) Set(key K, value V) {
	c.Put(key, value, c.defaultTTL)
}

// Put stores value under key with the given ttl. A ttl of zero or less means
// the entry never expires. Writing an existing key refreshes its value, its
// expiry and its recency. When the insert pushes the cache over capacity the
// least recently used entry is evicted.
func (c *TTL[K, V]) Put(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	if c.lru.Add(key, entry[V]{value: value, expiresAt: expiresAt}) {
		c.stats.Evictions++
	}
}

// Invalidate removes key and reports whether it was present.
func (c *TTL[K, V]) Invalidate(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// InvalidateFunc removes every entry whose key matches fn and returns how many
// were dropped.
func (c *TTL[K, V]) InvalidateFunc(fn func(K) bool) int {
	if fn == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if fn(key) && c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

// Clear drops all entries. Counters are preserved.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Contains reports whether key is present without touching recency or
// evaluating expiry.
func (c *TTL[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Keys returns the cached keys ordered from most to least recently used.
func (c *TTL[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.lru.Keys()
	slices.Reverse(keys)
	return keys
}

// Len reports the number of retained entries, including ones that have
// expired but were not looked up yet.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the configured maximum size.
func (c *TTL[K, V]) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the cache counters.
func (c *TTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.lru.Len()
	s.Capacity = c.capacity
	return s
}
