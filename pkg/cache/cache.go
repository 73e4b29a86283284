package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echolabs/echo-dispatch/pkg/clock"
	"github.com/echolabs/echo-dispatch/pkg/models"
)

const shardCount = 16

// Store is an in-memory, TTL-based response cache keyed by request
// fingerprint. It is sharded so concurrent requests on different keys do not
// contend on one lock. Eviction is strictly TTL-based: a sweep removes only
// expired entries, never live ones.
type Store struct {
	shards     [shardCount]shard
	maxEntries int
	clk        clock.Clock

	size   atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// New creates a Store that sweeps expired entries once it holds more than
// maxEntries.
func New(maxEntries int, clk clock.Clock) *Store {
	s := &Store{maxEntries: maxEntries, clk: clk}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]entry)
	}
	return s
}

// Get returns the cached value for key. An expired entry is removed and
// reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok && s.clk.Now().After(e.expiresAt) {
		delete(sh.entries, key)
		s.size.Add(-1)
		ok = false
	}
	sh.mu.Unlock()

	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return e.value, true
}

// Put stores value under key for ttl. When the total entry count exceeds the
// cap, expired entries are swept to bound memory.
func (s *Store) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	if _, exists := sh.entries[key]; !exists {
		s.size.Add(1)
	}
	sh.entries[key] = entry{value: value, expiresAt: s.clk.Now().Add(ttl)}
	sh.mu.Unlock()

	if int(s.size.Load()) > s.maxEntries {
		s.sweep()
	}
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	return int(s.size.Load())
}

// Stats returns cache performance metrics.
func (s *Store) Stats() models.CacheStats {
	return models.CacheStats{
		Entries: s.Len(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
}

// sweep removes expired entries from every shard. Live entries are never
// touched regardless of recency.
func (s *Store) sweep() {
	now := s.clk.Now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if now.After(e.expiresAt) {
				delete(sh.entries, key)
				s.size.Add(-1)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
