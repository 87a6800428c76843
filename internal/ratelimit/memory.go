package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// memoryBudget caps the bucket cache at 64 MiB.
const memoryBudget = 64 << 20

var bucketCost = int64(unsafe.Sizeof(bucket{})) + 64

type bucket struct {
	mu        sync.Mutex
	tokens    float64
	last      time.Time
	refreshed time.Time
}

// MemoryStore keeps buckets in process memory. Counters are per instance,
// so N replicas admit up to N times the configured rate.
//
// Buckets sit in a ristretto cache that evicts idle keys after their TTL.
// Each bucket has its own mutex; requests for different keys never contend.
type MemoryStore struct {
	cache  *ristretto.Cache[string, *bucket]
	create singleflight.Group
	clock  clockwork.Clock
	ttl    time.Duration
	closed atomic.Bool
}

// NewMemoryStore returns a store whose buckets are evicted after idleTTL
// without traffic, or after a full refill period if that is longer.
func NewMemoryStore(idleTTL time.Duration, clock clockwork.Clock) (*MemoryStore, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	maxItems := memoryBudget / bucketCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: maxItems * 10,
		MaxCost:     memoryBudget,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: cache, clock: clock, ttl: idleTTL}, nil
}

// Take refills and takes from the bucket for key under that bucket's lock.
func (s *MemoryStore) Take(_ context.Context, key string, limit Limit) (Decision, error) {
	if s.closed.Load() {
		return Decision{}, ErrStoreClosed
	}
	ttl := max(s.ttl, 2*limit.refillTime())

	b := s.lookup(key, limit, ttl)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.clock.Now()
	tokens, d := refill(b.tokens, now.Sub(b.last), limit)
	b.tokens = tokens
	b.last = now

	// Keep busy buckets from expiring mid-use: an expired bucket comes back
	// full, which would hand out an unearned burst.
	if now.Sub(b.refreshed) > ttl/2 {
		b.refreshed = now
		s.cache.SetWithTTL(key, b, bucketCost, ttl)
	}
	return d, nil
}

// lookup returns the bucket for key, creating a full one on first use.
// Concurrent first requests for the same key share one bucket.
func (s *MemoryStore) lookup(key string, limit Limit, ttl time.Duration) *bucket {
	if b, ok := s.cache.Get(key); ok {
		return b
	}
	v, _, _ := s.create.Do(key, func() (any, error) {
		if b, ok := s.cache.Get(key); ok {
			return b, nil
		}
		now := s.clock.Now()
		b := &bucket{tokens: float64(limit.Burst), last: now, refreshed: now}
		s.cache.SetWithTTL(key, b, bucketCost, ttl)
		// Make the new bucket visible to the next Get.
		s.cache.Wait()
		return b, nil
	})
	return v.(*bucket)
}

// Close releases the cache. Safe to call more than once.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.Close()
	return nil
}
