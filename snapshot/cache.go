package snapshot

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hazyhaar/gossnap/store"
	"github.com/hazyhaar/gossnap/wire"
)

// Cache serves encoded snapshots without recomputation. Reference
// timestamps are bucketed by rounding down to a fixed interval, which
// bounds cardinality since clients sync at varying but clustered times;
// serving the bucket floor only ever over-delivers, never under-delivers.
//
// Staleness is measured in store-write generations, not wall-clock time:
// each entry remembers the generation captured before its computation, and
// a lookup rejects the entry as soon as the store has moved past it. A
// served snapshot therefore never reflects a view older than what the
// entry claims.
type Cache struct {
	store  *store.Store
	calc   *Calculator
	lru    *lru.Cache[int64, cacheEntry]
	bucket time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	generation uint64
	data       []byte
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	// MaxEntries bounds the LRU. Default: 64.
	MaxEntries int
	// BucketInterval is the reference-timestamp rounding granularity.
	// Default: 1h.
	BucketInterval time.Duration
}

func (c *CacheConfig) defaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 64
	}
	switch {
	case c.BucketInterval <= 0:
		c.BucketInterval = time.Hour
	case c.BucketInterval < time.Second:
		// bucketOf works in whole seconds; a finer interval would divide
		// by zero.
		c.BucketInterval = time.Second
	}
}

// NewCache creates a Cache in front of calc.
func NewCache(st *store.Store, calc *Calculator, cfg CacheConfig) (*Cache, error) {
	cfg.defaults()
	l, err := lru.New[int64, cacheEntry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{store: st, calc: calc, lru: l, bucket: cfg.BucketInterval}, nil
}

// Serve returns the encoded snapshot for a client synced through reference.
// Repeat requests within the same bucket and store generation are served
// from memory.
func (c *Cache) Serve(ctx context.Context, reference int64) ([]byte, error) {
	key := c.bucketOf(reference)
	gen := c.store.Generation()

	if e, ok := c.lru.Get(key); ok && e.generation == gen {
		c.hits.Add(1)
		return e.data, nil
	}
	c.misses.Add(1)

	// Capture the generation before reading the store: the entry may claim
	// an older view than it got, never a newer one.
	snap, err := c.calc.Compute(ctx, key)
	if err != nil {
		return nil, err
	}
	data := wire.Encode(snap)
	c.lru.Add(key, cacheEntry{generation: gen, data: data})
	return data, nil
}

// Stats reports cache effectiveness for the status endpoint.
func (c *Cache) Stats() (hits, misses uint64, entries int) {
	return c.hits.Load(), c.misses.Load(), c.lru.Len()
}

func (c *Cache) bucketOf(reference int64) int64 {
	if reference <= 0 {
		return 0
	}
	interval := int64(c.bucket / time.Second)
	return reference - reference%interval
}
