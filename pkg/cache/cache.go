// Package cache memoizes layer embeddings keyed by (node, time bucket, layer)
// so a query seen in an earlier batch skips sampling and deeper expansion.
//
// Eviction policy: the cache is split into shards selected by a hash of the
// node id. Each shard is an LRU with a fixed share of the total capacity (the
// shares sum exactly to the configured capacity) and evicts its own least
// recently used entry when full. Lookups count as use. A hot shard can evict
// while others still have room; the total never exceeds the capacity.
package cache

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sanonone/tempograph/pkg/core/types"
)

// DefaultShards is used when Options.Shards is not set.
const DefaultShards = 16

// Key identifies a memoized embedding.
type Key struct {
	Node   int64
	Bucket float64
	Layer  int
}

// Bucket floors t to the window. A window <= 0 leaves t unchanged.
func Bucket(t, window float64) float64 {
	if window <= 0 {
		return t
	}
	return math.Floor(t/window) * window
}

// EmbeddingCache is the cache stage of the pipeline. Implementations are safe
// for concurrent use; lookups for one batch may overlap inserts of another.
type EmbeddingCache interface {
	// Partition splits unique queries into hits (index -> embedding copy)
	// and misses (indices in ascending order).
	Partition(unique []types.TemporalQuery, layer int) (hits map[int][]float32, misses []int)
	// Insert stores a copy of emb and reports whether an older entry was
	// evicted to make room.
	Insert(q types.TemporalQuery, layer int, emb []float32) (evicted bool)
	Len() int
	Purge()
	Enabled() bool
}

// Options configures NewSharded.
type Options struct {
	Capacity   int
	Shards     int
	TimeWindow float64
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// Sharded is the LRU implementation of EmbeddingCache.
type Sharded struct {
	shards []*lru.Cache[Key, []float32]
	window float64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewSharded creates a cache holding at most opts.Capacity entries.
func NewSharded(opts Options) (*Sharded, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be > 0, got %d", opts.Capacity)
	}
	numShards := opts.Shards
	if numShards <= 0 {
		numShards = DefaultShards
	}
	if numShards > opts.Capacity {
		numShards = opts.Capacity
	}

	c := &Sharded{
		shards: make([]*lru.Cache[Key, []float32], numShards),
		window: opts.TimeWindow,
	}
	base, rem := opts.Capacity/numShards, opts.Capacity%numShards
	for i := range c.shards {
		size := base
		if i < rem {
			size++
		}
		shard, err := lru.NewWithEvict[Key, []float32](size, c.onEvict)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache shard %d: %w", i, err)
		}
		c.shards[i] = shard
	}
	return c, nil
}

func (c *Sharded) onEvict(Key, []float32) {
	c.evictions.Add(1)
}

func (c *Sharded) key(q types.TemporalQuery, layer int) Key {
	return Key{Node: q.Node, Bucket: Bucket(q.Time, c.window), Layer: layer}
}

func (c *Sharded) shardFor(node int64) *lru.Cache[Key, []float32] {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(node))
	return c.shards[xxhash.Sum64(buf[:])%uint64(len(c.shards))]
}

// Partition implements EmbeddingCache.
func (c *Sharded) Partition(unique []types.TemporalQuery, layer int) (map[int][]float32, []int) {
	hits := make(map[int][]float32)
	misses := make([]int, 0, len(unique))
	for i, q := range unique {
		if emb, ok := c.shardFor(q.Node).Get(c.key(q, layer)); ok {
			hits[i] = slices.Clone(emb)
			continue
		}
		misses = append(misses, i)
	}
	c.hits.Add(int64(len(hits)))
	c.misses.Add(int64(len(misses)))
	return hits, misses
}

// Insert implements EmbeddingCache.
func (c *Sharded) Insert(q types.TemporalQuery, layer int, emb []float32) bool {
	return c.shardFor(q.Node).Add(c.key(q, layer), slices.Clone(emb))
}

// Len implements EmbeddingCache.
func (c *Sharded) Len() int {
	n := 0
	for _, shard := range c.shards {
		n += shard.Len()
	}
	return n
}

// Purge drops every entry, e.g. after the aggregator's parameters changed.
// Purged entries are counted as evictions.
func (c *Sharded) Purge() {
	for _, shard := range c.shards {
		shard.Purge()
	}
}

// Enabled implements EmbeddingCache.
func (c *Sharded) Enabled() bool { return true }

// Stats returns cumulative counters and the current entry count.
func (c *Sharded) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

// Disabled returns the pass-through cache: every query misses, inserts are dropped.
func Disabled() EmbeddingCache { return disabled{} }

type disabled struct{}

func (disabled) Partition(unique []types.TemporalQuery, _ int) (map[int][]float32, []int) {
	misses := make([]int, len(unique))
	for i := range misses {
		misses[i] = i
	}
	return map[int][]float32{}, misses
}

func (disabled) Insert(types.TemporalQuery, int, []float32) bool { return false }
func (disabled) Len() int                                      { return 0 }
func (disabled) Purge()                                        {}
func (disabled) Enabled() bool                                 { return false }
