package engine

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
	"github.com/sanonone/tempograph/pkg/cache"
	"github.com/sanonone/tempograph/pkg/core/sampler"
)

// Options configures a Pipeline. Every optimization toggle only changes cost,
// never the produced embeddings (cache time bucketing aside, see
// TimeBucketWindow).
type Options struct {
	// Layers is the number of hops L; the chain has blocks 0..L-1.
	Layers int

	// Fanout is k, the neighbor slots per query at every layer.
	Fanout int

	// Strategy picks the k neighbors: sampler.Recent or sampler.Uniform.
	Strategy sampler.Strategy

	// SamplerThreads shards each layer's queries across workers.
	// Default: number of logical cores.
	SamplerThreads int

	// Seed of the uniform strategy.
	Seed uint64

	DedupEnabled bool

	CacheEnabled  bool
	CacheCapacity int
	CacheShards   int

	// TimeBucketWindow floors query times to multiples of the window in
	// cache keys, so nearby timestamps share an entry. This trades exact
	// results for hit rate; 0 disables it.
	TimeBucketWindow float64

	// PreloadEnabled overlaps feature loading with deeper sampling.
	PreloadEnabled bool
	// PreloadPinned packs each block's features into contiguous slabs.
	PreloadPinned bool

	// IncludeDst carries each layer's own queries into the next layer so
	// every query keeps a self path.
	IncludeDst bool
}

// DefaultOptions returns the configuration used for temporal GNN training.
//
// Defaults:
//   - 2 layers, fanout 20, most recent neighbors
//   - dedup, cache (2,000,000 entries in 16 shards) and preload on
//   - self path through every layer
func DefaultOptions() Options {
	threads := cpuid.CPU.LogicalCores
	if threads <= 0 {
		threads = 1
	}
	return Options{
		Layers:         2,
		Fanout:         20,
		Strategy:       sampler.Recent,
		SamplerThreads: threads,
		DedupEnabled:   true,
		CacheEnabled:   true,
		CacheCapacity:  2_000_000,
		CacheShards:    cache.DefaultShards,
		PreloadEnabled: true,
		IncludeDst:     true,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.Layers <= 0 {
		return fmt.Errorf("layers must be > 0, got %d", o.Layers)
	}
	if o.Fanout <= 0 {
		return fmt.Errorf("fanout must be > 0, got %d", o.Fanout)
	}
	if _, err := sampler.ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	if o.CacheEnabled && o.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be > 0 when the cache is enabled, got %d", o.CacheCapacity)
	}
	if o.TimeBucketWindow < 0 {
		return fmt.Errorf("time bucket window must be >= 0, got %v", o.TimeBucketWindow)
	}
	return nil
}
