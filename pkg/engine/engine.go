// Package engine runs the temporal block pipeline: for each batch it builds a
// chain of blocks (head at layer 0, deeper hops after it), then aggregates
// from the deepest block back to the head.
//
// Basic usage:
//
//	idx := adjacency.New(adjacency.Options{})
//	// ... idx.AddEdge(src, dst, id, t) for the history ...
//	p, err := engine.New(engine.DefaultOptions(), engine.Deps{
//	    Adjacency:   idx,
//	    Features:    store,
//	    Aggregators: []aggregate.Aggregator{aggregate.TimeDecayMean{}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	emb, err := p.Embed(batch)
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sanonone/tempograph/pkg/aggregate"
	"github.com/sanonone/tempograph/pkg/cache"
	"github.com/sanonone/tempograph/pkg/core/adjacency"
	"github.com/sanonone/tempograph/pkg/core/block"
	"github.com/sanonone/tempograph/pkg/core/dedup"
	"github.com/sanonone/tempograph/pkg/core/sampler"
	"github.com/sanonone/tempograph/pkg/core/types"
	"github.com/sanonone/tempograph/pkg/features"
	"github.com/sanonone/tempograph/pkg/instrument"
	"github.com/sanonone/tempograph/pkg/preload"
)

// Deps are the collaborators a Pipeline reads from.
type Deps struct {
	Adjacency adjacency.Reader
	Features  features.Store

	// Aggregators holds one aggregator per block layer (index 0 produces the
	// head embeddings). A single aggregator is used for every layer.
	Aggregators []aggregate.Aggregator

	// Sink receives stage timings and counters. Optional.
	Sink instrument.Sink
}

// Pipeline is safe for concurrent use: batches share only the sampler's
// read-only index and the embedding cache.
type Pipeline struct {
	opts    Options
	sampler *sampler.Sampler
	dedup   dedup.Deduplicator
	cache   cache.EmbeddingCache
	loader  *preload.Loader
	aggs    []aggregate.Aggregator
	sink    instrument.Sink

	// epoch counts purges. A batch only caches rows while the epoch it
	// started in is current; mu orders those inserts against a purge.
	mu    sync.RWMutex
	epoch atomic.Uint64
}

// New validates opts and wires the pipeline stages. Disabled optimizations
// are replaced by identity stages so the control flow never changes.
func New(opts Options, deps Deps) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Features == nil {
		return nil, fmt.Errorf("pipeline requires a feature store")
	}

	aggs := deps.Aggregators
	switch len(aggs) {
	case opts.Layers:
	case 1:
		aggs = slices.Repeat(aggs, opts.Layers)
	default:
		return nil, fmt.Errorf("got %d aggregators for %d layers", len(aggs), opts.Layers)
	}
	for i, a := range aggs {
		if a == nil {
			return nil, fmt.Errorf("aggregator for layer %d is nil", i)
		}
	}

	sink := deps.Sink
	if sink == nil {
		sink = instrument.Noop{}
	}

	smp, err := sampler.New(deps.Adjacency, sampler.Options{
		Fanout:   opts.Fanout,
		Strategy: opts.Strategy,
		Threads:  opts.SamplerThreads,
		Seed:     opts.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sampler: %w", err)
	}

	ec := cache.Disabled()
	if opts.CacheEnabled {
		sc, err := cache.NewSharded(cache.Options{
			Capacity:   opts.CacheCapacity,
			Shards:     opts.CacheShards,
			TimeWindow: opts.TimeBucketWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		ec = sc
	}

	loader, err := preload.New(deps.Features, preload.Options{
		Enabled: opts.PreloadEnabled,
		Pinned:  opts.PreloadPinned,
	}, sink)
	if err != nil {
		return nil, err
	}

	slog.Info("block pipeline ready",
		"layers", opts.Layers,
		"fanout", opts.Fanout,
		"strategy", opts.Strategy,
		"threads", opts.SamplerThreads,
		"dedup", opts.DedupEnabled,
		"cache", opts.CacheEnabled,
		"preload", opts.PreloadEnabled)

	return &Pipeline{
		opts:    opts,
		sampler: smp,
		dedup:   dedup.New(opts.DedupEnabled),
		cache:   ec,
		loader:  loader,
		aggs:    aggs,
		sink:    sink,
	}, nil
}

// Options returns the configuration the pipeline was built with.
func (p *Pipeline) Options() Options { return p.opts }

// Embed computes head embeddings for every role of the batch.
func (p *Pipeline) Embed(b types.Batch) (*types.Embeddings, error) {
	id := uuid.NewString()
	start := time.Now()

	chain, loads, err := p.BuildChain(b)
	if err == nil {
		var emb *types.Embeddings
		emb, err = p.Aggregate(b, chain, loads)
		if err == nil {
			p.sink.Count(instrument.EventBatchCompleted, instrument.AllLayers, 1)
			slog.Debug("batch embedded", "batch", id, "edges", b.Size(), "elapsed", time.Since(start))
			return emb, nil
		}
	}
	p.sink.Count(instrument.EventBatchFailed, instrument.AllLayers, 1)
	slog.Warn("batch failed", "batch", id, "edges", b.Size(), "error", err)
	return nil, err
}

// BuildChain builds and samples every layer of the batch and starts the
// feature fetch of each block. loads[l] belongs to chain.At(l).
//
// Cache hits are decided here, per layer: a hit is neither sampled nor
// carried into the next layer.
func (p *Pipeline) BuildChain(b types.Batch) (*block.Chain, []preload.Handle, error) {
	stop := instrument.Time(p.sink, instrument.StageBlock, instrument.AllLayers)
	defer stop()

	head, err := block.NewHead(b)
	if err != nil {
		return nil, nil, err
	}
	chain := block.NewChain(head)
	chain.Epoch = p.epoch.Load()
	loads := make([]preload.Handle, 0, p.opts.Layers)

	cur := head
	for l := 0; l < p.opts.Layers; l++ {
		if l > 0 {
			endExpand := instrument.Time(p.sink, instrument.StageExpand, l)
			cur, err = block.Expand(cur, p.opts.IncludeDst)
			endExpand()
			if err != nil {
				return nil, nil, err
			}
			if err := chain.Append(cur); err != nil {
				return nil, nil, err
			}
		}
		if err := p.prepare(cur); err != nil {
			return nil, nil, err
		}
		loads = append(loads, p.loader.Start(cur, l == p.opts.Layers-1))
	}
	return chain, loads, nil
}

// prepare runs dedup, the cache check and sampling on one block.
func (p *Pipeline) prepare(blk *block.Block) error {
	l := blk.Layer

	endDedup := instrument.Time(p.sink, instrument.StageDedup, l)
	res, err := p.dedup.Dedup(blk.DstQueries)
	if err == nil {
		err = blk.ApplyDedup(res)
	}
	endDedup()
	if err != nil {
		return err
	}

	endCache := instrument.Time(p.sink, instrument.StageCache, l)
	hits, misses := p.cache.Partition(blk.Dedup.Unique, l)
	err = blk.ApplyCache(hits, misses)
	endCache()
	if err != nil {
		return err
	}
	p.sink.Count(instrument.EventCacheHit, l, len(hits))
	p.sink.Count(instrument.EventCacheMiss, l, len(misses))

	endSample := instrument.Time(p.sink, instrument.StageSample, l)
	samples, err := p.sampler.Sample(blk.MissQueries(), l)
	if err == nil {
		err = blk.ApplySamples(samples)
	}
	endSample()
	if err != nil {
		return fmt.Errorf("layer %d: %w", l, err)
	}

	sentinels := 0
	for _, s := range samples {
		sentinels += len(s.Neighbors) - s.NumValid()
	}
	p.sink.Count(instrument.EventSentinel, l, sentinels)

	slog.Debug("block prepared",
		"layer", l,
		"queries", blk.NumDst(),
		"unique", len(blk.Dedup.Unique),
		"hits", len(hits),
		"neighbors", len(blk.SrcQueries))
	return nil
}

// Aggregate walks the chain from the deepest block to the head and returns
// the head embeddings split into batch roles. Every block is released on the
// way. On error nothing is returned and no further layer is computed.
func (p *Pipeline) Aggregate(b types.Batch, chain *block.Chain, loads []preload.Handle) (*types.Embeddings, error) {
	if len(loads) != chain.Len() {
		return nil, fmt.Errorf("%d feature loads for %d blocks", len(loads), chain.Len())
	}
	stop := instrument.Time(p.sink, instrument.StageAggregate, instrument.AllLayers)
	defer stop()

	// below holds the scattered outputs of the block one layer deeper,
	// aligned with that block's DstQueries.
	var below [][]float32
	tail := chain.Len() - 1
	for l := tail; l >= 0; l-- {
		blk := chain.At(l)

		feats, err := loads[l].Wait()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		if err := blk.Advance(block.Preloaded); err != nil {
			return nil, err
		}

		out, err := p.aggregateBlock(blk, feats, below, l == tail, chain.Epoch)
		if err != nil {
			return nil, err
		}
		if err := blk.Advance(block.Aggregated); err != nil {
			return nil, err
		}
		if next, ok := chain.Next(l); ok {
			if err := next.Release(); err != nil {
				return nil, err
			}
		}
		below = out
	}

	head := chain.Head()
	// Scattered rows alias each other for repeated queries; hand out copies.
	rows := make([][]float32, len(below))
	for i, r := range below {
		rows[i] = slices.Clone(r)
	}
	if err := head.Release(); err != nil {
		return nil, err
	}
	return b.Split(rows)
}

// aggregateBlock computes the cache misses of one block, stores them in the
// cache and returns the block's rows in DstQueries order.
func (p *Pipeline) aggregateBlock(blk *block.Block, feats *preload.Features, below [][]float32, tail bool, epoch uint64) ([][]float32, error) {
	l := blk.Layer
	unique := blk.Dedup.Unique

	rows := make([][]float32, len(unique))
	for u, emb := range blk.Hits {
		rows[u] = emb
	}

	if len(blk.Misses) > 0 {
		in, err := p.buildInput(blk, feats, below, tail)
		if err != nil {
			return nil, err
		}

		endAgg := instrument.Time(p.sink, instrument.StageAggregate, l)
		computed, err := p.aggs[l].Aggregate(in)
		endAgg()
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %w", types.ErrAggregatorFailure, l, err)
		}
		if len(computed) != len(blk.Misses) {
			return nil, fmt.Errorf("%w: layer %d: %d rows for %d queries",
				types.ErrAggregatorFailure, l, len(computed), len(blk.Misses))
		}

		for m, u := range blk.Misses {
			if computed[m] == nil {
				return nil, fmt.Errorf("%w: layer %d: no row for %s", types.ErrAggregatorFailure, l, unique[u])
			}
			rows[u] = computed[m]
		}
		p.insert(blk, computed, epoch)
	} else {
		slog.Debug("layer fully cached", "layer", l, "unique", len(unique))
	}
	return dedup.Scatter(rows, blk.Dedup.Scatter)
}

// insert caches the computed rows of a block unless the cache was purged
// since the batch started, in which case they may come from old draws or
// old parameters.
func (p *Pipeline) insert(blk *block.Block, computed [][]float32, epoch uint64) {
	if !p.opts.CacheEnabled {
		return
	}
	l := blk.Layer
	unique := blk.Dedup.Unique

	p.mu.RLock()
	if p.epoch.Load() != epoch {
		p.mu.RUnlock()
		p.sink.Count(instrument.EventCacheDiscard, l, len(blk.Misses))
		slog.Debug("cache purged during batch, rows not cached", "layer", l, "rows", len(blk.Misses))
		return
	}
	evicted := 0
	for m, u := range blk.Misses {
		if p.cache.Insert(unique[u], l, computed[m]) {
			evicted++
		}
	}
	p.mu.RUnlock()

	if evicted > 0 {
		p.sink.Count(instrument.EventCacheEviction, l, evicted)
		slog.Debug("cache evicted entries", "layer", l, "evicted", evicted)
	}
	if n := p.cache.Len(); n > p.opts.CacheCapacity {
		p.sink.Count(instrument.EventCacheOverflow, l, 1)
		slog.Error("embedding cache above capacity",
			"layer", l,
			"error", fmt.Errorf("%w: %d entries, capacity %d", types.ErrCacheCapacityExceeded, n, p.opts.CacheCapacity))
	}
}

// buildInput lays out the aggregator input for the block's misses.
func (p *Pipeline) buildInput(blk *block.Block, feats *preload.Features, below [][]float32, tail bool) (aggregate.Input, error) {
	k := p.opts.Fanout
	n := len(blk.Misses)
	in := aggregate.Input{
		Layer:      blk.Layer,
		Fanout:     k,
		Dst:        blk.MissQueries(),
		DstInputs:  make([][]float32, n),
		SrcInputs:  make([][]float32, n*k),
		TimeDeltas: make([]float64, n*k),
		Mask:       make([]bool, n*k),
	}
	if feats.Edge != nil {
		in.EdgeFeats = make([][]float32, n*k)
	}

	nsrc := len(blk.SrcQueries)
	if !tail {
		want := nsrc
		if p.opts.IncludeDst {
			want += n
		}
		if len(below) != want {
			return in, fmt.Errorf("%w: layer %d: %d rows from the layer below, want %d",
				types.ErrDedupInconsistency, blk.Layer, len(below), want)
		}
	} else if len(feats.Src) != nsrc {
		return in, fmt.Errorf("layer %d: %d neighbor feature rows for %d neighbors", blk.Layer, len(feats.Src), nsrc)
	}

	for m := range in.Dst {
		if tail || !p.opts.IncludeDst {
			in.DstInputs[m] = feats.Dst[m]
		} else {
			in.DstInputs[m] = below[nsrc+m]
		}
	}
	for j := 0; j < nsrc; j++ {
		s := blk.SrcOwner[j]*k + blk.SrcSlot[j]
		if tail {
			in.SrcInputs[s] = feats.Src[j]
		} else {
			in.SrcInputs[s] = below[j]
		}
		if in.EdgeFeats != nil {
			in.EdgeFeats[s] = feats.Edge[j]
		}
		in.TimeDeltas[s] = in.Dst[blk.SrcOwner[j]].Time - blk.EdgeTimes[j]
		in.Mask[s] = true
	}
	return in, nil
}

// PurgeCache drops every memoized embedding. Call it whenever the
// aggregators' parameters change, or cached rows go stale.
//
// Batches running during the purge still return their embeddings, but rows
// they compute are not cached.
func (p *Pipeline) PurgeCache() {
	p.mu.Lock()
	n := p.purgeLocked()
	p.mu.Unlock()
	if n > 0 {
		p.sink.Count(instrument.EventCacheEviction, instrument.AllLayers, n)
	}
	slog.Info("embedding cache purged", "entries", n)
}

func (p *Pipeline) purgeLocked() int {
	n := p.cache.Len()
	p.cache.Purge()
	p.epoch.Add(1)
	return n
}

// Reseed changes the uniform sampling seed and purges the cache, whose
// entries were computed from the previous draws.
func (p *Pipeline) Reseed(seed uint64) {
	p.mu.Lock()
	p.sampler.Reseed(seed)
	n := p.purgeLocked()
	p.mu.Unlock()
	if n > 0 {
		p.sink.Count(instrument.EventCacheEviction, instrument.AllLayers, n)
	}
	slog.Info("sampler reseeded, embedding cache purged", "seed", seed, "entries", n)
}

// CacheLen is the number of memoized embeddings.
func (p *Pipeline) CacheLen() int { return p.cache.Len() }

// CacheStats returns cache counters, or false when the cache is disabled.
func (p *Pipeline) CacheStats() (cache.Stats, bool) {
	sc, ok := p.cache.(*cache.Sharded)
	if !ok {
		return cache.Stats{}, false
	}
	return sc.Stats(), true
}

// PreloadStats returns the preloader's counters.
func (p *Pipeline) PreloadStats() preload.Stats { return p.loader.Stats() }

// IsInputError reports whether err was caused by the batch itself rather
// than by the pipeline or its collaborators.
func IsInputError(err error) bool {
	return errors.Is(err, types.ErrInvalidQuery)
}
