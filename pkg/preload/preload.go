// Package preload fetches the input features a block will need at aggregation
// time. With preloading enabled the fetch for a block starts in the background
// as soon as the block is sampled, so it overlaps the sampling of deeper
// layers; Handle.Wait joins it.
package preload

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanonone/tempograph/pkg/core/block"
	"github.com/sanonone/tempograph/pkg/core/types"
	"github.com/sanonone/tempograph/pkg/features"
	"github.com/sanonone/tempograph/pkg/instrument"
)

// Features holds the rows fetched for one block.
type Features struct {
	Layer int
	// Dst is aligned with the block's Misses.
	Dst [][]float32
	// Src is aligned with the block's SrcQueries. Only fetched for the
	// deepest block; shallower blocks take their neighbor inputs from the
	// layer below.
	Src [][]float32
	// Edge is aligned with the block's EdgeIDs; nil when the store has no
	// edge features.
	Edge [][]float32
}

// Handle joins a fetch started by Loader.Start.
type Handle interface {
	Wait() (*Features, error)
}

// Options configures a Loader.
type Options struct {
	// Enabled starts fetches in the background. When unset, Wait performs
	// the fetch on the caller's goroutine.
	Enabled bool
	// Pinned packs all rows of a block into one contiguous slab per kind.
	Pinned bool
}

// Stats counts handled rows. Duplicate rows are node ids already fetched
// for the same block (copied, not re-read); zero rows are fanout slots
// padded by the sampler, for which nothing is fetched.
type Stats struct {
	Loaded    int64
	Duplicate int64
	Zero      int64
}

// Loader is safe for concurrent use.
type Loader struct {
	store features.Store
	opts  Options
	sink  instrument.Sink

	loaded atomic.Int64
	dup    atomic.Int64
	zero   atomic.Int64
}

// New creates a Loader reading from store. A nil sink discards timings.
func New(store features.Store, opts Options, sink instrument.Sink) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("preloader requires a feature store")
	}
	if sink == nil {
		sink = instrument.Noop{}
	}
	return &Loader{store: store, opts: opts, sink: sink}, nil
}

// Stats returns cumulative counters.
func (l *Loader) Stats() Stats {
	return Stats{Loaded: l.loaded.Load(), Duplicate: l.dup.Load(), Zero: l.zero.Load()}
}

// request is a snapshot of what a block needs; the block itself keeps moving
// through its states while the fetch runs.
type request struct {
	layer   int
	dst     []types.TemporalQuery
	src     []types.TemporalQuery
	edges   []int64
	padding int
}

// Start begins fetching features for a sampled block. withSrc requests the
// neighbor node rows, needed only for the deepest block.
func (l *Loader) Start(b *block.Block, withSrc bool) Handle {
	req := request{
		layer: b.Layer,
		dst:   b.MissQueries(),
		edges: b.EdgeIDs,
	}
	if withSrc {
		req.src = b.SrcQueries
	}
	for _, s := range b.Samples {
		req.padding += len(s.Neighbors) - s.NumValid()
	}

	if !l.opts.Enabled {
		return &inline{run: func() (*Features, error) { return l.fetch(req) }}
	}
	h := &async{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.feats, h.err = l.fetch(req)
	}()
	return h
}

type async struct {
	done  chan struct{}
	feats *Features
	err   error
}

func (h *async) Wait() (*Features, error) {
	<-h.done
	return h.feats, h.err
}

type inline struct {
	once  sync.Once
	run   func() (*Features, error)
	feats *Features
	err   error
}

func (h *inline) Wait() (*Features, error) {
	h.once.Do(func() { h.feats, h.err = h.run() })
	return h.feats, h.err
}

func (l *Loader) fetch(req request) (*Features, error) {
	l.sink.StageStarted(instrument.StagePreload, req.layer)
	start := time.Now()
	defer func() { l.sink.StageElapsed(instrument.StagePreload, req.layer, time.Since(start)) }()

	out := &Features{Layer: req.layer}
	var loaded, dup int
	nodeDim := l.store.NodeDim()

	// One read per distinct node id in the block, shared by dst and src rows.
	seen := make(map[int64][]float32)
	nodeRow := func(node int64, dst []float32) ([]float32, error) {
		if row, ok := seen[node]; ok {
			dup++
			return append(dst[:0], row...), nil
		}
		row, err := l.store.NodeFeature(node, dst)
		if err != nil {
			return nil, fmt.Errorf("failed to load features of node %d: %w", node, err)
		}
		seen[node] = row
		loaded++
		return row, nil
	}

	var err error
	out.Dst, err = l.rows(len(req.dst), nodeDim, func(i int, dst []float32) ([]float32, error) {
		return nodeRow(req.dst[i].Node, dst)
	})
	if err != nil {
		return nil, err
	}
	if req.src != nil {
		out.Src, err = l.rows(len(req.src), nodeDim, func(i int, dst []float32) ([]float32, error) {
			return nodeRow(req.src[i].Node, dst)
		})
		if err != nil {
			return nil, err
		}
	}
	if edgeDim := l.store.EdgeDim(); edgeDim > 0 {
		out.Edge, err = l.rows(len(req.edges), edgeDim, func(i int, dst []float32) ([]float32, error) {
			row, err := l.store.EdgeFeature(req.edges[i], dst)
			if err != nil {
				return nil, fmt.Errorf("failed to load features of edge %d: %w", req.edges[i], err)
			}
			loaded++
			return row, nil
		})
		if err != nil {
			return nil, err
		}
	}

	l.loaded.Add(int64(loaded))
	l.dup.Add(int64(dup))
	l.zero.Add(int64(req.padding))
	l.sink.Count(instrument.EventPreloadLoaded, req.layer, loaded)
	l.sink.Count(instrument.EventPreloadDup, req.layer, dup)
	l.sink.Count(instrument.EventPreloadZero, req.layer, req.padding)
	return out, nil
}

// rows fills n rows of width dim. In pinned mode every row is a window of
// one slab, otherwise each row is allocated on its own.
func (l *Loader) rows(n, dim int, get func(i int, dst []float32) ([]float32, error)) ([][]float32, error) {
	out := make([][]float32, n)
	var slab []float32
	if l.opts.Pinned && dim > 0 {
		slab = make([]float32, n*dim)
	}
	for i := range out {
		var dst []float32
		if slab != nil {
			dst = slab[i*dim : (i+1)*dim : (i+1)*dim]
		} else {
			dst = make([]float32, dim)
		}
		row, err := get(i, dst)
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}
