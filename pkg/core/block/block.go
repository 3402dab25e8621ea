// Package block models one hop of a temporal computation graph and the
// linear chain of hops built for a batch.
//
// A Block moves through a fixed sequence of stages:
//
//	Created -> Deduped -> CacheChecked -> Sampled -> Preloaded -> Aggregated -> Released
//
// Disabled optimizations still advance the state; they just apply an
// identity result.
package block

import (
	"fmt"

	"github.com/sanonone/tempograph/pkg/core/dedup"
	"github.com/sanonone/tempograph/pkg/core/types"
)

// State is a block's position in its lifecycle.
type State int

const (
	Created State = iota
	Deduped
	CacheChecked
	Sampled
	Preloaded
	Aggregated
	Released
)

var stateNames = [...]string{"created", "deduped", "cache-checked", "sampled", "preloaded", "aggregated", "released"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParentKind tells whether a query was produced as a sampled neighbor of the
// parent block or re-appended as one of the parent's own destinations.
type ParentKind uint8

const (
	FromNeighbor ParentKind = iota
	FromSelf
)

// ParentRef locates the parent-layer slot a query descends from. For
// FromNeighbor, Slot indexes the parent's SrcQueries; for FromSelf it indexes
// the parent's Misses.
type ParentRef struct {
	Kind ParentKind
	Slot int
}

// Block is one hop. DstQueries keeps duplicates; all per-query work happens on
// Dedup.Unique and is scattered back at the end.
type Block struct {
	Layer int
	State State

	DstQueries []types.TemporalQuery
	Parents    []ParentRef // empty for the head

	Dedup dedup.Result

	// Hits maps unique index -> memoized embedding. Misses lists the unique
	// indices that still need computing, ascending.
	Hits   map[int][]float32
	Misses []int

	// Samples is aligned with Misses.
	Samples []types.SampleResult

	// Flattened real neighbors of the misses. SrcOwner is the position in
	// Misses, SrcSlot the fanout slot.
	SrcQueries []types.TemporalQuery
	EdgeIDs    []int64
	EdgeTimes  []float64
	SrcOwner   []int
	SrcSlot    []int
}

// Advance moves the block to the next state; skipping or repeating a state
// is an error.
func (b *Block) Advance(to State) error {
	if to != b.State+1 {
		return fmt.Errorf("%w: layer %d %s -> %s", types.ErrInvalidTransition, b.Layer, b.State, to)
	}
	b.State = to
	return nil
}

// ApplyDedup records the dedup result for DstQueries.
func (b *Block) ApplyDedup(res dedup.Result) error {
	if err := res.Check(len(b.DstQueries)); err != nil {
		return fmt.Errorf("layer %d: %w", b.Layer, err)
	}
	if err := b.Advance(Deduped); err != nil {
		return err
	}
	b.Dedup = res
	return nil
}

// ApplyCache records which unique queries were served from the cache.
func (b *Block) ApplyCache(hits map[int][]float32, misses []int) error {
	if len(hits)+len(misses) != len(b.Dedup.Unique) {
		return fmt.Errorf("%w: layer %d: %d hits + %d misses for %d unique queries",
			types.ErrDedupInconsistency, b.Layer, len(hits), len(misses), len(b.Dedup.Unique))
	}
	if err := b.Advance(CacheChecked); err != nil {
		return err
	}
	b.Hits = hits
	b.Misses = misses
	return nil
}

// MissQueries returns the unique queries that must be sampled and computed.
func (b *Block) MissQueries() []types.TemporalQuery {
	out := make([]types.TemporalQuery, len(b.Misses))
	for i, u := range b.Misses {
		out[i] = b.Dedup.Unique[u]
	}
	return out
}

// ApplySamples stores one sample per miss and flattens the real neighbors.
func (b *Block) ApplySamples(samples []types.SampleResult) error {
	if len(samples) != len(b.Misses) {
		return fmt.Errorf("layer %d: %d samples for %d misses", b.Layer, len(samples), len(b.Misses))
	}
	if err := b.Advance(Sampled); err != nil {
		return err
	}
	b.Samples = samples
	for owner, s := range samples {
		for slot, nb := range s.Neighbors {
			if !nb.Valid() {
				continue
			}
			b.SrcQueries = append(b.SrcQueries, nb.Query())
			b.EdgeIDs = append(b.EdgeIDs, nb.EdgeID)
			b.EdgeTimes = append(b.EdgeTimes, nb.Time)
			b.SrcOwner = append(b.SrcOwner, owner)
			b.SrcSlot = append(b.SrcSlot, slot)
		}
	}
	return b.Validate()
}

// Validate checks the alignment invariants of the sampled arrays.
func (b *Block) Validate() error {
	n := len(b.SrcQueries)
	if len(b.EdgeIDs) != n || len(b.EdgeTimes) != n || len(b.SrcOwner) != n || len(b.SrcSlot) != n {
		return fmt.Errorf("layer %d: misaligned source arrays (src=%d eid=%d ets=%d)",
			b.Layer, n, len(b.EdgeIDs), len(b.EdgeTimes))
	}
	if b.Layer > 0 && len(b.Parents) != len(b.DstQueries) {
		return fmt.Errorf("layer %d: %d parent refs for %d queries", b.Layer, len(b.Parents), len(b.DstQueries))
	}
	return nil
}

// NumDst is the number of (non-deduplicated) destination queries.
func (b *Block) NumDst() int { return len(b.DstQueries) }

// Release drops the block's payload once its embeddings were consumed.
func (b *Block) Release() error {
	if err := b.Advance(Released); err != nil {
		return err
	}
	b.Hits = nil
	b.Samples = nil
	b.SrcQueries, b.EdgeIDs, b.EdgeTimes, b.SrcOwner, b.SrcSlot = nil, nil, nil, nil, nil
	return nil
}
