// Package adjacency provides the temporal adjacency index the sampler reads.
//
// Every node owns a B-Tree of its incident edges ordered by (time, edge id).
// "Edges strictly before t" is then a descending scan from a pivot that sorts
// below every edge stamped t, and the i-th oldest edge is an indexed lookup,
// which keeps uniform sampling at O(k log d) instead of O(d).
package adjacency

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sanonone/tempograph/pkg/core/types"
	"github.com/tidwall/btree"
)

// Reader is the read side consumed by the sampler. Implementations must be
// safe for concurrent use and must only surface edges strictly earlier than t;
// the sampler double-checks and treats anything else as corruption.
type Reader interface {
	// Before visits the edges of node with time < t, most recent first
	// (ties: higher edge id first), until visit returns false.
	Before(node int64, t float64, visit func(types.Neighbor) bool) error
	// CountBefore is the number of edges Before would visit.
	CountBefore(node int64, t float64) (int, error)
	// EdgeAt returns the i-th oldest edge of node.
	EdgeAt(node int64, i int) (types.Neighbor, error)
}

// edgeItem is one adjacency entry as seen from its owning node.
type edgeItem struct {
	Time  float64
	ID    int64
	Other int64
}

// edgeItemLess orders by time, then edge id.
func edgeItemLess(a, b edgeItem) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	return a.ID < b.ID
}

func (e edgeItem) neighbor() types.Neighbor {
	return types.Neighbor{Node: e.Other, EdgeID: e.ID, Time: e.Time}
}

// Options controls how edges are indexed.
type Options struct {
	// Directed indexes an edge only under its source. The default indexes it
	// under both endpoints, which is what temporal link prediction expects.
	Directed bool
}

// Index is an in-memory temporal adjacency index.
type Index struct {
	mu       sync.RWMutex
	opts     Options
	trees    map[int64]*btree.BTreeG[edgeItem]
	numEdges int
}

// New returns an empty index.
func New(opts Options) *Index {
	return &Index{
		opts:  opts,
		trees: make(map[int64]*btree.BTreeG[edgeItem]),
	}
}

// AddEdge indexes edge id between src and dst at time t.
func (x *Index) AddEdge(src, dst, id int64, t float64) error {
	if src < 0 || dst < 0 || id < 0 {
		return fmt.Errorf("invalid edge %d (%d -> %d)", id, src, dst)
	}
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("invalid timestamp %v for edge %d", t, id)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.treeFor(src).Set(edgeItem{Time: t, ID: id, Other: dst})
	if !x.opts.Directed && src != dst {
		x.treeFor(dst).Set(edgeItem{Time: t, ID: id, Other: src})
	}
	x.numEdges++
	return nil
}

// treeFor must be called with the write lock held.
func (x *Index) treeFor(node int64) *btree.BTreeG[edgeItem] {
	tree, ok := x.trees[node]
	if !ok {
		// Locking is done at the index level.
		tree = btree.NewBTreeGOptions(edgeItemLess, btree.Options{NoLocks: true})
		x.trees[node] = tree
	}
	return tree
}

// NumEdges is the number of AddEdge calls that succeeded.
func (x *Index) NumEdges() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.numEdges
}

// Degree is the total number of edges indexed under node.
func (x *Index) Degree(node int64) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if tree, ok := x.trees[node]; ok {
		return tree.Len()
	}
	return 0
}

// Before implements Reader.
func (x *Index) Before(node int64, t float64, visit func(types.Neighbor) bool) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	tree, ok := x.trees[node]
	if !ok {
		return nil
	}
	// Every edge stamped exactly t has ID > MinInt64 and sorts above the pivot.
	pivot := edgeItem{Time: t, ID: math.MinInt64}
	tree.Descend(pivot, func(item edgeItem) bool {
		if item.Time >= t {
			return true
		}
		return visit(item.neighbor())
	})
	return nil
}

// CountBefore implements Reader. It binary searches on positional lookups.
func (x *Index) CountBefore(node int64, t float64) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	tree, ok := x.trees[node]
	if !ok {
		return 0, nil
	}
	return sort.Search(tree.Len(), func(i int) bool {
		item, _ := tree.GetAt(i)
		return item.Time >= t
	}), nil
}

// EdgeAt implements Reader.
func (x *Index) EdgeAt(node int64, i int) (types.Neighbor, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	tree, ok := x.trees[node]
	if !ok {
		return types.NoEdge, fmt.Errorf("node %d has no edges", node)
	}
	item, ok := tree.GetAt(i)
	if !ok {
		return types.NoEdge, fmt.Errorf("edge position %d out of range for node %d (degree %d)", i, node, tree.Len())
	}
	return item.neighbor(), nil
}
