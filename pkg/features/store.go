// Package features is the read side of node and edge feature storage used by
// the preloader. Stores are read-only for the duration of a batch and must be
// safe for concurrent readers.
package features

import (
	"fmt"
	"math"
	"sync"

	"github.com/sanonone/tempograph/pkg/storage/mmap"
)

// Store returns raw input features. Ids without a stored row yield zeros.
// A dimension of 0 means the graph carries no features of that kind and the
// lookup returns nil.
type Store interface {
	NodeDim() int
	EdgeDim() int
	NodeFeature(node int64, dst []float32) ([]float32, error)
	EdgeFeature(edge int64, dst []float32) ([]float32, error)
}

// MemoryStore keeps dense rows on the heap.
type MemoryStore struct {
	mu      sync.RWMutex
	nodeDim int
	edgeDim int
	nodes   map[int64][]float32
	edges   map[int64][]float32
}

// NewMemoryStore creates an empty store with the given row widths.
func NewMemoryStore(nodeDim, edgeDim int) *MemoryStore {
	return &MemoryStore{
		nodeDim: nodeDim,
		edgeDim: edgeDim,
		nodes:   make(map[int64][]float32),
		edges:   make(map[int64][]float32),
	}
}

func (s *MemoryStore) NodeDim() int { return s.nodeDim }
func (s *MemoryStore) EdgeDim() int { return s.edgeDim }

// SetNode stores a node row.
func (s *MemoryStore) SetNode(node int64, row []float32) error {
	return s.set(s.nodes, s.nodeDim, node, row)
}

// SetEdge stores an edge row.
func (s *MemoryStore) SetEdge(edge int64, row []float32) error {
	return s.set(s.edges, s.edgeDim, edge, row)
}

func (s *MemoryStore) set(rows map[int64][]float32, dim int, id int64, row []float32) error {
	if len(row) != dim {
		return fmt.Errorf("row %d has %d values, want %d", id, len(row), dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows[id] = append([]float32(nil), row...)
	return nil
}

func (s *MemoryStore) NodeFeature(node int64, dst []float32) ([]float32, error) {
	return s.get(s.nodes, s.nodeDim, node, dst)
}

func (s *MemoryStore) EdgeFeature(edge int64, dst []float32) ([]float32, error) {
	return s.get(s.edges, s.edgeDim, edge, dst)
}

func (s *MemoryStore) get(rows map[int64][]float32, dim int, id int64, dst []float32) ([]float32, error) {
	if dim == 0 {
		return nil, nil
	}
	if cap(dst) < dim {
		dst = make([]float32, dim)
	}
	dst = dst[:dim]

	s.mu.RLock()
	row, ok := rows[id]
	s.mu.RUnlock()
	if !ok {
		clear(dst)
		return dst, nil
	}
	copy(dst, row)
	return dst, nil
}

// ArenaStore serves features from memory-mapped arenas, for feature tables
// larger than the heap budget.
type ArenaStore struct {
	nodes *mmap.FeatureArena
	edges *mmap.FeatureArena // nil when edgeDim == 0
}

// ArenaOptions configures OpenArenaStore.
type ArenaOptions struct {
	Dir     string
	NodeDim int
	EdgeDim int
	// Half stores rows as float16, halving the mapped footprint.
	Half bool
}

// OpenArenaStore opens or creates node_NNNN.bin / edge_NNNN.bin chunks in Dir.
func OpenArenaStore(opts ArenaOptions) (*ArenaStore, error) {
	prec := mmap.PrecFloat32
	if opts.Half {
		prec = mmap.PrecFloat16
	}
	nodes, err := mmap.NewFeatureArena(opts.Dir, "node", opts.NodeDim, prec)
	if err != nil {
		return nil, fmt.Errorf("failed to open node arena: %w", err)
	}
	s := &ArenaStore{nodes: nodes}
	if opts.EdgeDim > 0 {
		s.edges, err = mmap.NewFeatureArena(opts.Dir, "edge", opts.EdgeDim, prec)
		if err != nil {
			nodes.Close()
			return nil, fmt.Errorf("failed to open edge arena: %w", err)
		}
	}
	return s, nil
}

func (s *ArenaStore) NodeDim() int { return s.nodes.Dim() }

func (s *ArenaStore) EdgeDim() int {
	if s.edges == nil {
		return 0
	}
	return s.edges.Dim()
}

// SetNode writes a node row.
func (s *ArenaStore) SetNode(node int64, row []float32) error {
	id, err := arenaID(node)
	if err != nil {
		return err
	}
	return s.nodes.Put(id, row)
}

// SetEdge writes an edge row.
func (s *ArenaStore) SetEdge(edge int64, row []float32) error {
	if s.edges == nil {
		return fmt.Errorf("store has no edge features")
	}
	id, err := arenaID(edge)
	if err != nil {
		return err
	}
	return s.edges.Put(id, row)
}

func (s *ArenaStore) NodeFeature(node int64, dst []float32) ([]float32, error) {
	id, err := arenaID(node)
	if err != nil {
		return nil, err
	}
	return s.nodes.Get(id, dst)
}

func (s *ArenaStore) EdgeFeature(edge int64, dst []float32) ([]float32, error) {
	if s.edges == nil {
		return nil, nil
	}
	id, err := arenaID(edge)
	if err != nil {
		return nil, err
	}
	return s.edges.Get(id, dst)
}

// Close unmaps both arenas.
func (s *ArenaStore) Close() error {
	err := s.nodes.Close()
	if s.edges != nil {
		if eerr := s.edges.Close(); err == nil {
			err = eerr
		}
	}
	return err
}

func arenaID(id int64) (uint32, error) {
	if id < 0 || id > math.MaxUint32 {
		return 0, fmt.Errorf("id %d outside arena range", id)
	}
	return uint32(id), nil
}
