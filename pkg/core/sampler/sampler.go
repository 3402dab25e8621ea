// Package sampler retrieves a fixed fanout of strictly-earlier temporal
// neighbors for each query of a layer.
//
// Queries are split into contiguous shards, one per worker. Shards share no
// state: each query writes only its own result slot and, for the uniform
// strategy, draws from its own random stream derived from the sampler seed and
// the query itself. Results therefore do not depend on the worker count or on
// which batch a query appears in.
package sampler

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/sanonone/tempograph/pkg/core/adjacency"
	"github.com/sanonone/tempograph/pkg/core/types"
	"golang.org/x/sync/errgroup"
)

// Strategy selects which earlier edges fill the fanout.
type Strategy string

const (
	// Recent keeps the k most recent edges (ties: higher edge id first).
	Recent Strategy = "recent"
	// Uniform draws k edges uniformly without replacement.
	Uniform Strategy = "uniform"
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Recent, Uniform:
		return Strategy(s), nil
	case "":
		return Recent, nil
	default:
		return "", fmt.Errorf("unknown sampling strategy '%s'", s)
	}
}

// Options configures a Sampler.
type Options struct {
	Fanout   int
	Strategy Strategy
	Threads  int
	Seed     uint64
}

// Sampler is safe for concurrent use.
type Sampler struct {
	idx  adjacency.Reader
	opts Options
	seed atomic.Uint64
}

// New validates opts and returns a Sampler reading from idx.
func New(idx adjacency.Reader, opts Options) (*Sampler, error) {
	if idx == nil {
		return nil, fmt.Errorf("sampler requires an adjacency index")
	}
	if opts.Fanout <= 0 {
		return nil, fmt.Errorf("fanout must be > 0, got %d", opts.Fanout)
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy
	if opts.Threads <= 0 {
		opts.Threads = 1
	}

	s := &Sampler{idx: idx, opts: opts}
	s.seed.Store(opts.Seed)
	return s, nil
}

// Fanout returns k.
func (s *Sampler) Fanout() int { return s.opts.Fanout }

// Reseed changes the uniform strategy's seed for subsequent calls, e.g. at
// the start of an epoch. Memoized embeddings computed under the old seed
// should be purged by the caller.
func (s *Sampler) Reseed(seed uint64) { s.seed.Store(seed) }

// Sample returns one result per query, in query order. layer only feeds the
// uniform random stream. The first error from any shard is returned and the
// partial results are discarded.
func (s *Sampler) Sample(queries []types.TemporalQuery, layer int) ([]types.SampleResult, error) {
	out := make([]types.SampleResult, len(queries))
	if len(queries) == 0 {
		return out, nil
	}

	numWorkers := s.opts.Threads
	if len(queries) < numWorkers {
		numWorkers = len(queries)
	}
	shardSize := len(queries) / numWorkers
	seed := s.seed.Load()

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		start := w * shardSize
		end := start + shardSize
		if w == numWorkers-1 {
			end = len(queries)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				res, err := s.sampleOne(queries[i], layer, seed)
				if err != nil {
					return err
				}
				out[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sampler) sampleOne(q types.TemporalQuery, layer int, seed uint64) (types.SampleResult, error) {
	k := s.opts.Fanout
	res := types.SampleResult{Query: q, Neighbors: make([]types.Neighbor, k)}
	for i := range res.Neighbors {
		res.Neighbors[i] = types.NoEdge
	}

	if s.opts.Strategy == Uniform {
		count, err := s.idx.CountBefore(q.Node, q.Time)
		if err != nil {
			return res, fmt.Errorf("%w: count for %v: %w", types.ErrSamplingFailure, q, err)
		}
		if count > k {
			return res, s.fillUniform(&res, count, layer, seed)
		}
	}
	return res, s.fillRecent(&res)
}

// fillRecent also serves uniform sampling when at most k edges exist.
func (s *Sampler) fillRecent(res *types.SampleResult) error {
	q := res.Query
	n := 0
	var violation error
	err := s.idx.Before(q.Node, q.Time, func(nb types.Neighbor) bool {
		if nb.Time >= q.Time {
			violation = &types.CausalityError{Query: q, Edge: nb}
			return false
		}
		res.Neighbors[n] = nb
		n++
		return n < len(res.Neighbors)
	})
	if err != nil {
		return fmt.Errorf("%w: neighbors of %v: %w", types.ErrSamplingFailure, q, err)
	}
	return violation
}

// fillUniform picks k of the count earliest positions with Floyd's algorithm
// and orders the picks most recent first.
func (s *Sampler) fillUniform(res *types.SampleResult, count, layer int, seed uint64) error {
	q := res.Query
	k := len(res.Neighbors)
	rng := rand.New(rand.NewPCG(seed, streamKey(q, layer)))

	chosen := make(map[int]struct{}, k)
	for j := count - k; j < count; j++ {
		r := rng.IntN(j + 1)
		if _, dup := chosen[r]; dup {
			r = j
		}
		chosen[r] = struct{}{}
	}
	positions := make([]int, 0, k)
	for p := range chosen {
		positions = append(positions, p)
	}
	slices.Sort(positions)
	slices.Reverse(positions)

	for i, p := range positions {
		nb, err := s.idx.EdgeAt(q.Node, p)
		if err != nil {
			return fmt.Errorf("%w: edge %d of %v: %w", types.ErrSamplingFailure, p, q, err)
		}
		if nb.Time >= q.Time {
			return &types.CausalityError{Query: q, Edge: nb}
		}
		res.Neighbors[i] = nb
	}
	return nil
}

// streamKey hashes the query identity and layer into a PCG stream selector.
func streamKey(q types.TemporalQuery, layer int) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(q.Node))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(q.Time))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(layer))
	return xxhash.Sum64(buf[:])
}
