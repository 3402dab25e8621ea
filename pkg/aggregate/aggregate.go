// Package aggregate defines the per-layer neighbor aggregation hook and two
// reference implementations used by tests and the benchmark driver.
package aggregate

import (
	"fmt"
	"math"

	"github.com/sanonone/tempograph/pkg/core/types"
	"gonum.org/v1/gonum/blas/gonum"
)

// Input is one layer's work: Dst lists the queries to compute, each with
// Fanout neighbor slots. Slot j of query i lives at index i*Fanout+j of the
// per-slot slices. Padded slots have Mask false and nil rows.
//
// Rows are shared with the pipeline and must not be modified.
type Input struct {
	Layer  int
	Fanout int
	Dst    []types.TemporalQuery

	// DstInputs is the query's own representation from the layer below (or
	// its raw node features at the deepest layer).
	DstInputs [][]float32

	SrcInputs  [][]float32
	EdgeFeats  [][]float32 // nil when the graph has no edge features
	TimeDeltas []float64   // query time minus edge time, always > 0 for real slots
	Mask       []bool
}

// Slot returns the flat index of neighbor slot j of query i.
func (in Input) Slot(i, j int) int { return i*in.Fanout + j }

// Aggregator computes one output row per Dst query. It must be deterministic
// for a given Input and safe for concurrent calls.
type Aggregator interface {
	Aggregate(in Input) ([][]float32, error)
}

// AggregatorFunc adapts a function to Aggregator.
type AggregatorFunc func(in Input) ([][]float32, error)

func (f AggregatorFunc) Aggregate(in Input) ([][]float32, error) { return f(in) }

var blas = gonum.Implementation{}

// TimeDecayMean averages the query's own input with its neighbors, each
// neighbor weighted by 1/(1+Δt). Edge features are added to the neighbor
// message when they have the same width. A query without neighbors returns a
// copy of its own input.
type TimeDecayMean struct{}

func (TimeDecayMean) Aggregate(in Input) ([][]float32, error) {
	out := make([][]float32, len(in.Dst))
	for i := range in.Dst {
		self := in.DstInputs[i]
		h := make([]float32, len(self))
		copy(h, self)
		total := float32(1)
		for j := 0; j < in.Fanout; j++ {
			s := in.Slot(i, j)
			if !in.Mask[s] {
				continue
			}
			src := in.SrcInputs[s]
			if len(src) != len(h) {
				return nil, fmt.Errorf("query %d slot %d: neighbor width %d, self width %d", i, j, len(src), len(h))
			}
			w := float32(1 / (1 + in.TimeDeltas[s]))
			blas.Saxpy(len(h), w, src, 1, h, 1)
			if in.EdgeFeats != nil && len(in.EdgeFeats[s]) == len(h) {
				blas.Saxpy(len(h), w, in.EdgeFeats[s], 1, h, 1)
			}
			total += w
		}
		blas.Sscal(len(h), 1/total, h, 1)
		out[i] = h
	}
	return out, nil
}

// DotAttention mixes the query's input with a softmax over neighbor scores
// dot(self, src)/sqrt(d) - Δt*Decay. With no neighbors the output is the
// query's own input.
type DotAttention struct {
	Decay float64
}

func (a DotAttention) Aggregate(in Input) ([][]float32, error) {
	out := make([][]float32, len(in.Dst))
	scores := make([]float64, in.Fanout)
	for i := range in.Dst {
		self := in.DstInputs[i]
		d := len(self)
		h := make([]float32, d)
		copy(h, self)

		maxScore := math.Inf(-1)
		hasNeighbor := false
		for j := 0; j < in.Fanout; j++ {
			s := in.Slot(i, j)
			scores[j] = math.Inf(-1)
			if !in.Mask[s] {
				continue
			}
			if len(in.SrcInputs[s]) != d {
				return nil, fmt.Errorf("query %d slot %d: neighbor width %d, self width %d", i, j, len(in.SrcInputs[s]), d)
			}
			score := float64(blas.Sdot(d, self, 1, in.SrcInputs[s], 1))
			if d > 0 {
				score /= math.Sqrt(float64(d))
			}
			scores[j] = score - a.Decay*in.TimeDeltas[s]
			maxScore = math.Max(maxScore, scores[j])
			hasNeighbor = true
		}
		if !hasNeighbor {
			out[i] = h
			continue
		}

		var sum float64
		for j := range scores {
			if !math.IsInf(scores[j], -1) {
				scores[j] = math.Exp(scores[j] - maxScore)
				sum += scores[j]
			}
		}
		msg := make([]float32, d)
		for j := range scores {
			s := in.Slot(i, j)
			if !in.Mask[s] {
				continue
			}
			blas.Saxpy(d, float32(scores[j]/sum), in.SrcInputs[s], 1, msg, 1)
		}
		// Residual: half self, half attended neighborhood.
		blas.Sscal(d, 0.5, h, 1)
		blas.Saxpy(d, 0.5, msg, 1, h, 1)
		out[i] = h
	}
	return out, nil
}
