// Package types defines the value types shared by every stage of the block
// construction pipeline: temporal queries, sampled neighbors and batches.
package types

import (
	"fmt"
	"math"
)

// TemporalQuery asks for the embedding of a node as of a point in time.
// Two queries are the same query iff both fields are equal, so the struct
// is used directly as a map key.
type TemporalQuery struct {
	Node int64
	Time float64
}

func (q TemporalQuery) String() string {
	return fmt.Sprintf("(%d@%g)", q.Node, q.Time)
}

// Validate rejects negative node ids and negative, NaN or infinite times.
func (q TemporalQuery) Validate() error {
	if q.Node < 0 {
		return fmt.Errorf("%w: negative node id %d", ErrInvalidQuery, q.Node)
	}
	if math.IsNaN(q.Time) || math.IsInf(q.Time, 0) || q.Time < 0 {
		return fmt.Errorf("%w: bad timestamp %v for node %d", ErrInvalidQuery, q.Time, q.Node)
	}
	return nil
}

// Neighbor is one sampled temporal edge endpoint.
type Neighbor struct {
	Node   int64
	EdgeID int64
	Time   float64
}

// NoEdge marks an empty slot in a fixed-fanout sample.
var NoEdge = Neighbor{Node: -1, EdgeID: -1, Time: 0}

// Valid reports whether n is a real neighbor rather than padding.
func (n Neighbor) Valid() bool { return n.EdgeID >= 0 }

// Query returns the temporal query that embeds the neighbor at its edge time.
func (n Neighbor) Query() TemporalQuery {
	return TemporalQuery{Node: n.Node, Time: n.Time}
}

// SampleResult holds exactly fanout slots for one query. Real neighbors come
// first; trailing slots are NoEdge.
type SampleResult struct {
	Query     TemporalQuery
	Neighbors []Neighbor
}

// NumValid counts the non-padding slots.
func (r SampleResult) NumValid() int {
	n := 0
	for _, nb := range r.Neighbors {
		if nb.Valid() {
			n++
		}
	}
	return n
}
