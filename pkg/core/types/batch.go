package types

import "fmt"

// Batch is a slice of training edges. Src, Dst and Times are aligned; Neg is
// either empty or aligned with them and holds one negative destination per edge.
type Batch struct {
	Src   []int64
	Dst   []int64
	Neg   []int64
	Times []float64
}

// Size is the number of edges in the batch.
func (b Batch) Size() int { return len(b.Times) }

// HasNeg reports whether negative destinations are present.
func (b Batch) HasNeg() bool { return len(b.Neg) > 0 }

// Validate checks role lengths and every node id and timestamp.
func (b Batch) Validate() error {
	n := len(b.Times)
	if len(b.Src) != n || len(b.Dst) != n {
		return fmt.Errorf("%w: src=%d dst=%d times=%d", ErrInvalidQuery, len(b.Src), len(b.Dst), n)
	}
	if len(b.Neg) != 0 && len(b.Neg) != n {
		return fmt.Errorf("%w: neg=%d times=%d", ErrInvalidQuery, len(b.Neg), n)
	}
	for _, q := range b.Queries() {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Queries concatenates the roles src ‖ dst ‖ neg, each sharing Times.
// Duplicates are kept so that positions map back to roles trivially.
func (b Batch) Queries() []TemporalQuery {
	out := make([]TemporalQuery, 0, len(b.Src)+len(b.Dst)+len(b.Neg))
	for _, role := range [][]int64{b.Src, b.Dst, b.Neg} {
		for i, node := range role {
			out = append(out, TemporalQuery{Node: node, Time: b.Times[i]})
		}
	}
	return out
}

// Embeddings are the head-layer outputs split back into batch roles.
type Embeddings struct {
	Src [][]float32
	Dst [][]float32
	Neg [][]float32
}

// Split slices head-layer rows (ordered like Queries) into roles.
func (b Batch) Split(rows [][]float32) (*Embeddings, error) {
	n := b.Size()
	want := 2 * n
	if b.HasNeg() {
		want += n
	}
	if len(rows) != want {
		return nil, fmt.Errorf("%w: %d rows for %d head queries", ErrDedupInconsistency, len(rows), want)
	}
	out := &Embeddings{Src: rows[:n], Dst: rows[n : 2*n]}
	if b.HasNeg() {
		out.Neg = rows[2*n:]
	}
	return out, nil
}
