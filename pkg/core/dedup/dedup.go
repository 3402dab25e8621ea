// Package dedup collapses repeated temporal queries inside one layer so that
// cache lookups, sampling and aggregation run once per distinct (node, time).
package dedup

import (
	"fmt"

	"github.com/sanonone/tempograph/pkg/core/types"
)

// Result maps an original query list onto its distinct queries.
// Unique keeps first-occurrence order and Unique[Scatter[i]] == original[i].
type Result struct {
	Unique  []types.TemporalQuery
	Scatter []int
}

// Check verifies that the result covers n original positions and that
// every scatter index points inside Unique.
func (r Result) Check(n int) error {
	if len(r.Scatter) != n {
		return fmt.Errorf("%w: scatter covers %d of %d queries", types.ErrDedupInconsistency, len(r.Scatter), n)
	}
	if len(r.Unique) > n {
		return fmt.Errorf("%w: %d unique out of %d queries", types.ErrDedupInconsistency, len(r.Unique), n)
	}
	for i, u := range r.Scatter {
		if u < 0 || u >= len(r.Unique) {
			return fmt.Errorf("%w: scatter[%d]=%d out of range %d", types.ErrDedupInconsistency, i, u, len(r.Unique))
		}
	}
	return nil
}

// Deduplicator is a pipeline stage. The identity variant is selected at
// construction when dedup is disabled.
type Deduplicator interface {
	Dedup(queries []types.TemporalQuery) (Result, error)
}

// New returns the hashing deduplicator, or the identity one when disabled.
func New(enabled bool) Deduplicator {
	if enabled {
		return hashDedup{}
	}
	return identity{}
}

type hashDedup struct{}

func (hashDedup) Dedup(queries []types.TemporalQuery) (Result, error) {
	seen := make(map[types.TemporalQuery]int, len(queries))
	res := Result{
		Unique:  make([]types.TemporalQuery, 0, len(queries)),
		Scatter: make([]int, len(queries)),
	}
	for i, q := range queries {
		u, ok := seen[q]
		if !ok {
			u = len(res.Unique)
			seen[q] = u
			res.Unique = append(res.Unique, q)
		}
		res.Scatter[i] = u
	}
	return res, res.Check(len(queries))
}

type identity struct{}

func (identity) Dedup(queries []types.TemporalQuery) (Result, error) {
	res := Result{
		Unique:  queries,
		Scatter: make([]int, len(queries)),
	}
	for i := range res.Scatter {
		res.Scatter[i] = i
	}
	return res, nil
}

// Scatter expands rows computed per unique query back to original order.
// Rows are shared, not copied: repeated queries alias the same slice.
func Scatter[T any](rows []T, scatter []int) ([]T, error) {
	out := make([]T, len(scatter))
	for i, u := range scatter {
		if u < 0 || u >= len(rows) {
			return nil, fmt.Errorf("%w: scatter[%d]=%d with %d rows", types.ErrDedupInconsistency, i, u, len(rows))
		}
		out[i] = rows[u]
	}
	return out, nil
}
