package types

import (
	"errors"
	"fmt"
)

// Failure classes surfaced by the pipeline. Each aborts the batch except
// ErrCacheCapacityExceeded: cache overflow is absorbed by eviction, and a
// cache found above its bound is only logged.
var (
	ErrInvalidQuery          = errors.New("invalid query")
	ErrCausalityViolation    = errors.New("causality violation")
	ErrSamplingFailure       = errors.New("sampling failure")
	ErrCacheCapacityExceeded = errors.New("cache capacity exceeded")
	ErrDedupInconsistency    = errors.New("dedup inconsistency")
	ErrAggregatorFailure     = errors.New("aggregator failure")
	ErrInvalidTransition     = errors.New("invalid block state transition")
)

// CausalityError reports an adjacency entry that is not strictly earlier
// than the query it was returned for.
type CausalityError struct {
	Query TemporalQuery
	Edge  Neighbor
}

func (e *CausalityError) Error() string {
	return fmt.Sprintf("%v: edge %d at t=%g returned for query %v",
		ErrCausalityViolation, e.Edge.EdgeID, e.Edge.Time, e.Query)
}

func (e *CausalityError) Unwrap() error { return ErrCausalityViolation }
