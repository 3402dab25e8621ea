// Package instrument collects per-stage timings and event counts of the block
// pipeline. The pipeline only talks to a Sink; Recorder keeps the numbers in
// memory for benchmarks and tests, metrics.PrometheusSink exports them.
package instrument

import (
	"sort"
	"sync"
	"time"
)

// Stage names a pipeline step.
type Stage string

const (
	StageBlock     Stage = "block-build"
	StageExpand    Stage = "expand"
	StageDedup     Stage = "dedup"
	StageCache     Stage = "cache"
	StageSample    Stage = "sample"
	StagePreload   Stage = "preload"
	StageAggregate Stage = "aggregate"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageBlock, StageExpand, StageDedup, StageCache, StageSample, StagePreload, StageAggregate}

// Event names a counted occurrence.
type Event string

const (
	EventCacheHit       Event = "cache-hit"
	EventCacheMiss      Event = "cache-miss"
	EventCacheEviction  Event = "cache-eviction"
	EventCacheOverflow  Event = "cache-overflow"
	EventCacheDiscard   Event = "cache-discard"
	EventSentinel       Event = "sentinel"
	EventPreloadLoaded  Event = "preload-loaded"
	EventPreloadDup     Event = "preload-duplicate"
	EventPreloadZero    Event = "preload-zero"
	EventBatchCompleted Event = "batch-completed"
	EventBatchFailed    Event = "batch-failed"
)

// AllLayers is passed as layer for batch-wide stages and events.
const AllLayers = -1

// Sink receives timings and counts. Implementations must be safe for
// concurrent use since batches may run in parallel.
type Sink interface {
	StageStarted(stage Stage, layer int)
	StageElapsed(stage Stage, layer int, d time.Duration)
	Count(ev Event, layer int, n int)
}

// Time reports the start of a stage and returns the function that reports its end.
//
//	defer instrument.Time(sink, instrument.StageDedup, layer)()
func Time(s Sink, stage Stage, layer int) func() {
	s.StageStarted(stage, layer)
	start := time.Now()
	return func() { s.StageElapsed(stage, layer, time.Since(start)) }
}

// Noop discards everything.
type Noop struct{}

func (Noop) StageStarted(Stage, int)                {}
func (Noop) StageElapsed(Stage, int, time.Duration) {}
func (Noop) Count(Event, int, int)                  {}

// Multi fans out to several sinks.
func Multi(sinks ...Sink) Sink { return multi(sinks) }

type multi []Sink

func (m multi) StageStarted(stage Stage, layer int) {
	for _, s := range m {
		s.StageStarted(stage, layer)
	}
}

func (m multi) StageElapsed(stage Stage, layer int, d time.Duration) {
	for _, s := range m {
		s.StageElapsed(stage, layer, d)
	}
}

func (m multi) Count(ev Event, layer int, n int) {
	for _, s := range m {
		s.Count(ev, layer, n)
	}
}

type stageKey struct {
	stage Stage
	layer int
}

// Recorder accumulates durations per (stage, layer) and event totals.
type Recorder struct {
	mu       sync.Mutex
	elapsed  map[stageKey]time.Duration
	calls    map[stageKey]int
	events   map[Event]int64
	inFlight map[Stage]int
}

func NewRecorder() *Recorder {
	r := &Recorder{}
	r.Reset()
	return r
}

// Reset zeroes all counters, e.g. at the start of an epoch.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elapsed = make(map[stageKey]time.Duration)
	r.calls = make(map[stageKey]int)
	r.events = make(map[Event]int64)
	r.inFlight = make(map[Stage]int)
}

func (r *Recorder) StageStarted(stage Stage, _ int) {
	r.mu.Lock()
	r.inFlight[stage]++
	r.mu.Unlock()
}

func (r *Recorder) StageElapsed(stage Stage, layer int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := stageKey{stage, layer}
	r.elapsed[k] += d
	r.calls[k]++
	if r.inFlight[stage] > 0 {
		r.inFlight[stage]--
	}
}

func (r *Recorder) Count(ev Event, _ int, n int) {
	r.mu.Lock()
	r.events[ev] += int64(n)
	r.mu.Unlock()
}

// Elapsed is the accumulated duration of a stage at one layer.
func (r *Recorder) Elapsed(stage Stage, layer int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed[stageKey{stage, layer}]
}

// Calls is how many times a stage finished at one layer.
func (r *Recorder) Calls(stage Stage, layer int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stageKey{stage, layer}]
}

// Total sums a stage over all layers.
func (r *Recorder) Total(stage Stage) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for k, d := range r.elapsed {
		if k.stage == stage {
			sum += d
		}
	}
	return sum
}

// Layers returns the layers a stage was recorded at, ascending.
func (r *Recorder) Layers(stage Stage) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var layers []int
	for k := range r.elapsed {
		if k.stage == stage {
			layers = append(layers, k.layer)
		}
	}
	sort.Ints(layers)
	return layers
}

// Events returns the total of an event.
func (r *Recorder) Events(ev Event) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[ev]
}

// Ratio returns part/(part+rest), or 0 when both are zero.
func (r *Recorder) Ratio(part, rest Event) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, q := r.events[part], r.events[rest]
	if p+q == 0 {
		return 0
	}
	return float64(p) / float64(p+q)
}

// InFlight is the number of started but unfinished runs of a stage.
func (r *Recorder) InFlight(stage Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[stage]
}
