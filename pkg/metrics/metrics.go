package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sanonone/tempograph/pkg/instrument"
)

// Global metrics, registered on the default registry by promauto.

var (
	// Stage duration per pipeline stage and block layer ("all" for batch-wide stages).
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tempograph_stage_duration_seconds",
			Help: "Duration of block pipeline stages in seconds",
			// From a cached dedup (microseconds) to a full aggregation of a large batch.
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"stage", "layer"},
	)

	StagesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tempograph_stages_in_flight",
			Help: "Pipeline stages started but not finished",
		},
		[]string{"stage"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempograph_cache_lookups_total",
			Help: "Embedding cache lookups by result",
		},
		[]string{"result", "layer"},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tempograph_cache_evictions_total",
			Help: "Embedding cache entries evicted to respect the capacity",
		},
	)

	CacheOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tempograph_cache_overflows_total",
			Help: "Batches that left the embedding cache above its capacity",
		},
	)

	CacheDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tempograph_cache_discards_total",
			Help: "Computed embeddings not cached because the cache was purged during their batch",
		},
	)

	// Set by the owner of the cache after each batch.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tempograph_cache_entries",
			Help: "Current number of memoized embeddings",
		},
	)

	SentinelSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempograph_sampler_sentinel_slots_total",
			Help: "Fanout slots padded because a query had fewer than k earlier edges",
		},
		[]string{"layer"},
	)

	PreloadRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempograph_preload_rows_total",
			Help: "Feature rows handled by the preloader by kind (loaded, duplicate, zero)",
		},
		[]string{"kind"},
	)

	Batches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempograph_batches_total",
			Help: "Embedded batches by outcome",
		},
		[]string{"status"},
	)
)

// PrometheusSink implements instrument.Sink on top of the global metrics.
type PrometheusSink struct{}

func layerLabel(layer int) string {
	if layer == instrument.AllLayers {
		return "all"
	}
	return strconv.Itoa(layer)
}

func (PrometheusSink) StageStarted(stage instrument.Stage, _ int) {
	StagesInFlight.WithLabelValues(string(stage)).Inc()
}

func (PrometheusSink) StageElapsed(stage instrument.Stage, layer int, d time.Duration) {
	StagesInFlight.WithLabelValues(string(stage)).Dec()
	StageDuration.WithLabelValues(string(stage), layerLabel(layer)).Observe(d.Seconds())
}

func (PrometheusSink) Count(ev instrument.Event, layer int, n int) {
	v := float64(n)
	switch ev {
	case instrument.EventCacheHit:
		CacheLookups.WithLabelValues("hit", layerLabel(layer)).Add(v)
	case instrument.EventCacheMiss:
		CacheLookups.WithLabelValues("miss", layerLabel(layer)).Add(v)
	case instrument.EventCacheEviction:
		CacheEvictions.Add(v)
	case instrument.EventCacheOverflow:
		CacheOverflows.Add(v)
	case instrument.EventCacheDiscard:
		CacheDiscards.Add(v)
	case instrument.EventSentinel:
		SentinelSlots.WithLabelValues(layerLabel(layer)).Add(v)
	case instrument.EventPreloadLoaded:
		PreloadRows.WithLabelValues("loaded").Add(v)
	case instrument.EventPreloadDup:
		PreloadRows.WithLabelValues("duplicate").Add(v)
	case instrument.EventPreloadZero:
		PreloadRows.WithLabelValues("zero").Add(v)
	case instrument.EventBatchCompleted:
		Batches.WithLabelValues("ok").Add(v)
	case instrument.EventBatchFailed:
		Batches.WithLabelValues("error").Add(v)
	}
}
