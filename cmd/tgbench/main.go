// tgbench replays a synthetic temporal graph through the block pipeline and
// reports per-stage timings, cache and preload statistics.
package main

import (
	"flag"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sanonone/tempograph/pkg/aggregate"
	"github.com/sanonone/tempograph/pkg/config"
	"github.com/sanonone/tempograph/pkg/core/adjacency"
	"github.com/sanonone/tempograph/pkg/core/types"
	"github.com/sanonone/tempograph/pkg/engine"
	"github.com/sanonone/tempograph/pkg/features"
	"github.com/sanonone/tempograph/pkg/instrument"
	"github.com/sanonone/tempograph/pkg/metrics"
)

type featureWriter interface {
	features.Store
	SetNode(int64, []float32) error
	SetEdge(int64, []float32) error
}

func main() {
	configPath := flag.String("config", "", "Pipeline YAML config (defaults when empty)")
	numNodes := flag.Int("nodes", 10000, "Number of nodes")
	numEdges := flag.Int("edges", 200000, "Number of edges, history included")
	numBatches := flag.Int("batches", 100, "Batches replayed after the history")
	batchSize := flag.Int("bsize", 600, "Edges per batch")
	dim := flag.Int("dim", 16, "Node and edge feature width")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	dataDir := flag.String("data-dir", "", "Keep features in memory-mapped arenas under this directory")
	half := flag.Bool("half", false, "Store arena features as float16")
	seed := flag.Uint64("seed", 1, "Seed of the synthetic graph")
	attention := flag.Bool("attention", false, "Use the dot-attention aggregator instead of the time-decay mean")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}
	opts, err := cfg.Options()
	if err != nil {
		log.Fatalf("Cannot load config: %v", err)
	}

	var store featureWriter
	if *dataDir != "" {
		as, err := features.OpenArenaStore(features.ArenaOptions{Dir: *dataDir, NodeDim: *dim, EdgeDim: *dim, Half: *half})
		if err != nil {
			log.Fatalf("Cannot open feature arena: %v", err)
		}
		defer as.Close()
		store = as
	} else {
		store = features.NewMemoryStore(*dim, *dim)
	}

	replayed := *numBatches * *batchSize
	if replayed > *numEdges {
		log.Fatalf("%d batches of %d edges exceed the %d generated edges", *numBatches, *batchSize, *numEdges)
	}

	rng := rand.New(rand.NewPCG(*seed, 0))
	idx := adjacency.New(adjacency.Options{})
	edges := generate(rng, store, *numNodes, *numEdges, *dim)
	history := len(edges) - replayed
	for _, e := range edges[:history] {
		if err := idx.AddEdge(e.src, e.dst, e.id, e.t); err != nil {
			log.Fatalf("Cannot index edge %d: %v", e.id, err)
		}
	}
	slog.Info("synthetic graph ready", "nodes", *numNodes, "edges", len(edges), "history", history)

	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			slog.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var agg aggregate.Aggregator = aggregate.TimeDecayMean{}
	if *attention {
		agg = aggregate.DotAttention{Decay: 0.01}
	}
	rec := instrument.NewRecorder()
	p, err := engine.New(opts, engine.Deps{
		Adjacency:   idx,
		Features:    store,
		Aggregators: []aggregate.Aggregator{agg},
		Sink:        instrument.Multi(rec, metrics.PrometheusSink{}),
	})
	if err != nil {
		log.Fatalf("Cannot build pipeline: %v", err)
	}

	start := time.Now()
	for i := 0; i < *numBatches; i++ {
		batch := edges[history+i**batchSize : history+(i+1)**batchSize]
		b := types.Batch{}
		for _, e := range batch {
			b.Src = append(b.Src, e.src)
			b.Dst = append(b.Dst, e.dst)
			b.Neg = append(b.Neg, rng.Int64N(int64(*numNodes)))
			b.Times = append(b.Times, e.t)
		}
		if _, err := p.Embed(b); err != nil {
			if engine.IsInputError(err) {
				log.Fatalf("Batch %d is malformed: %v", i, err)
			}
			log.Fatalf("Batch %d failed: %v", i, err)
		}
		// The batch becomes history for the next one.
		for _, e := range batch {
			if err := idx.AddEdge(e.src, e.dst, e.id, e.t); err != nil {
				log.Fatalf("Cannot index edge %d: %v", e.id, err)
			}
		}
		metrics.CacheEntries.Set(float64(p.CacheLen()))
	}
	elapsed := time.Since(start)

	report(rec, p, elapsed, *numBatches)
}

type edge struct {
	src, dst, id int64
	t            float64
}

// generate draws edges with increasing timestamps and fills random features.
// Endpoints are skewed towards low ids so some nodes are hubs.
func generate(rng *rand.Rand, store featureWriter, numNodes, numEdges, dim int) []edge {
	row := make([]float32, dim)
	for n := 0; n < numNodes; n++ {
		for j := range row {
			row[j] = rng.Float32()*2 - 1
		}
		if err := store.SetNode(int64(n), row); err != nil {
			log.Fatalf("Cannot store node features: %v", err)
		}
	}

	edges := make([]edge, numEdges)
	t := 0.0
	for i := range edges {
		t += rng.ExpFloat64()
		src := int64(float64(numNodes) * rng.Float64() * rng.Float64())
		dst := rng.Int64N(int64(numNodes))
		edges[i] = edge{src: src, dst: dst, id: int64(i), t: t}
		for j := range row {
			row[j] = rng.Float32()
		}
		if err := store.SetEdge(int64(i), row); err != nil {
			log.Fatalf("Cannot store edge features: %v", err)
		}
	}
	return edges
}

func report(rec *instrument.Recorder, p *engine.Pipeline, elapsed time.Duration, batches int) {
	slog.Info("replay finished",
		"batches", batches,
		"elapsed", elapsed,
		"per_batch", elapsed/time.Duration(max(batches, 1)))

	for _, stage := range instrument.Stages {
		for _, l := range rec.Layers(stage) {
			slog.Info("stage",
				"stage", stage,
				"layer", l,
				"total", rec.Elapsed(stage, l),
				"calls", rec.Calls(stage, l))
		}
	}

	if st, ok := p.CacheStats(); ok {
		slog.Info("cache",
			"hits", st.Hits,
			"misses", st.Misses,
			"hit_ratio", rec.Ratio(instrument.EventCacheHit, instrument.EventCacheMiss),
			"evictions", st.Evictions,
			"entries", st.Entries)
	}
	ps := p.PreloadStats()
	slog.Info("preload",
		"loaded", ps.Loaded,
		"duplicate_ratio", rec.Ratio(instrument.EventPreloadDup, instrument.EventPreloadLoaded),
		"zero_ratio", rec.Ratio(instrument.EventPreloadZero, instrument.EventPreloadLoaded),
		"sentinels", rec.Events(instrument.EventSentinel))
}
