package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sanonone/tempograph/pkg/aggregate"
	"github.com/sanonone/tempograph/pkg/cache"
	"github.com/sanonone/tempograph/pkg/core/adjacency"
	"github.com/sanonone/tempograph/pkg/core/sampler"
	"github.com/sanonone/tempograph/pkg/core/types"
	"github.com/sanonone/tempograph/pkg/features"
	"github.com/sanonone/tempograph/pkg/instrument"
)

const (
	testNodes = 20
	testEdges = 300
)

// randomGraph builds an undirected history with timestamps 1..testEdges and
// 2-wide node and edge features.
func randomGraph(t *testing.T) (*adjacency.Index, *features.MemoryStore) {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	idx := adjacency.New(adjacency.Options{})
	store := features.NewMemoryStore(2, 2)
	for n := int64(0); n < testNodes; n++ {
		if err := store.SetNode(n, []float32{float32(n), 1}); err != nil {
			t.Fatal(err)
		}
	}
	for e := int64(0); e < testEdges; e++ {
		src, dst := rng.Int64N(testNodes), rng.Int64N(testNodes)
		if err := idx.AddEdge(src, dst, e, float64(e+1)); err != nil {
			t.Fatal(err)
		}
		if err := store.SetEdge(e, []float32{0.01 * float32(e), 0}); err != nil {
			t.Fatal(err)
		}
	}
	return idx, store
}

func randomBatch(seed uint64, size int) types.Batch {
	rng := rand.New(rand.NewPCG(seed, 7))
	b := types.Batch{}
	for i := 0; i < size; i++ {
		b.Src = append(b.Src, rng.Int64N(testNodes))
		b.Dst = append(b.Dst, rng.Int64N(testNodes))
		b.Neg = append(b.Neg, rng.Int64N(testNodes))
		// Few distinct times so queries repeat within and across batches.
		b.Times = append(b.Times, float64(testEdges+1+rng.IntN(3)))
	}
	return b
}

func baseOptions() Options {
	opts := DefaultOptions()
	opts.Fanout = 4
	opts.SamplerThreads = 2
	opts.CacheCapacity = 10_000
	return opts
}

func newPipeline(t *testing.T, opts Options, idx adjacency.Reader, store features.Store, aggs ...aggregate.Aggregator) *Pipeline {
	t.Helper()
	if len(aggs) == 0 {
		aggs = []aggregate.Aggregator{aggregate.TimeDecayMean{}}
	}
	p, err := New(opts, Deps{Adjacency: idx, Features: store, Aggregators: aggs})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func sameEmbeddings(t *testing.T, label string, got, want *types.Embeddings) {
	t.Helper()
	roles := map[string][2][][]float32{
		"src": {got.Src, want.Src},
		"dst": {got.Dst, want.Dst},
		"neg": {got.Neg, want.Neg},
	}
	for role, pair := range roles {
		if len(pair[0]) != len(pair[1]) {
			t.Fatalf("%s: %s has %d rows, want %d", label, role, len(pair[0]), len(pair[1]))
		}
		for i := range pair[0] {
			a, b := pair[0][i], pair[1][i]
			if len(a) != len(b) {
				t.Fatalf("%s: %s row %d width %d, want %d", label, role, i, len(a), len(b))
			}
			for j := range a {
				if math.Float32bits(a[j]) != math.Float32bits(b[j]) {
					t.Fatalf("%s: %s row %d = %v, want %v", label, role, i, a, b)
				}
			}
		}
	}
}

func plainOptions(strategy sampler.Strategy) Options {
	opts := baseOptions()
	opts.Strategy = strategy
	opts.DedupEnabled = false
	opts.CacheEnabled = false
	opts.PreloadEnabled = false
	return opts
}

func TestOptimizationsDoNotChangeEmbeddings(t *testing.T) {
	idx, store := randomGraph(t)
	batches := []types.Batch{randomBatch(1, 50), randomBatch(2, 50), randomBatch(1, 50)}

	for _, strategy := range []sampler.Strategy{sampler.Recent, sampler.Uniform} {
		ref := newPipeline(t, plainOptions(strategy), idx, store)
		var want []*types.Embeddings
		for _, b := range batches {
			emb, err := ref.Embed(b)
			if err != nil {
				t.Fatal(err)
			}
			want = append(want, emb)
		}

		for mask := 1; mask < 16; mask++ {
			opts := plainOptions(strategy)
			opts.DedupEnabled = mask&1 != 0
			opts.CacheEnabled = mask&2 != 0
			opts.PreloadEnabled = mask&4 != 0
			opts.PreloadPinned = mask&8 != 0
			opts.SamplerThreads = 1 + mask%3
			p := newPipeline(t, opts, idx, store)
			for i, b := range batches {
				emb, err := p.Embed(b)
				if err != nil {
					t.Fatal(err)
				}
				sameEmbeddings(t, fmt.Sprintf("%s mask=%04b batch=%d", strategy, mask, i), emb, want[i])
			}
		}
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	idx, store := randomGraph(t)
	b := randomBatch(3, 64)
	opts := baseOptions()
	opts.Strategy = sampler.Uniform
	opts.Seed = 42

	first, err := newPipeline(t, opts, idx, store).Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	second, err := newPipeline(t, opts, idx, store).Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	sameEmbeddings(t, "rerun", second, first)
}

func TestSingleLayerByHand(t *testing.T) {
	idx := adjacency.New(adjacency.Options{})
	idx.AddEdge(1, 2, 0, 1)
	idx.AddEdge(1, 3, 1, 2)
	idx.AddEdge(1, 4, 2, 9) // after the query, never sampled
	store := features.NewMemoryStore(1, 0)
	for n := int64(1); n <= 4; n++ {
		store.SetNode(n, []float32{float32(n)})
	}

	opts := baseOptions()
	opts.Layers = 1
	opts.Fanout = 2
	p := newPipeline(t, opts, idx, store)
	emb, err := p.Embed(types.Batch{Src: []int64{1}, Dst: []int64{4}, Times: []float64{5}})
	if err != nil {
		t.Fatal(err)
	}
	// Node 1 at t=5: node 3 (Δt=3, w=1/4) and node 2 (Δt=4, w=1/5).
	want := (1 + 0.25*3 + 0.2*2) / 1.45
	if got := float64(emb.Src[0][0]); math.Abs(got-want) > 1e-5 {
		t.Errorf("src embedding = %v, want %v", got, want)
	}
	// Node 4 only has the edge at t=9, which is not before t=5.
	if emb.Dst[0][0] != 4 {
		t.Errorf("dst embedding = %v, want its own features", emb.Dst[0])
	}
	if emb.Neg != nil {
		t.Error("no negatives were given")
	}
}

func TestScenarioDedupKeepsTimesApart(t *testing.T) {
	idx, store := randomGraph(t)
	opts := baseOptions()
	opts.Fanout = 2
	p := newPipeline(t, opts, idx, store)

	const a, bNode, c = 1, 2, 3
	batch := types.Batch{
		Src:   []int64{a, a, a},
		Dst:   []int64{bNode, c, bNode},
		Times: []float64{10, 12, 15},
	}
	chain, loads, err := p.BuildChain(batch)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(chain.Head().Dedup.Unique); n != 6 {
		t.Errorf("head has %d unique queries, want 6 (all times differ)", n)
	}
	emb, err := p.Aggregate(batch, chain, loads)
	if err != nil {
		t.Fatal(err)
	}
	if len(emb.Src) != 3 || len(emb.Dst) != 3 {
		t.Fatalf("got %d/%d rows, want 3/3", len(emb.Src), len(emb.Dst))
	}
	for i := 0; i < chain.Len(); i++ {
		if s := chain.At(i).State; s.String() != "released" {
			t.Errorf("block %d left in state %s", i, s)
		}
	}
}

func TestScenarioNoPriorEdges(t *testing.T) {
	idx := adjacency.New(adjacency.Options{})
	store := features.NewMemoryStore(2, 0)
	store.SetNode(7, []float32{0.5, -2})

	var calls [2]atomic.Int32
	counting := func(l int) aggregate.Aggregator {
		return aggregate.AggregatorFunc(func(in aggregate.Input) ([][]float32, error) {
			calls[l].Add(1)
			for s, ok := range in.Mask {
				if ok {
					t.Errorf("layer %d slot %d should be padding", l, s)
				}
			}
			return aggregate.TimeDecayMean{}.Aggregate(in)
		})
	}

	opts := baseOptions()
	opts.IncludeDst = false
	p := newPipeline(t, opts, idx, store, counting(0), counting(1))
	emb, err := p.Embed(types.Batch{Src: []int64{7}, Dst: []int64{8}, Times: []float64{3}})
	if err != nil {
		t.Fatalf("padding-only queries must not fail: %v", err)
	}
	if emb.Src[0][0] != 0.5 || emb.Src[0][1] != -2 {
		t.Errorf("embedding = %v, want the node's own features", emb.Src[0])
	}
	if emb.Dst[0][0] != 0 || emb.Dst[0][1] != 0 {
		t.Errorf("featureless node should embed to zeros, got %v", emb.Dst[0])
	}
	// No neighbors and no self path: layer 1 is empty and skipped.
	if calls[1].Load() != 0 || calls[0].Load() != 1 {
		t.Errorf("aggregator calls = [%d %d], want [1 0]", calls[0].Load(), calls[1].Load())
	}
}

// countingIndex records every adjacency lookup per query.
type countingIndex struct {
	adjacency.Reader
	mu    sync.Mutex
	calls map[types.TemporalQuery]int
}

func (c *countingIndex) record(node int64, t float64) {
	c.mu.Lock()
	c.calls[types.TemporalQuery{Node: node, Time: t}]++
	c.mu.Unlock()
}

func (c *countingIndex) Before(node int64, t float64, visit func(types.Neighbor) bool) error {
	c.record(node, t)
	return c.Reader.Before(node, t, visit)
}

func (c *countingIndex) CountBefore(node int64, t float64) (int, error) {
	c.record(node, t)
	return c.Reader.CountBefore(node, t)
}

func TestScenarioCacheSkipsSampling(t *testing.T) {
	idx, store := randomGraph(t)
	ci := &countingIndex{Reader: idx, calls: make(map[types.TemporalQuery]int)}
	p := newPipeline(t, baseOptions(), ci, store)

	q := types.TemporalQuery{Node: 5, Time: 400}
	first := types.Batch{Src: []int64{5}, Dst: []int64{6}, Times: []float64{400}}
	if _, err := p.Embed(first); err != nil {
		t.Fatal(err)
	}
	// Sampled at layer 0 and again at layer 1 through the self path.
	sampled := ci.calls[q]
	if sampled == 0 {
		t.Fatal("first batch never sampled the query")
	}

	second := types.Batch{Src: []int64{5, 9}, Dst: []int64{11, 12}, Times: []float64{400, 400}}
	if _, err := p.Embed(second); err != nil {
		t.Fatal(err)
	}
	if ci.calls[q] != sampled {
		t.Errorf("cached query was sampled again (%d calls, was %d)", ci.calls[q], sampled)
	}
	if ci.calls[types.TemporalQuery{Node: 9, Time: 400}] == 0 {
		t.Error("new query should have been sampled")
	}
	if st, ok := p.CacheStats(); !ok || st.Hits == 0 {
		t.Errorf("cache stats = %+v", st)
	}
}

func TestFullyCachedBatchSkipsAggregation(t *testing.T) {
	idx, store := randomGraph(t)
	var calls atomic.Int32
	agg := aggregate.AggregatorFunc(func(in aggregate.Input) ([][]float32, error) {
		calls.Add(1)
		return aggregate.TimeDecayMean{}.Aggregate(in)
	})
	p := newPipeline(t, baseOptions(), idx, store, agg)

	b := randomBatch(4, 20)
	first, err := p.Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	before := calls.Load()
	second, err := p.Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != before {
		t.Errorf("aggregator called %d more times for a fully cached batch", calls.Load()-before)
	}
	sameEmbeddings(t, "cached", second, first)

	second.Src[0][0] = 1e9
	third, _ := p.Embed(b)
	if third.Src[0][0] == 1e9 {
		t.Error("callers must not be able to corrupt cached rows")
	}
}

func TestCacheCapacityBound(t *testing.T) {
	idx, store := randomGraph(t)
	opts := baseOptions()
	opts.CacheCapacity = 7
	opts.CacheShards = 3
	rec := instrument.NewRecorder()
	p, err := New(opts, Deps{
		Adjacency:   idx,
		Features:    store,
		Aggregators: []aggregate.Aggregator{aggregate.TimeDecayMean{}},
		Sink:        rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	for s := uint64(0); s < 10; s++ {
		if _, err := p.Embed(randomBatch(10+s, 30)); err != nil {
			t.Fatal(err)
		}
		if n := p.CacheLen(); n > 7 {
			t.Fatalf("cache holds %d entries, capacity 7", n)
		}
	}
	st, _ := p.CacheStats()
	if st.Evictions == 0 || rec.Events(instrument.EventCacheEviction) == 0 {
		t.Errorf("expected evictions, stats=%+v", st)
	}

	p.PurgeCache()
	if p.CacheLen() != 0 {
		t.Error("purge should empty the cache")
	}
}

func TestAggregatorFailureAbortsBatch(t *testing.T) {
	idx, store := randomGraph(t)
	boom := errors.New("nan in weights")
	failing := aggregate.AggregatorFunc(func(aggregate.Input) ([][]float32, error) { return nil, boom })
	short := aggregate.AggregatorFunc(func(in aggregate.Input) ([][]float32, error) {
		return make([][]float32, len(in.Dst)-1), nil
	})

	for name, agg := range map[string]aggregate.Aggregator{"error": failing, "short": short} {
		t.Run(name, func(t *testing.T) {
			p := newPipeline(t, baseOptions(), idx, store, aggregate.TimeDecayMean{}, agg)
			emb, err := p.Embed(randomBatch(5, 10))
			if !errors.Is(err, types.ErrAggregatorFailure) {
				t.Fatalf("expected ErrAggregatorFailure, got %v", err)
			}
			if emb != nil {
				t.Error("no partial output on failure")
			}
			if name == "error" && !errors.Is(err, boom) {
				t.Error("the aggregator's error should be wrapped")
			}
		})
	}
}

func TestCausalInputs(t *testing.T) {
	idx, store := randomGraph(t)
	check := aggregate.AggregatorFunc(func(in aggregate.Input) ([][]float32, error) {
		for s, ok := range in.Mask {
			if ok && in.TimeDeltas[s] <= 0 {
				return nil, fmt.Errorf("slot %d has Δt=%v", s, in.TimeDeltas[s])
			}
		}
		return aggregate.TimeDecayMean{}.Aggregate(in)
	})
	opts := baseOptions()
	opts.Layers = 3
	for _, strategy := range []sampler.Strategy{sampler.Recent, sampler.Uniform} {
		opts.Strategy = strategy
		p := newPipeline(t, opts, idx, store, check)
		// Query times inside the history exercise strict filtering.
		b := types.Batch{Src: []int64{1, 2, 3}, Dst: []int64{4, 5, 6}, Times: []float64{50, 120.5, 200}}
		if _, err := p.Embed(b); err != nil {
			t.Errorf("%s: %v", strategy, err)
		}
	}
}

func TestInvalidBatch(t *testing.T) {
	idx, store := randomGraph(t)
	p := newPipeline(t, baseOptions(), idx, store)
	_, err := p.Embed(types.Batch{Src: []int64{-3}, Dst: []int64{1}, Times: []float64{1}})
	if !errors.Is(err, types.ErrInvalidQuery) || !IsInputError(err) {
		t.Errorf("expected an input error, got %v", err)
	}
}

func TestConcurrentBatches(t *testing.T) {
	idx, store := randomGraph(t)
	ref := newPipeline(t, plainOptions(sampler.Recent), idx, store)
	shared := newPipeline(t, baseOptions(), idx, store)

	const workers = 8
	want := make([]*types.Embeddings, workers)
	for w := range want {
		var err error
		if want[w], err = ref.Embed(randomBatch(uint64(100+w%3), 40)); err != nil {
			t.Fatal(err)
		}
	}

	got := make([]*types.Embeddings, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				got[w], errs[w] = shared.Embed(randomBatch(uint64(100+w%3), 40))
				if errs[w] != nil {
					return
				}
			}
		}(w)
	}
	wg.Wait()
	for w := range got {
		if errs[w] != nil {
			t.Fatal(errs[w])
		}
		sameEmbeddings(t, fmt.Sprintf("worker %d", w), got[w], want[w])
	}
}

func TestNewValidation(t *testing.T) {
	idx, store := randomGraph(t)
	bad := []struct {
		name string
		opts func(*Options)
		aggs []aggregate.Aggregator
	}{
		{"zero layers", func(o *Options) { o.Layers = 0 }, nil},
		{"zero fanout", func(o *Options) { o.Fanout = 0 }, nil},
		{"strategy", func(o *Options) { o.Strategy = "latest" }, nil},
		{"cache capacity", func(o *Options) { o.CacheCapacity = 0 }, nil},
		{"aggregator count", func(*Options) {}, []aggregate.Aggregator{aggregate.TimeDecayMean{}, aggregate.TimeDecayMean{}, aggregate.TimeDecayMean{}}},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOptions()
			tc.opts(&opts)
			aggs := tc.aggs
			if aggs == nil {
				aggs = []aggregate.Aggregator{aggregate.TimeDecayMean{}}
			}
			if _, err := New(opts, Deps{Adjacency: idx, Features: store, Aggregators: aggs}); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if _, err := New(baseOptions(), Deps{Adjacency: idx, Aggregators: []aggregate.Aggregator{aggregate.TimeDecayMean{}}}); err == nil {
		t.Error("missing feature store should be rejected")
	}
}

func TestReseedPurgesCache(t *testing.T) {
	idx, store := randomGraph(t)
	opts := baseOptions()
	opts.Strategy = sampler.Uniform
	p := newPipeline(t, opts, idx, store)

	b := randomBatch(6, 30)
	if _, err := p.Embed(b); err != nil {
		t.Fatal(err)
	}
	if p.CacheLen() == 0 {
		t.Fatal("cache should hold the batch")
	}
	p.Reseed(99)
	if p.CacheLen() != 0 {
		t.Error("reseeding must drop embeddings drawn under the old seed")
	}

	opts.Seed = 99
	want, err := newPipeline(t, opts, idx, store).Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	sameEmbeddings(t, "reseeded", got, want)
}

func TestReseedDuringBatch(t *testing.T) {
	idx, store := randomGraph(t)
	opts := baseOptions()
	opts.Strategy = sampler.Uniform

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gated := aggregate.AggregatorFunc(func(in aggregate.Input) ([][]float32, error) {
		once.Do(func() { close(entered) })
		<-release
		return aggregate.TimeDecayMean{}.Aggregate(in)
	})
	rec := instrument.NewRecorder()
	p, err := New(opts, Deps{
		Adjacency:   idx,
		Features:    store,
		Aggregators: []aggregate.Aggregator{aggregate.TimeDecayMean{}, gated},
		Sink:        rec,
	})
	if err != nil {
		t.Fatal(err)
	}

	b := randomBatch(8, 40)
	done := make(chan error, 1)
	go func() {
		_, err := p.Embed(b)
		done <- err
	}()
	<-entered
	p.Reseed(99)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("the running batch should still succeed: %v", err)
	}
	if n := p.CacheLen(); n != 0 {
		t.Fatalf("cache holds %d rows computed before the reseed", n)
	}
	if rec.Events(instrument.EventCacheDiscard) == 0 {
		t.Error("discarded rows should be counted")
	}

	opts.Seed = 99
	want, err := newPipeline(t, opts, idx, store).Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Embed(b)
	if err != nil {
		t.Fatal(err)
	}
	sameEmbeddings(t, "after reseed", got, want)
	if p.CacheLen() == 0 {
		t.Error("batches after the reseed should be cached again")
	}
}

// overfullCache reports more entries than any capacity.
type overfullCache struct {
	cache.EmbeddingCache
}

func (overfullCache) Len() int { return math.MaxInt32 }

func TestCacheOverflowDoesNotFailBatch(t *testing.T) {
	idx, store := randomGraph(t)
	rec := instrument.NewRecorder()
	p, err := New(baseOptions(), Deps{
		Adjacency:   idx,
		Features:    store,
		Aggregators: []aggregate.Aggregator{aggregate.TimeDecayMean{}},
		Sink:        rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.cache = overfullCache{p.cache}

	emb, err := p.Embed(randomBatch(9, 20))
	if err != nil {
		t.Fatalf("an overfull cache must not fail the batch: %v", err)
	}
	if len(emb.Src) != 20 {
		t.Errorf("got %d src rows, want 20", len(emb.Src))
	}
	if rec.Events(instrument.EventCacheOverflow) == 0 {
		t.Error("overflow should be counted")
	}
}
