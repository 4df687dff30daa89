package pipeline

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuppa/internal/frame"
)

func init() {
	gob.Register(&centerStep{})
	gob.Register(&nanFilterStep{})
	gob.Register(&priorStep{})
}

// centerStep subtracts training column means.
type centerStep struct {
	Scale float64
	Means []float64
}

func (s *centerStep) Unfitted() Step { return &centerStep{Scale: s.Scale} }

func (s *centerStep) Fit(_ context.Context, X *frame.Frame, _ frame.Labels) error {
	s.Means = make([]float64, X.NCols())
	for j := range s.Means {
		var sum float64
		for _, v := range X.Col(j) {
			sum += v
		}
		s.Means[j] = sum / float64(X.NRows())
	}
	return nil
}

func (s *centerStep) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	if s.Means == nil {
		return nil, ErrNotFitted
	}
	out := X.Clone()
	for i := 0; i < out.NRows(); i++ {
		for j := range s.Means {
			out.Set(i, j, (out.At(i, j)-s.Means[j])*s.Scale)
		}
	}
	return out, nil
}

// nanFilterStep drops rows whose first value is NaN.
type nanFilterStep struct{ Col int }

func (s *nanFilterStep) Fit(context.Context, *frame.Frame, frame.Labels) error { return nil }

func (s *nanFilterStep) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	out, _, err := s.TransformLabels(ctx, X, nil)
	return out, err
}

func (s *nanFilterStep) TransformLabels(_ context.Context, X *frame.Frame, y frame.Labels) (*frame.Frame, frame.Labels, error) {
	var keep []int
	for i := 0; i < X.NRows(); i++ {
		if !math.IsNaN(X.At(i, s.Col)) {
			keep = append(keep, i)
		}
	}
	return X.SelectRowIdx(keep), y.Subset(keep), nil
}

// priorStep predicts the training class frequencies for every sample.
type priorStep struct {
	Classes []string
	Prior   []float64
	NSeen   int
}

func (s *priorStep) Unfitted() Step { return &priorStep{} }

func (s *priorStep) Fit(_ context.Context, X *frame.Frame, y frame.Labels) error {
	s.Classes = y.Classes()
	counts := y.Counts()
	s.Prior = make([]float64, len(s.Classes))
	for k, c := range s.Classes {
		s.Prior[k] = float64(counts[c]) / float64(len(y))
	}
	s.NSeen = X.NRows()
	return nil
}

func (s *priorStep) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	out := frame.Filled(X.Index, s.Classes, 0)
	for i := 0; i < out.NRows(); i++ {
		copy(out.Row(i), s.Prior)
	}
	return out, nil
}

func (s *priorStep) FeatContrib(_ context.Context, X *frame.Frame) (*frame.LongTable, error) {
	t := &frame.LongTable{Classes: s.Classes}
	for _, id := range X.Index {
		t.Rows = append(t.Rows, frame.LongRow{SampleID: id, FeatName: "_prior", FeatValue: math.NaN(), Values: s.Prior})
	}
	return t, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache { return &memCache{entries: map[string][]byte{}} }

func (c *memCache) Load(ns, key string, into any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[ns+"/"+key]
	if !ok {
		return false, nil
	}
	return true, gob.NewDecoder(bytes.NewReader(b)).Decode(into)
}

func (c *memCache) Save(ns, key string, from any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(from); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ns+"/"+key] = buf.Bytes()
	return nil
}

type countingRecorder struct {
	mu           sync.Mutex
	hits, misses int
	fitted       []string
}

func (r *countingRecorder) CacheHitInc()  { r.mu.Lock(); r.hits++; r.mu.Unlock() }
func (r *countingRecorder) CacheMissInc() { r.mu.Lock(); r.misses++; r.mu.Unlock() }
func (r *countingRecorder) StepFitObserve(step string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fitted = append(r.fitted, step)
}

func trainingData() (*frame.Frame, frame.Labels) {
	nan := math.NaN()
	X := frame.MustFromRows([]string{"s1", "s2", "s3", "s4"}, []string{"a", "b"}, [][]float64{
		{1, 10},
		{2, 20},
		{nan, 30},
		{5, 40},
	})
	return X, frame.Labels{"A", "A", "B", "B"}
}

func newTestPipeline() *Pipeline {
	return New(
		NamedStep{Name: "filter", Step: &nanFilterStep{}},
		NamedStep{Name: "center", Step: &centerStep{Scale: 1}},
		NamedStep{Name: "prior", Step: &priorStep{}},
	)
}

func TestPipeline_FitThreadsResampledLabels(t *testing.T) {
	ctx := context.Background()
	X, y := trainingData()
	p := newTestPipeline()
	require.NoError(t, p.Fit(ctx, X, y))

	center, _ := p.Step("center")
	assert.Equal(t, []float64{8.0 / 3, 70.0 / 3}, center.(*centerStep).Means)
	prior, _ := p.Step("prior")
	assert.Equal(t, 3, prior.(*priorStep).NSeen)
	assert.InDelta(t, 2.0/3, prior.(*priorStep).Prior[0], 1e-12)
}

func TestPipeline_TransformUntilKeepsSteps(t *testing.T) {
	ctx := context.Background()
	X, y := trainingData()
	p := newTestPipeline()
	require.NoError(t, p.Fit(ctx, X, y))

	out, kept, err := p.TransformUntil(ctx, X, "center", []string{"filter"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s4"}, out.Index)
	assert.Equal(t, []string{"a", "b"}, out.Columns)
	require.Contains(t, kept, "filter")
	assert.Equal(t, 3, kept["filter"].NRows())

	_, _, err = p.TransformUntil(ctx, X, "missing", nil)
	assert.Error(t, err)

	probs, err := p.PredictProba(ctx, X)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, probs.Columns)

	contrib, err := p.FeatContrib(ctx, X)
	require.NoError(t, err)
	assert.Len(t, contrib.Rows, 3)
}

func TestPipeline_FeatContribUnsupported(t *testing.T) {
	ctx := context.Background()
	X, y := trainingData()
	p := New(NamedStep{Name: "filter", Step: &nanFilterStep{}}, NamedStep{Name: "center", Step: &centerStep{Scale: 1}})
	require.NoError(t, p.Fit(ctx, X, y))
	contrib, err := p.FeatContrib(ctx, X)
	require.NoError(t, err)
	assert.Nil(t, contrib)
}

func TestPipeline_CacheReproducesFit(t *testing.T) {
	ctx := context.Background()
	X, y := trainingData()

	plain := newTestPipeline()
	require.NoError(t, plain.Fit(ctx, X, y))

	cache := newMemCache()
	rec := &countingRecorder{}
	first := newTestPipeline().WithCache(cache, "test").WithRecorder(rec)
	require.NoError(t, first.Fit(ctx, X, y))
	assert.Equal(t, 3, rec.misses)
	assert.Len(t, cache.entries, 3)

	second := newTestPipeline().WithCache(cache, "test").WithRecorder(rec)
	require.NoError(t, second.Fit(ctx, X, y))
	assert.Equal(t, 3, rec.hits)
	assert.Len(t, rec.fitted, 3, "cache hits are not refitted")

	for _, name := range []string{"center", "prior"} {
		want, _ := plain.Step(name)
		got, _ := second.Step(name)
		assert.Equal(t, want, got, name)
	}
}

func TestPipeline_RefitSameObjectHitsCache(t *testing.T) {
	ctx := context.Background()
	X, y := trainingData()

	cache := newMemCache()
	rec := &countingRecorder{}
	p := newTestPipeline().WithCache(cache, "test").WithRecorder(rec)
	require.NoError(t, p.Fit(ctx, X, y))
	require.Equal(t, 3, rec.misses)

	require.NoError(t, p.Fit(ctx, X, y))
	assert.Equal(t, 3, rec.misses)
	assert.Equal(t, 3, rec.hits)
	assert.Len(t, cache.entries, 3)
}

func TestPipeline_CacheKeyIgnoresFittedState(t *testing.T) {
	ctx := context.Background()
	X, y := trainingData()

	step := &centerStep{Scale: 1}
	before, err := cacheKey(1, NamedStep{Name: "center", Step: step}, X, y)
	require.NoError(t, err)
	require.NoError(t, step.Fit(ctx, X, y))
	require.NotEmpty(t, step.Means)
	after, err := cacheKey(1, NamedStep{Name: "center", Step: step}, X, y)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	p := newTestPipeline()
	unfitted, err := cacheKey(0, NamedStep{Name: "model", Step: p}, X, y)
	require.NoError(t, err)
	require.NoError(t, p.Fit(ctx, X, y))
	fitted, err := cacheKey(0, NamedStep{Name: "model", Step: p}, X, y)
	require.NoError(t, err)
	assert.Equal(t, unfitted, fitted)

	ct := NewColumnTransformer([]ColumnSpec{{Name: "all", Step: &centerStep{Scale: 1}, Columns: Selector{Pattern: `^b$`}}}, 1)
	unfitted, err = cacheKey(0, NamedStep{Name: "ct", Step: ct}, X, y)
	require.NoError(t, err)
	require.NoError(t, ct.Fit(ctx, X, y))
	fitted, err = cacheKey(0, NamedStep{Name: "ct", Step: ct}, X, y)
	require.NoError(t, err)
	assert.Equal(t, unfitted, fitted)
}

func TestPipeline_CacheKeyTracksDataAndConfig(t *testing.T) {
	X, y := trainingData()
	s := NamedStep{Name: "center", Step: &centerStep{Scale: 1}}
	k1, err := cacheKey(1, s, X, y)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k1, "1_center@"))

	k2, err := cacheKey(1, NamedStep{Name: "center", Step: &centerStep{Scale: 2}}, X, y)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	X2 := X.Clone()
	X2.Set(0, 0, 100)
	k3, err := cacheKey(1, s, X2, y)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := cacheKey(1, s, X, frame.Labels{"A", "B", "B", "B"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestPipeline_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	X, y := trainingData()
	assert.ErrorIs(t, newTestPipeline().Fit(ctx, X, y), context.Canceled)
}

func TestColumnTransformer_RoutesAndJoinsInOrder(t *testing.T) {
	ctx := context.Background()
	X := frame.MustFromRows([]string{"s1", "s2", "s3"}, []string{"dna.x", "rna.x", "dna.y"}, [][]float64{
		{1, 1, 3},
		{3, math.NaN(), 5},
		{5, 3, 7},
	})
	y := frame.Labels{"A", "B", "B"}
	ct := NewColumnTransformer([]ColumnSpec{
		{Name: "rna", Step: New(
			NamedStep{Name: "filter", Step: &nanFilterStep{}},
			NamedStep{Name: "center", Step: &centerStep{Scale: 1}},
		), Columns: Selector{Pattern: `^rna\.`}},
		{Name: "dna", Step: &centerStep{Scale: 1}, Columns: Selector{Pattern: `^dna\.`}},
	}, -1)
	require.NoError(t, ct.Fit(ctx, X, y))

	out, err := ct.Transform(ctx, X)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, out.Index)
	assert.Equal(t, []string{"rna__rna.x", "dna__dna.x", "dna__dna.y"}, out.Columns)
	assert.Equal(t, []float64{-1, -2, -2}, out.Row(0))
	assert.True(t, math.IsNaN(out.At(1, 0)))
	assert.Equal(t, []float64{0, 0}, out.Row(1)[1:])

	step, ok := ct.Get("dna")
	require.True(t, ok)
	assert.Equal(t, []float64{3, 5}, step.(*centerStep).Means)

	contrib, err := ct.FeatContrib(ctx, X)
	require.NoError(t, err)
	assert.Nil(t, contrib)
}

func TestColumnTransformer_FeatContribTagsClfName(t *testing.T) {
	ctx := context.Background()
	X, y := trainingData()
	ct := NewColumnTransformer([]ColumnSpec{
		{Name: "first", Step: &priorStep{}, Columns: Selector{Pattern: `^a$`}},
		{Name: "second", Step: &centerStep{Scale: 1}, Columns: Selector{Pattern: `^b$`}},
	}, 1)
	require.NoError(t, ct.Fit(ctx, X, y))
	contrib, err := ct.FeatContrib(ctx, X)
	require.NoError(t, err)
	require.Len(t, contrib.Rows, 4)
	for _, r := range contrib.Rows {
		assert.Equal(t, "first", r.ClfName)
	}
}

func TestColumnTransformer_InvalidPattern(t *testing.T) {
	X, y := trainingData()
	ct := NewColumnTransformer([]ColumnSpec{{Name: "bad", Step: &centerStep{}, Columns: Selector{Pattern: "("}}}, 1)
	assert.ErrorIs(t, ct.Fit(context.Background(), X, y), ErrInvalidConfig)
}

func TestWorkers(t *testing.T) {
	assert.Equal(t, 1, Workers(0, 5))
	assert.Equal(t, 2, Workers(2, 5))
	assert.Equal(t, 5, Workers(10, 5))
	assert.Equal(t, 1, Workers(4, 0))
	assert.LessOrEqual(t, Workers(-1, 3), 3)
}

func TestStratifiedFolds(t *testing.T) {
	labels := frame.Labels{"A", "A", "A", "A", "A", "A", "B", "B", "B"}
	folds := StratifiedFolds(labels, 3, 42)
	require.Len(t, folds, 3)

	seen := map[int]bool{}
	for _, f := range folds {
		counts := map[string]int{}
		for _, i := range f {
			assert.False(t, seen[i], "sample %d in two folds", i)
			seen[i] = true
			counts[labels[i]]++
		}
		assert.Equal(t, map[string]int{"A": 2, "B": 1}, counts)
	}
	assert.Len(t, seen, len(labels))
	assert.Equal(t, folds, StratifiedFolds(labels, 3, 42))
}

func TestCrossValidator_FitAndApply(t *testing.T) {
	ctx := context.Background()
	var index []string
	var rows [][]float64
	var y frame.Labels
	for i := 0; i < 8; i++ {
		index = append(index, "s"+string(rune('0'+i)))
		rows = append(rows, []float64{float64(i)})
		y = append(y, []string{"A", "B"}[i%2])
	}
	X := frame.MustFromRows(index, []string{"x"}, rows)

	cv, err := NewCrossValidator[*Pipeline](New(NamedStep{Name: "center", Step: &centerStep{Scale: 1}}), 2, 7, 2)
	require.NoError(t, err)
	require.NoError(t, cv.Fit(ctx, X, y, nil))
	require.Len(t, cv.Estimators, 2)

	for f, fold := range cv.Folds {
		assert.Len(t, fold.Test, 4)
		assert.Len(t, fold.Train, 4)
		for _, id := range fold.Test {
			assert.NotContains(t, fold.Train, id)
		}
		step, _ := cv.Estimators[f].Step("center")
		assert.NotNil(t, step.(*centerStep).Means)
	}
	base, _ := cv.Base.Step("center")
	assert.Nil(t, base.(*centerStep).Means, "base estimator stays unfitted")

	out, err := ApplyFrame(ctx, cv, X, func(ctx context.Context, p *Pipeline, X *frame.Frame) (*frame.Frame, error) {
		return p.Transform(ctx, X)
	})
	require.NoError(t, err)
	assert.Equal(t, X.Index, out.Index)

	long, err := ApplyLong(ctx, cv, X, func(ctx context.Context, p *Pipeline, X *frame.Frame) (*frame.LongTable, error) {
		t := &frame.LongTable{Classes: []string{"v"}}
		for i, id := range X.Index {
			t.Rows = append(t.Rows, frame.LongRow{SampleID: id, Values: []float64{X.At(i, 0)}})
		}
		return t, nil
	})
	require.NoError(t, err)
	for i, r := range long.Rows {
		assert.Equal(t, X.Index[i], r.SampleID)
	}
}

func TestCrossValidator_TooManyFolds(t *testing.T) {
	X, y := trainingData()
	cv, err := NewCrossValidator[*Pipeline](newTestPipeline(), 5, 1, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, cv.Fit(context.Background(), X, y, nil), ErrInvalidConfig)

	_, err = NewCrossValidator[*Pipeline](newTestPipeline(), 1, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClone_IsDeep(t *testing.T) {
	p := New(NamedStep{Name: "center", Step: &centerStep{Scale: 2, Means: []float64{1}}})
	c, err := Clone(p)
	require.NoError(t, err)
	step, _ := c.Step("center")
	step.(*centerStep).Means[0] = 5
	orig, _ := p.Step("center")
	assert.Equal(t, 1.0, orig.(*centerStep).Means[0])
	assert.Equal(t, 2.0, step.(*centerStep).Scale)
}
