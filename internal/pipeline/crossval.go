package pipeline

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cuppa/internal/frame"
)

// Clone returns a deep copy of v made by a gob round trip. Unexported state,
// such as an attached cache, is not copied.
func Clone[T any](v T) (T, error) {
	var out T
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return out, fmt.Errorf("clone: %w", err)
	}
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return out, fmt.Errorf("clone: %w", err)
	}
	return out, nil
}

// Fold holds the sample IDs of one cross-validation split.
type Fold struct {
	Train []string
	Test  []string
}

// CrossValidator fits one clone of Base per stratified fold and applies the
// fitted clones to their held-out samples.
type CrossValidator[E Estimator] struct {
	Base   E
	NFolds int
	Seed   int64
	NJobs  int

	Folds      []Fold
	Estimators []E
}

func NewCrossValidator[E Estimator](base E, nFolds int, seed int64, nJobs int) (*CrossValidator[E], error) {
	if nFolds < 2 {
		return nil, fmt.Errorf("%w: need at least 2 folds, got %d", ErrInvalidConfig, nFolds)
	}
	return &CrossValidator[E]{Base: base, NFolds: nFolds, Seed: seed, NJobs: nJobs}, nil
}

// StratifiedFolds assigns every sample to one of k test folds so that each label
// is spread as evenly as possible. Within a label samples are shuffled with seed.
func StratifiedFolds(labels frame.Labels, k int, seed int64) [][]int {
	groups := make(map[string][]int)
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	rng := rand.New(rand.NewSource(seed))
	folds := make([][]int, k)
	offset := 0
	for _, l := range labels.Classes() {
		members := groups[l]
		rng.Shuffle(len(members), func(a, b int) { members[a], members[b] = members[b], members[a] })
		for r, i := range members {
			f := (offset + r) % k
			folds[f] = append(folds[f], i)
		}
		offset += len(members)
	}
	for _, f := range folds {
		sort.Ints(f)
	}
	return folds
}

// Fit splits the samples by splitLabels, or by y when splitLabels is nil, and fits
// one clone of Base per fold on the remaining samples.
func (cv *CrossValidator[E]) Fit(ctx context.Context, X *frame.Frame, y, splitLabels frame.Labels) error {
	if err := frame.CheckAligned(X, y); err != nil {
		return err
	}
	if splitLabels == nil {
		splitLabels = y
	}
	if err := frame.CheckAligned(X, splitLabels); err != nil {
		return err
	}
	if cv.NFolds > X.NRows() {
		return fmt.Errorf("%w: %d folds for %d samples", ErrInvalidConfig, cv.NFolds, X.NRows())
	}

	testIdx := StratifiedFolds(splitLabels, cv.NFolds, cv.Seed)
	cv.Folds = make([]Fold, cv.NFolds)
	cv.Estimators = make([]E, cv.NFolds)
	trains := make([][]int, cv.NFolds)
	for f, test := range testIdx {
		inTest := make(map[int]bool, len(test))
		for _, i := range test {
			inTest[i] = true
			cv.Folds[f].Test = append(cv.Folds[f].Test, X.Index[i])
		}
		for i := 0; i < X.NRows(); i++ {
			if !inTest[i] {
				trains[f] = append(trains[f], i)
				cv.Folds[f].Train = append(cv.Folds[f].Train, X.Index[i])
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(cv.NJobs, cv.NFolds))
	for f := range cv.Folds {
		g.Go(func() error {
			est, err := Clone(cv.Base)
			if err != nil {
				return err
			}
			log.Info().Int("fold", f+1).Int("folds", cv.NFolds).Int("train", len(trains[f])).Msg("Fitting fold")
			if err := est.Fit(gctx, X.SelectRowIdx(trains[f]), y.Subset(trains[f])); err != nil {
				return fmt.Errorf("fold %d: %w", f+1, err)
			}
			cv.Estimators[f] = est
			return nil
		})
	}
	return g.Wait()
}

// testFrame returns the rows of X held out by fold f that X contains.
func (cv *CrossValidator[E]) testFrame(X *frame.Frame, f int) *frame.Frame {
	idx := make([]int, 0, len(cv.Folds[f].Test))
	for _, id := range cv.Folds[f].Test {
		if i, ok := X.RowIndex(id); ok {
			idx = append(idx, i)
		}
	}
	return X.SelectRowIdx(idx)
}

// Collect applies fn to every fitted fold estimator and its held-out rows of X,
// returning results in fold order.
func Collect[E Estimator, R any](ctx context.Context, cv *CrossValidator[E], X *frame.Frame, fn func(context.Context, E, *frame.Frame) (R, error)) ([]R, error) {
	if len(cv.Estimators) != len(cv.Folds) || len(cv.Folds) == 0 {
		return nil, fmt.Errorf("cross validator: %w", ErrNotFitted)
	}
	results := make([]R, len(cv.Folds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(cv.NJobs, len(cv.Folds)))
	for f := range cv.Folds {
		g.Go(func() error {
			r, err := fn(gctx, cv.Estimators[f], cv.testFrame(X, f))
			if err != nil {
				return fmt.Errorf("fold %d: %w", f+1, err)
			}
			results[f] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ApplyFrame applies fn per fold and stacks the outputs in the sample order of X.
func ApplyFrame[E Estimator](ctx context.Context, cv *CrossValidator[E], X *frame.Frame, fn func(context.Context, E, *frame.Frame) (*frame.Frame, error)) (*frame.Frame, error) {
	outs, err := Collect(ctx, cv, X, fn)
	if err != nil {
		return nil, err
	}
	stacked := frame.VConcat(outs...)
	order := make([]string, 0, stacked.NRows())
	for _, id := range X.Index {
		if _, ok := stacked.RowIndex(id); ok {
			order = append(order, id)
		}
	}
	return stacked.ReindexRows(order, math.NaN()), nil
}

// ApplyLong applies fn per fold and orders the rows by the sample order of X,
// keeping the within-sample row order.
func ApplyLong[E Estimator](ctx context.Context, cv *CrossValidator[E], X *frame.Frame, fn func(context.Context, E, *frame.Frame) (*frame.LongTable, error)) (*frame.LongTable, error) {
	outs, err := Collect(ctx, cv, X, fn)
	if err != nil {
		return nil, err
	}
	out := frame.ConcatLong(outs...)
	if out == nil {
		return nil, nil
	}
	pos := make(map[string]int, X.NRows())
	for i, id := range X.Index {
		pos[id] = i
	}
	sort.SliceStable(out.Rows, func(a, b int) bool { return pos[out.Rows[a].SampleID] < pos[out.Rows[b].SampleID] })
	return out, nil
}
