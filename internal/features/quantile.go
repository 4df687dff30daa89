package features

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

// SigCohortQuantileTransformer places each feature value of a sample within the
// training distribution of every class. It is fitted alongside the classifier for
// reporting and does not feed the predictive pipeline.
type SigCohortQuantileTransformer struct {
	NQuantiles int

	// ClipUpper clamps values above the highest fitted quantile to 1. When unset
	// such values are reported as value / highest quantile.
	ClipUpper bool

	IncludeFeatValues bool

	Classes        []string
	FeatureNamesIn []string
	Quantiles      []ClassQuantiles // one per class
}

// ClassQuantiles is the fitted quantile curve of every feature for one class.
type ClassQuantiles struct {
	Levels []float64
	Values [][]float64 // per feature, ascending
}

func NewSigCohortQuantileTransformer(nQuantiles int, clipUpper, includeFeatValues bool) (*SigCohortQuantileTransformer, error) {
	if nQuantiles < 2 {
		return nil, fmt.Errorf("%w: n_quantiles must be at least 2, got %d", pipeline.ErrInvalidConfig, nQuantiles)
	}
	return &SigCohortQuantileTransformer{
		NQuantiles:        nQuantiles,
		ClipUpper:         clipUpper,
		IncludeFeatValues: includeFeatValues,
	}, nil
}

func (t *SigCohortQuantileTransformer) Unfitted() pipeline.Step {
	return &SigCohortQuantileTransformer{NQuantiles: t.NQuantiles, ClipUpper: t.ClipUpper, IncludeFeatValues: t.IncludeFeatValues}
}

func (t *SigCohortQuantileTransformer) Fit(_ context.Context, X *frame.Frame, y frame.Labels) error {
	if err := frame.CheckAligned(X, y); err != nil {
		return err
	}
	if y == nil {
		return fmt.Errorf("cohort quantiles: labels are required")
	}
	t.Classes = y.Classes()
	t.FeatureNamesIn = append([]string(nil), X.Columns...)
	t.Quantiles = make([]ClassQuantiles, len(t.Classes))

	members := make(map[string][]int, len(t.Classes))
	for i, label := range y {
		members[label] = append(members[label], i)
	}
	for k, class := range t.Classes {
		rows := members[class]
		n := t.NQuantiles
		if len(rows) < n {
			n = len(rows)
		}
		levels := make([]float64, n)
		if n == 1 {
			levels[0] = 0
		} else {
			floats.Span(levels, 0, 1)
		}

		q := ClassQuantiles{Levels: levels, Values: make([][]float64, X.NCols())}
		column := make([]float64, 0, len(rows))
		for j := range q.Values {
			column = column[:0]
			for _, i := range rows {
				if v := X.At(i, j); !math.IsNaN(v) {
					column = append(column, v)
				}
			}
			sort.Float64s(column)
			q.Values[j] = percentiles(column, levels)
		}
		t.Quantiles[k] = q
	}
	return nil
}

// percentiles returns the linearly interpolated values of sorted at each level.
func percentiles(sorted, levels []float64) []float64 {
	out := make([]float64, len(levels))
	if len(sorted) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	last := float64(len(sorted) - 1)
	for i, p := range levels {
		pos := p * last
		lo := math.Floor(pos)
		hi := math.Ceil(pos)
		out[i] = sorted[int(lo)] + (pos-lo)*(sorted[int(hi)]-sorted[int(lo)])
	}
	return out
}

// position maps v onto [0, 1] through the inverse of one fitted quantile curve.
// Ties on the curve are resolved by averaging the forward and backward
// interpolations.
func (t *SigCohortQuantileTransformer) position(v float64, quantiles, levels []float64) float64 {
	if math.IsNaN(v) || len(quantiles) == 0 || math.IsNaN(quantiles[0]) {
		return math.NaN()
	}
	lo, hi := quantiles[0], quantiles[len(quantiles)-1]
	if v > hi && !t.ClipUpper {
		if hi == 0 {
			return math.Inf(1)
		}
		return v / hi
	}
	if v <= lo {
		return levels[0]
	}
	if v >= hi {
		return levels[len(levels)-1]
	}
	forward := interp(v, quantiles, levels)
	backward := interp(-v, negReversed(quantiles), negReversed(levels))
	return (forward - backward) / 2
}

// interp is a piecewise linear interpolation of x over ascending xs, taking the
// leftmost segment when xs has repeated values.
func interp(x float64, xs, ys []float64) float64 {
	i := sort.SearchFloat64s(xs, x)
	if i == 0 {
		return ys[0]
	}
	if i >= len(xs) {
		return ys[len(ys)-1]
	}
	if xs[i] == x {
		return ys[i]
	}
	x0, x1 := xs[i-1], xs[i]
	return ys[i-1] + (x-x0)/(x1-x0)*(ys[i]-ys[i-1])
}

func reversed(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[len(v)-1-i] = x
	}
	return out
}

func negReversed(v []float64) []float64 {
	out := reversed(v)
	floats.Scale(-1, out)
	return out
}

// TransformLong returns one row per (sample, feature) with the quantile
// position of the value in each class.
func (t *SigCohortQuantileTransformer) TransformLong(_ context.Context, X *frame.Frame) (*frame.LongTable, error) {
	if t.Quantiles == nil {
		return nil, fmt.Errorf("cohort quantiles: %w", pipeline.ErrNotFitted)
	}
	X, err := X.Select(t.FeatureNamesIn)
	if err != nil {
		return nil, err
	}
	out := &frame.LongTable{Classes: t.Classes, Rows: make([]frame.LongRow, 0, X.NRows()*X.NCols())}
	for i, id := range X.Index {
		for j, feat := range t.FeatureNamesIn {
			v := X.At(i, j)
			row := frame.LongRow{SampleID: id, FeatName: feat, FeatValue: math.NaN(), Values: make([]float64, len(t.Classes))}
			if t.IncludeFeatValues {
				row.FeatValue = v
			}
			for k := range t.Classes {
				q := t.Quantiles[k]
				row.Values[k] = t.position(v, q.Values[j], q.Levels)
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}
