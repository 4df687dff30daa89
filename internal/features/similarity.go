package features

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

// Profile aggregation functions.
const (
	AggSum    = "sum"
	AggMean   = "mean"
	AggMedian = "median"
	AggIQM    = "iqm"
)

// CosSim returns the cosine similarity of a and b. The similarity of an all-zero
// vector with anything is 0.
func CosSim(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// ProfileSimilarityTransformer builds one aggregate profile per class and
// represents each sample by its cosine similarity to every class profile.
type ProfileSimilarityTransformer struct {
	AggFunc string

	// CountCeiling caps each training sample's row sum, rescaling the row
	// proportionally, so that hyper-mutated samples do not dominate a profile.
	// Zero disables the cap.
	CountCeiling float64

	NormalizeProfiles bool
	FeatPrefix        string

	Classes        []string
	FeatureNamesIn []string
	Profiles       []float64 // classes x features, row-major
}

func NewProfileSimilarityTransformer(aggFunc string, countCeiling float64, normalizeProfiles bool, featPrefix string) (*ProfileSimilarityTransformer, error) {
	if err := checkAggFunc(aggFunc); err != nil {
		return nil, err
	}
	if countCeiling < 0 {
		return nil, fmt.Errorf("%w: count ceiling must be non-negative, got %v", pipeline.ErrInvalidConfig, countCeiling)
	}
	return &ProfileSimilarityTransformer{
		AggFunc:           aggFunc,
		CountCeiling:      countCeiling,
		NormalizeProfiles: normalizeProfiles,
		FeatPrefix:        featPrefix,
	}, nil
}

func checkAggFunc(aggFunc string) error {
	switch aggFunc {
	case AggSum, AggMean, AggMedian, AggIQM:
		return nil
	}
	return fmt.Errorf("%w: agg func must be one of sum, mean, median, iqm, got %q", pipeline.ErrInvalidConfig, aggFunc)
}

func (t *ProfileSimilarityTransformer) Unfitted() pipeline.Step {
	return &ProfileSimilarityTransformer{
		AggFunc:           t.AggFunc,
		CountCeiling:      t.CountCeiling,
		NormalizeProfiles: t.NormalizeProfiles,
		FeatPrefix:        t.FeatPrefix,
	}
}

func (t *ProfileSimilarityTransformer) Fit(_ context.Context, X *frame.Frame, y frame.Labels) error {
	if err := frame.CheckAligned(X, y); err != nil {
		return err
	}
	if y == nil {
		return fmt.Errorf("profile similarity: labels are required")
	}

	rows := make([][]float64, X.NRows())
	for i := range rows {
		rows[i] = append([]float64(nil), X.Row(i)...)
		if t.CountCeiling > 0 {
			if sum := floats.Sum(rows[i]); sum > t.CountCeiling {
				floats.Scale(t.CountCeiling/sum, rows[i])
			}
		}
	}

	t.Classes = y.Classes()
	t.FeatureNamesIn = append([]string(nil), X.Columns...)
	nFeat := X.NCols()
	t.Profiles = make([]float64, len(t.Classes)*nFeat)

	members := make(map[string][]int, len(t.Classes))
	for i, label := range y {
		members[label] = append(members[label], i)
	}
	column := make([]float64, 0, X.NRows())
	for k, class := range t.Classes {
		profile := t.Profiles[k*nFeat : (k+1)*nFeat]
		for j := 0; j < nFeat; j++ {
			column = column[:0]
			for _, i := range members[class] {
				column = append(column, rows[i][j])
			}
			profile[j] = aggregate(t.AggFunc, column)
		}
		if t.NormalizeProfiles {
			if sum := floats.Sum(profile); sum != 0 {
				floats.Scale(1/sum, profile)
			}
		}
	}
	return nil
}

// profile returns the fitted profile of class k.
func (t *ProfileSimilarityTransformer) profile(k int) []float64 {
	n := len(t.FeatureNamesIn)
	return t.Profiles[k*n : (k+1)*n]
}

// Transform returns a samples x classes matrix of cosine similarities.
func (t *ProfileSimilarityTransformer) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	if t.Classes == nil {
		return nil, fmt.Errorf("profile similarity: %w", pipeline.ErrNotFitted)
	}
	X, err := X.Select(t.FeatureNamesIn)
	if err != nil {
		return nil, err
	}

	columns := make([]string, len(t.Classes))
	for k, c := range t.Classes {
		columns[k] = t.FeatPrefix + c
	}
	out := frame.Filled(X.Index, columns, 0)
	if X.NRows() == 0 || X.NCols() == 0 {
		return out, nil
	}

	samples := unitRows(X.NRows(), X.NCols(), X.Values)
	profiles := unitRows(len(t.Classes), X.NCols(), t.Profiles)
	sims := mat.NewDense(X.NRows(), len(t.Classes), out.Values)
	sims.Mul(samples, profiles.T())
	return out, nil
}

// unitRows copies a row-major matrix and scales each row to unit length. Zero
// rows stay zero so that their similarities come out as 0.
func unitRows(r, c int, values []float64) *mat.Dense {
	m := mat.NewDense(r, c, append([]float64(nil), values...))
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		if n := floats.Norm(row, 2); n != 0 {
			floats.Scale(1/n, row)
		}
	}
	return m
}

func aggregate(aggFunc string, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch aggFunc {
	case AggSum:
		return floats.Sum(values)
	case AggMean:
		return stat.Mean(values, nil)
	case AggMedian:
		return median(values)
	case AggIQM:
		return interquartileMean(values)
	}
	return math.NaN()
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// interquartileMean is the mean of the values between the first and third
// quartiles, inclusive.
func interquartileMean(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q := percentiles(sorted, []float64{0.25, 0.75})
	q1, q3 := q[0], q[1]
	var sum float64
	var n int
	for _, v := range sorted {
		if v >= q1 && v <= q3 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return median(sorted)
	}
	return sum / float64(n)
}

// NoiseProfileAdder adds a fixed background of pseudo-counts to every sample so
// that samples with near-zero counts do not yield degenerate similarities. The
// background is the per-feature median of the normalised class profiles.
type NoiseProfileAdder struct {
	NoiseCounts float64
	AggFunc     string

	FeatureNamesIn []string
	NoiseProfile   []float64
}

func NewNoiseProfileAdder(noiseCounts float64, aggFunc string) (*NoiseProfileAdder, error) {
	if noiseCounts < 0 {
		return nil, fmt.Errorf("%w: noise counts must be non-negative, got %v", pipeline.ErrInvalidConfig, noiseCounts)
	}
	if err := checkAggFunc(aggFunc); err != nil {
		return nil, err
	}
	return &NoiseProfileAdder{NoiseCounts: noiseCounts, AggFunc: aggFunc}, nil
}

func (a *NoiseProfileAdder) Unfitted() pipeline.Step {
	return &NoiseProfileAdder{NoiseCounts: a.NoiseCounts, AggFunc: a.AggFunc}
}

func (a *NoiseProfileAdder) Fit(ctx context.Context, X *frame.Frame, y frame.Labels) error {
	profiles := &ProfileSimilarityTransformer{AggFunc: a.AggFunc, NormalizeProfiles: true}
	if err := profiles.Fit(ctx, X, y); err != nil {
		return fmt.Errorf("noise profile: %w", err)
	}
	a.FeatureNamesIn = profiles.FeatureNamesIn
	a.NoiseProfile = make([]float64, len(a.FeatureNamesIn))
	column := make([]float64, len(profiles.Classes))
	for j := range a.NoiseProfile {
		for k := range profiles.Classes {
			column[k] = profiles.profile(k)[j]
		}
		a.NoiseProfile[j] = median(column)
	}
	return nil
}

func (a *NoiseProfileAdder) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	if a.NoiseProfile == nil {
		return nil, fmt.Errorf("noise profile: %w", pipeline.ErrNotFitted)
	}
	out, err := X.Select(a.FeatureNamesIn)
	if err != nil {
		return nil, err
	}
	for i := 0; i < out.NRows(); i++ {
		floats.AddScaled(out.Row(i), a.NoiseCounts, a.NoiseProfile)
	}
	return out, nil
}
