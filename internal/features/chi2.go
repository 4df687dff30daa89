package features

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

// Selection modes for Chi2FeatureSelector.
const (
	ModePValue = "pvalue"
	ModeQValue = "qvalue"
	ModeFDR    = "fdr"
	ModeRank   = "rank"
	ModeKBest  = "k_best"
)

// Chi2FeatureSelector keeps the features most associated with the class labels
// by a chi-squared test of per-class feature totals.
type Chi2FeatureSelector struct {
	Mode      string
	Threshold float64

	FeatureNamesIn []string
	Scores         []float64
	PValues        []float64
	QValues        []float64
	Ranks          []int
	Selected       []string
}

// NewChi2FeatureSelector validates mode and threshold. For rank and k_best the
// threshold is a positive integer count; otherwise a probability in [0, 1].
func NewChi2FeatureSelector(mode string, threshold float64) (*Chi2FeatureSelector, error) {
	switch mode {
	case ModeRank, ModeKBest:
		if threshold < 1 || threshold != math.Trunc(threshold) {
			return nil, fmt.Errorf("%w: chi2 threshold must be a positive integer for mode %q, got %v", pipeline.ErrInvalidConfig, mode, threshold)
		}
	case ModePValue, ModeQValue, ModeFDR:
		if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
			return nil, fmt.Errorf("%w: chi2 threshold must be in [0, 1] for mode %q, got %v", pipeline.ErrInvalidConfig, mode, threshold)
		}
	default:
		return nil, fmt.Errorf("%w: chi2 mode must be one of pvalue, qvalue, fdr, rank, k_best, got %q", pipeline.ErrInvalidConfig, mode)
	}
	return &Chi2FeatureSelector{Mode: mode, Threshold: threshold}, nil
}

func (s *Chi2FeatureSelector) Unfitted() pipeline.Step {
	return &Chi2FeatureSelector{Mode: s.Mode, Threshold: s.Threshold}
}

func (s *Chi2FeatureSelector) Fit(_ context.Context, X *frame.Frame, y frame.Labels) error {
	if err := frame.CheckAligned(X, y); err != nil {
		return err
	}
	scores, pvalues, err := chi2(X, y)
	if err != nil {
		return err
	}
	s.FeatureNamesIn = append([]string(nil), X.Columns...)
	s.Scores = scores
	s.PValues = pvalues
	s.QValues = bhAdjust(pvalues)
	s.Ranks = rankAscending(pvalues)
	s.Selected = s.selectedFeatures()
	return nil
}

func (s *Chi2FeatureSelector) selectedFeatures() []string {
	var out []string
	for j, name := range s.FeatureNamesIn {
		var keep bool
		switch s.Mode {
		case ModePValue:
			keep = s.PValues[j] < s.Threshold
		case ModeQValue, ModeFDR:
			keep = s.QValues[j] < s.Threshold
		case ModeRank, ModeKBest:
			keep = float64(s.Ranks[j]) <= s.Threshold
		}
		if keep {
			out = append(out, name)
		}
	}
	return out
}

// SelectedFeatures returns the names passing the configured test, in input order.
func (s *Chi2FeatureSelector) SelectedFeatures() []string { return s.Selected }

func (s *Chi2FeatureSelector) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	if s.FeatureNamesIn == nil {
		return nil, fmt.Errorf("chi2 selector: %w", pipeline.ErrNotFitted)
	}
	return X.Select(s.Selected)
}

// chi2 computes, per feature, the chi-squared statistic of observed per-class
// feature totals against totals expected from class frequencies, and its p-value
// with (n_classes - 1) degrees of freedom. X must be non-negative.
func chi2(X *frame.Frame, y frame.Labels) ([]float64, []float64, error) {
	classes := y.Classes()
	if len(classes) < 2 {
		return nil, nil, fmt.Errorf("chi2: need at least 2 classes, got %d", len(classes))
	}
	classPos := make(map[string]int, len(classes))
	for k, c := range classes {
		classPos[c] = k
	}

	nFeat := X.NCols()
	observed := make([][]float64, len(classes))
	for k := range observed {
		observed[k] = make([]float64, nFeat)
	}
	classCount := make([]float64, len(classes))
	for i := 0; i < X.NRows(); i++ {
		k := classPos[y[i]]
		classCount[k]++
		for j, v := range X.Row(i) {
			if v < 0 || math.IsNaN(v) {
				return nil, nil, fmt.Errorf("chi2: input must be non-negative, got %v for sample %s feature %s", v, X.Index[i], X.Columns[j])
			}
			observed[k][j] += v
		}
	}

	n := float64(X.NRows())
	dist := distuv.ChiSquared{K: float64(len(classes) - 1)}
	scores := make([]float64, nFeat)
	pvalues := make([]float64, nFeat)
	for j := 0; j < nFeat; j++ {
		var total float64
		for k := range classes {
			total += observed[k][j]
		}
		var stat float64
		for k := range classes {
			expected := classCount[k] / n * total
			d := observed[k][j] - expected
			stat += d * d / expected
		}
		scores[j] = stat
		if math.IsNaN(stat) {
			pvalues[j] = math.NaN()
			continue
		}
		pvalues[j] = dist.Survival(stat)
	}
	return scores, pvalues, nil
}

// bhAdjust returns Benjamini-Hochberg adjusted q-values. NaN p-values stay NaN
// and do not count towards the number of tests.
func bhAdjust(pvalues []float64) []float64 {
	idx := make([]int, 0, len(pvalues))
	for j, p := range pvalues {
		if !math.IsNaN(p) {
			idx = append(idx, j)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return pvalues[idx[a]] < pvalues[idx[b]] })

	q := make([]float64, len(pvalues))
	for j := range q {
		q[j] = math.NaN()
	}
	m := float64(len(idx))
	running := 1.0
	for r := len(idx) - 1; r >= 0; r-- {
		j := idx[r]
		v := pvalues[j] * m / float64(r+1)
		if v < running {
			running = v
		}
		q[j] = running
	}
	return q
}

// rankAscending ranks p-values from 1 (smallest). Ties keep input order and NaN
// values take the worst ranks.
func rankAscending(pvalues []float64) []int {
	idx := make([]int, len(pvalues))
	for j := range idx {
		idx[j] = j
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := pvalues[idx[a]], pvalues[idx[b]]
		if math.IsNaN(pb) {
			return !math.IsNaN(pa)
		}
		return pa < pb
	})
	ranks := make([]int, len(pvalues))
	for r, j := range idx {
		ranks[j] = r + 1
	}
	return ranks
}

// MaxScaledChi2FeatureSelector is max scaling followed by chi-squared selection.
// At transform time only the selected columns are scaled, which avoids scaling
// tens of thousands of columns that would be discarded.
type MaxScaledChi2FeatureSelector struct {
	Scaler   *MaxScaler
	Selector *Chi2FeatureSelector

	SelectedScaler *MaxScaler
}

func NewMaxScaledChi2FeatureSelector(mode string, threshold float64) (*MaxScaledChi2FeatureSelector, error) {
	sel, err := NewChi2FeatureSelector(mode, threshold)
	if err != nil {
		return nil, err
	}
	return &MaxScaledChi2FeatureSelector{Scaler: NewMaxScaler(true), Selector: sel}, nil
}

func (s *MaxScaledChi2FeatureSelector) Unfitted() pipeline.Step {
	out := &MaxScaledChi2FeatureSelector{}
	if s.Scaler != nil {
		out.Scaler = NewMaxScaler(s.Scaler.Clip)
	}
	if s.Selector != nil {
		out.Selector = &Chi2FeatureSelector{Mode: s.Selector.Mode, Threshold: s.Selector.Threshold}
	}
	return out
}

func (s *MaxScaledChi2FeatureSelector) Fit(ctx context.Context, X *frame.Frame, y frame.Labels) error {
	if err := s.Scaler.Fit(ctx, X, y); err != nil {
		return err
	}
	scaled, err := s.Scaler.Transform(ctx, X)
	if err != nil {
		return err
	}
	if err := s.Selector.Fit(ctx, scaled, y); err != nil {
		return err
	}
	s.SelectedScaler, err = s.Scaler.subset(s.Selector.Selected)
	return err
}

func (s *MaxScaledChi2FeatureSelector) SelectedFeatures() []string { return s.Selector.Selected }

func (s *MaxScaledChi2FeatureSelector) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	if s.SelectedScaler == nil {
		return nil, fmt.Errorf("max scaled chi2 selector: %w", pipeline.ErrNotFitted)
	}
	sub, err := X.Select(s.Selector.Selected)
	if err != nil {
		return nil, err
	}
	return s.SelectedScaler.Transform(ctx, sub)
}
