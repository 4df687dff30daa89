// Package features provides the preprocessing and feature-engineering steps used
// by the sub-classifiers: count compression, max scaling, row filtering,
// chi-squared feature selection, cosine similarity to class profiles and
// per-class cohort quantiles.
//
// All steps are stateful at fit time and read-only at transform time.
package features

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

func init() {
	gob.Register(&Log1p{})
	gob.Register(&MaxScaler{})
	gob.Register(&NonBestSimilarityScaler{})
	gob.Register(&NaRowFilter{})
	gob.Register(&Chi2FeatureSelector{})
	gob.Register(&MaxScaledChi2FeatureSelector{})
	gob.Register(&ProfileSimilarityTransformer{})
	gob.Register(&NoiseProfileAdder{})
}

// Log1p applies ln(x+1) elementwise. It compresses heavy-tailed counts.
type Log1p struct{}

func (t *Log1p) Fit(context.Context, *frame.Frame, frame.Labels) error { return nil }

func (t *Log1p) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	return X.Clone().Apply(math.Log1p), nil
}

// GobEncode lets Log1p persist despite having no fields.
func (t *Log1p) GobEncode() ([]byte, error) { return []byte{}, nil }
func (t *Log1p) GobDecode([]byte) error     { return nil }

// MaxScaler divides each column by its training maximum.
type MaxScaler struct {
	Clip bool

	FeatureNamesIn []string
	Max            []float64
}

// NewMaxScaler returns a scaler clamping its output to [0, 1] when clip is set.
func NewMaxScaler(clip bool) *MaxScaler {
	return &MaxScaler{Clip: clip}
}

func (s *MaxScaler) Unfitted() pipeline.Step { return NewMaxScaler(s.Clip) }

func (s *MaxScaler) Fit(_ context.Context, X *frame.Frame, _ frame.Labels) error {
	s.FeatureNamesIn = append([]string(nil), X.Columns...)
	s.Max = make([]float64, X.NCols())
	for j := range s.Max {
		s.Max[j] = math.Inf(-1)
	}
	for i := 0; i < X.NRows(); i++ {
		for j, v := range X.Row(i) {
			if v > s.Max[j] {
				s.Max[j] = v
			}
		}
	}
	for j, m := range s.Max {
		if math.IsInf(m, -1) {
			s.Max[j] = 0
		}
	}
	return nil
}

// Transform scales the fitted columns of X, in fitted order.
func (s *MaxScaler) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	if s.Max == nil {
		return nil, fmt.Errorf("max scaler: %w", pipeline.ErrNotFitted)
	}
	out, err := X.Select(s.FeatureNamesIn)
	if err != nil {
		return nil, fmt.Errorf("max scaler: %w", err)
	}
	for i := 0; i < out.NRows(); i++ {
		row := out.Row(i)
		for j, v := range row {
			row[j] = s.scale(v, s.Max[j])
		}
	}
	return out, nil
}

func (s *MaxScaler) scale(v, max float64) float64 {
	if max == 0 {
		if math.IsNaN(v) {
			return v
		}
		return 0
	}
	v /= max
	if s.Clip {
		v = math.Max(0, math.Min(1, v))
	}
	return v
}

// subset returns a fitted scaler restricted to the named columns.
func (s *MaxScaler) subset(columns []string) (*MaxScaler, error) {
	pos := make(map[string]int, len(s.FeatureNamesIn))
	for j, c := range s.FeatureNamesIn {
		pos[c] = j
	}
	out := &MaxScaler{Clip: s.Clip, FeatureNamesIn: columns, Max: make([]float64, len(columns))}
	for k, c := range columns {
		j, ok := pos[c]
		if !ok {
			return nil, &frame.MissingColumnsError{Columns: []string{c}}
		}
		out.Max[k] = s.Max[j]
	}
	return out, nil
}

// NonBestSimilarityScaler widens the gap between the best similarity of a
// sample and every other similarity: each value v in a row with maximum m is
// multiplied by (v - m + 1) ** Exponent.
type NonBestSimilarityScaler struct {
	Exponent float64
}

func NewNonBestSimilarityScaler(exponent float64) *NonBestSimilarityScaler {
	return &NonBestSimilarityScaler{Exponent: exponent}
}

func (s *NonBestSimilarityScaler) Fit(context.Context, *frame.Frame, frame.Labels) error { return nil }

func (s *NonBestSimilarityScaler) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	out := X.Clone()
	for i := 0; i < out.NRows(); i++ {
		row := out.Row(i)
		best := math.Inf(-1)
		for _, v := range row {
			if v > best {
				best = v
			}
		}
		for j, v := range row {
			row[j] = math.Pow(v-best+1, s.Exponent) * v
		}
	}
	return out, nil
}
