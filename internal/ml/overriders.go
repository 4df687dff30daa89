package ml

import (
	"context"
	"math"
	"strings"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

// FusionOverride says that a present fusion feature FeatPrefix+FeatBasename
// implicates TargetClass.
type FusionOverride struct {
	FeatPrefix   string
	FeatBasename string
	TargetClass  string
}

func (o FusionOverride) Feature() string { return o.FeatPrefix + o.FeatBasename }

// FusionProbOverrider concentrates probability on the classes implicated by a
// sample's fusions. Fusion presence is read from the per-call covariates.
type FusionProbOverrider struct {
	Overrides     []FusionOverride
	MaskBaseValue float64
	Bypass        bool
}

func NewFusionProbOverrider(overrides []FusionOverride, maskBaseValue float64) *FusionProbOverrider {
	return &FusionProbOverrider{Overrides: overrides, MaskBaseValue: maskBaseValue}
}

func (o *FusionProbOverrider) Fit(context.Context, *frame.Frame, frame.Labels) error { return nil }

// Transform multiplies the probabilities of a sample with at least one matching
// fusion by 1 for implicated classes and MaskBaseValue for the rest, then
// renormalises the row. Other samples pass through.
func (o *FusionProbOverrider) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	cov := pipeline.CovariatesFrom(ctx)
	if o.Bypass || len(o.Overrides) == 0 || cov == nil || cov.Fusions == nil {
		return X, nil
	}
	fusions := cov.Fusions

	type rule struct {
		col    int
		target int
	}
	var rules []rule
	for _, ov := range o.Overrides {
		j, ok := fusions.ColIndex(ov.Feature())
		if !ok {
			continue
		}
		k, ok := X.ColIndex(ov.TargetClass)
		if !ok {
			continue
		}
		rules = append(rules, rule{col: j, target: k})
	}
	if len(rules) == 0 {
		return X, nil
	}

	out := X.Clone()
	mask := make([]float64, out.NCols())
	for i, id := range out.Index {
		fi, ok := fusions.RowIndex(id)
		if !ok {
			continue
		}
		for k := range mask {
			mask[k] = o.MaskBaseValue
		}
		matched := false
		for _, r := range rules {
			if v := fusions.At(fi, r.col); v > 0 && !math.IsNaN(v) {
				mask[r.target] = 1
				matched = true
			}
		}
		if !matched {
			continue
		}
		row := out.Row(i)
		for k := range row {
			row[k] *= mask[k]
		}
		frame.NormalizeInPlace(row)
	}
	return out, nil
}

func (o *FusionProbOverrider) PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	return o.Transform(ctx, X)
}

// SexProbFilter removes probability mass from classes incompatible with a
// sample's sex. Classes are matched by case-insensitive substring against the
// keyword lists. Samples of unknown sex pass through.
type SexProbFilter struct {
	MaleKeywords   []string
	FemaleKeywords []string
	Bypass         bool
}

func NewSexProbFilter(maleKeywords, femaleKeywords []string) *SexProbFilter {
	return &SexProbFilter{MaleKeywords: maleKeywords, FemaleKeywords: femaleKeywords}
}

func (f *SexProbFilter) Fit(context.Context, *frame.Frame, frame.Labels) error { return nil }

func matchesAny(class string, keywords []string) bool {
	class = strings.ToLower(class)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(class, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (f *SexProbFilter) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	cov := pipeline.CovariatesFrom(ctx)
	if f.Bypass || cov == nil || len(cov.IsMale) == 0 {
		return X, nil
	}

	maleOnly := make([]bool, X.NCols())
	femaleOnly := make([]bool, X.NCols())
	for k, class := range X.Columns {
		maleOnly[k] = matchesAny(class, f.MaleKeywords)
		femaleOnly[k] = matchesAny(class, f.FemaleKeywords)
	}

	out := X.Clone()
	for i, id := range out.Index {
		isMale, known := cov.IsMale[id]
		if !known {
			continue
		}
		excluded := femaleOnly
		if !isMale {
			excluded = maleOnly
		}
		row := out.Row(i)
		for k := range row {
			if excluded[k] {
				row[k] = 0
			}
		}
		frame.NormalizeInPlace(row)
	}
	return out, nil
}

func (f *SexProbFilter) PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	return f.Transform(ctx, X)
}
