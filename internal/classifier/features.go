package classifier

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"cuppa/internal/features"
	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

// ErrInvalidCovariate is returned when a covariate column holds a value outside
// its domain, e.g. a sex indicator that is neither 0 nor 1.
var ErrInvalidCovariate = errors.New("invalid covariate")

// Covariates extracts the per-sample sex and fusion indicators that the
// meta-classifiers need from the feature matrix. An is_male value of 1 means
// male, 0 female; NaN or AbsentValue leaves the sex unknown.
func Covariates(X *frame.Frame) (*pipeline.Covariates, error) {
	cov := &pipeline.Covariates{IsMale: make(map[string]bool)}
	if j, ok := X.ColIndex(IsMaleFeature); ok {
		for i, id := range X.Index {
			switch v := X.At(i, j); {
			case math.IsNaN(v), v == AbsentValue:
			case v == 1:
				cov.IsMale[id] = true
			case v == 0:
				cov.IsMale[id] = false
			default:
				return nil, fmt.Errorf("%w: %s of sample %s is %v, want 0 or 1", ErrInvalidCovariate, IsMaleFeature, id, v)
			}
		}
	}
	fusions, err := X.Select(columnsWithPrefix(X, FusionPrefix))
	if err != nil {
		return nil, err
	}
	cov.Fusions = fusions
	return cov, nil
}

// RequiredFeatures returns, per classifier, the input columns the fitted model
// reads. Features dropped by feature selection are not required.
func (c *Classifier) RequiredFeatures() (map[string][]string, error) {
	out := make(map[string][]string)

	gp, err := c.SubPipeline(GenPos)
	if err != nil {
		return nil, err
	}
	s, _ := gp.Step(stepSimilarity)
	sim, ok := s.(*features.ProfileSimilarityTransformer)
	if !ok {
		return nil, fmt.Errorf("classifier: %s has no profile similarity step", GenPos)
	}
	out[GenPos] = sim.FeatureNamesIn

	for _, name := range []string{SNV96, Event} {
		p, err := c.SubPipeline(name)
		if err != nil {
			return nil, err
		}
		s, _ := p.Step(stepScaler)
		scaler, ok := s.(*features.MaxScaler)
		if !ok {
			return nil, fmt.Errorf("classifier: %s has no max scaler", name)
		}
		out[name] = scaler.FeatureNamesIn
	}

	for _, name := range rnaSubClfs {
		p, err := c.SubPipeline(name)
		if err != nil {
			return nil, err
		}
		s, _ := p.Step(stepChi2)
		chi2, ok := s.(*features.MaxScaledChi2FeatureSelector)
		if !ok {
			return nil, fmt.Errorf("classifier: %s has no chi2 selector", name)
		}
		out[name] = chi2.SelectedFeatures()
	}

	if c.CohortQuantiles != nil {
		out[Sig] = c.CohortQuantiles.FeatureNamesIn
	}
	return out, nil
}

// CheckFeatures reports the required columns absent from X as a
// *frame.MissingColumnsError.
func (c *Classifier) CheckFeatures(X *frame.Frame) error {
	required, err := c.RequiredFeatures()
	if err != nil {
		return err
	}
	var missing []string
	for _, name := range append(append(append([]string(nil), dnaSubClfs...), rnaSubClfs...), Sig) {
		for _, col := range required[name] {
			if _, ok := X.ColIndex(col); !ok {
				missing = append(missing, col)
			}
		}
	}
	if len(missing) > 0 {
		return &frame.MissingColumnsError{Columns: missing}
	}
	return nil
}

// FillMissingCols adds the required columns absent from X. DNA features are
// filled with fill. RNA features are filled with fill only when the sample set
// has some RNA data; without any RNA columns they are NaN, so that the RNA
// classifiers skip every sample.
func (c *Classifier) FillMissingCols(X *frame.Frame, fill float64) (*frame.Frame, error) {
	required, err := c.RequiredFeatures()
	if err != nil {
		return nil, err
	}
	hasRNA := len(X.ColumnsMatching(isRNAFeature)) > 0

	var cols []string
	var values []float64
	add := func(names []string, v float64) {
		for _, col := range names {
			if _, ok := X.ColIndex(col); !ok {
				cols = append(cols, col)
				values = append(values, v)
			}
		}
	}
	for _, name := range append(append([]string(nil), dnaSubClfs...), Sig) {
		add(required[name], fill)
	}
	rnaFill := fill
	if !hasRNA {
		rnaFill = math.NaN()
	}
	for _, name := range rnaSubClfs {
		add(required[name], rnaFill)
	}
	if len(cols) == 0 {
		return X, nil
	}

	filler := frame.Filled(X.Index, cols, 0)
	for i := range X.Index {
		copy(filler.Row(i), values)
	}
	return frame.HConcat(X, filler), nil
}

func isRNAFeature(col string) bool {
	for _, name := range rnaSubClfs {
		if strings.HasPrefix(col, name+".") {
			return true
		}
	}
	return false
}
