// Package classifier assembles the full cancer-type classifier: five
// per-modality sub-classifiers, two meta-classifiers combining them per data
// type (DNA, RNA) with calibration and probability overrides, and a final
// combination of the DNA and RNA probabilities.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cuppa/internal/cfg"
	"cuppa/internal/dataio"
	"cuppa/internal/features"
	"cuppa/internal/frame"
	"cuppa/internal/ml"
	"cuppa/internal/pipeline"
)

// Top-level steps.
const (
	StepSubClfs  = "sub_clfs"
	StepMetaClfs = "meta_clfs"
	StepCombiner = "prob_combiner"
)

// Classifier names.
const (
	GenPos      = "gen_pos"
	SNV96       = "snv96"
	Event       = "event"
	GeneExp     = "gene_exp"
	AltSJ       = "alt_sj"
	DNACombined = "dna_combined"
	RNACombined = "rna_combined"
	Combined    = "combined"

	// Sig names the signature cohort quantiles, which are reported but do not
	// feed the prediction.
	Sig = "sig"
)

// Named steps inside the sub- and meta-classifier pipelines.
const (
	stepLR         = "logistic_regression"
	stepCalibrator = "calibrator"
	stepChi2       = "chi2"
	stepScaler     = "max_scaler"
	stepSimilarity = "cos_sim"
)

const (
	// AbsentValue marks a feature group that is entirely absent for a sample,
	// as opposed to present with a value of zero.
	AbsentValue = dataio.AbsentValue

	IsMaleFeature = "event.trait.is_male"
	FusionPrefix  = "event.fusion."

	// CacheNamespace groups the cached fitted steps of the top-level pipeline.
	CacheNamespace = "cuppa"
)

var (
	dnaSubClfs = []string{GenPos, SNV96, Event}
	rnaSubClfs = []string{GeneExp, AltSJ}
)

// featurePattern selects the input columns of a sub-classifier.
func featurePattern(name string) string {
	return "^" + regexp.QuoteMeta(name+".")
}

// MetricsInterface defines the metrics the classifier reports.
type MetricsInterface interface {
	pipeline.Recorder
	FitDurationObserve(float64)
	PredictDurationObserve(float64)
	SamplesPredictedAdd(float64)
	FitFailuresInc()
	PredictFailuresInc()
	ModelClassesSet(float64)
}

// Classifier is the three-layer model. Its exported fields are its persisted
// state; per-call sample covariates are never stored on it.
type Classifier struct {
	Config    cfg.Config
	Overrides []ml.FusionOverride

	Pipeline        *pipeline.Pipeline
	CohortQuantiles *features.SigCohortQuantileTransformer

	Classes        []string
	FeatureNamesIn []string
	NSamples       int
	RunID          string
	FittedAt       time.Time

	metrics MetricsInterface
	cache   pipeline.Cache
}

// New validates config and returns an unfitted classifier. overrides are the
// fusion override rules of the DNA meta-classifier and may be empty.
func New(config cfg.Config, overrides []ml.FusionOverride) (*Classifier, error) {
	return NewWithMetrics(config, overrides, nil)
}

func NewWithMetrics(config cfg.Config, overrides []ml.FusionOverride, metrics MetricsInterface) (*Classifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidConfig, err)
	}
	c := &Classifier{Config: config, Overrides: overrides, metrics: metrics}
	if _, err := c.build(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithCache makes Fit reuse fitted top-level steps stored in cache.
func (c *Classifier) WithCache(cache pipeline.Cache) *Classifier {
	c.cache = cache
	return c
}

// WithMetrics attaches metrics, e.g. after loading a persisted classifier.
func (c *Classifier) WithMetrics(m MetricsInterface) *Classifier {
	c.metrics = m
	return c
}

func (c *Classifier) Fitted() bool { return c.Pipeline != nil && c.Classes != nil }

func newLogistic(l cfg.Logistic) (*ml.LogisticRegression, error) {
	m, err := ml.NewLogisticRegression(l.Penalty, l.C)
	if err != nil {
		return nil, err
	}
	if l.Solver != "" {
		m.Solver = l.Solver
	}
	m.MaxIter = l.MaxIter
	m.Tol = l.Tol
	return m, nil
}

func (c *Classifier) newCalibrator() (*ml.RollingAvgCalibration, error) {
	cc := c.Config.Calibration
	cal, err := ml.NewRollingAvgCalibration(cc.Window, cc.NTrueExponent, cc.MinTrueSamples, cc.Kernel, cc.EdgeWeight)
	if err != nil {
		return nil, err
	}
	cal.Bypass = cc.Bypass
	return cal, nil
}

func (c *Classifier) newSexFilter() *ml.SexProbFilter {
	f := ml.NewSexProbFilter(c.Config.SexFilter.MaleKeywords, c.Config.SexFilter.FemaleKeywords)
	f.Bypass = c.Config.SexFilter.Bypass
	return f
}

func (c *Classifier) buildGenPos() (*pipeline.Pipeline, error) {
	gp := c.Config.SubClassifiers.GenPos
	noise, err := features.NewNoiseProfileAdder(gp.NoiseCounts, gp.AggFunc)
	if err != nil {
		return nil, err
	}
	sim, err := features.NewProfileSimilarityTransformer(gp.AggFunc, gp.CountCeiling, true, "")
	if err != nil {
		return nil, err
	}
	lr, err := newLogistic(gp.Logistic)
	if err != nil {
		return nil, err
	}
	return pipeline.New(
		pipeline.NamedStep{Name: "noise_adder", Step: noise},
		pipeline.NamedStep{Name: stepSimilarity, Step: sim},
		pipeline.NamedStep{Name: "non_best_scaler", Step: features.NewNonBestSimilarityScaler(gp.NonBestExponent)},
		pipeline.NamedStep{Name: stepLR, Step: lr},
	), nil
}

func (c *Classifier) buildSNV96() (*pipeline.Pipeline, error) {
	lr, err := newLogistic(c.Config.SubClassifiers.SNV96.Logistic)
	if err != nil {
		return nil, err
	}
	return pipeline.New(
		pipeline.NamedStep{Name: "log1p", Step: &features.Log1p{}},
		pipeline.NamedStep{Name: stepScaler, Step: features.NewMaxScaler(true)},
		pipeline.NamedStep{Name: stepLR, Step: lr},
	), nil
}

func (c *Classifier) buildEvent() (*pipeline.Pipeline, error) {
	lr, err := newLogistic(c.Config.SubClassifiers.Event.Logistic)
	if err != nil {
		return nil, err
	}
	return pipeline.New(
		pipeline.NamedStep{Name: stepScaler, Step: features.NewMaxScaler(true)},
		pipeline.NamedStep{Name: stepLR, Step: lr},
	), nil
}

func (c *Classifier) buildRNA(rc cfg.RNA, logTransform bool) (*pipeline.Pipeline, error) {
	naFilter, err := features.NewNaRowFilter("", true)
	if err != nil {
		return nil, err
	}
	chi2, err := features.NewMaxScaledChi2FeatureSelector(rc.Chi2Mode, rc.Chi2Threshold)
	if err != nil {
		return nil, err
	}
	lr, err := newLogistic(rc.Logistic)
	if err != nil {
		return nil, err
	}
	steps := []pipeline.NamedStep{{Name: "na_filter", Step: naFilter}}
	if logTransform {
		steps = append(steps, pipeline.NamedStep{Name: "log1p", Step: &features.Log1p{}})
	}
	steps = append(steps,
		pipeline.NamedStep{Name: stepChi2, Step: chi2},
		pipeline.NamedStep{Name: stepLR, Step: lr},
	)
	return pipeline.New(steps...), nil
}

func (c *Classifier) buildDNACombined() (*pipeline.Pipeline, error) {
	lr, err := newLogistic(c.Config.MetaClassifiers.DNACombined)
	if err != nil {
		return nil, err
	}
	cal, err := c.newCalibrator()
	if err != nil {
		return nil, err
	}
	fusion := ml.NewFusionProbOverrider(c.Overrides, c.Config.FusionOverrides.MaskBaseValue)
	fusion.Bypass = c.Config.FusionOverrides.Bypass
	return pipeline.New(
		pipeline.NamedStep{Name: stepLR, Step: lr},
		pipeline.NamedStep{Name: stepCalibrator, Step: cal},
		pipeline.NamedStep{Name: "fusion_overrider", Step: fusion},
		pipeline.NamedStep{Name: "sex_filter", Step: c.newSexFilter()},
	), nil
}

func (c *Classifier) buildRNACombined() (*pipeline.Pipeline, error) {
	naFilter, err := features.NewNaRowFilter("", true)
	if err != nil {
		return nil, err
	}
	lr, err := newLogistic(c.Config.MetaClassifiers.RNACombined)
	if err != nil {
		return nil, err
	}
	cal, err := c.newCalibrator()
	if err != nil {
		return nil, err
	}
	return pipeline.New(
		pipeline.NamedStep{Name: "na_filter", Step: naFilter},
		pipeline.NamedStep{Name: stepLR, Step: lr},
		pipeline.NamedStep{Name: stepCalibrator, Step: cal},
		pipeline.NamedStep{Name: "sex_filter", Step: c.newSexFilter()},
	), nil
}

// metaPattern selects the sub-classifier outputs feeding a meta-classifier.
func metaPattern(subs []string) string {
	p := "^("
	for i, s := range subs {
		if i > 0 {
			p += "|"
		}
		p += regexp.QuoteMeta(s)
	}
	return p + ")__"
}

// build returns a new unfitted top-level pipeline from the configuration.
func (c *Classifier) build() (*pipeline.Pipeline, error) {
	sub := c.Config.SubClassifiers
	builders := []struct {
		name  string
		build func() (*pipeline.Pipeline, error)
	}{
		{GenPos, c.buildGenPos},
		{SNV96, c.buildSNV96},
		{Event, c.buildEvent},
		{GeneExp, func() (*pipeline.Pipeline, error) { return c.buildRNA(sub.GeneExp, false) }},
		{AltSJ, func() (*pipeline.Pipeline, error) { return c.buildRNA(sub.AltSJ, true) }},
	}
	nJobs := c.Config.Runtime.NJobs

	subSpecs := make([]pipeline.ColumnSpec, 0, len(builders))
	for _, b := range builders {
		p, err := b.build()
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", b.name, err)
		}
		subSpecs = append(subSpecs, pipeline.ColumnSpec{
			Name:    b.name,
			Step:    p,
			Columns: pipeline.Selector{Pattern: featurePattern(b.name)},
		})
	}

	dna, err := c.buildDNACombined()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", DNACombined, err)
	}
	rna, err := c.buildRNACombined()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", RNACombined, err)
	}
	metaSpecs := []pipeline.ColumnSpec{
		{Name: DNACombined, Step: dna, Columns: pipeline.Selector{Pattern: metaPattern(dnaSubClfs)}},
		{Name: RNACombined, Step: rna, Columns: pipeline.Selector{Pattern: metaPattern(rnaSubClfs)}},
	}

	combiner, err := ml.NewProbCombiner(c.Config.Combiner.Mode, c.Config.Combiner.ProbFloor)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", StepCombiner, err)
	}

	return pipeline.New(
		pipeline.NamedStep{Name: StepSubClfs, Step: pipeline.NewColumnTransformer(subSpecs, nJobs)},
		pipeline.NamedStep{Name: StepMetaClfs, Step: pipeline.NewColumnTransformer(metaSpecs, nJobs)},
		pipeline.NamedStep{Name: StepCombiner, Step: combiner},
	), nil
}

// Fit trains every layer on X and y, and fits the signature cohort quantiles
// on the sig columns of X.
func (c *Classifier) Fit(ctx context.Context, X *frame.Frame, y frame.Labels) (err error) {
	start := time.Now()
	defer func() {
		if err != nil && c.metrics != nil {
			c.metrics.FitFailuresInc()
		}
	}()

	if y == nil {
		return fmt.Errorf("classifier: labels are required")
	}
	if err := frame.CheckAligned(X, y); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	cov, err := Covariates(X)
	if err != nil {
		return err
	}
	ctx = pipeline.WithCovariates(ctx, cov)

	p, err := c.build()
	if err != nil {
		return err
	}
	if c.cache != nil {
		p.WithCache(c.cache, CacheNamespace)
	}
	if c.metrics != nil {
		p.WithRecorder(c.metrics)
	}

	log.Info().
		Int("n_samples", X.NRows()).
		Int("n_features", X.NCols()).
		Int("n_classes", len(y.Classes())).
		Msg("Fitting classifier")

	if err := p.Fit(ctx, X, y); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	var quantiles *features.SigCohortQuantileTransformer
	if sigCols := columnsWithPrefix(X, Sig+"."); len(sigCols) > 0 {
		quantiles, err = features.NewSigCohortQuantileTransformer(c.Config.SigQuantiles.NQuantiles, c.Config.SigQuantiles.ClipUpper, true)
		if err != nil {
			return err
		}
		sigX, err := X.Select(sigCols)
		if err != nil {
			return err
		}
		if err := quantiles.Fit(ctx, sigX, y); err != nil {
			return fmt.Errorf("classifier: %s quantiles: %w", Sig, err)
		}
	}

	c.Pipeline = p
	c.CohortQuantiles = quantiles
	c.Classes = y.Classes()
	c.FeatureNamesIn = append([]string(nil), X.Columns...)
	c.NSamples = X.NRows()
	c.RunID = uuid.NewString()
	c.FittedAt = time.Now().UTC()

	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.FitDurationObserve(elapsed.Seconds())
		c.metrics.ModelClassesSet(float64(len(c.Classes)))
	}
	log.Info().
		Str("run_id", c.RunID).
		Int("n_classes", len(c.Classes)).
		Dur("elapsed", elapsed).
		Msg("Fitted classifier")
	return nil
}

func columnsWithPrefix(X *frame.Frame, prefix string) []string {
	return X.ColumnsMatching(func(s string) bool { return strings.HasPrefix(s, prefix) })
}

// columnTransformer returns the fitted top-level ColumnTransformer step.
func (c *Classifier) columnTransformer(step string) (*pipeline.ColumnTransformer, error) {
	if !c.Fitted() {
		return nil, fmt.Errorf("classifier: %w", pipeline.ErrNotFitted)
	}
	s, ok := c.Pipeline.Step(step)
	if !ok {
		return nil, fmt.Errorf("classifier: no step %s", step)
	}
	ct, ok := s.(*pipeline.ColumnTransformer)
	if !ok {
		return nil, fmt.Errorf("classifier: step %s is %T, not a column transformer", step, s)
	}
	return ct, nil
}

// SubPipeline returns the fitted pipeline of a sub- or meta-classifier.
func (c *Classifier) SubPipeline(name string) (*pipeline.Pipeline, error) {
	for _, step := range []string{StepSubClfs, StepMetaClfs} {
		ct, err := c.columnTransformer(step)
		if err != nil {
			return nil, err
		}
		if s, ok := ct.Get(name); ok {
			p, ok := s.(*pipeline.Pipeline)
			if !ok {
				return nil, fmt.Errorf("classifier: %s is %T, not a pipeline", name, s)
			}
			return p, nil
		}
	}
	return nil, fmt.Errorf("classifier: no classifier named %s", name)
}

func (c *Classifier) logistic(name string) (*ml.LogisticRegression, error) {
	p, err := c.SubPipeline(name)
	if err != nil {
		return nil, err
	}
	s, ok := p.Step(stepLR)
	if !ok {
		return nil, fmt.Errorf("classifier: %s has no logistic regression", name)
	}
	lr, ok := s.(*ml.LogisticRegression)
	if !ok {
		return nil, fmt.Errorf("classifier: %s step %s is %T", name, stepLR, s)
	}
	return lr, nil
}
