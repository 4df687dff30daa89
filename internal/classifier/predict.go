package classifier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"cuppa/internal/frame"
	"cuppa/internal/ml"
	"cuppa/internal/pipeline"
	"cuppa/internal/prediction"
)

// probSource locates the probabilities of one classifier in a layer output.
type probSource struct {
	name   string
	group  string
	layer  string // StepSubClfs, StepMetaClfs or "" for the combiner output
	prefix string
}

// probSources lists every reported classifier in output order.
var probSources = []probSource{
	{Combined, prediction.ClfGroupCombined, "", ""},
	{DNACombined, prediction.ClfGroupDNA, StepMetaClfs, DNACombined + "__"},
	{GenPos, prediction.ClfGroupDNA, StepSubClfs, GenPos + "__"},
	{SNV96, prediction.ClfGroupDNA, StepSubClfs, SNV96 + "__"},
	{Event, prediction.ClfGroupDNA, StepSubClfs, Event + "__"},
	{RNACombined, prediction.ClfGroupRNA, StepMetaClfs, RNACombined + "__"},
	{GeneExp, prediction.ClfGroupRNA, StepSubClfs, GeneExp + "__"},
	{AltSJ, prediction.ClfGroupRNA, StepSubClfs, AltSJ + "__"},
}

func (c *Classifier) observePredict(start time.Time, n int, err error) {
	if c.metrics == nil {
		return
	}
	if err != nil {
		c.metrics.PredictFailuresInc()
		return
	}
	c.metrics.PredictDurationObserve(time.Since(start).Seconds())
	c.metrics.SamplesPredictedAdd(float64(n))
}

// PredictProba returns the probabilities of every layer: one row per sample and
// classifier, ordered by sample and then combined, DNA, RNA classifiers. A
// classifier that did not see a class at training gives it 0; samples a
// classifier skipped, such as samples without RNA, get a NaN row.
func (c *Classifier) PredictProba(ctx context.Context, X *frame.Frame) (pred *prediction.Prediction, err error) {
	start := time.Now()
	defer func() { c.observePredict(start, X.NRows(), err) }()
	return c.predictProba(ctx, X)
}

func (c *Classifier) predictProba(ctx context.Context, X *frame.Frame) (*prediction.Prediction, error) {
	if !c.Fitted() {
		return nil, fmt.Errorf("classifier: %w", pipeline.ErrNotFitted)
	}
	if err := c.CheckFeatures(X); err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	cov, err := Covariates(X)
	if err != nil {
		return nil, err
	}
	ctx = pipeline.WithCovariates(ctx, cov)

	combined, layers, err := c.Pipeline.TransformUntil(ctx, X, "", []string{StepSubClfs, StepMetaClfs})
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	layers[""] = combined

	type located struct {
		probSource
		out *frame.Frame
		pos []int // column of each class in out, -1 when absent
	}
	sources := make([]located, len(probSources))
	for s, src := range probSources {
		out := layers[src.layer]
		pos := make([]int, len(c.Classes))
		for k, class := range c.Classes {
			if j, ok := out.ColIndex(src.prefix + class); ok {
				pos[k] = j
			} else {
				pos[k] = -1
			}
		}
		sources[s] = located{probSource: src, out: out, pos: pos}
	}

	pred := &prediction.Prediction{Classes: c.Classes, Rows: make([]prediction.Row, 0, X.NRows()*len(sources))}
	for _, id := range X.Index {
		for _, src := range sources {
			pred.Rows = append(pred.Rows, prediction.Row{
				SampleID:  id,
				DataType:  prediction.DataTypeProb,
				ClfGroup:  src.group,
				ClfName:   src.name,
				FeatValue: math.NaN(),
				Values:    alignedProbs(src.out, id, src.pos),
			})
		}
	}

	log.Debug().Int("n_samples", X.NRows()).Int("n_rows", len(pred.Rows)).Msg("Predicted probabilities")
	return pred, nil
}

// alignedProbs returns the row of sample id in out, mapped to class positions.
// Absent classes are 0 unless the whole row is missing.
func alignedProbs(out *frame.Frame, id string, pos []int) []float64 {
	vals := make([]float64, len(pos))
	i, ok := out.RowIndex(id)
	missing := true
	if ok {
		for k, j := range pos {
			if j < 0 {
				continue
			}
			vals[k] = out.At(i, j)
			if !math.IsNaN(vals[k]) {
				missing = false
			}
		}
	}
	if missing {
		for k := range vals {
			vals[k] = math.NaN()
		}
	}
	return vals
}

// Predict returns the probabilities of PredictProba together with the feature
// contributions of the event classifier and the signature cohort quantiles.
func (c *Classifier) Predict(ctx context.Context, X *frame.Frame) (pred *prediction.Prediction, err error) {
	start := time.Now()
	defer func() { c.observePredict(start, X.NRows(), err) }()

	probs, err := c.predictProba(ctx, X)
	if err != nil {
		return nil, err
	}
	contribs, err := c.eventContributions(ctx, X)
	if err != nil {
		return nil, err
	}
	quantiles, err := c.sigQuantiles(ctx, X)
	if err != nil {
		return nil, err
	}
	pred = prediction.Concat(probs, contribs, quantiles).Reorder(X.Index)

	log.Info().
		Int("n_samples", X.NRows()).
		Int("n_rows", len(pred.Rows)).
		Dur("elapsed", time.Since(start)).
		Msg("Predicted")
	return pred, nil
}

// eventContributions returns the per-feature logit contributions of the event
// classifier. Feature values are the raw inputs rather than the scaled ones.
func (c *Classifier) eventContributions(ctx context.Context, X *frame.Frame) (*prediction.Prediction, error) {
	p, err := c.SubPipeline(Event)
	if err != nil {
		return nil, err
	}
	eventX, err := X.Select(columnsWithPrefix(X, Event+"."))
	if err != nil {
		return nil, err
	}
	t, err := p.FeatContrib(ctx, eventX)
	if err != nil {
		return nil, fmt.Errorf("classifier: %s contributions: %w", Event, err)
	}
	if t == nil {
		return nil, nil
	}

	pred := fromLong(t, c.Classes, prediction.DataTypeFeatContrib, prediction.ClfGroupDNA, Event)
	for i := range pred.Rows {
		r := &pred.Rows[i]
		if r.FeatName == ml.PriorFeature {
			continue
		}
		if si, ok := eventX.RowIndex(r.SampleID); ok {
			if j, ok := eventX.ColIndex(r.FeatName); ok {
				r.FeatValue = eventX.At(si, j)
			}
		}
	}
	return pred, nil
}

func (c *Classifier) sigQuantiles(ctx context.Context, X *frame.Frame) (*prediction.Prediction, error) {
	if c.CohortQuantiles == nil {
		return nil, nil
	}
	t, err := c.CohortQuantiles.TransformLong(ctx, X)
	if err != nil {
		return nil, fmt.Errorf("classifier: %s quantiles: %w", Sig, err)
	}
	return fromLong(t, c.Classes, prediction.DataTypeSigQuantile, prediction.ClfGroupDNA, Sig), nil
}

// fromLong converts a long table to prediction rows aligned with classes.
// Classes absent from the table are NaN.
func fromLong(t *frame.LongTable, classes []string, dataType, group, clfName string) *prediction.Prediction {
	src := make(map[string]int, len(t.Classes))
	for k, class := range t.Classes {
		src[class] = k
	}
	pred := &prediction.Prediction{Classes: classes, Rows: make([]prediction.Row, len(t.Rows))}
	for i, r := range t.Rows {
		vals := make([]float64, len(classes))
		for k, class := range classes {
			if j, ok := src[class]; ok {
				vals[k] = r.Values[j]
			} else {
				vals[k] = math.NaN()
			}
		}
		pred.Rows[i] = prediction.Row{
			SampleID:  r.SampleID,
			DataType:  dataType,
			ClfGroup:  group,
			ClfName:   clfName,
			FeatName:  r.FeatName,
			FeatValue: r.FeatValue,
			Values:    vals,
		}
	}
	return pred
}

// FeatImp returns the logistic regression feature importances of every sub-
// and meta-classifier, one row per (classifier, feature) with one value per
// class. mode is "coef" or "shap".
func (c *Classifier) FeatImp(mode string) (*frame.LongTable, error) {
	if !c.Fitted() {
		return nil, fmt.Errorf("classifier: %w", pipeline.ErrNotFitted)
	}
	names := append(append(append([]string(nil), dnaSubClfs...), rnaSubClfs...), DNACombined, RNACombined)
	out := &frame.LongTable{Classes: c.Classes}
	for _, name := range names {
		lr, err := c.logistic(name)
		if err != nil {
			return nil, err
		}
		imp, err := lr.FeatImp(mode)
		if err != nil {
			return nil, fmt.Errorf("classifier: %s: %w", name, err)
		}
		for j, feat := range imp.Columns {
			vals := make([]float64, len(c.Classes))
			for k, class := range c.Classes {
				if i, ok := imp.RowIndex(class); ok {
					vals[k] = imp.At(i, j)
				} else {
					vals[k] = math.NaN()
				}
			}
			out.Rows = append(out.Rows, frame.LongRow{ClfName: name, FeatName: feat, FeatValue: math.NaN(), Values: vals})
		}
	}
	return out, nil
}
