package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuppa/internal/cfg"
	"cuppa/internal/dataio"
	"cuppa/internal/frame"
	"cuppa/internal/ml"
	"cuppa/internal/pipeline"
	"cuppa/internal/prediction"
	"cuppa/internal/storage"
)

var testClasses = []string{"Breast", "Lung", "Prostate"}

const (
	perClass     = 8
	fusionFeat   = FusionPrefix + "TMPRSS2_ERG"
	snvCountFeat = "event.tmb.snv_count"
)

// syntheticData builds a small cohort in which every feature group separates
// the three classes. The last Breast and Lung samples have no RNA data.
func syntheticData() (*frame.Frame, frame.Labels) {
	rng := rand.New(rand.NewSource(1))

	var cols []string
	for j := 0; j < 6; j++ {
		cols = append(cols, fmt.Sprintf("gen_pos.chr1_%d", j*1000000))
	}
	for j := 0; j < 6; j++ {
		cols = append(cols, fmt.Sprintf("snv96.C>T_A%dA", j))
	}
	cols = append(cols, snvCountFeat, IsMaleFeature, fusionFeat, "sig.SBS1", "sig.UV (SBS7)")
	for j := 0; j < 6; j++ {
		cols = append(cols, fmt.Sprintf("gene_exp.GENE%d", j))
	}
	for j := 0; j < 6; j++ {
		cols = append(cols, fmt.Sprintf("alt_sj.1;%d;%d", j*100, j*100+50))
	}

	var (
		index []string
		rows  [][]float64
		y     frame.Labels
	)
	for k, class := range testClasses {
		for s := 0; s < perClass; s++ {
			var row []float64
			signal := func(j int, high, low float64) float64 {
				if j/2 == k {
					return high + float64(rng.Intn(10))
				}
				return low + float64(rng.Intn(3))
			}
			for j := 0; j < 6; j++ {
				row = append(row, signal(j, 40, 5))
			}
			for j := 0; j < 6; j++ {
				row = append(row, signal(j, 30, 2))
			}

			isMale := 0.0
			if class == "Prostate" || (class == "Lung" && s%2 == 0) {
				isMale = 1
			}
			fusion := 0.0
			if class == "Prostate" && s < 3 {
				fusion = 1
			}
			row = append(row,
				float64(100*(k+1)+rng.Intn(20)),
				isMale,
				fusion,
				float64(10*(k+1))+rng.Float64(),
				5*rng.Float64(),
			)

			noRNA := s == perClass-1 && class != "Prostate"
			for j := 0; j < 12; j++ {
				if noRNA {
					row = append(row, math.NaN())
				} else {
					row = append(row, signal(j%6, 50, 2))
				}
			}

			index = append(index, fmt.Sprintf("%s_%02d", class, s))
			rows = append(rows, row)
			y = append(y, class)
		}
	}
	return frame.MustFromRows(index, cols, rows), y
}

func testConfig() cfg.Config {
	c := cfg.Default()
	for _, l := range []*cfg.Logistic{
		&c.SubClassifiers.GenPos.Logistic,
		&c.SubClassifiers.SNV96.Logistic,
		&c.SubClassifiers.Event.Logistic,
		&c.SubClassifiers.GeneExp.Logistic,
		&c.SubClassifiers.AltSJ.Logistic,
		&c.MetaClassifiers.DNACombined,
		&c.MetaClassifiers.RNACombined,
	} {
		l.MaxIter = 200
	}
	c.SubClassifiers.GeneExp.Chi2Mode = "k_best"
	c.SubClassifiers.GeneExp.Chi2Threshold = 4
	c.SubClassifiers.AltSJ.Chi2Mode = "k_best"
	c.SubClassifiers.AltSJ.Chi2Threshold = 4
	c.Calibration.MinTrueSamples = 3
	c.SigQuantiles.NQuantiles = 5
	c.CrossValidation.NFolds = 3
	c.Runtime.NJobs = 2
	return c
}

var testOverrides = []ml.FusionOverride{
	{FeatPrefix: FusionPrefix, FeatBasename: "TMPRSS2_ERG", TargetClass: "Prostate"},
}

func fitClassifier(t *testing.T, metrics MetricsInterface) (*Classifier, *frame.Frame, frame.Labels) {
	t.Helper()
	X, y := syntheticData()
	c, err := NewWithMetrics(testConfig(), testOverrides, metrics)
	require.NoError(t, err)
	require.NoError(t, c.Fit(context.Background(), X, y))
	return c, X, y
}

func rowSum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}

func findRow(t *testing.T, p *prediction.Prediction, sample, clf string) prediction.Row {
	t.Helper()
	for _, r := range p.Rows {
		if r.SampleID == sample && r.ClfName == clf && r.DataType == prediction.DataTypeProb {
			return r
		}
	}
	t.Fatalf("no %s row for %s", clf, sample)
	return prediction.Row{}
}

func classPos(class string) int {
	for k, c := range testClasses {
		if c == class {
			return k
		}
	}
	return -1
}

func TestNew_InvalidConfig(t *testing.T) {
	c := testConfig()
	c.Combiner.Mode = "average"

	_, err := New(c, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrInvalidConfig))
}

func TestClassifier_NotFitted(t *testing.T) {
	c, err := New(testConfig(), nil)
	require.NoError(t, err)
	X, _ := syntheticData()

	_, err = c.PredictProba(context.Background(), X)
	assert.True(t, errors.Is(err, pipeline.ErrNotFitted))
	_, err = c.FeatImp(ml.FeatImpCoef)
	assert.True(t, errors.Is(err, pipeline.ErrNotFitted))
	assert.Error(t, c.Save(filepath.Join(t.TempDir(), "model.gob")))
}

func TestCovariates(t *testing.T) {
	X := frame.MustFromRows(
		[]string{"S1", "S2", "S3", "S4"},
		[]string{IsMaleFeature, fusionFeat, "event.tmb.snv_count"},
		[][]float64{{1, 1, 10}, {0, 0, 20}, {math.NaN(), 0, 30}, {AbsentValue, 0, 40}},
	)

	cov, err := Covariates(X)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"S1": true, "S2": false}, cov.IsMale)
	assert.Equal(t, []string{fusionFeat}, cov.Fusions.Columns)
	assert.Equal(t, 1.0, cov.Fusions.At(0, 0))

	X.Set(1, 0, 0.5)
	_, err = Covariates(X)
	assert.True(t, errors.Is(err, ErrInvalidCovariate))
}

func TestClassifier_Fit(t *testing.T) {
	metrics := &MockMetrics{}
	c, X, _ := fitClassifier(t, metrics)

	assert.True(t, c.Fitted())
	assert.Equal(t, testClasses, c.Classes)
	assert.Equal(t, X.Columns, c.FeatureNamesIn)
	assert.Equal(t, X.NRows(), c.NSamples)
	assert.NotEmpty(t, c.RunID)
	assert.False(t, c.FittedAt.IsZero())
	require.NotNil(t, c.CohortQuantiles)
	assert.Equal(t, []string{"sig.SBS1", "sig.UV (SBS7)"}, c.CohortQuantiles.FeatureNamesIn)

	assert.Equal(t, 1, metrics.fits)
	assert.Equal(t, 0, metrics.fitFailures)
	assert.Equal(t, 3.0, metrics.classes)
	assert.Equal(t, 1, metrics.stepFits[StepSubClfs])
	assert.Equal(t, 1, metrics.stepFits[StepMetaClfs])
}

func TestClassifier_FitErrors(t *testing.T) {
	X, y := syntheticData()
	metrics := &MockMetrics{}
	c, err := NewWithMetrics(testConfig(), nil, metrics)
	require.NoError(t, err)

	assert.Error(t, c.Fit(context.Background(), X, y[:3]))

	j, _ := X.ColIndex(IsMaleFeature)
	bad := X.Clone()
	bad.Set(0, j, 2)
	err = c.Fit(context.Background(), bad, y)
	assert.True(t, errors.Is(err, ErrInvalidCovariate))
	assert.Equal(t, 2, metrics.fitFailures)
	assert.False(t, c.Fitted())
}

func TestClassifier_FitWithAbsentDNAGroup(t *testing.T) {
	ctx := context.Background()
	X, y := syntheticData()
	i, ok := X.RowIndex("Lung_03")
	require.True(t, ok)
	snvCols := columnsWithPrefix(X, SNV96+".")
	require.NotEmpty(t, snvCols)

	mark := func(v float64) *frame.Frame {
		out := X.Clone()
		for _, col := range snvCols {
			j, _ := out.ColIndex(col)
			out.Set(i, j, v)
		}
		return out
	}

	c, err := New(testConfig(), testOverrides)
	require.NoError(t, err)
	assert.Error(t, c.Fit(ctx, mark(math.NaN()), y), "NaN DNA features are not trainable")

	absent := mark(AbsentValue)
	require.NoError(t, c.Fit(ctx, absent, y))
	pred, err := c.PredictProba(ctx, absent)
	require.NoError(t, err)
	row := findRow(t, pred, "Lung_03", DNACombined)
	assert.InDelta(t, 1.0, rowSum(row.Values), 1e-6)
}

func TestRNAFeaturesMatchLoader(t *testing.T) {
	assert.ElementsMatch(t, rnaSubClfs, dataio.RNACategories)
	assert.Equal(t, dataio.AbsentValue, AbsentValue)
}

func TestClassifier_RequiredFeatures(t *testing.T) {
	c, X, _ := fitClassifier(t, nil)

	req, err := c.RequiredFeatures()
	require.NoError(t, err)
	assert.Len(t, req[GenPos], 6)
	assert.Len(t, req[SNV96], 6)
	assert.Equal(t, []string{snvCountFeat, IsMaleFeature, fusionFeat}, req[Event])
	assert.Len(t, req[GeneExp], 4)
	assert.Len(t, req[AltSJ], 4)
	assert.Len(t, req[Sig], 2)
	for _, col := range req[GeneExp] {
		assert.True(t, strings.HasPrefix(col, "gene_exp."))
	}

	assert.NoError(t, c.CheckFeatures(X))
}

func TestClassifier_CheckFeatures(t *testing.T) {
	c, X, _ := fitClassifier(t, nil)

	partial, err := X.Select(X.ColumnsMatching(func(s string) bool { return s != snvCountFeat }))
	require.NoError(t, err)

	err = c.CheckFeatures(partial)
	require.Error(t, err)
	assert.True(t, errors.Is(err, frame.ErrMissingColumns))
	var missing *frame.MissingColumnsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{snvCountFeat}, missing.Columns)

	_, err = c.PredictProba(context.Background(), partial)
	assert.True(t, errors.Is(err, frame.ErrMissingColumns))
}

func TestClassifier_FillMissingCols(t *testing.T) {
	c, X, _ := fitClassifier(t, nil)

	t.Run("dna filled with value", func(t *testing.T) {
		partial, err := X.Select(X.ColumnsMatching(func(s string) bool { return s != snvCountFeat }))
		require.NoError(t, err)

		filled, err := c.FillMissingCols(partial, 0)
		require.NoError(t, err)
		require.NoError(t, c.CheckFeatures(filled))
		j, ok := filled.ColIndex(snvCountFeat)
		require.True(t, ok)
		assert.Equal(t, 0.0, filled.At(0, j))
	})

	t.Run("rna absent filled with NaN", func(t *testing.T) {
		dnaOnly, err := X.Select(X.ColumnsMatching(func(s string) bool { return !isRNAFeature(s) }))
		require.NoError(t, err)

		filled, err := c.FillMissingCols(dnaOnly, 0)
		require.NoError(t, err)
		require.NoError(t, c.CheckFeatures(filled))
		req, _ := c.RequiredFeatures()
		j, _ := filled.ColIndex(req[GeneExp][0])
		for i := range filled.Index {
			assert.True(t, math.IsNaN(filled.At(i, j)))
		}

		pred, err := c.PredictProba(context.Background(), filled)
		require.NoError(t, err)
		for _, id := range filled.Index {
			assert.True(t, math.IsNaN(findRow(t, pred, id, Combined).Values[0]))
			assert.True(t, math.IsNaN(findRow(t, pred, id, RNACombined).Values[0]))
			assert.InDelta(t, 1.0, rowSum(findRow(t, pred, id, DNACombined).Values), 1e-6)
		}
	})

	t.Run("complete input unchanged", func(t *testing.T) {
		filled, err := c.FillMissingCols(X, 0)
		require.NoError(t, err)
		assert.Same(t, X, filled)
	})
}

func TestClassifier_PredictProba(t *testing.T) {
	metrics := &MockMetrics{}
	c, X, y := fitClassifier(t, metrics)

	pred, err := c.PredictProba(context.Background(), X)
	require.NoError(t, err)
	assert.Equal(t, testClasses, pred.Classes)
	require.Len(t, pred.Rows, X.NRows()*len(probSources))

	wantOrder := []string{Combined, DNACombined, GenPos, SNV96, Event, RNACombined, GeneExp, AltSJ}
	for k, name := range wantOrder {
		assert.Equal(t, X.Index[0], pred.Rows[k].SampleID)
		assert.Equal(t, name, pred.Rows[k].ClfName)
	}
	assert.Equal(t, prediction.ClfGroupCombined, pred.Rows[0].ClfGroup)
	assert.Equal(t, prediction.ClfGroupDNA, pred.Rows[1].ClfGroup)
	assert.Equal(t, prediction.ClfGroupRNA, pred.Rows[5].ClfGroup)

	for _, r := range pred.Rows {
		if math.IsNaN(r.Values[0]) {
			continue
		}
		assert.InDelta(t, 1.0, rowSum(r.Values), 1e-6, "%s %s", r.SampleID, r.ClfName)
	}

	for _, id := range []string{"Breast_07", "Lung_07"} {
		for _, clf := range []string{Combined, RNACombined, GeneExp, AltSJ} {
			r := findRow(t, pred, id, clf)
			for _, v := range r.Values {
				assert.True(t, math.IsNaN(v), "%s %s", id, clf)
			}
		}
		assert.False(t, math.IsNaN(findRow(t, pred, id, DNACombined).Values[0]))
	}

	prostate := classPos("Prostate")
	j, _ := X.ColIndex(IsMaleFeature)
	for i, id := range X.Index {
		if X.At(i, j) != 0 {
			continue
		}
		r := findRow(t, pred, id, DNACombined)
		if !math.IsNaN(r.Values[prostate]) {
			assert.Equal(t, 0.0, r.Values[prostate], id)
		}
	}

	correct := 0
	for i, id := range X.Index {
		r := findRow(t, pred, id, DNACombined)
		if testClasses[argmax(r.Values)] == y[i] {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, X.NRows()*3/4)

	assert.Equal(t, 1, metrics.predictions)
	assert.Equal(t, float64(X.NRows()), metrics.samplesPredicted)
}

func argmax(v []float64) int {
	best := 0
	for k := range v {
		if v[k] > v[best] {
			best = k
		}
	}
	return best
}

func TestClassifier_FusionOverride(t *testing.T) {
	c, X, _ := fitClassifier(t, nil)
	ctx := context.Background()

	overridden, err := c.PredictProba(ctx, X)
	require.NoError(t, err)

	dna, err := c.SubPipeline(DNACombined)
	require.NoError(t, err)
	s, ok := dna.Step("fusion_overrider")
	require.True(t, ok)
	s.(*ml.FusionProbOverrider).Bypass = true
	plain, err := c.PredictProba(ctx, X)
	require.NoError(t, err)

	prostate := classPos("Prostate")
	j, _ := X.ColIndex(fusionFeat)
	for i, id := range X.Index {
		with := findRow(t, overridden, id, DNACombined).Values
		without := findRow(t, plain, id, DNACombined).Values
		if math.IsNaN(without[0]) {
			continue
		}
		if X.At(i, j) > 0 {
			assert.GreaterOrEqual(t, with[prostate], without[prostate]-1e-12, id)
			for k := range with {
				if k != prostate {
					assert.LessOrEqual(t, with[k], without[k]+1e-12, id)
				}
			}
		} else {
			assert.Equal(t, without, with, id)
		}
	}
}

func TestClassifier_Predict(t *testing.T) {
	c, X, _ := fitClassifier(t, nil)

	pred, err := c.Predict(context.Background(), X)
	require.NoError(t, err)

	assert.Equal(t, X.Index, pred.SampleIDs())
	contribs := pred.Filter(func(r prediction.Row) bool { return r.DataType == prediction.DataTypeFeatContrib })
	quantiles := pred.Filter(func(r prediction.Row) bool { return r.DataType == prediction.DataTypeSigQuantile })
	assert.Len(t, pred.Probs().Rows, X.NRows()*len(probSources))
	assert.Len(t, contribs.Rows, X.NRows()*4, "three event features plus the prior")
	assert.Len(t, quantiles.Rows, X.NRows()*2)

	j, _ := X.ColIndex(snvCountFeat)
	for _, r := range contribs.Rows {
		assert.Equal(t, Event, r.ClfName)
		if r.FeatName == snvCountFeat {
			i, _ := X.RowIndex(r.SampleID)
			assert.Equal(t, X.At(i, j), r.FeatValue, "raw feature value")
		}
	}
	for _, r := range quantiles.Rows {
		assert.Equal(t, Sig, r.ClfName)
		assert.True(t, strings.HasPrefix(r.FeatName, "sig."))
	}

	first := pred.Rows[0]
	assert.Equal(t, X.Index[0], first.SampleID)
	assert.Equal(t, Combined, first.ClfName)

	summary, err := pred.Summarize(3, nil, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, summary.Rows)
}

func TestClassifier_FeatImp(t *testing.T) {
	c, _, _ := fitClassifier(t, nil)

	imp, err := c.FeatImp(ml.FeatImpCoef)
	require.NoError(t, err)
	assert.Equal(t, testClasses, imp.Classes)

	seen := make(map[string]int)
	for _, r := range imp.Rows {
		seen[r.ClfName]++
	}
	for _, name := range []string{GenPos, SNV96, Event, GeneExp, AltSJ, DNACombined, RNACombined} {
		assert.Positive(t, seen[name], name)
	}
	assert.Equal(t, 3, seen[Event])

	_, err = c.FeatImp("gain")
	assert.True(t, errors.Is(err, pipeline.ErrInvalidConfig))
}

func TestClassifier_SaveLoad(t *testing.T) {
	c, X, _ := fitClassifier(t, nil)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cuppa_classifier.gob.gz")

	require.NoError(t, c.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.RunID, loaded.RunID)
	assert.Equal(t, c.Classes, loaded.Classes)
	assert.True(t, c.FittedAt.Equal(loaded.FittedAt))

	want, err := c.Predict(ctx, X)
	require.NoError(t, err)
	got, err := loaded.Predict(ctx, X)
	require.NoError(t, err)
	require.Len(t, got.Rows, len(want.Rows))
	for i := range want.Rows {
		for k := range want.Rows[i].Values {
			w, g := want.Rows[i].Values[k], got.Rows[i].Values[k]
			if math.IsNaN(w) {
				assert.True(t, math.IsNaN(g))
			} else {
				assert.InDelta(t, w, g, 1e-12)
			}
		}
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.gob"))
	assert.Error(t, err)
}

func TestClassifier_Cache(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	X, y := syntheticData()
	ctx := context.Background()

	first := &MockMetrics{}
	c1, err := NewWithMetrics(testConfig(), testOverrides, first)
	require.NoError(t, err)
	require.NoError(t, c1.WithCache(store).Fit(ctx, X, y))
	assert.Equal(t, 3, first.cacheMisses)
	assert.Equal(t, 0, first.cacheHits)

	second := &MockMetrics{}
	c2, err := NewWithMetrics(testConfig(), testOverrides, second)
	require.NoError(t, err)
	require.NoError(t, c2.WithCache(store).Fit(ctx, X, y))
	assert.Equal(t, 3, second.cacheHits)
	assert.Empty(t, second.stepFits)

	p1, err := c1.PredictProba(ctx, X)
	require.NoError(t, err)
	p2, err := c2.PredictProba(ctx, X)
	require.NoError(t, err)
	for i := range p1.Rows {
		for k, v := range p1.Rows[i].Values {
			if math.IsNaN(v) {
				assert.True(t, math.IsNaN(p2.Rows[i].Values[k]))
			} else {
				assert.Equal(t, v, p2.Rows[i].Values[k])
			}
		}
	}
}

func TestClassifier_CrossValidate(t *testing.T) {
	X, y := syntheticData()
	metrics := &MockMetrics{}
	c, err := NewWithMetrics(testConfig(), testOverrides, metrics)
	require.NoError(t, err)

	pred, cv, err := c.CrossValidate(context.Background(), X, y, nil)
	require.NoError(t, err)
	require.Len(t, cv.Folds, 3)
	require.Len(t, cv.Estimators, 3)

	tested := make(map[string]int)
	for _, f := range cv.Folds {
		for _, id := range f.Test {
			tested[id]++
		}
		assert.Len(t, f.Train, X.NRows()-len(f.Test))
	}
	assert.Len(t, tested, X.NRows())

	assert.Equal(t, testClasses, pred.Classes)
	assert.Equal(t, X.Index, pred.SampleIDs())
	assert.Len(t, pred.Probs().Rows, X.NRows()*len(probSources))
	assert.False(t, c.Fitted(), "the base classifier is not fitted")
	assert.Equal(t, 3, metrics.predictions)
}
