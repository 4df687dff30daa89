// Package ml holds the estimators and probability post-processors that sit on top
// of the feature transformers: a multinomial logistic regression with linear
// feature attribution, rolling-average isotonic calibration, the fusion and sex
// probability overriders, and the DNA/RNA probability combiner.
package ml

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

func init() {
	gob.Register(&LogisticRegression{})
	gob.Register(&RollingAvgCalibration{})
	gob.Register(&FusionProbOverrider{})
	gob.Register(&SexProbFilter{})
	gob.Register(&ProbCombiner{})
}

const (
	PenaltyL1 = "l1"
	PenaltyL2 = "l2"

	SolverFISTA = "fista"
	SolverLBFGS = "lbfgs"

	ClassWeightBalanced = "balanced"

	// PriorFeature names the baseline log-odds row of a feature contribution table.
	PriorFeature = "_prior"
)

// LogisticRegression is a multinomial logistic regression. Besides the model it
// keeps the training feature means, which anchor the per-feature contributions.
type LogisticRegression struct {
	Penalty     string
	C           float64
	Solver      string
	ClassWeight string
	MaxIter     int
	Tol         float64

	Classes        []string
	FeatureNamesIn []string
	FeatMeans      []float64
	Coef           []float64 // classes x features, row-major
	Intercept      []float64
	Binary         bool
	NIter          int
}

// NewLogisticRegression returns a class-balanced model using FISTA for the L1
// penalty and L-BFGS for L2.
func NewLogisticRegression(penalty string, c float64) (*LogisticRegression, error) {
	solver := SolverLBFGS
	if penalty == PenaltyL1 {
		solver = SolverFISTA
	}
	m := &LogisticRegression{
		Penalty:     penalty,
		C:           c,
		Solver:      solver,
		ClassWeight: ClassWeightBalanced,
		MaxIter:     1000,
		Tol:         1e-4,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LogisticRegression) validate() error {
	switch m.Penalty {
	case PenaltyL1, PenaltyL2:
	default:
		return fmt.Errorf("%w: penalty must be l1 or l2, got %q", pipeline.ErrInvalidConfig, m.Penalty)
	}
	switch m.Solver {
	case SolverFISTA:
	case SolverLBFGS:
		if m.Penalty == PenaltyL1 {
			return fmt.Errorf("%w: solver lbfgs does not support the l1 penalty", pipeline.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: solver must be fista or lbfgs, got %q", pipeline.ErrInvalidConfig, m.Solver)
	}
	if !(m.C > 0) {
		return fmt.Errorf("%w: C must be positive, got %v", pipeline.ErrInvalidConfig, m.C)
	}
	if m.ClassWeight != "" && m.ClassWeight != ClassWeightBalanced {
		return fmt.Errorf("%w: class weight must be empty or balanced, got %q", pipeline.ErrInvalidConfig, m.ClassWeight)
	}
	if m.MaxIter < 1 || !(m.Tol > 0) {
		return fmt.Errorf("%w: max iter and tol must be positive, got %d and %v", pipeline.ErrInvalidConfig, m.MaxIter, m.Tol)
	}
	return nil
}

// Unfitted returns a model with the same hyperparameters and no coefficients.
func (m *LogisticRegression) Unfitted() pipeline.Step {
	return &LogisticRegression{
		Penalty:     m.Penalty,
		C:           m.C,
		Solver:      m.Solver,
		ClassWeight: m.ClassWeight,
		MaxIter:     m.MaxIter,
		Tol:         m.Tol,
	}
}

func (m *LogisticRegression) Fit(ctx context.Context, X *frame.Frame, y frame.Labels) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := frame.CheckAligned(X, y); err != nil {
		return err
	}
	if y == nil {
		return fmt.Errorf("logistic regression: labels are required")
	}
	classes := y.Classes()
	if len(classes) < 2 {
		return fmt.Errorf("logistic regression: need at least 2 classes, got %d", len(classes))
	}
	for k, v := range X.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			i, j := k/X.NCols(), k%X.NCols()
			return fmt.Errorf("logistic regression: non-finite value for sample %s feature %s", X.Index[i], X.Columns[j])
		}
	}

	lp := newLogisticProblem(X, y, classes, m.C, m.Penalty == PenaltyL2, m.ClassWeight == ClassWeightBalanced)
	theta := make([]float64, lp.nParams())
	var (
		iters int
		err   error
	)
	switch m.Solver {
	case SolverFISTA:
		theta, iters, err = lp.fista(ctx, theta, m.MaxIter, m.Tol)
	case SolverLBFGS:
		theta, iters, err = lp.lbfgs(theta, m.MaxIter, m.Tol)
	}
	if err != nil {
		return fmt.Errorf("logistic regression: %w", err)
	}

	p := X.NCols()
	m.Classes = classes
	m.FeatureNamesIn = append([]string(nil), X.Columns...)
	m.FeatMeans = make([]float64, p)
	for j := range m.FeatMeans {
		m.FeatMeans[j] = floats.Sum(X.Col(j)) / float64(X.NRows())
	}
	m.Binary = lp.rows == 1
	if m.Binary {
		w, b := theta[:p], theta[p]
		m.Coef = make([]float64, 2*p)
		for j, v := range w {
			m.Coef[j] = -v
			m.Coef[p+j] = v
		}
		m.Intercept = []float64{-b, b}
	} else {
		k := len(classes)
		m.Coef = append([]float64(nil), theta[:k*p]...)
		m.Intercept = append([]float64(nil), theta[k*p:]...)
	}
	m.NIter = iters

	if iters >= m.MaxIter {
		log.Warn().Int("max_iter", m.MaxIter).Str("solver", m.Solver).Msg("Logistic regression did not converge")
	}
	log.Debug().
		Int("samples", X.NRows()).
		Int("features", p).
		Int("classes", len(classes)).
		Int("iterations", iters).
		Msg("Fitted logistic regression")
	return nil
}

func (m *LogisticRegression) coefRow(c int) []float64 {
	p := len(m.FeatureNamesIn)
	return m.Coef[c*p : (c+1)*p]
}

// DecisionFunction returns the per-class logits. For binary fits these are -z and
// z, where z is the log-odds of the second class.
func (m *LogisticRegression) DecisionFunction(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	if m.Coef == nil {
		return nil, fmt.Errorf("logistic regression: %w", pipeline.ErrNotFitted)
	}
	X, err := X.Select(m.FeatureNamesIn)
	if err != nil {
		return nil, err
	}
	out := frame.Filled(X.Index, m.Classes, 0)
	if X.NRows() == 0 {
		return out, nil
	}
	if X.NCols() > 0 {
		coef := mat.NewDense(len(m.Classes), X.NCols(), m.Coef)
		z := mat.NewDense(X.NRows(), len(m.Classes), out.Values)
		z.Mul(X.Dense(), coef.T())
	}
	for i := 0; i < out.NRows(); i++ {
		floats.Add(out.Row(i), m.Intercept)
	}
	return out, nil
}

// PredictProba returns one probability column per class, ordered by class label.
func (m *LogisticRegression) PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	out, err := m.DecisionFunction(ctx, X)
	if err != nil {
		return nil, err
	}
	for i := 0; i < out.NRows(); i++ {
		row := out.Row(i)
		if m.Binary {
			p := sigmoid(row[1])
			row[0], row[1] = 1-p, p
			continue
		}
		softmax(row)
	}
	return out, nil
}

func (m *LogisticRegression) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	return m.PredictProba(ctx, X)
}

// Feature importance modes.
const (
	FeatImpCoef = "coef"
	FeatImpShap = "shap"
)

// FeatImp returns a classes x features table of raw coefficients ("coef") or of
// coefficients times training means ("shap").
func (m *LogisticRegression) FeatImp(mode string) (*frame.Frame, error) {
	if m.Coef == nil {
		return nil, fmt.Errorf("logistic regression: %w", pipeline.ErrNotFitted)
	}
	out, err := frame.New(m.Classes, m.FeatureNamesIn, append([]float64(nil), m.Coef...))
	if err != nil {
		return nil, err
	}
	switch mode {
	case FeatImpCoef:
	case FeatImpShap:
		for c := range m.Classes {
			floats.Mul(out.Row(c), m.FeatMeans)
		}
	default:
		return nil, fmt.Errorf("%w: feat imp mode must be coef or shap, got %q", pipeline.ErrInvalidConfig, mode)
	}
	return out, nil
}

// FeatContrib decomposes each sample's logits into coef * (x - training mean) per
// feature plus a _prior row holding coef . mean + intercept, so that the rows of
// one sample sum to its logit for every class.
func (m *LogisticRegression) FeatContrib(_ context.Context, X *frame.Frame) (*frame.LongTable, error) {
	if m.Coef == nil {
		return nil, fmt.Errorf("logistic regression: %w", pipeline.ErrNotFitted)
	}
	X, err := X.Select(m.FeatureNamesIn)
	if err != nil {
		return nil, err
	}
	k := len(m.Classes)
	prior := make([]float64, k)
	for c := range m.Classes {
		prior[c] = floats.Dot(m.coefRow(c), m.FeatMeans) + m.Intercept[c]
	}

	out := &frame.LongTable{Classes: m.Classes, Rows: make([]frame.LongRow, 0, X.NRows()*(X.NCols()+1))}
	for i, id := range X.Index {
		row := X.Row(i)
		for j, feat := range m.FeatureNamesIn {
			values := make([]float64, k)
			for c := range m.Classes {
				values[c] = m.Coef[c*len(row)+j] * (row[j] - m.FeatMeans[j])
			}
			out.Rows = append(out.Rows, frame.LongRow{SampleID: id, FeatName: feat, FeatValue: row[j], Values: values})
		}
		out.Rows = append(out.Rows, frame.LongRow{
			SampleID:  id,
			FeatName:  PriorFeature,
			FeatValue: math.NaN(),
			Values:    append([]float64(nil), prior...),
		})
	}
	return out, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

func logSumExp(v []float64) float64 {
	m := floats.Max(v)
	if math.IsInf(m, 0) {
		return m
	}
	var s float64
	for _, x := range v {
		s += math.Exp(x - m)
	}
	return m + math.Log(s)
}

func softmax(v []float64) {
	lse := logSumExp(v)
	for i, x := range v {
		v[i] = math.Exp(x - lse)
	}
}

// logisticProblem is the penalised negative log-likelihood of a training set.
// Parameters are laid out as rows x p coefficients followed by rows intercepts,
// where rows is 1 for a binary problem and the class count otherwise.
type logisticProblem struct {
	x       *mat.Dense // nil when there are no features
	n, p    int
	rows    int
	target  []int
	weights []float64 // C times the sample weight
	l2      bool
}

func newLogisticProblem(X *frame.Frame, y frame.Labels, classes []string, c float64, l2, balanced bool) *logisticProblem {
	pos := make(map[string]int, len(classes))
	for k, cl := range classes {
		pos[cl] = k
	}
	counts := y.Counts()
	lp := &logisticProblem{
		x:       X.Dense(),
		n:       X.NRows(),
		p:       X.NCols(),
		rows:    len(classes),
		target:  make([]int, len(y)),
		weights: make([]float64, len(y)),
		l2:      l2,
	}
	if len(classes) == 2 {
		lp.rows = 1
	}
	for i, label := range y {
		lp.target[i] = pos[label]
		lp.weights[i] = c
		if balanced {
			lp.weights[i] *= float64(len(y)) / (float64(len(classes)) * float64(counts[label]))
		}
	}
	return lp
}

func (lp *logisticProblem) nParams() int { return lp.rows * (lp.p + 1) }

// objective returns the smooth part of the loss at theta and writes its gradient
// into grad when grad is non-nil. The L1 penalty is handled by the solver.
func (lp *logisticProblem) objective(theta, grad []float64) float64 {
	nc := lp.rows * lp.p
	z := mat.NewDense(lp.n, lp.rows, nil)
	if lp.x != nil {
		z.Mul(lp.x, mat.NewDense(lp.rows, lp.p, theta[:nc]).T())
	}
	intercept := theta[nc:]

	resid := mat.NewDense(lp.n, lp.rows, nil)
	var loss float64
	for i := 0; i < lp.n; i++ {
		zi := z.RawRowView(i)
		ri := resid.RawRowView(i)
		floats.Add(zi, intercept)
		w := lp.weights[i]
		if lp.rows == 1 {
			var t float64
			if lp.target[i] == 1 {
				t = 1
			}
			loss += w * (softplus(zi[0]) - t*zi[0])
			ri[0] = w * (sigmoid(zi[0]) - t)
			continue
		}
		lse := logSumExp(zi)
		loss += w * (lse - zi[lp.target[i]])
		for c, v := range zi {
			ri[c] = w * math.Exp(v-lse)
		}
		ri[lp.target[i]] -= w
	}
	if lp.l2 {
		loss += 0.5 * floats.Dot(theta[:nc], theta[:nc])
	}

	if grad != nil {
		if lp.x != nil {
			g := mat.NewDense(lp.rows, lp.p, grad[:nc])
			g.Mul(resid.T(), lp.x)
			if lp.l2 {
				floats.Add(grad[:nc], theta[:nc])
			}
		}
		for c := 0; c < lp.rows; c++ {
			grad[nc+c] = floats.Sum(mat.Col(nil, c, resid))
		}
	}
	return loss
}

func (lp *logisticProblem) l1(theta []float64) float64 {
	if lp.l2 {
		return 0
	}
	return floats.Norm(theta[:lp.rows*lp.p], 1)
}

// fista minimises the L1-penalised loss by accelerated proximal gradient with
// backtracking line search and function-value restarts.
func (lp *logisticProblem) fista(ctx context.Context, theta []float64, maxIter int, tol float64) ([]float64, int, error) {
	nc := lp.rows * lp.p
	x := theta
	yv := append([]float64(nil), x...)
	z := make([]float64, len(x))
	diff := make([]float64, len(x))
	grad := make([]float64, len(x))
	fx := lp.objective(x, nil) + lp.l1(x)
	t, lipschitz := 1.0, 1.0

	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, iter, err
		}
		fy := lp.objective(yv, grad)
		var fz float64
		for {
			for i := range z {
				z[i] = yv[i] - grad[i]/lipschitz
			}
			softThreshold(z[:nc], 1/lipschitz)
			floats.SubTo(diff, z, yv)
			fz = lp.objective(z, nil)
			if fz <= fy+floats.Dot(grad, diff)+lipschitz/2*floats.Dot(diff, diff) || lipschitz > 1e20 {
				break
			}
			lipschitz *= 2
		}
		fz += lp.l1(z)

		if fz > fx {
			t = 1
			copy(yv, x)
			continue
		}
		tNext := (1 + math.Sqrt(1+4*t*t)) / 2
		var step, scale float64
		for i := range x {
			step = math.Max(step, math.Abs(z[i]-x[i]))
			scale = math.Max(scale, math.Abs(x[i]))
			yv[i] = z[i] + (t-1)/tNext*(z[i]-x[i])
		}
		copy(x, z)
		fx, t = fz, tNext
		if step <= tol*math.Max(1, scale) {
			return x, iter, nil
		}
	}
	return x, maxIter, nil
}

func softThreshold(v []float64, thresh float64) {
	for i, x := range v {
		switch {
		case x > thresh:
			v[i] = x - thresh
		case x < -thresh:
			v[i] = x + thresh
		default:
			v[i] = 0
		}
	}
}

func (lp *logisticProblem) lbfgs(theta []float64, maxIter int, tol float64) ([]float64, int, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return lp.objective(x, nil) },
		Grad: func(grad, x []float64) { lp.objective(x, grad) },
	}
	settings := &optimize.Settings{MajorIterations: maxIter, GradientThreshold: tol}
	result, err := optimize.Minimize(problem, theta, settings, &optimize.LBFGS{})
	if result == nil {
		return nil, 0, fmt.Errorf("lbfgs: %w", err)
	}
	if err != nil {
		log.Warn().Err(err).Str("status", result.Status.String()).Msg("L-BFGS stopped early")
	}
	return result.X, result.Stats.MajorIterations, nil
}
