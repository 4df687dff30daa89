package ml

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

const (
	WindowVariable = "variable"

	KernelUniform  = "uniform"
	KernelGaussian = "gaussian"
)

// RollingAvgCalibration calibrates one-vs-rest probabilities per class. The
// class indicator, sorted by descending probability, is smoothed with a rolling
// window and an isotonic curve is fitted from raw probability to the smoothed
// indicator.
type RollingAvgCalibration struct {
	// Window is a fixed window size or "variable", which sizes the window as
	// round(n_true ** NTrueExponent) for each class.
	Window         string
	NTrueExponent  float64
	MinTrueSamples int
	Kernel         string

	// EdgeWeight is the gaussian kernel weight at either end of the window,
	// relative to the centre.
	EdgeWeight float64

	Bypass    bool
	Normalize bool

	Classes []string
	Curves  []IsotonicCurve
}

func NewRollingAvgCalibration(window string, nTrueExponent float64, minTrueSamples int, kernel string, edgeWeight float64) (*RollingAvgCalibration, error) {
	c := &RollingAvgCalibration{
		Window:         window,
		NTrueExponent:  nTrueExponent,
		MinTrueSamples: minTrueSamples,
		Kernel:         kernel,
		EdgeWeight:     edgeWeight,
		Normalize:      true,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RollingAvgCalibration) validate() error {
	if c.Window != WindowVariable {
		if n, err := strconv.Atoi(c.Window); err != nil || n < 1 {
			return fmt.Errorf("%w: window must be a positive integer or %q, got %q", pipeline.ErrInvalidConfig, WindowVariable, c.Window)
		}
	}
	switch c.Kernel {
	case KernelUniform:
	case KernelGaussian:
		if !(c.EdgeWeight > 0 && c.EdgeWeight < 1) {
			return fmt.Errorf("%w: edge weight must be in (0, 1), got %v", pipeline.ErrInvalidConfig, c.EdgeWeight)
		}
	default:
		return fmt.Errorf("%w: kernel must be uniform or gaussian, got %q", pipeline.ErrInvalidConfig, c.Kernel)
	}
	return nil
}

func (c *RollingAvgCalibration) windowSize(nTrue int) int {
	if c.Window == WindowVariable {
		w := int(math.Round(math.Pow(float64(nTrue), c.NTrueExponent)))
		if w < 1 {
			w = 1
		}
		return w
	}
	w, _ := strconv.Atoi(c.Window)
	return w
}

// Fit fits one curve per probability column of X; columns are class names.
func (c *RollingAvgCalibration) Unfitted() pipeline.Step {
	return &RollingAvgCalibration{
		Window:         c.Window,
		NTrueExponent:  c.NTrueExponent,
		MinTrueSamples: c.MinTrueSamples,
		Kernel:         c.Kernel,
		EdgeWeight:     c.EdgeWeight,
		Bypass:         c.Bypass,
		Normalize:      c.Normalize,
	}
}

func (c *RollingAvgCalibration) Fit(_ context.Context, X *frame.Frame, y frame.Labels) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := frame.CheckAligned(X, y); err != nil {
		return err
	}
	if y == nil {
		return fmt.Errorf("calibration: labels are required")
	}
	c.Classes = append([]string(nil), X.Columns...)
	c.Curves = make([]IsotonicCurve, len(c.Classes))
	if c.Bypass {
		for k := range c.Curves {
			c.Curves[k].Identity = true
		}
		return nil
	}

	for k, class := range c.Classes {
		probs := X.Col(k)
		truth := make([]bool, len(y))
		nTrue := 0
		for i, label := range y {
			if label == class {
				truth[i] = true
				nTrue++
			}
		}
		if nTrue < c.MinTrueSamples {
			c.Curves[k] = IsotonicCurve{Identity: true}
			log.Debug().Str("class", class).Int("n_true", nTrue).Msg("Too few positive samples, calibration is pass-through")
			continue
		}
		c.Curves[k] = c.fitClass(probs, truth, c.windowSize(nTrue))
	}
	return nil
}

func (c *RollingAvgCalibration) fitClass(probs []float64, truth []bool, window int) IsotonicCurve {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	// Ones above the highest probability and zeros below the lowest.
	padded := make([]float64, len(probs)+2*window)
	for i := 0; i < window; i++ {
		padded[i] = 1
	}
	for r, i := range order {
		if truth[i] {
			padded[window+r] = 1
		}
	}

	weights := c.kernel(window)
	sortedProbs := make([]float64, len(order))
	smoothed := make([]float64, len(order))
	for r, i := range order {
		sortedProbs[r] = probs[i]
		start := window + r - window/2
		var sum, wsum float64
		for k, w := range weights {
			sum += w * padded[start+k]
			wsum += w
		}
		smoothed[r] = sum / wsum
	}
	return FitIsotonic(sortedProbs, smoothed)
}

// kernel returns the window weights. The gaussian kernel has its spread set so
// that the outermost weights equal EdgeWeight.
func (c *RollingAvgCalibration) kernel(window int) []float64 {
	weights := make([]float64, window)
	if c.Kernel == KernelUniform || window == 1 {
		for i := range weights {
			weights[i] = 1
		}
		return weights
	}
	half := float64(window-1) / 2
	sigma := half / math.Sqrt(-2*math.Log(c.EdgeWeight))
	for i := range weights {
		d := (float64(i) - half) / sigma
		weights[i] = math.Exp(-0.5 * d * d)
	}
	return weights
}

// Calibrate maps each class column through its curve and, if normalize is set,
// rescales every row to sum to 1.
func (c *RollingAvgCalibration) Calibrate(_ context.Context, X *frame.Frame, normalize bool) (*frame.Frame, error) {
	if c.Bypass || X.NRows() == 0 {
		return X, nil
	}
	if c.Curves == nil {
		return nil, fmt.Errorf("calibration: %w", pipeline.ErrNotFitted)
	}
	out, err := X.Select(c.Classes)
	if err != nil {
		return nil, err
	}
	for i := 0; i < out.NRows(); i++ {
		row := out.Row(i)
		for k := range row {
			row[k] = c.Curves[k].Predict(row[k])
		}
		if normalize {
			frame.NormalizeInPlace(row)
		}
	}
	return out, nil
}

func (c *RollingAvgCalibration) PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	return c.Calibrate(ctx, X, c.Normalize)
}

func (c *RollingAvgCalibration) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	return c.Calibrate(ctx, X, c.Normalize)
}
