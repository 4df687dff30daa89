package ml

import (
	"math"
	"sort"
)

// IsotonicCurve is a non-decreasing piecewise linear map fitted by isotonic
// regression. Inputs outside the fitted range are clipped to its ends. An
// identity curve passes values through unchanged.
type IsotonicCurve struct {
	X        []float64
	Y        []float64
	Identity bool
}

// FitIsotonic fits a non-decreasing curve to (x, y) with the pool adjacent
// violators algorithm. Repeated x values are merged into their mean y first.
func FitIsotonic(x, y []float64) IsotonicCurve {
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })

	type block struct {
		sum, weight float64
		n           int // number of distinct x values pooled
	}
	var xs []float64
	var blocks []block
	for _, i := range order {
		if len(xs) > 0 && xs[len(xs)-1] == x[i] {
			b := &blocks[len(blocks)-1]
			b.sum += y[i]
			b.weight++
		} else {
			xs = append(xs, x[i])
			blocks = append(blocks, block{sum: y[i], weight: 1, n: 1})
		}
		for len(blocks) > 1 {
			last, prev := blocks[len(blocks)-1], blocks[len(blocks)-2]
			if prev.sum/prev.weight <= last.sum/last.weight {
				break
			}
			blocks = blocks[:len(blocks)-1]
			blocks[len(blocks)-1] = block{sum: prev.sum + last.sum, weight: prev.weight + last.weight, n: prev.n + last.n}
		}
	}

	ys := make([]float64, 0, len(xs))
	for _, b := range blocks {
		v := b.sum / b.weight
		for k := 0; k < b.n; k++ {
			ys = append(ys, v)
		}
	}
	return IsotonicCurve{X: xs, Y: ys}
}

// Predict evaluates the curve at v.
func (c IsotonicCurve) Predict(v float64) float64 {
	if c.Identity || math.IsNaN(v) {
		return v
	}
	n := len(c.X)
	if n == 0 {
		return math.NaN()
	}
	if v <= c.X[0] {
		return c.Y[0]
	}
	if v >= c.X[n-1] {
		return c.Y[n-1]
	}
	i := sort.SearchFloat64s(c.X, v)
	if c.X[i] == v {
		return c.Y[i]
	}
	x0, x1 := c.X[i-1], c.X[i]
	return c.Y[i-1] + (v-x0)/(x1-x0)*(c.Y[i]-c.Y[i-1])
}
