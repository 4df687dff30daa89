// Package pipeline composes fit/transform steps into sequential pipelines, routes
// column subsets of a frame to parallel sub-transformers, and orchestrates
// stratified k-fold cross-validation of a composed estimator.
//
// Steps are plain types implementing Step. Optional capabilities (row filtering
// that also filters labels, feature attribution, probability prediction) are
// small interfaces a step opts into and that callers detect with a type assertion.
package pipeline

import (
	"context"
	"errors"

	"cuppa/internal/frame"
)

// ErrNotFitted is returned when a step is used before it has been fitted.
var ErrNotFitted = errors.New("not fitted")

// ErrInvalidConfig marks invalid hyperparameters, reported at construction or fit.
var ErrInvalidConfig = errors.New("invalid config")

// Step is a fit/transform unit. Fit learns state from a training frame; Transform
// applies that state and must not mutate it.
type Step interface {
	Fit(ctx context.Context, X *frame.Frame, y frame.Labels) error
	Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error)
}

// Resampler is a step whose training-time transform also drops or reorders
// labels, e.g. a filter removing samples with missing data.
type Resampler interface {
	TransformLabels(ctx context.Context, X *frame.Frame, y frame.Labels) (*frame.Frame, frame.Labels, error)
}

// Attributor decomposes a step's output into per-feature contributions.
// A nil table with a nil error means the step has nothing to attribute.
type Attributor interface {
	FeatContrib(ctx context.Context, X *frame.Frame) (*frame.LongTable, error)
}

// ProbaPredictor returns one probability column per class.
type ProbaPredictor interface {
	PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error)
}

// Estimator is anything that can be fitted on a labelled frame.
type Estimator interface {
	Fit(ctx context.Context, X *frame.Frame, y frame.Labels) error
}

// Unfitter is implemented by steps that hold fitted state. Unfitted returns a
// new step with the same configuration and none of that state.
type Unfitter interface {
	Unfitted() Step
}

// Unfitted returns s stripped of fitted state. Steps that do not implement
// Unfitter are taken to hold configuration only and are returned as is.
func Unfitted(s Step) Step {
	if u, ok := s.(Unfitter); ok {
		return u.Unfitted()
	}
	return s
}
