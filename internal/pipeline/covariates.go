package pipeline

import (
	"context"

	"cuppa/internal/frame"
)

// Covariates are per-call sample attributes that nested steps need but that are
// not features of the step's own input, such as sex and detected gene fusions.
// They travel with the call through the context and are never stored on steps.
type Covariates struct {
	// IsMale maps sample ID to sex (true = male). Samples absent from the map
	// have unknown sex.
	IsMale map[string]bool

	// Fusions holds fusion indicator features (sample x feature). A value > 0
	// means the fusion is present.
	Fusions *frame.Frame
}

type covariatesKey struct{}

// WithCovariates returns a context carrying cov.
func WithCovariates(ctx context.Context, cov *Covariates) context.Context {
	return context.WithValue(ctx, covariatesKey{}, cov)
}

// CovariatesFrom returns the covariates carried by ctx, or nil.
func CovariatesFrom(ctx context.Context) *Covariates {
	cov, _ := ctx.Value(covariatesKey{}).(*Covariates)
	return cov
}
