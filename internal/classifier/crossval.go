package classifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
	"cuppa/internal/prediction"
)

// CrossValidate fits one clone of c per stratified fold and predicts every
// sample with the clone that did not see it. Folds are stratified by
// splitLabels, or by y when splitLabels is nil. Predictions are returned in the
// sample order of X together with the fitted cross validator.
func (c *Classifier) CrossValidate(ctx context.Context, X *frame.Frame, y, splitLabels frame.Labels) (*prediction.Prediction, *pipeline.CrossValidator[*Classifier], error) {
	cvc := c.Config.CrossValidation
	cv, err := pipeline.NewCrossValidator(c, cvc.NFolds, cvc.Seed, c.Config.Runtime.NJobs)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Int("n_folds", cvc.NFolds).
		Int64("seed", cvc.Seed).
		Int("n_samples", X.NRows()).
		Msg("Cross-validating classifier")

	if err := cv.Fit(ctx, X, y, splitLabels); err != nil {
		return nil, nil, fmt.Errorf("cross-validation: %w", err)
	}
	for _, est := range cv.Estimators {
		est.metrics = c.metrics
	}

	preds, err := pipeline.Collect(ctx, cv, X, func(ctx context.Context, est *Classifier, test *frame.Frame) (*prediction.Prediction, error) {
		filled, err := est.FillMissingCols(test, 0)
		if err != nil {
			return nil, err
		}
		return est.Predict(ctx, filled)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cross-validation: %w", err)
	}

	// Folds can miss rare classes; realign everything to the full class set.
	all := &prediction.Prediction{Classes: y.Classes()}
	return prediction.Concat(append([]*prediction.Prediction{all}, preds...)...).Reorder(X.Index), cv, nil
}
