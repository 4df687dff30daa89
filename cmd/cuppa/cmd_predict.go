package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cuppa/internal/classifier"
	"cuppa/internal/prediction"
)

// predictCmd applies a fitted classifier to new samples
var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict the cancer type of new samples",
	Long: `Apply a fitted classifier to a feature matrix and write the long prediction
table (probabilities of every layer, event feature contributions and signature
quantiles) plus a top-N summary.

Required features absent from the input are filled with --fill. When the input
has no RNA features at all, RNA features are left missing so that the samples
receive DNA predictions only.

Examples:
  cuppa predict --features sample.tsv --model cuppa_classifier.gob.gz --out pred.tsv.gz
  cuppa predict --features sample.tsv --summary summary.tsv   # latest registered model`,
	RunE: runPredict,
}

var (
	predictFeatures string
	predictLong     bool
	predictModel    string
	predictOut      string
	predictSummary  string
	predictMetadata string
	predictTopN     int
	predictNExtra   int
	predictFill     float64
)

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().StringVar(&predictFeatures, "features", "", "Feature matrix TSV")
	predictCmd.Flags().BoolVar(&predictLong, "long", false, "Features are in long format (sample_id, category, key, value)")
	predictCmd.Flags().StringVar(&predictModel, "model", "", "Fitted classifier (default: latest registered model in the cache dir)")
	predictCmd.Flags().StringVar(&predictOut, "out", "cuppa_predictions.tsv.gz", "Output path of the prediction table")
	predictCmd.Flags().StringVar(&predictSummary, "summary", "", "Optional output path of the prediction summary")
	predictCmd.Flags().StringVar(&predictMetadata, "metadata", "", "Optional metadata TSV with known cancer types for the summary")
	predictCmd.Flags().IntVar(&predictTopN, "top-n", 3, "Number of top classes in the summary")
	predictCmd.Flags().IntVar(&predictNExtra, "n-extra-features", 5, "Number of event feature contributions in the summary")
	predictCmd.Flags().Float64Var(&predictFill, "fill", 0, "Value of required features absent from the input")
}

// resolveModel returns the --model path or the latest registered model.
func resolveModel() (string, error) {
	if predictModel != "" {
		return predictModel, nil
	}
	store, err := openStore()
	if err != nil {
		return "", err
	}
	if store == nil {
		return "", fmt.Errorf("--model is required when no cache dir is configured")
	}
	defer store.Close()
	rec, err := store.Latest()
	if err != nil {
		return "", fmt.Errorf("resolve latest model: %w", err)
	}
	log.Info().Str("version", rec.Version).Str("path", rec.Path).Msg("Using latest registered model")
	return rec.Path, nil
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	modelPath, err := resolveModel()
	if err != nil {
		return err
	}
	c, err := classifier.Load(modelPath)
	if err != nil {
		return err
	}
	reg, recorder := newRunMetrics()
	c.WithMetrics(recorder)
	defer pushMetrics(reg, "cuppa_predict", c.RunID)

	X, err := loadFeatures(predictFeatures, predictLong)
	if err != nil {
		return err
	}
	X, err = c.FillMissingCols(X, predictFill)
	if err != nil {
		return err
	}

	pred, err := c.Predict(ctx, X)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	if err := pred.Save(predictOut); err != nil {
		return err
	}

	if predictSummary == "" {
		return nil
	}
	actual, err := actualClasses(predictMetadata)
	if err != nil {
		return err
	}
	summary, err := pred.Summarize(predictTopN, actual, predictNExtra)
	if err != nil {
		return err
	}
	if err := writeFile(predictSummary, summary.WriteTSV); err != nil {
		return err
	}
	logTopPredictions(summary)
	return nil
}

// logTopPredictions logs the combined, or else DNA, top class of each sample.
func logTopPredictions(s *prediction.Summary) {
	best := make(map[string]prediction.SummaryRow)
	var order []string
	for _, r := range s.Rows {
		if r.ClfName != classifier.Combined && r.ClfName != classifier.DNACombined {
			continue
		}
		prev, seen := best[r.SampleID]
		if !seen {
			order = append(order, r.SampleID)
		}
		if !seen || (prev.ClfName != classifier.Combined && r.ClfName == classifier.Combined) {
			best[r.SampleID] = r
		}
	}
	for _, id := range order {
		r := best[id]
		log.Info().
			Str("sample_id", id).
			Str("clf_name", r.ClfName).
			Str("pred_class", r.PredClasses[0]).
			Float64("pred_prob", r.PredProbs[0]).
			Msg("Top prediction")
	}
}

