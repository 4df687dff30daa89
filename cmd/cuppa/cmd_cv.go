package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cuppa/internal/classifier"
	"cuppa/internal/prediction"
)

// cvCmd cross-validates the classifier
var cvCmd = &cobra.Command{
	Use:   "cv",
	Short: "Cross-validate the classifier on a labelled cohort",
	Long: `Fit one classifier per stratified fold and predict every sample with the
classifier that did not see it. Folds are stratified by cancer type and, when
the metadata has an rna_read_length column, by RNA read length.

Writes cv_predictions.tsv.gz, cv_summary.tsv and cv_performance.tsv to --out-dir.

Examples:
  cuppa cv --features features.tsv.gz --metadata metadata.tsv --out-dir cv/`,
	RunE: runCV,
}

var (
	cvFeatures string
	cvLong     bool
	cvMetadata string
	cvOutDir   string
	cvTopN     int
	cvNExtra   int
)

func init() {
	rootCmd.AddCommand(cvCmd)

	cvCmd.Flags().StringVar(&cvFeatures, "features", "", "Feature matrix TSV")
	cvCmd.Flags().BoolVar(&cvLong, "long", false, "Features are in long format (sample_id, category, key, value)")
	cvCmd.Flags().StringVar(&cvMetadata, "metadata", "", "Metadata TSV with sample_id, cancer_type and optional rna_read_length")
	cvCmd.Flags().StringVar(&cvOutDir, "out-dir", ".", "Output directory")
	cvCmd.Flags().IntVar(&cvTopN, "top-n", 3, "Number of top classes in the summary")
	cvCmd.Flags().IntVar(&cvNExtra, "n-extra-features", 5, "Number of event feature contributions in the summary")
}

func runCV(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	X, err := loadFeatures(cvFeatures, cvLong)
	if err != nil {
		return err
	}
	meta, err := loadLabels(cvMetadata, X)
	if err != nil {
		return err
	}
	overrides, err := loadOverrides()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cvOutDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	reg, recorder := newRunMetrics()
	c, err := classifier.NewWithMetrics(config, overrides, recorder)
	if err != nil {
		return err
	}
	pred, cv, err := c.CrossValidate(ctx, X, meta.CancerType, meta.SplitLabels())
	if err != nil {
		return err
	}
	if len(cv.Estimators) > 0 {
		defer pushMetrics(reg, "cuppa_cv", cv.Estimators[0].RunID)
	}

	if err := pred.Save(filepath.Join(cvOutDir, "cv_predictions.tsv.gz")); err != nil {
		return err
	}

	actual := make(map[string]string, len(meta.Index))
	for i, id := range meta.Index {
		actual[id] = meta.CancerType[i]
	}
	summary, err := pred.Summarize(cvTopN, actual, cvNExtra)
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(cvOutDir, "cv_summary.tsv"), summary.WriteTSV); err != nil {
		return err
	}
	perf := summary.Performance()
	if err := writeFile(filepath.Join(cvOutDir, "cv_performance.tsv"), perf.WriteTSV); err != nil {
		return err
	}

	for _, name := range []string{classifier.Combined, classifier.DNACombined, classifier.RNACombined} {
		if all, ok := perf.Get(prediction.AllClasses, name); ok {
			log.Info().
				Str("clf_name", name).
				Int("n_total", all.NTotal).
				Float64("accuracy", all.Recall).
				Msg("Cross-validation performance")
		}
	}
	return nil
}
