package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cuppa/internal/prediction"
)

// perfCmd computes performance from an existing prediction table
var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Compute per-class recall and precision of saved predictions",
	Long: `Summarize a prediction table against known cancer types and report the
recall and precision of the top prediction per classifier and class.

Examples:
  cuppa perf --pred cv/cv_predictions.tsv.gz --metadata metadata.tsv
  cuppa perf --pred pred.tsv.gz --metadata metadata.tsv --out perf.tsv`,
	RunE: runPerf,
}

var (
	perfPred     string
	perfMetadata string
	perfOut      string
)

func init() {
	rootCmd.AddCommand(perfCmd)

	perfCmd.Flags().StringVar(&perfPred, "pred", "", "Prediction table written by predict or cv")
	perfCmd.Flags().StringVar(&perfMetadata, "metadata", "", "Metadata TSV with sample_id and cancer_type")
	perfCmd.Flags().StringVar(&perfOut, "out", "", "Output path (default: stdout)")
}

func runPerf(cmd *cobra.Command, args []string) error {
	if perfPred == "" || perfMetadata == "" {
		return fmt.Errorf("--pred and --metadata are required")
	}
	pred, err := prediction.Load(perfPred)
	if err != nil {
		return err
	}
	actual, err := actualClasses(perfMetadata)
	if err != nil {
		return err
	}
	summary, err := pred.Summarize(1, actual, 0)
	if err != nil {
		return err
	}
	perf := summary.Performance()
	if perfOut == "" {
		return perf.WriteTSV(os.Stdout)
	}
	return writeFile(perfOut, perf.WriteTSV)
}
