package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cuppa/internal/classifier"
	"cuppa/internal/ml"
	"cuppa/internal/storage"
)

// trainCmd fits the classifier on a labelled cohort
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fit the classifier on a labelled cohort",
	Long: `Fit every layer of the classifier on a feature matrix and the cancer types
in a metadata file, then save the fitted model. When a cache directory is
configured, fitted steps are reused across runs and the model is registered.

Examples:
  cuppa train --features features.tsv.gz --metadata metadata.tsv --out cuppa_classifier.gob.gz
  cuppa train --features features_long.tsv.gz --long --metadata metadata.tsv --feat-imp feat_imp.tsv`,
	RunE: runTrain,
}

var (
	trainFeatures string
	trainLong     bool
	trainMetadata string
	trainOut      string
	trainFeatImp  string
	trainNotes    string
)

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVar(&trainFeatures, "features", "", "Feature matrix TSV")
	trainCmd.Flags().BoolVar(&trainLong, "long", false, "Features are in long format (sample_id, category, key, value)")
	trainCmd.Flags().StringVar(&trainMetadata, "metadata", "", "Metadata TSV with sample_id and cancer_type")
	trainCmd.Flags().StringVar(&trainOut, "out", "cuppa_classifier.gob.gz", "Output path of the fitted classifier")
	trainCmd.Flags().StringVar(&trainFeatImp, "feat-imp", "", "Optional output path of the feature importances")
	trainCmd.Flags().StringVar(&trainNotes, "notes", "", "Free text stored with the registered model")
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	X, err := loadFeatures(trainFeatures, trainLong)
	if err != nil {
		return err
	}
	meta, err := loadLabels(trainMetadata, X)
	if err != nil {
		return err
	}
	overrides, err := loadOverrides()
	if err != nil {
		return err
	}

	reg, recorder := newRunMetrics()
	c, err := classifier.NewWithMetrics(config, overrides, recorder)
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		c.WithCache(store)
	}

	if err := c.Fit(ctx, X, meta.CancerType); err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	defer pushMetrics(reg, "cuppa_train", c.RunID)

	if err := c.Save(trainOut); err != nil {
		return err
	}

	if trainFeatImp != "" {
		imp, err := c.FeatImp(ml.FeatImpCoef)
		if err != nil {
			return err
		}
		if err := writeFile(trainFeatImp, func(w io.Writer) error { return writeLongTable(w, imp) }); err != nil {
			return err
		}
	}

	if store != nil {
		path, err := filepath.Abs(trainOut)
		if err != nil {
			return err
		}
		rec, err := store.Register(storage.ModelRecord{
			RunID:    c.RunID,
			Path:     path,
			NSamples: c.NSamples,
			Classes:  c.Classes,
			Notes:    trainNotes,
		})
		if err != nil {
			return fmt.Errorf("register model: %w", err)
		}
		log.Info().Str("version", rec.Version).Str("path", rec.Path).Msg("Registered model")
	}
	return nil
}
