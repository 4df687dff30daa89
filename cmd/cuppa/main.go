package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cuppa/internal/cfg"
)

var (
	configPath string
	logLevel   string

	config cfg.Config
)

// rootCmd is the base command for the cuppa CLI
var rootCmd = &cobra.Command{
	Use:   "cuppa",
	Short: "Cancer of unknown primary prediction from DNA and RNA features",
	Long: `cuppa trains and applies a cancer-type classifier. Five sub-classifiers
(genomic position, SNV96 contexts, events, gene expression and alternative
splice junctions) feed a DNA and an RNA meta-classifier, whose calibrated
probabilities are combined into one prediction per sample.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration (default: $CUPPA_CONFIG or built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads .env and the configuration and configures logging.
func setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	var err error
	config, err = cfg.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		config.Runtime.LogLevel = logLevel
	}

	level, err := zerolog.ParseLevel(config.Runtime.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.Runtime.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Debug().
		Str("command", cmd.Name()).
		Str("config", configPath).
		Int("n_jobs", config.Runtime.NJobs).
		Str("cache_dir", config.Runtime.CacheDir).
		Msg("Configuration loaded")
	return nil
}
