package cfg

import (
	"strings"
	"testing"
)

// createValidConfig creates a valid Config for testing
func createValidConfig() *Config {
	c := Default()
	return &c
}

func TestValidate_ValidConfig(t *testing.T) {
	config := createValidConfig()

	if err := config.Validate(); err != nil {
		t.Errorf("Expected valid config to pass, got error: %v", err)
	}
}

func TestValidate_FixedWindow(t *testing.T) {
	config := createValidConfig()
	config.Calibration.Window = "50"

	if err := config.Validate(); err != nil {
		t.Errorf("Expected integer window to pass, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{"genPos penalty", func(c *Config) { c.SubClassifiers.GenPos.Logistic.Penalty = "elasticnet" }, "genPos: penalty"},
		{"genPos agg func", func(c *Config) { c.SubClassifiers.GenPos.AggFunc = "max" }, "agg func"},
		{"negative noise", func(c *Config) { c.SubClassifiers.GenPos.NoiseCounts = -1 }, "noise counts"},
		{"negative ceiling", func(c *Config) { c.SubClassifiers.GenPos.CountCeiling = -5 }, "count ceiling"},
		{"negative exponent", func(c *Config) { c.SubClassifiers.GenPos.NonBestExponent = -1 }, "non-best exponent"},
		{"snv96 C", func(c *Config) { c.SubClassifiers.SNV96.Logistic.C = 0 }, "snv96: C"},
		{"event max iter", func(c *Config) { c.SubClassifiers.Event.Logistic.MaxIter = 0 }, "event: max iter"},
		{"event tol", func(c *Config) { c.SubClassifiers.Event.Logistic.Tol = 0 }, "event: tol"},
		{"unknown solver", func(c *Config) { c.MetaClassifiers.RNACombined.Solver = "saga" }, "rnaCombined: solver"},
		{"k_best fraction", func(c *Config) {
			c.SubClassifiers.GeneExp.Chi2Mode = "k_best"
			c.SubClassifiers.GeneExp.Chi2Threshold = 0.5
		}, "positive integer"},
		{"qvalue above one", func(c *Config) { c.SubClassifiers.AltSJ.Chi2Threshold = 2 }, "between 0 and 1"},
		{"window text", func(c *Config) { c.Calibration.Window = "wide" }, "calibration window"},
		{"window zero", func(c *Config) { c.Calibration.Window = "0" }, "calibration window"},
		{"exponent", func(c *Config) { c.Calibration.NTrueExponent = 1.5 }, "n_true exponent"},
		{"min true", func(c *Config) { c.Calibration.MinTrueSamples = -1 }, "min true samples"},
		{"kernel", func(c *Config) { c.Calibration.Kernel = "triangular" }, "kernel"},
		{"edge weight", func(c *Config) { c.Calibration.EdgeWeight = 1 }, "edge weight"},
		{"mask base", func(c *Config) { c.FusionOverrides.MaskBaseValue = 1.5 }, "mask base value"},
		{"combiner mode", func(c *Config) { c.Combiner.Mode = "mean" }, "combiner mode"},
		{"prob floor", func(c *Config) { c.Combiner.ProbFloor = 1 }, "prob floor"},
		{"quantiles", func(c *Config) { c.SigQuantiles.NQuantiles = 1 }, "sig quantiles"},
		{"folds", func(c *Config) { c.CrossValidation.NFolds = 1 }, "at least 2 folds"},
		{"n jobs", func(c *Config) { c.Runtime.NJobs = -2 }, "n jobs"},
		{"log level", func(c *Config) { c.Runtime.LogLevel = "verbose" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := createValidConfig()
			tt.mutate(config)

			err := config.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestValidate_L2WithLBFGS(t *testing.T) {
	config := createValidConfig()
	config.MetaClassifiers.DNACombined.Penalty = "l2"
	config.MetaClassifiers.DNACombined.Solver = "lbfgs"

	if err := config.Validate(); err != nil {
		t.Errorf("Expected l2 with lbfgs to pass, got error: %v", err)
	}
}
