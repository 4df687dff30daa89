package cfg

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every hyperparameter of the classifier plus the runtime settings
// of a training or prediction run.
type Config struct {
	SubClassifiers  SubClassifiers  `yaml:"subClassifiers"`
	MetaClassifiers MetaClassifiers `yaml:"metaClassifiers"`
	Calibration     Calibration     `yaml:"calibration"`
	FusionOverrides FusionOverrides `yaml:"fusionOverrides"`
	SexFilter       SexFilter       `yaml:"sexFilter"`
	Combiner        Combiner        `yaml:"combiner"`
	SigQuantiles    SigQuantiles    `yaml:"sigQuantiles"`
	CrossValidation CrossValidation `yaml:"crossValidation"`
	Runtime         Runtime         `yaml:"runtime"`
}

type Logistic struct {
	Penalty string  `yaml:"penalty"`
	C       float64 `yaml:"c"`
	Solver  string  `yaml:"solver"`
	MaxIter int     `yaml:"maxIter"`
	Tol     float64 `yaml:"tol"`
}

type GenPos struct {
	NoiseCounts     float64  `yaml:"noiseCounts"`
	CountCeiling    float64  `yaml:"countCeiling"`
	AggFunc         string   `yaml:"aggFunc"`
	NonBestExponent float64  `yaml:"nonBestExponent"`
	Logistic        Logistic `yaml:"logistic"`
}

type Counts struct {
	Logistic Logistic `yaml:"logistic"`
}

type RNA struct {
	Chi2Mode      string   `yaml:"chi2Mode"`
	Chi2Threshold float64  `yaml:"chi2Threshold"`
	Logistic      Logistic `yaml:"logistic"`
}

type SubClassifiers struct {
	GenPos  GenPos `yaml:"genPos"`
	SNV96   Counts `yaml:"snv96"`
	Event   Counts `yaml:"event"`
	GeneExp RNA    `yaml:"geneExp"`
	AltSJ   RNA    `yaml:"altSj"`
}

type MetaClassifiers struct {
	DNACombined Logistic `yaml:"dnaCombined"`
	RNACombined Logistic `yaml:"rnaCombined"`
}

type Calibration struct {
	Window         string  `yaml:"window"`
	NTrueExponent  float64 `yaml:"nTrueExponent"`
	MinTrueSamples int     `yaml:"minTrueSamples"`
	Kernel         string  `yaml:"kernel"`
	EdgeWeight     float64 `yaml:"edgeWeight"`
	Bypass         bool    `yaml:"bypass"`
}

type FusionOverrides struct {
	// Path is a fusion override TSV. Empty disables the overrider.
	Path          string  `yaml:"path"`
	MaskBaseValue float64 `yaml:"maskBaseValue"`
	Bypass        bool    `yaml:"bypass"`
}

type SexFilter struct {
	MaleKeywords   []string `yaml:"maleKeywords"`
	FemaleKeywords []string `yaml:"femaleKeywords"`
	Bypass         bool     `yaml:"bypass"`
}

type Combiner struct {
	Mode      string  `yaml:"mode"`
	ProbFloor float64 `yaml:"probFloor"`
}

type SigQuantiles struct {
	NQuantiles int  `yaml:"nQuantiles"`
	ClipUpper  bool `yaml:"clipUpper"`
}

type CrossValidation struct {
	NFolds int   `yaml:"nFolds"`
	Seed   int64 `yaml:"seed"`
}

type Runtime struct {
	NJobs          int    `yaml:"nJobs"`
	CacheDir       string `yaml:"cacheDir"`
	LogLevel       string `yaml:"logLevel"`
	PushgatewayURL string `yaml:"pushgatewayURL"`
}

func l1(c float64) Logistic {
	return Logistic{Penalty: "l1", C: c, Solver: "fista", MaxIter: 1000, Tol: 1e-4}
}

// Default returns the production configuration.
func Default() Config {
	return Config{
		SubClassifiers: SubClassifiers{
			GenPos: GenPos{
				NoiseCounts:     500,
				CountCeiling:    10000,
				AggFunc:         "sum",
				NonBestExponent: 5,
				Logistic:        l1(10),
			},
			SNV96:   Counts{Logistic: l1(10)},
			Event:   Counts{Logistic: l1(10)},
			GeneExp: RNA{Chi2Mode: "qvalue", Chi2Threshold: 0.001, Logistic: l1(10)},
			AltSJ:   RNA{Chi2Mode: "qvalue", Chi2Threshold: 0.001, Logistic: l1(10)},
		},
		MetaClassifiers: MetaClassifiers{
			DNACombined: l1(1),
			RNACombined: l1(1),
		},
		Calibration: Calibration{
			Window:         "variable",
			NTrueExponent:  0.7,
			MinTrueSamples: 10,
			Kernel:         "gaussian",
			EdgeWeight:     0.16,
		},
		FusionOverrides: FusionOverrides{MaskBaseValue: 0.01},
		SexFilter: SexFilter{
			MaleKeywords:   []string{"prostate", "penis", "testis"},
			FemaleKeywords: []string{"ovary", "ovarian", "uterus", "endometri", "cervix", "vulva", "vagina", "gyn"},
		},
		Combiner:        Combiner{Mode: "multiply", ProbFloor: 0.01},
		SigQuantiles:    SigQuantiles{NQuantiles: 50, ClipUpper: false},
		CrossValidation: CrossValidation{NFolds: 10, Seed: 0},
		Runtime: Runtime{
			NJobs:    1,
			LogLevel: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path falls back to CUPPA_CONFIG,
// and to the defaults alone when that is unset too.
func Load(path string) (Config, error) {
	config := Default()

	if path == "" {
		path = os.Getenv("CUPPA_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func applyEnv(config *Config) {
	config.Runtime.NJobs = getIntOrDefault("CUPPA_N_JOBS", config.Runtime.NJobs)
	config.Runtime.CacheDir = getEnvOrDefault("CUPPA_CACHE_DIR", config.Runtime.CacheDir)
	config.Runtime.LogLevel = getEnvOrDefault("CUPPA_LOG_LEVEL", config.Runtime.LogLevel)
	config.Runtime.PushgatewayURL = getEnvOrDefault("CUPPA_PUSHGATEWAY_URL", config.Runtime.PushgatewayURL)
	config.FusionOverrides.Path = getEnvOrDefault("CUPPA_FUSION_OVERRIDES", config.FusionOverrides.Path)
	config.Calibration.Bypass = getBoolOrDefault("CUPPA_CALIBRATION_BYPASS", config.Calibration.Bypass)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// Validate performs range checks on every section.
func (c *Config) Validate() error {
	sub := c.SubClassifiers
	if err := validateLogistic("genPos", sub.GenPos.Logistic); err != nil {
		return err
	}
	if sub.GenPos.NoiseCounts < 0 {
		return fmt.Errorf("genPos noise counts must be non-negative, got %f", sub.GenPos.NoiseCounts)
	}
	if sub.GenPos.CountCeiling < 0 {
		return fmt.Errorf("genPos count ceiling must be non-negative (0 disables it), got %f", sub.GenPos.CountCeiling)
	}
	switch sub.GenPos.AggFunc {
	case "sum", "mean", "median", "iqm":
	default:
		return fmt.Errorf("genPos agg func must be one of sum, mean, median, iqm, got %q", sub.GenPos.AggFunc)
	}
	if sub.GenPos.NonBestExponent < 0 {
		return fmt.Errorf("genPos non-best exponent must be non-negative, got %f", sub.GenPos.NonBestExponent)
	}
	if err := validateLogistic("snv96", sub.SNV96.Logistic); err != nil {
		return err
	}
	if err := validateLogistic("event", sub.Event.Logistic); err != nil {
		return err
	}
	if err := validateRNA("geneExp", sub.GeneExp); err != nil {
		return err
	}
	if err := validateRNA("altSj", sub.AltSJ); err != nil {
		return err
	}
	if err := validateLogistic("dnaCombined", c.MetaClassifiers.DNACombined); err != nil {
		return err
	}
	if err := validateLogistic("rnaCombined", c.MetaClassifiers.RNACombined); err != nil {
		return err
	}

	cal := c.Calibration
	if cal.Window != "variable" {
		if w, err := strconv.Atoi(cal.Window); err != nil || w < 1 {
			return fmt.Errorf("calibration window must be a positive integer or \"variable\", got %q", cal.Window)
		}
	}
	if cal.NTrueExponent <= 0 || cal.NTrueExponent > 1 {
		return fmt.Errorf("calibration n_true exponent must be between 0 and 1, got %f", cal.NTrueExponent)
	}
	if cal.MinTrueSamples < 0 {
		return fmt.Errorf("calibration min true samples must be non-negative, got %d", cal.MinTrueSamples)
	}
	if cal.Kernel != "uniform" && cal.Kernel != "gaussian" {
		return fmt.Errorf("calibration kernel must be uniform or gaussian, got %q", cal.Kernel)
	}
	if cal.EdgeWeight <= 0 || cal.EdgeWeight >= 1 {
		return fmt.Errorf("calibration edge weight must be between 0 and 1, got %f", cal.EdgeWeight)
	}

	if c.FusionOverrides.MaskBaseValue < 0 || c.FusionOverrides.MaskBaseValue > 1 {
		return fmt.Errorf("fusion mask base value must be between 0 and 1, got %f", c.FusionOverrides.MaskBaseValue)
	}

	if c.Combiner.Mode != "multiply" {
		return fmt.Errorf("combiner mode must be multiply, got %q", c.Combiner.Mode)
	}
	if c.Combiner.ProbFloor < 0 || c.Combiner.ProbFloor >= 1 {
		return fmt.Errorf("combiner prob floor must be between 0 and 1, got %f", c.Combiner.ProbFloor)
	}

	if c.SigQuantiles.NQuantiles < 2 || c.SigQuantiles.NQuantiles > 10000 {
		return fmt.Errorf("sig quantiles must be between 2 and 10000, got %d", c.SigQuantiles.NQuantiles)
	}
	if c.CrossValidation.NFolds < 2 {
		return fmt.Errorf("cross-validation needs at least 2 folds, got %d", c.CrossValidation.NFolds)
	}

	if c.Runtime.NJobs < -1 {
		return fmt.Errorf("n jobs must be -1 (all CPUs) or non-negative, got %d", c.Runtime.NJobs)
	}
	switch c.Runtime.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of trace, debug, info, warn, error, got %q", c.Runtime.LogLevel)
	}
	return nil
}

func validateLogistic(name string, l Logistic) error {
	if l.Penalty != "l1" && l.Penalty != "l2" {
		return fmt.Errorf("%s: penalty must be l1 or l2, got %q", name, l.Penalty)
	}
	switch l.Solver {
	case "", "fista":
	case "lbfgs":
		if l.Penalty == "l1" {
			return fmt.Errorf("%s: solver lbfgs does not support the l1 penalty", name)
		}
	default:
		return fmt.Errorf("%s: solver must be fista or lbfgs, got %q", name, l.Solver)
	}
	if l.C <= 0 {
		return fmt.Errorf("%s: C must be positive, got %f", name, l.C)
	}
	if l.MaxIter < 1 || l.MaxIter > 100000 {
		return fmt.Errorf("%s: max iter must be between 1 and 100000, got %d", name, l.MaxIter)
	}
	if l.Tol <= 0 {
		return fmt.Errorf("%s: tol must be positive, got %f", name, l.Tol)
	}
	return nil
}

func validateRNA(name string, r RNA) error {
	switch r.Chi2Mode {
	case "rank", "k_best":
		if r.Chi2Threshold < 1 || r.Chi2Threshold != float64(int(r.Chi2Threshold)) {
			return fmt.Errorf("%s: chi2 threshold must be a positive integer for mode %q, got %f", name, r.Chi2Mode, r.Chi2Threshold)
		}
	case "pvalue", "qvalue", "fdr":
		if r.Chi2Threshold < 0 || r.Chi2Threshold > 1 {
			return fmt.Errorf("%s: chi2 threshold must be between 0 and 1 for mode %q, got %f", name, r.Chi2Mode, r.Chi2Threshold)
		}
	default:
		return fmt.Errorf("%s: chi2 mode must be one of pvalue, qvalue, fdr, rank, k_best, got %q", name, r.Chi2Mode)
	}
	return validateLogistic(name, r.Logistic)
}
