package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"cuppa/internal/dataio"
	"cuppa/internal/frame"
	"cuppa/internal/metrics"
	"cuppa/internal/ml"
	"cuppa/internal/storage"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadFeatures(path string, long bool) (*frame.Frame, error) {
	if path == "" {
		return nil, fmt.Errorf("--features is required")
	}
	if long {
		return dataio.LoadFeaturesLong(path)
	}
	return dataio.LoadFeatureMatrix(path)
}

// loadLabels reads the metadata of the samples of X, in X's order.
func loadLabels(path string, X *frame.Frame) (*dataio.Metadata, error) {
	if path == "" {
		return nil, fmt.Errorf("--metadata is required")
	}
	meta, err := dataio.LoadMetadata(path)
	if err != nil {
		return nil, err
	}
	return meta.Align(X.Index)
}

// actualClasses maps sample IDs to their cancer type. An empty path gives nil.
func actualClasses(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	meta, err := dataio.LoadMetadata(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(meta.Index))
	for i, id := range meta.Index {
		out[id] = meta.CancerType[i]
	}
	return out, nil
}

func loadOverrides() ([]ml.FusionOverride, error) {
	if config.FusionOverrides.Path == "" {
		return nil, nil
	}
	return dataio.LoadFusionOverrides(config.FusionOverrides.Path)
}

// openStore opens the step cache and model registry, or returns nil when no
// cache directory is configured.
func openStore() (*storage.Store, error) {
	if config.Runtime.CacheDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(config.Runtime.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return storage.New(config.Runtime.CacheDir)
}

// newRunMetrics returns a registry isolated to this run and its recorder.
func newRunMetrics() (*prometheus.Registry, *metrics.Recorder) {
	reg := prometheus.NewRegistry()
	return reg, metrics.NewRecorder(metrics.NewWithRegistry(reg))
}

// pushMetrics sends the run's metrics to the Pushgateway when one is configured.
// Failures are logged, not returned.
func pushMetrics(reg *prometheus.Registry, job, runID string) {
	url := config.Runtime.PushgatewayURL
	if url == "" {
		return
	}
	if err := metrics.Push(url, job, runID, reg); err != nil {
		log.Warn().Err(err).Msg("Failed to push metrics")
		return
	}
	log.Info().Str("url", url).Str("job", job).Msg("Pushed metrics")
}

// writeFile writes to path through write, gzip compressed when path ends in .gz.
func writeFile(path string, write func(io.Writer) error) error {
	w, err := dataio.Create(path)
	if err != nil {
		return err
	}
	if err := write(w); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Close()
}

// writeLongTable writes a feature importance table: clf_name, feat_name and
// one column per class.
func writeLongTable(w io.Writer, t *frame.LongTable) error {
	cw := dataio.NewTSVWriter(w)
	if err := cw.Write(append([]string{"clf_name", "feat_name"}, t.Classes...)); err != nil {
		return err
	}
	rec := make([]string, 2+len(t.Classes))
	for _, r := range t.Rows {
		rec[0], rec[1] = r.ClfName, r.FeatName
		for k, v := range r.Values {
			rec[2+k] = dataio.FormatFloat(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
