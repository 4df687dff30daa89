package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	recorder := NewRecorder(metrics)

	if recorder == nil {
		t.Fatal("NewRecorder returned nil")
	}
	if recorder.m != metrics {
		t.Error("Recorder does not contain correct metrics instance")
	}
}

func TestRecorder_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	recorder := NewRecorder(metrics)

	if v := testutil.ToFloat64(metrics.StepCacheHits); v != 0 {
		t.Errorf("Expected initial counter value 0, got %f", v)
	}

	recorder.CacheHitInc()
	recorder.CacheHitInc()
	recorder.CacheMissInc()
	recorder.FitFailuresInc()
	recorder.PredictFailuresInc()
	recorder.SamplesPredictedAdd(12)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"cache hits", metrics.StepCacheHits, 2},
		{"cache misses", metrics.StepCacheMisses, 1},
		{"fit failures", metrics.FitFailures, 1},
		{"predict failures", metrics.PredictFailures, 1},
		{"samples predicted", metrics.SamplesPredicted, 12},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s: expected %f, got %f", tt.name, tt.want, got)
		}
	}
}

func TestRecorder_GaugeAndHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	recorder := NewRecorder(metrics)

	recorder.ModelClassesSet(40)
	if v := testutil.ToFloat64(metrics.ModelClasses); v != 40 {
		t.Errorf("Expected gauge value 40, got %f", v)
	}

	recorder.FitDurationObserve(3.5)
	recorder.PredictDurationObserve(0.2)
	recorder.StepFitObserve("sub_clfs", 1.5)
	recorder.StepFitObserve("meta_clfs", 0.5)

	if n := testutil.CollectAndCount(metrics.StepFitDuration); n != 2 {
		t.Errorf("Expected 2 step series, got %d", n)
	}
	n, err := testutil.GatherAndCount(registry, "cuppa_fit_duration_seconds")
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected fit duration histogram to be registered, got %d", n)
	}
}

func TestPush(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	NewRecorder(NewWithRegistry(registry)).CacheHitInc()

	if err := Push(server.URL, "cuppa_train", "run-1", registry); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !strings.Contains(gotPath, "/job/cuppa_train") || !strings.Contains(gotPath, "run_id/run-1") {
		t.Errorf("Unexpected push path %q", gotPath)
	}
}

func TestPush_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := Push(server.URL, "cuppa_train", "run-1", prometheus.NewRegistry()); err == nil {
		t.Error("Expected error from failing Pushgateway")
	}
}
