package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder adapts Metrics to the narrow interfaces the classifier and pipelines
// depend on, so those packages do not import Prometheus.
type Recorder struct {
	m *Metrics
}

func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{m: m}
}

func (r *Recorder) FitDurationObserve(seconds float64)     { r.m.FitDuration.Observe(seconds) }
func (r *Recorder) PredictDurationObserve(seconds float64) { r.m.PredictDuration.Observe(seconds) }
func (r *Recorder) SamplesPredictedAdd(n float64)          { r.m.SamplesPredicted.Add(n) }
func (r *Recorder) FitFailuresInc()                        { r.m.FitFailures.Inc() }
func (r *Recorder) PredictFailuresInc()                    { r.m.PredictFailures.Inc() }
func (r *Recorder) ModelClassesSet(n float64)              { r.m.ModelClasses.Set(n) }

func (r *Recorder) CacheHitInc()  { r.m.StepCacheHits.Inc() }
func (r *Recorder) CacheMissInc() { r.m.StepCacheMisses.Inc() }

func (r *Recorder) StepFitObserve(step string, seconds float64) {
	r.m.StepFitDuration.WithLabelValues(step).Observe(seconds)
}

// Push sends everything gathered by g to the Pushgateway at url under job, with
// an instance label identifying the run.
func Push(url, job, runID string, g prometheus.Gatherer) error {
	err := push.New(url, job).
		Grouping("run_id", runID).
		Gatherer(g).
		Push()
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
