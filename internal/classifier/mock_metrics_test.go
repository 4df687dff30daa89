package classifier

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu               sync.Mutex
	fits             int
	fitFailures      int
	predictions      int
	predictFailures  int
	samplesPredicted float64
	classes          float64
	cacheHits        int
	cacheMisses      int
	stepFits         map[string]int
}

func (m *MockMetrics) FitDurationObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fits++
}

func (m *MockMetrics) PredictDurationObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) SamplesPredictedAdd(n float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samplesPredicted += n
}

func (m *MockMetrics) FitFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fitFailures++
}

func (m *MockMetrics) PredictFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictFailures++
}

func (m *MockMetrics) ModelClassesSet(n float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = n
}

func (m *MockMetrics) CacheHitInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *MockMetrics) CacheMissInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses++
}

func (m *MockMetrics) StepFitObserve(step string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stepFits == nil {
		m.stepFits = make(map[string]int)
	}
	m.stepFits[step]++
}
