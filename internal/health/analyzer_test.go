package health

import (
	"io"
	"testing"

	"kvcache/internal/logs"
	"kvcache/internal/metrics"

	"github.com/stretchr/testify/assert"
)

func newLogger() *logs.Logger {
	return logs.NewLogger(10, logs.DEBUG, logs.WithOutput(io.Discard))
}

func TestAnalyzer_OK(t *testing.T) {
	reg := metrics.NewRegistry()

	report := NewAnalyzer(reg, newLogger()).Analyze()

	assert.Equal(t, StatusOK, report.OverallStatus)
	assert.Equal(t, "Cache is healthy", report.Summary)
	assert.Empty(t, report.Signals)
	assert.Zero(t, report.HitRatio)
}

func TestAnalyzer_HitRatio(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Add(metrics.CacheGetsTotal, 4)
	reg.Add(metrics.CacheHitsTotal, 3)

	report := NewAnalyzer(reg, newLogger()).Analyze()

	assert.InDelta(t, 0.75, report.HitRatio, 1e-9)
}

func TestAnalyzer_CriticalStoreUnavailable(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Inc(metrics.StorageErrorsTotal)

	report := NewAnalyzer(reg, newLogger()).Analyze()

	assert.Equal(t, StatusCritical, report.OverallStatus)
	assert.Contains(t, report.Signals, "Persistent store is unavailable")
	assert.NotContains(t, report.Signals, "Storage operations are failing")
}

func TestAnalyzer_DegradedStorageErrors(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Inc(metrics.StoreOpensTotal)
	reg.Inc(metrics.StorageErrorsTotal)

	report := NewAnalyzer(reg, newLogger()).Analyze()

	assert.Equal(t, StatusDegraded, report.OverallStatus)
	assert.Contains(t, report.Signals, "Storage operations are failing")
}

func TestAnalyzer_MultipleMetricSignals(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Inc(metrics.CleanupFailedTotal)
	reg.Inc(metrics.HTTPRateLimitedTotal)

	report := NewAnalyzer(reg, newLogger()).Analyze()

	assert.Equal(t, StatusDegraded, report.OverallStatus)
	assert.Len(t, report.Signals, 2)
	assert.Len(t, report.Recommendations, 2)
}

func TestAnalyzer_LogBasedStorageFailures(t *testing.T) {
	reg := metrics.NewRegistry()
	logger := newLogger()

	for i := 0; i < 3; i++ {
		logger.Warn("storage operation failed")
	}

	report := NewAnalyzer(reg, logger).Analyze()

	assert.Equal(t, StatusDegraded, report.OverallStatus)
	assert.Contains(t, report.Signals, "Repeated storage failures detected in logs")
}

func TestAnalyzer_LogBasedPanicDetection(t *testing.T) {
	reg := metrics.NewRegistry()
	logger := newLogger()

	logger.Error("panic recovered: runtime error")

	report := NewAnalyzer(reg, logger).Analyze()

	assert.Equal(t, StatusCritical, report.OverallStatus)
	assert.Equal(t, "Cache health issues detected", report.Summary)
	assert.Contains(t, report.Signals, "Application panics detected in logs")
}
