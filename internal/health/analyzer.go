package health

import (
	"strings"

	"kvcache/internal/logs"
	"kvcache/internal/metrics"
)

// Analyzer converts metrics + logs into a health report.
type Analyzer struct {
	metrics *metrics.Registry
	logger  *logs.Logger
	rules   []Rule
}

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(
	reg *metrics.Registry,
	logger *logs.Logger,
) *Analyzer {
	return &Analyzer{
		metrics: reg,
		logger:  logger,
		rules: []Rule{
			StoreUnavailableRule,
			StorageErrorRule,
			CleanupFailureRule,
			RateLimitRule,
		},
	}
}

// Analyze evaluates metrics and logs and returns a health report.
func (a *Analyzer) Analyze() Report {
	snapshot := a.metrics.Snapshot()

	var (
		signals         = []string{}
		recommendations = []string{}
		status          = StatusOK
	)

	escalate := func(severity Status) {
		if severity == StatusCritical {
			status = StatusCritical
		} else if severity == StatusDegraded && status == StatusOK {
			status = StatusDegraded
		}
	}

	/* ---------- METRICS-BASED RULES ---------- */

	for _, rule := range a.rules {
		result := rule(snapshot)
		if !result.Triggered {
			continue
		}

		signals = append(signals, result.Signal)
		recommendations = append(recommendations, result.Recommendation)
		escalate(result.Severity)
	}

	/* ---------- LOG-BASED SIGNALS ---------- */

	logEntries := a.logger.GetLast(100)

	storageWarnings := 0
	panicCount := 0

	for _, entry := range logEntries {
		if entry.Level == logs.WARN &&
			strings.Contains(entry.Message, "storage operation failed") {
			storageWarnings++
		}

		if entry.Level == logs.ERROR &&
			strings.Contains(entry.Message, "panic") {
			panicCount++
		}
	}

	if storageWarnings >= 3 {
		signals = append(signals,
			"Repeated storage failures detected in logs",
		)
		recommendations = append(recommendations,
			"Check disk space and backend availability",
		)
		escalate(StatusDegraded)
	}

	if panicCount > 0 {
		signals = append(signals,
			"Application panics detected in logs",
		)
		recommendations = append(recommendations,
			"Inspect stack traces and stabilize error handling",
		)
		escalate(StatusCritical)
	}

	/* ---------- SUMMARY ---------- */

	summary := "Cache is healthy"
	if status != StatusOK {
		summary = "Cache health issues detected"
	}

	return Report{
		OverallStatus:   status,
		Summary:         summary,
		Signals:         signals,
		Recommendations: recommendations,
		HitRatio:        hitRatio(snapshot),
	}
}

func hitRatio(snapshot map[string]int64) float64 {
	hits := snapshot[string(metrics.CacheHitsTotal)]
	gets := snapshot[string(metrics.CacheGetsTotal)]
	if gets == 0 {
		return 0
	}
	return float64(hits) / float64(gets)
}
