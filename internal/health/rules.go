package health

import "kvcache/internal/metrics"

// RuleResult represents the outcome of a single rule.
type RuleResult struct {
	Triggered      bool
	Signal         string
	Recommendation string
	Severity       Status
}

// Rule evaluates a metrics snapshot.
type Rule func(snapshot map[string]int64) RuleResult

// ---------- RULES ----------

// StoreUnavailableRule fires when storage failed and the store never opened.
func StoreUnavailableRule(snapshot map[string]int64) RuleResult {
	errs := snapshot[string(metrics.StorageErrorsTotal)]
	opens := snapshot[string(metrics.StoreOpensTotal)]

	if errs > 0 && opens == 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Persistent store is unavailable",
			Recommendation: "Check the store path, permissions and backend connectivity",
			Severity:       StatusCritical,
		}
	}
	return RuleResult{}
}

// Rejected transactions point at a struggling backend.
func StorageErrorRule(snapshot map[string]int64) RuleResult {
	errs := snapshot[string(metrics.StorageErrorsTotal)]
	opens := snapshot[string(metrics.StoreOpensTotal)]

	if errs > 0 && opens > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Storage operations are failing",
			Recommendation: "Inspect backend logs for quota, lock or permission errors",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Failed sweeps leave expired records on disk.
func CleanupFailureRule(snapshot map[string]int64) RuleResult {
	failed := snapshot[string(metrics.CleanupFailedTotal)]

	if failed > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "TTL cleanup failures detected",
			Recommendation: "Check the sweeper interval and store health",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

func RateLimitRule(snapshot map[string]int64) RuleResult {
	limited := snapshot[string(metrics.HTTPRateLimitedTotal)]

	if limited > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "HTTP requests are being rate limited",
			Recommendation: "Raise the rate limit or reduce client traffic",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}
