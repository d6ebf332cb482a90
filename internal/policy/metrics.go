package policy

import (
	"crypto/sha1"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Policy evaluation metrics
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_evaluations_total",
			Help: "Total number of source admission evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_errors_total",
			Help: "Total number of policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	policyDryRunDivergence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_dry_run_divergence_total",
			Help: "Sources admitted in dry-run that enforcement would have excluded",
		},
		[]string{"divergence_type"},
	)

	policyLoadTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
		[]string{"policy_origin"},
	)

	policyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_origin"},
	)

	policyVersionInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_policy_version_info",
			Help: "Policy version information (value always 1, labels contain version data)",
		},
		[]string{"policy_origin", "version_hash"},
	)

	policyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_cache_hits_total",
			Help: "Total number of policy cache hits",
		},
		[]string{"mode"},
	)

	policyCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_cache_misses_total",
			Help: "Total number of policy cache misses",
		},
		[]string{"mode"},
	)

	policyCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_policy_cache_entries",
			Help: "Current number of entries in policy cache",
		},
	)

	policyDenyReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_deny_reasons_total",
			Help: "Count of source exclusions by reason",
		},
		[]string{"reason_hash", "truncated_reason"},
	)
)

// RecordEvaluation records a policy evaluation result
func RecordEvaluation(decision, mode string) {
	policyEvaluations.WithLabelValues(decision, mode).Inc()
}

// RecordEvaluationDuration records the time spent evaluating a policy
func RecordEvaluationDuration(mode string, duration float64) {
	policyEvaluationDuration.WithLabelValues(mode).Observe(duration)
}

// RecordError records a policy evaluation error
func RecordError(errorType, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

// RecordDryRunDivergence records when dry-run differs from enforcement
func RecordDryRunDivergence(divergenceType string) {
	policyDryRunDivergence.WithLabelValues(divergenceType).Inc()
}

// RecordPolicyLoad records successful policy loading
func RecordPolicyLoad(origin string, count int, timestamp float64) {
	policyLoadTime.WithLabelValues(origin).Set(timestamp)
	policyCount.WithLabelValues(origin).Set(float64(count))
}

// RecordPolicyVersion records policy version information
func RecordPolicyVersion(origin, versionHash string) {
	policyVersionInfo.WithLabelValues(origin, versionHash).Set(1)
}

func RecordCacheHit(mode string)  { policyCacheHits.WithLabelValues(mode).Inc() }
func RecordCacheMiss(mode string) { policyCacheMisses.WithLabelValues(mode).Inc() }
func RecordCacheSize(size int)    { policyCacheSize.Set(float64(size)) }

// RecordDenyReason records an exclusion reason with bounded label size
func RecordDenyReason(reason string) {
	policyDenyReasons.WithLabelValues(hashString(reason), truncateString(reason, 50)).Inc()
}

// hashString creates a consistent hash for high-cardinality strings
func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

// truncateString truncates a string to a maximum length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
