package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_completed_total",
			Help: "Total number of pipeline runs finished, by outcome",
		},
		[]string{"mode", "outcome"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	RunRevisions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_run_revisions",
			Help:    "Number of quality-gate revision passes per run",
			Buckets: []float64{0, 1, 2, 3, 5},
		},
	)

	// Stage metrics
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_stage_executions_total",
			Help: "Total number of stage executions, by status",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_stage_duration_ms",
			Help:    "Stage execution duration in milliseconds",
			Buckets: []float64{10, 100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"stage"},
	)

	// Gatherer metrics
	GathererCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_gatherer_calls_total",
			Help: "Capability calls issued by evidence gatherers",
		},
		[]string{"capability", "outcome"},
	)

	GathererCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_gatherer_call_duration_seconds",
			Help:    "Capability call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	WarehouseProbesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_warehouse_probes_skipped_total",
			Help: "Warehouse probes not issued because the per-run budget was spent",
		},
	)

	WebQueriesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_web_queries_deduplicated_total",
			Help: "Web queries dropped by per-section deduplication",
		},
	)

	// LLM metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_generation_requests_total",
			Help: "Structured generation requests, by outcome",
		},
		[]string{"stage", "outcome"},
	)

	GenerationFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_generation_fallbacks_total",
			Help: "Stage outputs produced by the heuristic fallback",
		},
		[]string{"stage"},
	)

	// Deliverable metrics
	CitationsPerRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_citations_per_run",
			Help:    "Bibliography entries in the assembled deliverable",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// Streaming metrics
	StreamSnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_stream_snapshots_total",
			Help: "Snapshots yielded to streaming consumers",
		},
		[]string{"transport"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_stream_subscribers",
			Help: "Currently attached progress subscribers",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_stream_events_dropped_total",
			Help: "Progress events dropped for slow subscribers",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_http_requests_total",
			Help: "Inbound API requests",
		},
		[]string{"route", "code"},
	)
)

// RecordRunMetrics records the completion of a run
func RecordRunMetrics(mode, outcome string, durationSeconds float64, revisions int) {
	RunsCompleted.WithLabelValues(mode, outcome).Inc()
	RunDuration.WithLabelValues(mode).Observe(durationSeconds)
	RunRevisions.Observe(float64(revisions))
}

// RecordStageMetrics records one stage execution
func RecordStageMetrics(stage, status string, durationMs float64) {
	StageExecutions.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(durationMs)
}

// RecordGathererCall records one capability call made by a gatherer
func RecordGathererCall(capability, outcome string, durationSeconds float64) {
	GathererCalls.WithLabelValues(capability, outcome).Inc()
	GathererCallDuration.WithLabelValues(capability).Observe(durationSeconds)
}
