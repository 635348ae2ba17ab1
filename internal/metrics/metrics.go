package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_research_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_research_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_research_run_duration_seconds",
			Help:    "End-to-end research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RunTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_research_run_tokens_used",
			Help:    "Number of LLM tokens used per run",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	// Research step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_research_steps_total",
			Help: "Total number of research steps executed",
		},
		[]string{"result"},
	)

	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_research_step_duration_seconds",
			Help:    "Isolated research step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Isolation pool metrics
	IsolationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_isolation_queue_depth",
			Help: "Number of research jobs waiting for an isolation worker",
		},
	)

	IsolationJobsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_isolation_jobs_queued_total",
			Help: "Total number of jobs enqueued to the isolation pool",
		},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_search_requests_total",
			Help: "Total number of outbound search requests",
		},
		[]string{"result"},
	)

	SearchRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_search_request_duration_seconds",
			Help:    "Outbound search request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_llm_requests_total",
			Help: "Total number of LLM chat completion requests",
		},
		[]string{"model", "result"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_llm_tokens_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"kind"},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_events_published_total",
			Help: "Total number of events published to the run stream",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_stream_subscriptions_active",
			Help: "Number of active stream subscriptions",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_sessions_created_total",
			Help: "Total number of run sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_session_cache_size",
			Help: "Current number of runs in the local session cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_session_cache_evictions_total",
			Help: "Total number of runs evicted from the local session cache",
		},
	)

	// Run log metrics
	RunLogQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_runlog_queue_depth",
			Help: "Number of pending run log writes",
		},
	)

	RunLogWritesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_runlog_writes_dropped_total",
			Help: "Total number of run log writes dropped because the queue was full",
		},
	)

	// Artifact metrics
	ArtifactWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_artifact_writes_total",
			Help: "Total number of report artifact writes",
		},
		[]string{"result"},
	)

	// Circuit breaker metrics
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "state"},
	)
)

// RecordRunMetrics records metrics for a completed run
func RecordRunMetrics(status string, durationSeconds float64, tokensUsed int) {
	RunsCompleted.WithLabelValues(status).Inc()
	RunDuration.Observe(durationSeconds)
	if tokensUsed > 0 {
		RunTokensUsed.Observe(float64(tokensUsed))
	}
}

// RecordStepMetrics records metrics for one isolated research step
func RecordStepMetrics(result string, durationSeconds float64) {
	StepsExecuted.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		StepDuration.Observe(durationSeconds)
	}
}

// RecordLLMMetrics records metrics for one chat completion request
func RecordLLMMetrics(model, result string, durationSeconds float64, promptTokens, completionTokens int) {
	LLMRequests.WithLabelValues(model, result).Inc()
	LLMRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	if promptTokens > 0 {
		LLMTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokens.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// RecordSearchMetrics records metrics for one outbound search request
func RecordSearchMetrics(result string, durationSeconds float64) {
	SearchRequests.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		SearchRequestDuration.Observe(durationSeconds)
	}
}
