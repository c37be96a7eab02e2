package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_tasks_created_total",
			Help: "Total number of tasks created by type",
		},
		[]string{"type"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_tasks_completed_total",
			Help: "Total number of tasks completed by type",
		},
		[]string{"type"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_tasks_failed_total",
			Help: "Total number of failed tasks by type",
		},
		[]string{"type"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexisub_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"stage"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lexisub_queue_depth",
			Help: "Number of work units waiting by queue",
		},
		[]string{"queue"},
	)

	WorkRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_work_retries_total",
			Help: "Total number of work unit retries by queue",
		},
		[]string{"queue"},
	)

	WorkDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_work_dead_lettered_total",
			Help: "Total number of work units moved to the dead letter queue",
		},
		[]string{"queue"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexisub_cache_hits_total",
			Help: "Total number of step cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexisub_cache_misses_total",
			Help: "Total number of step cache misses",
		},
	)

	// Upstream metrics
	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_llm_requests_total",
			Help: "Total number of LLM requests by outcome",
		},
		[]string{"outcome"},
	)

	ASRRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_asr_requests_total",
			Help: "Total number of transcription requests by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexisub_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexisub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkRetries)
	prometheus.MustRegister(WorkDeadLettered)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(LLMRequests)
	prometheus.MustRegister(ASRRequests)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
