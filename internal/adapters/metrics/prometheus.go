package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atelier_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_sessions_total",
		Help: "Search sessions by terminal status",
	}, []string{"status"})

	IterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atelier_iterations_total",
		Help: "Beam search iterations completed",
	})

	CandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_candidates_total",
		Help: "Candidates by terminal status",
	}, []string{"status"})

	ComparisonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_comparisons_total",
		Help: "Pairwise comparisons resolved, split by direct VLM calls vs transitive inference",
	}, []string{"result"})

	EnsembleVotesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atelier_ensemble_votes_total",
		Help: "Individual VLM votes dispatched by the ensemble",
	})

	VLMComparisonDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atelier_vlm_comparison_duration_seconds",
		Help:    "Wall time of one resolved pairwise comparison",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_llm_requests_total",
		Help: "LLM calls by operation and outcome",
	}, []string{"operation", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atelier_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"operation"})

	ImageGenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atelier_image_generation_duration_seconds",
		Help:    "Image generation duration",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	})

	GPULockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atelier_gpu_lock_wait_seconds",
		Help:    "Time spent queued for the exclusive GPU lock",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
	})

	ServiceRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_service_restarts_total",
		Help: "Model service restarts triggered by the coordinator",
	}, []string{"service"})

	ModerationRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atelier_moderation_retries_total",
		Help: "Prompt rewrites attempted after content-policy refusals",
	})

	ModerationExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atelier_moderation_exhausted_total",
		Help: "Operations abandoned after the content-policy retry budget",
	})

	MonitorClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atelier_monitor_clients_active",
		Help: "Connected WebSocket monitor clients",
	})
)
