package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	llmRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_request_duration_seconds",
		Help:    "LLM request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"method", "model", "status"})

	llmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "Total number of LLM requests",
	}, []string{"method", "model"})

	llmErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_errors_total",
		Help: "Total number of LLM errors",
	}, []string{"method", "model", "error_type"})

	llmStreamChunksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_stream_chunks_skipped_total",
		Help: "Stream chunks dropped because they were not valid JSON",
	}, []string{"model"})
)

func recordRequest(method, model, status string, duration time.Duration) {
	llmRequestDuration.WithLabelValues(method, model, status).Observe(duration.Seconds())
	llmRequestsTotal.WithLabelValues(method, model).Inc()
}

func recordError(method, model, errorType string) {
	llmErrorsTotal.WithLabelValues(method, model, errorType).Inc()
}

func recordSkippedChunk(model string) {
	llmStreamChunksSkipped.WithLabelValues(model).Inc()
}
