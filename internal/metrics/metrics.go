package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"path", "method", "status"})

	HttpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"path", "method"})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: []float64{.01, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"pipeline", "stage"})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Total number of pipeline runs by outcome",
	}, []string{"pipeline", "outcome"})

	ModelUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_model_unavailable_total",
		Help: "Runs stopped because the requested vision model was not offered",
	}, []string{"pipeline"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	PromptReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prompts_reloads_total",
		Help: "Prompt file reloads by status",
	}, []string{"status"})
)
