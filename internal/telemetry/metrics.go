package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_jobs_submitted_total", Help: "Deck jobs accepted for processing"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_jobs_completed_total", Help: "Deck jobs finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_jobs_failed_total", Help: "Deck jobs that ended in error"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_jobs_cancelled_total", Help: "Deck jobs cancelled by users"})
	StagesDegraded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_stages_degraded_total", Help: "Stages that continued without an optional input"})
	StageRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_stage_retries_total", Help: "Stage attempts retried after transient failure"})
	TokensGenerated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_tokens_generated_total", Help: "Template tokens filled with generated content"})
	TokensDegraded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_tokens_degraded_total", Help: "Template tokens degraded to the uncertain marker"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "deck_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "deck_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "deck_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			StagesDegraded,
			StageRetries,
			TokensGenerated,
			TokensDegraded,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
