package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_actions_enqueued_total", Help: "Actions deferred to the offline queue"}, []string{"type"})
	ReplayApplied     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_actions_replayed_total", Help: "Queued actions applied to the remote service"}, []string{"type"})
	ReplayFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_actions_replay_failures_total", Help: "Queued actions that failed and stay queued"}, []string{"type"})
	DeadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_actions_dead_letter_total", Help: "Actions moved to the dead-letter list"}, []string{"type"})
	DirectCalls       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_direct_calls_total", Help: "Mutations sent straight to the remote service while online"}, []string{"op", "result"})
	ReplaySkipped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_replay_skipped_total", Help: "Replay requests ignored because one was running or the device was offline"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_rate_limit_rejects_total", Help: "Replay passes cut short by the rate limiter"})
	ArtifactsUploaded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fieldsync_artifacts_uploaded_total", Help: "Captured artifacts uploaded"}, []string{"kind"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fieldsync_queue_depth", Help: "Actions waiting in the offline queue"})
	OnlineGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fieldsync_online", Help: "1 when the device is considered online"})
	ReplayDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "fieldsync_replay_duration_seconds", Help: "Wall time of a replay pass", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			ReplayApplied,
			ReplayFailures,
			DeadLetterCounter,
			DirectCalls,
			ReplaySkipped,
			RateLimitRejects,
			ArtifactsUploaded,
			QueueDepthGauge,
			OnlineGauge,
			ReplayDuration,
		)
	})
	return promhttp.Handler()
}
