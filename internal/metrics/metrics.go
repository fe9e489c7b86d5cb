package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_cache_lookups_total",
		Help: "Cache reads by result (hit, miss, expired, corrupt).",
	}, []string{"result"})

	CacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridesync_cache_write_failures_total",
		Help: "Cache writes dropped because of serialization or storage errors.",
	})

	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_remote_calls_total",
		Help: "Backend calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	RemoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ridesync_remote_latency_seconds",
		Help:    "Histogram of backend call latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	ProfileFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_profile_fetches_total",
		Help: "Profile fetch requests, split into those that started a remote read and those that joined one in flight.",
	}, []string{"mode"})

	SyncTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_sync_ticks_total",
		Help: "Background sync ticks by job and outcome.",
	}, []string{"job", "outcome"})

	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ridesync_outbox_depth",
		Help: "Step writes waiting for replay.",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_session_transitions_total",
		Help: "Session lifecycle transitions by kind.",
	}, []string{"kind"})

	RealtimeNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_realtime_notifications_total",
		Help: "Change notifications received over the realtime channel.",
	}, []string{"type"})

	RealtimeConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridesync_realtime_connects_total",
		Help: "Realtime dial attempts by outcome.",
	}, []string{"outcome"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRemote records the latency and outcome of one backend call.
func ObserveRemote(operation string, start time.Time, err error) {
	RemoteLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RemoteCalls.WithLabelValues(operation, outcome).Inc()
}
