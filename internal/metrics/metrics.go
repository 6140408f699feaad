// Package metrics holds the Prometheus collectors recorded by the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
	ResultQueued = "queued"
)

var (
	// MirrorTotal counts background mirror attempts.
	MirrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kittsync_mirror_total",
			Help: "Remote mirror attempts by collection, operation and result",
		},
		[]string{"collection", "op", "result"},
	)

	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kittsync_queue_enqueued_total",
			Help: "Mutations written to the retry queue",
		},
		[]string{"collection"},
	)

	QueueReplayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kittsync_queue_replay_total",
			Help: "Retry queue items replayed against the remote, by outcome",
		},
		[]string{"result"},
	)

	SnapshotTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kittsync_snapshot_total",
			Help: "Full backups and restores by outcome",
		},
		[]string{"op", "result"},
	)

	// RemoteLatency records remote request latency in seconds.
	RemoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kittsync_remote_request_duration_seconds",
			Help:    "Remote persistence request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kittsync_remote_breaker_state",
		Help: "Remote circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultFailed
	}
	return ResultOK
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
