package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	remoteSyncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundles_remote_sync_failed_total",
			Help: "Total number of failed remote source checkouts",
		},
		[]string{"repo"},
	)

	remoteSyncCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundles_remote_sync_count_total",
			Help: "Total number of remote source checkouts",
		},
	)

	remoteSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundles_remote_sync_duration_seconds",
			Help:    "Remote source checkout duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"repo"},
	)

	lastRemoteSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bundles_last_remote_sync_end_timestamp",
			Help: "Unix timestamp of when the last remote source checkout ended",
		},
		[]string{"repo"},
	)
)

func RemoteSyncSucceeded(repo string, start time.Time) {
	remoteSyncCount.Inc()
	remoteSyncDuration.WithLabelValues(repo).Observe(time.Since(start).Seconds())
	lastRemoteSyncEnd.WithLabelValues(repo).SetToCurrentTime()
}

func RemoteSyncFailed(repo string) {
	remoteSyncCount.Inc()
	remoteSyncFailed.WithLabelValues(repo).Inc()
}
