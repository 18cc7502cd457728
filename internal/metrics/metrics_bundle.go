package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bundleRunFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundles_bundle_run_failed_total",
			Help: "Number of times a bundle run has failed",
		},
		[]string{"bundle", "reason"},
	)

	bundleRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundles_bundle_run_count_total",
			Help: "Total number of bundle runs, by trigger",
		},
		[]string{"bundle", "trigger"},
	)

	bundleRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundles_bundle_run_duration_seconds",
			Help:    "Bundle run duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"bundle"},
	)

	bundlerFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundles_bundler_failed_total",
			Help: "Number of times a bundler transform has failed",
		},
		[]string{"bundle", "bundler"},
	)

	watchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundles_watch_events_total",
			Help: "Number of file system events handled, by event type",
		},
		[]string{"bundle", "event"},
	)

	registryRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundles_registry_run_count_total",
			Help: "Total number of registry runs, by aggregate result",
		},
		[]string{"result"},
	)

	registryRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundles_registry_run_duration_seconds",
			Help:    "Duration of running every selected bundle, in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	lastBundleRunEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bundles_last_bundle_run_end_timestamp",
			Help: "Unix timestamp of when the last bundle run ended",
		},
		[]string{"bundle"},
	)
)

// BundleRun records a finished bundle run. reason is empty on success.
func BundleRun(bundle, trigger, reason string, start time.Time) {
	bundleRunCount.WithLabelValues(bundle, trigger).Inc()
	bundleRunDuration.WithLabelValues(bundle).Observe(time.Since(start).Seconds())
	lastBundleRunEnd.WithLabelValues(bundle).SetToCurrentTime()
	if reason != "" {
		bundleRunFailed.WithLabelValues(bundle, reason).Inc()
	}
}

func BundlerFailed(bundle, bundler string) {
	bundlerFailed.WithLabelValues(bundle, bundler).Inc()
}

func WatchEvent(bundle, event string) {
	watchEvents.WithLabelValues(bundle, event).Inc()
}

func RegistryRun(success bool, start time.Time) {
	result := "success"
	if !success {
		result = "failed"
	}
	registryRunCount.WithLabelValues(result).Inc()
	registryRunDuration.Observe(time.Since(start).Seconds())
}
