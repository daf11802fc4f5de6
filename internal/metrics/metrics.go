// Package metrics provides Prometheus metrics for the era fetcher.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the era fetcher.
type Metrics struct {
	// Era metrics
	ErasCompleted prometheus.Counter
	ErasFailed    *prometheus.CounterVec
	ErasSkipped   prometheus.Counter

	// Stream metrics
	BlocksFetched prometheus.Counter
	RetryAttempts prometheus.Counter

	// Timing metrics
	EraFetchDuration  prometheus.Histogram
	EraEncodeDuration prometheus.Histogram
	EraWriteDuration  prometheus.Histogram

	// Pipeline metrics
	InFlightEras prometheus.Gauge
	WriteBacklog prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for the metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "era_fetcher"
	}

	m := &Metrics{
		ErasCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eras_completed_total",
			Help:      "Total number of eras fetched and durably committed",
		}),
		ErasFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eras_failed_total",
				Help:      "Total number of eras that reached a terminal failure",
			},
			[]string{"class"},
		),
		ErasSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eras_skipped_total",
			Help:      "Total number of eras skipped because the final file already exists",
		}),
		BlocksFetched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_fetched_total",
			Help:      "Total number of block records accepted across all sessions",
		}),
		RetryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of stream session retries",
		}),
		EraFetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "era_fetch_duration_seconds",
			Help:      "Wall time to ingest one complete era, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		EraEncodeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "era_encode_duration_seconds",
			Help:      "Time to serialize one era container",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		EraWriteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "era_write_duration_seconds",
			Help:      "Time to durably commit one era container",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		InFlightEras: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_eras",
			Help:      "Number of eras currently fetching or retrying",
		}),
		WriteBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_backlog",
			Help:      "Number of encoded eras not yet durably committed",
		}),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics, or nil if not initialized.
func Get() *Metrics {
	return defaultMetrics
}

// Serve starts the metrics HTTP server in the background.
func Serve(cfg Config) {
	if !cfg.Enabled {
		return
	}
	addr := cfg.Address
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
}
