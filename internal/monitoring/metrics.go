// Package monitoring exposes the server's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the interception server.
type Metrics struct {
	CallsStarted   *prometheus.CounterVec
	CallsCompleted *prometheus.CounterVec
	PausedGauge    prometheus.Gauge
	PollWaits      prometheus.Histogram
	BlobCount      prometheus.Gauge
	BlobBytes      prometheus.Gauge
	ComErrors      *prometheus.CounterVec
	ReplEvals      *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		CallsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cideldill_calls_started_total",
				Help: "Intercepted calls reported via call/start",
			},
			[]string{"paused"}, // paused: true, false
		),
		CallsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cideldill_calls_completed_total",
				Help: "Calls reported via call/complete",
			},
			[]string{"status"}, // success, exception, skipped, replaced
		),
		PausedGauge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cideldill_paused_executions",
				Help: "Executions currently blocked at a breakpoint",
			},
		),
		PollWaits: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cideldill_poll_wait_seconds",
				Help:    "Server-side wait inside a single long-poll request",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		BlobCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cideldill_blob_count",
				Help: "Blobs stored in the CID store",
			},
		),
		BlobBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cideldill_blob_bytes_total",
				Help: "Total bytes stored in the CID store",
			},
		),
		ComErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cideldill_com_errors_total",
				Help: "Communication errors surfaced to the com-errors page",
			},
			[]string{"kind"}, // cid_mismatch, pickle_error, transport
		),
		ReplEvals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cideldill_repl_evals_total",
				Help: "REPL evaluations by outcome",
			},
			[]string{"result"}, // ok, error, timeout
		),
	}
}
