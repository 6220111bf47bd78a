// Package observability exposes the gateway's Prometheus collectors.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics instruments the detection, flush, and settlement pipeline.
type GatewayMetrics struct {
	paymentsDetected *prometheus.CounterVec
	flushOutcomes    *prometheus.CounterVec
	flushLatency     *prometheus.HistogramVec
	watcherErrors    *prometheus.CounterVec
	watcherCursor    *prometheus.GaugeVec
	payouts          *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

// Gateway returns the process-wide metrics registry, initialising it once.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			paymentsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "openlypay_payments_detected_total",
				Help: "Count of inbound transfers matched to pending payments.",
			}, []string{"network"}),
			flushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "openlypay_flush_total",
				Help: "Count of flush attempts by outcome.",
			}, []string{"network", "outcome"}),
			flushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "openlypay_flush_duration_seconds",
				Help:    "Wall-clock duration of successful flushes.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}, []string{"network"}),
			watcherErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "openlypay_watcher_errors_total",
				Help: "Count of skipped watcher ticks by network.",
			}, []string{"network"}),
			watcherCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "openlypay_watcher_cursor_block",
				Help: "Last fully scanned block height per network.",
			}, []string{"network"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "openlypay_payouts_total",
				Help: "Count of settlement payouts by mode and outcome.",
			}, []string{"mode", "outcome"}),
			recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "openlypay_recoveries_total",
				Help: "Count of stuck payments re-driven by the recovery sweep.",
			}, []string{"network"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.paymentsDetected,
			gatewayRegistry.flushOutcomes,
			gatewayRegistry.flushLatency,
			gatewayRegistry.watcherErrors,
			gatewayRegistry.watcherCursor,
			gatewayRegistry.payouts,
			gatewayRegistry.recoveries,
		)
	})
	return gatewayRegistry
}

func (m *GatewayMetrics) ObservePaymentDetected(network string) {
	if m == nil {
		return
	}
	m.paymentsDetected.WithLabelValues(network).Inc()
}

func (m *GatewayMetrics) ObserveFlush(network, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.flushOutcomes.WithLabelValues(network, outcome).Inc()
	if outcome == "success" {
		m.flushLatency.WithLabelValues(network).Observe(took.Seconds())
	}
}

func (m *GatewayMetrics) ObserveWatcherError(network string) {
	if m == nil {
		return
	}
	m.watcherErrors.WithLabelValues(network).Inc()
}

func (m *GatewayMetrics) SetWatcherCursor(network string, height uint64) {
	if m == nil {
		return
	}
	m.watcherCursor.WithLabelValues(network).Set(float64(height))
}

func (m *GatewayMetrics) ObservePayout(mode, outcome string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(mode, outcome).Inc()
}

func (m *GatewayMetrics) ObserveRecovery(network string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(network).Inc()
}
