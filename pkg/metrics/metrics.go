// Package metrics exposes Prometheus instrumentation for the Modbus engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	RequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modscope_requests_total",
		Help: "The total number of Modbus requests dispatched",
	}, []string{"function", "status"})

	RetryCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modscope_retries_total",
		Help: "The total number of request retry attempts",
	})

	ExceptionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modscope_exceptions_total",
		Help: "The total number of Modbus exception responses by code",
	}, []string{"code"})

	ReconnectCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modscope_reconnects_total",
		Help: "The total number of automatic reconnection attempts",
	})

	// Histograms
	ResponseTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modscope_response_seconds",
		Help:    "Request-response latency of completed exchanges",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"function"})

	// Gauges
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modscope_connection_state",
		Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 error)",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modscope_queue_depth",
		Help: "Number of requests waiting in the dispatch queue",
	})
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ObserveRequest records the outcome and latency of one exchange.
func ObserveRequest(function, status string, seconds float64) {
	RequestCount.WithLabelValues(function, status).Inc()
	ResponseTime.WithLabelValues(function).Observe(seconds)
}

// IncException increments the exception counter for a code.
func IncException(code string) {
	ExceptionCount.WithLabelValues(code).Inc()
}

// SetConnectionState publishes the connection state as a gauge.
func SetConnectionState(state int) {
	ConnectionState.Set(float64(state))
}
