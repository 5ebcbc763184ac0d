// Package metrics exposes Prometheus collectors for connection engines.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

const namespace = "rawframe"

// Metrics groups the collectors shared by every connection of a process.
// A nil *Metrics records nothing.
type Metrics struct {
	framesDecoded    *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	unmatched        prometheus.Counter
	tunnels          prometheus.Counter
	teardowns        *prometheus.CounterVec
	tunnelBytes      *prometheus.CounterVec
	inFlightRequests prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesDecoded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_decoded_total",
				Help:      "Total number of frames decoded successfully",
			},
			[]string{"kind"},
		),
		decodeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_failures_total",
				Help:      "Total number of frames that failed to decode",
			},
			[]string{"kind", "type"},
		),
		exchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of request/response exchanges completed",
			},
			[]string{"status_class"},
		),
		exchangeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Time from sending a request to decoding its response",
				Buckets:   prometheus.DefBuckets,
			},
		),
		unmatched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unmatched_responses_total",
				Help:      "Total number of responses with no outstanding request",
			},
		),
		tunnels: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_total",
				Help:      "Total number of connections switched to CONNECT tunnel mode",
			},
		),
		teardowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_teardowns_total",
				Help:      "Total number of connection teardowns requested",
			},
			[]string{"reason"},
		),
		tunnelBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnel_bytes_total",
				Help:      "Total bytes passed through CONNECT tunnels",
			},
			[]string{"direction"},
		),
		inFlightRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_requests",
				Help:      "Requests sent and waiting for a response",
			},
		),
	}
}

// FrameDecoded records a decoded frame. A failed frame counts under its error
// type.
func (m *Metrics) FrameDecoded(kind string, result error) {
	if m == nil {
		return
	}
	if result != nil {
		m.decodeFailures.WithLabelValues(kind, string(errors.GetErrorType(result))).Inc()
		return
	}
	m.framesDecoded.WithLabelValues(kind).Inc()
}

// ExchangeCompleted records a paired response and the time since its request
// was sent.
func (m *Metrics) ExchangeCompleted(status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(StatusClass(status)).Inc()
	m.exchangeDuration.Observe(elapsed.Seconds())
}

// UnmatchedResponse records a response that arrived with no request queued.
func (m *Metrics) UnmatchedResponse() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

// TunnelOpened records a switch to tunnel mode.
func (m *Metrics) TunnelOpened() {
	if m == nil {
		return
	}
	m.tunnels.Inc()
}

// TunnelBytes records bytes passed through a tunnel. direction is "inbound"
// or "outbound".
func (m *Metrics) TunnelBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.tunnelBytes.WithLabelValues(direction).Add(float64(n))
}

// Teardown records a requested connection teardown.
func (m *Metrics) Teardown(reason string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(reason).Inc()
}

// InFlight adjusts the outstanding request gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlightRequests.Add(float64(delta))
}

// StatusClass maps a status code to its class label ("2xx" etc).
func StatusClass(status int) string {
	if status < 100 || status > 999 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
