// Package timing measures connection setup and request/response exchanges.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures timing information for a connection or an exchange.
type Metrics struct {
	// DNSLookup is the time spent performing DNS resolution
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent establishing TCP connection (handshake)
	TCPConnect time.Duration `json:"tcp_connect"`

	// TLSHandshake is the time spent performing TLS handshake (0 for HTTP)
	TLSHandshake time.Duration `json:"tls_handshake"`

	// TTFB (Time To First Byte) is the time from the request being sent to
	// the first byte of its response arriving
	TTFB time.Duration `json:"ttfb"`

	// Transfer is the time from the first response byte to the decoded frame
	Transfer time.Duration `json:"transfer"`

	// TotalTime is the total end-to-end time
	TotalTime time.Duration `json:"total_time"`
}

// Timer records the phases of one connection or one exchange. The zero value
// is not usable; create timers with NewTimer.
type Timer struct {
	now       func() time.Time
	start     time.Time
	dnsStart  time.Time
	dnsEnd    time.Time
	tcpStart  time.Time
	tcpEnd    time.Time
	tlsStart  time.Time
	tlsEnd    time.Time
	firstByte time.Time
	done      time.Time
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	return NewTimerWithClock(time.Now)
}

// NewTimerWithClock creates a timer reading time from now.
func NewTimerWithClock(now func() time.Time) *Timer {
	return &Timer{now: now, start: now()}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() {
	t.dnsStart = t.now()
}

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() {
	t.dnsEnd = t.now()
}

// StartTCP marks the beginning of TCP connection.
func (t *Timer) StartTCP() {
	t.tcpStart = t.now()
}

// EndTCP marks the end of TCP connection.
func (t *Timer) EndTCP() {
	t.tcpEnd = t.now()
}

// StartTLS marks the beginning of TLS handshake.
func (t *Timer) StartTLS() {
	t.tlsStart = t.now()
}

// EndTLS marks the end of TLS handshake.
func (t *Timer) EndTLS() {
	t.tlsEnd = t.now()
}

// MarkFirstByte records the arrival of the first response byte. Only the
// first call counts.
func (t *Timer) MarkFirstByte() {
	if t.firstByte.IsZero() {
		t.firstByte = t.now()
	}
}

// MarkDone records the end of the exchange.
func (t *Timer) MarkDone() {
	if t.done.IsZero() {
		t.done = t.now()
	}
}

// GetMetrics returns the calculated timing metrics. TotalTime runs to the
// MarkDone call, or to now when the exchange is still open.
func (t *Timer) GetMetrics() Metrics {
	end := t.done
	if end.IsZero() {
		end = t.now()
	}
	metrics := Metrics{TotalTime: end.Sub(t.start)}

	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		metrics.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		metrics.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		metrics.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	if !t.firstByte.IsZero() {
		metrics.TTFB = t.firstByte.Sub(t.start)
		if !t.done.IsZero() {
			metrics.Transfer = t.done.Sub(t.firstByte)
		}
	}
	return metrics
}

// GetConnectionTime returns the total connection establishment time (DNS + TCP + TLS).
func (m Metrics) GetConnectionTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.TLSHandshake
}

// GetServerTime returns the server processing time.
func (m Metrics) GetServerTime() time.Duration {
	return m.TTFB
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("DNSLookup: %v, TCPConnect: %v, TLSHandshake: %v, TTFB: %v, Transfer: %v, TotalTime: %v",
		m.DNSLookup, m.TCPConnect, m.TLSHandshake, m.TTFB, m.Transfer, m.TotalTime)
}
