// Package session tracks the lifecycle state of one HTTP/1.x connection:
// whether it still carries HTTP or has become a CONNECT tunnel, and whether
// it may be reused after the current exchange.
package session

import (
	"github.com/WhileEndless/go-rawframe/pkg/message"
)

// Mode is the interpretation applied to the connection's bytes.
type Mode int

const (
	// ModeDefault decodes bytes as HTTP/1.x frames.
	ModeDefault Mode = iota
	// ModeTunnel passes bytes through unmodified. It is terminal.
	ModeTunnel
)

func (m Mode) String() string {
	if m == ModeTunnel {
		return "tunnel"
	}
	return "default"
}

// Reasons a connection is torn down.
const (
	ReasonLastResponse  = "last_response"
	ReasonErrorStatus   = "error_status"
	ReasonNotKeepAlive  = "not_keep_alive"
	ReasonDecodeFailure = "decode_failure"
	ReasonUnmatched     = "unmatched_response"
	ReasonPeerClosed    = "peer_closed"
)

// Verdict is the session decision after a response.
type Verdict struct {
	// Close is set when the transport must tear the connection down.
	Close bool
	// Reason names why Close was set.
	Reason string
	// Tunnel is set when this response switched the connection to
	// ModeTunnel.
	Tunnel bool
}

// State is the per-connection session state. It is not safe for concurrent
// use.
type State struct {
	mode           Mode
	pendingMethod  string
	isLastResponse bool
}

// New returns a session in ModeDefault.
func New() *State {
	return &State{}
}

// Mode returns the current mode.
func (s *State) Mode() Mode { return s.mode }

// InTunnel reports whether the connection has become a tunnel.
func (s *State) InTunnel() bool { return s.mode == ModeTunnel }

// PendingMethod returns the method of the most recently sent request.
func (s *State) PendingMethod() string { return s.pendingMethod }

// IsLastResponse reports whether the most recently sent request asked for
// the connection to end after its response.
func (s *State) IsLastResponse() bool { return s.isLastResponse }

// OnRequestSent records an outgoing request and returns whether its response
// will be the last on this connection.
func (s *State) OnRequestSent(req *message.Request) bool {
	s.pendingMethod = req.Method()
	s.isLastResponse = !req.KeepAlive()
	return s.isLastResponse
}

// OnResponse decides what happens to the connection after resp, the response
// to a request sent with method. lastResponse is the value OnRequestSent
// returned for that request.
//
// A 2xx answer to CONNECT switches to ModeTunnel. Otherwise the connection is
// closed when the request was the last one, when the status is 400 or above,
// or when the response does not itself allow keep-alive.
func (s *State) OnResponse(method string, lastResponse bool, resp *message.Response) Verdict {
	if s.mode == ModeTunnel {
		return Verdict{}
	}
	if !resp.Success() {
		return Verdict{Close: true, Reason: ReasonDecodeFailure}
	}

	status := resp.StatusCode()
	if method == "CONNECT" && status >= 200 && status < 300 {
		s.mode = ModeTunnel
		return Verdict{Tunnel: true}
	}

	switch {
	case lastResponse:
		return Verdict{Close: true, Reason: ReasonLastResponse}
	case status >= 400:
		return Verdict{Close: true, Reason: ReasonErrorStatus}
	case !resp.KeepAlive():
		return Verdict{Close: true, Reason: ReasonNotKeepAlive}
	}
	return Verdict{}
}
