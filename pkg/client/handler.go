package client

import (
	"github.com/WhileEndless/go-rawframe/pkg/correlator"
	"github.com/WhileEndless/go-rawframe/pkg/message"
	"github.com/WhileEndless/go-rawframe/pkg/timing"
)

// Exchange is a request paired with its response.
type Exchange struct {
	Request  *message.Request
	Response *message.Response
	// Metadata is the caller's metadata enriched with request and response
	// properties.
	Metadata correlator.Metadata
	Timing   timing.Metrics
}

// Handler receives the output of a Conn.
type Handler interface {
	// OnResponse is called once per decoded response, in wire order.
	OnResponse(ex *Exchange)
	// OnTunnelData is called with bytes received in tunnel mode.
	OnTunnelData(p []byte)
	// OnClose is called once after the transport reported the close. err is
	// the protocol error that caused it, if any.
	OnClose(err error)
}

// HandlerFuncs implements Handler with optional functions.
type HandlerFuncs struct {
	Response   func(ex *Exchange)
	TunnelData func(p []byte)
	Close      func(err error)
}

// OnResponse calls h.Response if set.
func (h HandlerFuncs) OnResponse(ex *Exchange) {
	if h.Response != nil {
		h.Response(ex)
	}
}

// OnTunnelData calls h.TunnelData if set.
func (h HandlerFuncs) OnTunnelData(p []byte) {
	if h.TunnelData != nil {
		h.TunnelData(p)
	}
}

// OnClose calls h.Close if set.
func (h HandlerFuncs) OnClose(err error) {
	if h.Close != nil {
		h.Close(err)
	}
}
