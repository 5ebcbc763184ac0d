// Package client provides the per-connection HTTP/1.x engine.
//
// A Conn sits between a byte transport and the caller. Outgoing requests are
// decoded, passed through the session policy, recorded in a FIFO and then
// forwarded. Incoming bytes are framed into responses, paired with the
// oldest outstanding request and handed to the Handler. After a 2xx answer to
// CONNECT the connection becomes a tunnel and bytes pass through untouched.
package client

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/WhileEndless/go-rawframe/pkg/buffer"
	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/correlator"
	"github.com/WhileEndless/go-rawframe/pkg/decoder"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/message"
	"github.com/WhileEndless/go-rawframe/pkg/metrics"
	"github.com/WhileEndless/go-rawframe/pkg/session"
	"github.com/WhileEndless/go-rawframe/pkg/timing"
)

// Transport is the byte pipe a Conn writes to.
type Transport interface {
	// ForwardBytes writes p to the peer.
	ForwardBytes(p []byte) error
	// RequestClose asks the transport to tear the connection down. The
	// transport later reports the close through Conn.NotifyClosed.
	RequestClose()
}

// SessionPolicy rewrites outgoing requests before they are sent, for example
// to add authentication or default headers.
type SessionPolicy interface {
	AugmentRequest(req *message.Request) (*message.Request, error)
}

// PolicyFunc adapts a function to SessionPolicy.
type PolicyFunc func(req *message.Request) (*message.Request, error)

// AugmentRequest calls f(req).
func (f PolicyFunc) AugmentRequest(req *message.Request) (*message.Request, error) {
	return f(req)
}

// Options configures a Conn.
type Options struct {
	Transport Transport
	Policy    SessionPolicy
	Handler   Handler
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// MaxInFlight bounds the requests sent and not yet answered. Zero selects
	// constants.DefaultRequestQueueSize.
	MaxInFlight int
	// MaxBufferSize caps the unread inbound bytes. Zero selects
	// constants.MaxRawBufferSize.
	MaxBufferSize int
}

// Conn is the engine for one connection. Send may be called from any
// goroutine; FeedBytes and NotifyClosed are meant for the transport's read
// loop. Handler callbacks and completion hooks run on the goroutine that
// triggered them, after internal state has been unlocked.
type Conn struct {
	transport Transport
	policy    SessionPolicy
	handler   Handler
	logger    *zap.Logger
	metrics   *metrics.Metrics

	inFlight *semaphore.Weighted
	sendMu   sync.Mutex

	mu         sync.Mutex
	buf        *buffer.Buffer
	responses  *decoder.ResponseDecoder
	correlator *correlator.Correlator
	session    *session.State
	closing    bool
	closed     bool
	closeErr   error
	events     []func()
}

// New creates a Conn.
func New(opts Options) (*Conn, error) {
	if opts.Transport == nil {
		return nil, errors.NewValidationError("transport is required")
	}
	if opts.MaxInFlight < 0 || opts.MaxBufferSize < 0 {
		return nil, errors.NewValidationError("limits must not be negative")
	}
	if opts.MaxInFlight == 0 {
		opts.MaxInFlight = constants.DefaultRequestQueueSize
	}
	if opts.Handler == nil {
		opts.Handler = HandlerFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Conn{
		transport:  opts.Transport,
		policy:     opts.Policy,
		handler:    opts.Handler,
		logger:     opts.Logger.Named("conn"),
		metrics:    opts.Metrics,
		inFlight:   semaphore.NewWeighted(int64(opts.MaxInFlight)),
		buf:        buffer.New(opts.MaxBufferSize),
		responses:  decoder.NewResponseDecoder(),
		correlator: correlator.New(),
		session:    session.New(),
	}, nil
}

// Mode returns the session mode.
func (c *Conn) Mode() session.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Mode()
}

// Pending returns the number of requests waiting for a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correlator.Len()
}

// Send decodes raw as one complete request, applies the session policy,
// records it for correlation and forwards it. md is copied and enriched with
// the request method, target and content type; complete, when not nil, is
// called with the paired response. Send blocks while MaxInFlight requests
// are outstanding, until a permit frees up or ctx is done.
//
// The returned request is the frame as sent.
func (c *Conn) Send(ctx context.Context, raw []byte, md correlator.Metadata, complete correlator.CompletionFunc) (*message.Request, error) {
	req, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}

	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.policy != nil {
		req, err = c.policy.AugmentRequest(req)
		if err != nil {
			c.inFlight.Release(1)
			return nil, err
		}
	}

	md = md.Clone()
	md[constants.MethodProperty] = req.Method()
	md[constants.URIProperty] = req.Target()
	if ct, ok := req.Headers().Get(constants.HeaderContentType); ok {
		md[constants.ContentTypeProperty] = ct
	}

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		c.inFlight.Release(1)
		return nil, err
	}
	last := c.session.OnRequestSent(req)
	entry := &correlator.Entry{
		Request:      req,
		Metadata:     md,
		Method:       req.Method(),
		LastResponse: last,
		Timer:        timing.NewTimer(),
	}
	entry.Complete = c.deferCompletion(complete)
	c.correlator.OnRequestSent(entry)
	c.mu.Unlock()
	c.metrics.InFlight(1)

	c.logger.Debug("sending request",
		zap.String("method", entry.Method),
		zap.String("target", req.Target()),
		zap.Bool("lastResponse", last),
		zap.Int("bytes", req.Len()))

	if err := c.transport.ForwardBytes(req.Raw()); err != nil {
		c.logger.Warn("forwarding request failed", zap.Error(err))
		c.fail(err)
		return nil, err
	}
	return req, nil
}

func decodeRequest(raw []byte) (*message.Request, error) {
	if len(raw) == 0 {
		return nil, errors.NewValidationError("request cannot be empty")
	}
	buf := buffer.NewWithData(raw)
	d := decoder.NewRequestDecoder()
	req, ok := d.Decode(buf)
	if !ok {
		if req, ok = d.Finish(buf); !ok {
			return nil, errors.NewValidationError("request has no start line")
		}
	}
	if err := req.DecodeResult(); err != nil {
		return nil, err
	}
	if buf.Len() > 0 {
		return nil, errors.NewValidationError("request is followed by extra bytes")
	}
	return req, nil
}

func (c *Conn) usableLocked() error {
	switch {
	case c.closed:
		return errors.NewClosedError("closed")
	case c.closing:
		return errors.NewClosedError("closing")
	case c.session.InTunnel():
		return errors.NewValidationError("connection is a tunnel; use Write")
	}
	return nil
}

// deferCompletion wraps a completion hook so that it runs after the state
// lock is released.
func (c *Conn) deferCompletion(complete correlator.CompletionFunc) correlator.CompletionFunc {
	if complete == nil {
		return nil
	}
	return func(resp *message.Response, md correlator.Metadata) {
		c.events = append(c.events, func() { complete(resp, md) })
	}
}

// Write sends raw tunnel bytes. It fails unless the connection is a tunnel.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	tunnel, closed := c.session.InTunnel(), c.closed
	c.mu.Unlock()
	if closed {
		return 0, errors.NewClosedError("closed")
	}
	if !tunnel {
		return 0, errors.NewValidationError("connection is not a tunnel")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.transport.ForwardBytes(p); err != nil {
		return 0, err
	}
	c.metrics.TunnelBytes("outbound", len(p))
	return len(p), nil
}

// FeedBytes hands bytes read from the peer to the engine. It decodes every
// complete response they finish, pairs each with its request and applies the
// session verdict. A response that fails to decode or has no request to pair
// with is returned as an error and the connection is torn down.
func (c *Conn) FeedBytes(p []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.session.InTunnel() {
		c.events = append(c.events, c.tunnelEvent(p))
		c.flush()
		return nil
	}

	if _, err := c.buf.Write(p); err != nil {
		c.mu.Unlock()
		c.logger.Warn("inbound buffer overflow", zap.Error(err))
		c.fail(err)
		return err
	}

	var err error
	closeReason := ""
	for !c.closing {
		method := ""
		if e, ok := c.correlator.Peek(); ok {
			method = e.Method
			if c.buf.Len() > 0 {
				e.Timer.MarkFirstByte()
			}
		}
		resp, ok := c.responses.DecodeFor(c.buf, method)
		if !ok {
			break
		}
		if resp.Interim() {
			c.metrics.FrameDecoded(resp.Kind().String(), nil)
			c.logger.Debug("skipping interim response", zap.String("statusLine", resp.StatusLine()))
			continue
		}
		verdict, rerr := c.onResponse(resp)
		if rerr != nil {
			err = rerr
		}
		if verdict.Tunnel {
			c.openTunnelLocked()
			break
		}
		if verdict.Close {
			closeReason = verdict.Reason
			break
		}
	}
	if closeReason != "" {
		c.closing = true
		c.closeErr = err
	}
	c.flush()

	if closeReason != "" {
		c.metrics.Teardown(closeReason)
		c.logger.Debug("closing connection", zap.String("reason", closeReason))
		c.transport.RequestClose()
	}
	return err
}

// onResponse correlates a decoded response and returns the session verdict
// along with the response's decode failure, if any. It is called with c.mu
// held.
func (c *Conn) onResponse(resp *message.Response) (session.Verdict, error) {
	c.metrics.FrameDecoded(resp.Kind().String(), resp.DecodeResult())
	if err := resp.DecodeResult(); err != nil {
		c.logger.Warn("response decode failed", zap.Error(err), zap.Int("bytes", resp.Len()))
	}

	e, err := c.correlator.OnResponseDecoded(resp)
	if err != nil {
		c.metrics.UnmatchedResponse()
		c.logger.Warn("unmatched response", zap.String("statusLine", resp.StatusLine()))
		return session.Verdict{Close: true, Reason: session.ReasonUnmatched}, err
	}
	c.inFlight.Release(1)
	c.metrics.InFlight(-1)

	e.Timer.MarkDone()
	enrich(e.Metadata, resp)
	ex := &Exchange{
		Request:  e.Request,
		Response: resp,
		Metadata: e.Metadata,
		Timing:   e.Timer.GetMetrics(),
	}
	c.metrics.ExchangeCompleted(resp.StatusCode(), ex.Timing.TotalTime)
	c.logger.Debug("response decoded",
		zap.String("method", e.Method),
		zap.Int("status", resp.StatusCode()),
		zap.Int("bytes", resp.Len()),
		zap.Duration("elapsed", ex.Timing.TotalTime))
	c.events = append(c.events, func() { c.handler.OnResponse(ex) })

	return c.session.OnResponse(e.Method, e.LastResponse, resp), resp.DecodeResult()
}

func enrich(md correlator.Metadata, resp *message.Response) {
	if !resp.Success() {
		return
	}
	md[constants.StatusProperty] = strconv.Itoa(resp.StatusCode())
	md[constants.ReasonProperty] = resp.Reason()
	if ct, ok := resp.Headers().Get(constants.HeaderContentType); ok {
		md[constants.ContentTypeProperty] = ct
	} else {
		delete(md, constants.ContentTypeProperty)
	}
}

// openTunnelLocked switches to pass-through. Bytes already buffered after
// the CONNECT response belong to the tunnel. Requests pipelined behind the
// CONNECT will never be answered and are dropped.
func (c *Conn) openTunnelLocked() {
	c.metrics.TunnelOpened()
	c.logger.Info("connection switched to tunnel mode")

	if c.buf.Len() > 0 {
		rest := append([]byte(nil), c.buf.Bytes()...)
		c.buf.Reset()
		c.events = append(c.events, c.tunnelEvent(rest))
	}
	c.dropPendingLocked("tunnel opened")
}

func (c *Conn) tunnelEvent(p []byte) func() {
	c.metrics.TunnelBytes("inbound", len(p))
	return func() { c.handler.OnTunnelData(p) }
}

func (c *Conn) dropPendingLocked(why string) {
	dropped := c.correlator.Drain()
	if len(dropped) == 0 {
		return
	}
	c.inFlight.Release(int64(len(dropped)))
	c.metrics.InFlight(-len(dropped))
	for _, e := range dropped {
		c.logger.Warn("dropping request without response",
			zap.String("reason", why),
			zap.String("method", e.Method),
			zap.String("target", e.Request.Target()))
	}
}

// flush unlocks c.mu and runs the callbacks queued while it was held.
func (c *Conn) flush() {
	events := c.events
	c.events = nil
	c.mu.Unlock()
	for _, ev := range events {
		ev()
	}
}

// NotifyClosed reports that the transport connection is gone. A response
// with a close-terminated body is completed from the buffered bytes; a
// response cut short becomes a truncated_frame failure. Requests still
// waiting are dropped and the Handler's OnClose runs once.
func (c *Conn) NotifyClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !c.closing {
		c.metrics.Teardown(session.ReasonPeerClosed)
	}

	if !c.closing && !c.session.InTunnel() {
		if resp, ok := c.responses.Finish(c.buf); ok {
			c.logger.Debug("finishing response on close", zap.Bool("success", resp.Success()))
			if _, err := c.onResponse(resp); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	}
	c.dropPendingLocked("connection closed")
	c.buf.Reset()

	closeErr := c.closeErr
	c.events = append(c.events, func() { c.handler.OnClose(closeErr) })
	c.flush()
}

// Close asks the transport to tear the connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()
	c.metrics.Teardown("local_close")
	c.transport.RequestClose()
	return nil
}

// fail tears the connection down after a transport or buffer error.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.closeErr = err
	c.mu.Unlock()
	c.metrics.Teardown("io_error")
	c.transport.RequestClose()
}
