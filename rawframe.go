// Package rawframe is a client-side HTTP/1.x engine that frames raw bytes
// into requests and responses, pairs them in pipeline order and switches to
// pass-through after a successful CONNECT.
package rawframe

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/WhileEndless/go-rawframe/pkg/client"
	"github.com/WhileEndless/go-rawframe/pkg/config"
	"github.com/WhileEndless/go-rawframe/pkg/correlator"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/message"
	"github.com/WhileEndless/go-rawframe/pkg/metrics"
	"github.com/WhileEndless/go-rawframe/pkg/policy"
	"github.com/WhileEndless/go-rawframe/pkg/timing"
	"github.com/WhileEndless/go-rawframe/pkg/transport"
)

// Version is the current version of the rawframe library
const Version = "1.0.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Settings configures a Session.
	Settings = config.Settings

	// Request is a decoded request frame.
	Request = message.Request

	// Response is a decoded response frame.
	Response = message.Response

	// Exchange is a request paired with its response.
	Exchange = client.Exchange

	// Handler receives exchanges, tunnel data and the close event.
	Handler = client.Handler

	// HandlerFuncs implements Handler with optional functions.
	HandlerFuncs = client.HandlerFuncs

	// Metadata is the property bag carried with each exchange.
	Metadata = correlator.Metadata

	// Metrics captures timing information for a connection or an exchange.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Re-export error types for convenience
const (
	ErrorTypeDNS                    = errors.ErrorTypeDNS
	ErrorTypeConnection             = errors.ErrorTypeConnection
	ErrorTypeTLS                    = errors.ErrorTypeTLS
	ErrorTypeTimeout                = errors.ErrorTypeTimeout
	ErrorTypeIO                     = errors.ErrorTypeIO
	ErrorTypeValidation             = errors.ErrorTypeValidation
	ErrorTypeClosed                 = errors.ErrorTypeClosed
	ErrorTypeMalformedStartLine     = errors.ErrorTypeMalformedStartLine
	ErrorTypeMalformedHeaderLine    = errors.ErrorTypeMalformedHeaderLine
	ErrorTypeMultipleContentLength  = errors.ErrorTypeMultipleContentLength
	ErrorTypeMalformedContentLength = errors.ErrorTypeMalformedContentLength
	ErrorTypeMalformedChunk         = errors.ErrorTypeMalformedChunk
	ErrorTypeUnmatchedResponse      = errors.ErrorTypeUnmatchedResponse
	ErrorTypeTruncatedFrame         = errors.ErrorTypeTruncatedFrame
	ErrorTypeBufferOverflow         = errors.ErrorTypeBufferOverflow
)

// Options holds the parts of a Session that do not come from Settings.
type Options struct {
	Handler Handler
	Logger  *zap.Logger
	// Metrics may be shared by every Session of a process.
	Metrics *metrics.Metrics
}

// Session is one dialed connection driven by a client.Conn.
type Session struct {
	conn   *client.Conn
	link   *transport.Link
	timing timing.Metrics
	cancel context.CancelFunc

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Dial connects as described by settings and starts reading. ctx bounds the
// dial only; the session lives until the peer closes or Close is called.
func Dial(ctx context.Context, settings Settings, opts Options) (*Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	sessionPolicy, err := policy.New(settings.PolicyOptions())
	if err != nil {
		return nil, err
	}

	timer := timing.NewTimer()
	netConn, err := transport.NewDialer(opts.Logger).Dial(ctx, settings.TransportConfig(), timer)
	if err != nil {
		return nil, err
	}

	linkOpts := settings.LinkOptions()
	linkOpts.Logger = opts.Logger
	link := transport.NewLink(netConn, linkOpts)

	conn, err := client.New(client.Options{
		Transport:     link,
		Policy:        sessionPolicy,
		Handler:       opts.Handler,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		MaxInFlight:   settings.RequestQueueSize,
		MaxBufferSize: settings.MaxBufferSize,
	})
	if err != nil {
		netConn.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		link:   link,
		timing: timer.GetMetrics(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		err := link.Run(runCtx, conn)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s, nil
}

// Send sends one raw request. See client.Conn.Send.
func (s *Session) Send(ctx context.Context, raw []byte, md Metadata, complete func(*Response, Metadata)) (*Request, error) {
	return s.conn.Send(ctx, raw, md, complete)
}

// Write sends raw bytes through an established tunnel.
func (s *Session) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Conn returns the engine driving the session.
func (s *Session) Conn() *client.Conn {
	return s.conn
}

// ConnectTiming returns the DNS, TCP and TLS phases of the dial.
func (s *Session) ConnectTiming() Metrics {
	return s.timing
}

// Close tears the connection down and waits for the read pump to stop.
func (s *Session) Close() error {
	s.conn.Close()
	s.cancel()
	<-s.done
	return nil
}

// Done is closed once the connection is gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LoadSettings reads settings from a JSON file.
func LoadSettings(path string) (Settings, error) {
	return config.Load(path)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// IsProtocolError reports whether err is a framing or correlation failure.
func IsProtocolError(err error) bool {
	return errors.IsProtocolError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
