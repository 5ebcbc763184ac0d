package transport

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

// Sink consumes the bytes a Link reads. client.Conn implements it.
type Sink interface {
	// FeedBytes receives bytes read from the peer. p is reused after the
	// call returns.
	FeedBytes(p []byte) error
	// NotifyClosed is called once after the connection is gone.
	NotifyClosed()
}

// LinkOptions configures a Link.
type LinkOptions struct {
	// ReadTimeout bounds each read. Zero disables the deadline.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write. Zero disables the deadline.
	WriteTimeout time.Duration
	// ReadSize is the read chunk size. Zero selects constants.DefaultReadSize.
	ReadSize int
	Logger   *zap.Logger
}

// Link owns a net.Conn. It forwards outgoing bytes and pumps incoming bytes
// into a Sink.
type Link struct {
	conn   net.Conn
	opts   LinkOptions
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewLink wraps conn.
func NewLink(conn net.Conn, opts LinkOptions) *Link {
	if opts.ReadSize <= 0 {
		opts.ReadSize = constants.DefaultReadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Link{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.Named("link").With(zap.Stringer("remote", conn.RemoteAddr())),
		done:   make(chan struct{}),
	}
}

// ForwardBytes writes p to the connection.
func (l *Link) ForwardBytes(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closing() {
		return errors.NewClosedError("closed")
	}
	if l.opts.WriteTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout)); err != nil {
			return errors.NewIOError("setting write deadline", err)
		}
	}
	if _, err := l.conn.Write(p); err != nil {
		if errors.IsTimeoutError(err) {
			return errors.NewTimeoutError("write", l.opts.WriteTimeout)
		}
		return errors.NewIOError("write", err)
	}
	return nil
}

// RequestClose closes the connection. The read pump then ends and reports
// the close to its Sink. It is safe to call more than once.
func (l *Link) RequestClose() {
	l.closeOnce.Do(func() {
		close(l.done)
		if err := l.conn.Close(); err != nil {
			l.logger.Debug("close failed", zap.Error(err))
		}
	})
}

func (l *Link) closing() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Run pumps bytes from the connection into sink until the connection is
// closed or ctx is done, then calls sink.NotifyClosed. It returns the first
// error that ended the pump; a close requested through RequestClose or ctx is
// not an error.
func (l *Link) Run(ctx context.Context, sink Sink) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer sink.NotifyClosed()
		defer l.RequestClose()
		return l.readLoop(sink)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			l.RequestClose()
		case <-l.done:
		}
		return nil
	})
	return g.Wait()
}

func (l *Link) readLoop(sink Sink) error {
	buf := make([]byte, l.opts.ReadSize)
	var feedErr error
	for {
		if l.opts.ReadTimeout > 0 {
			if err := l.conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout)); err != nil {
				return errors.NewIOError("setting read deadline", err)
			}
		}
		n, err := l.conn.Read(buf)
		if n > 0 {
			if ferr := sink.FeedBytes(buf[:n]); ferr != nil && feedErr == nil {
				feedErr = ferr
				l.logger.Debug("engine rejected inbound bytes", zap.Error(ferr))
			}
		}
		if err == nil {
			continue
		}

		switch {
		case l.closing():
			return feedErr
		case stderrors.Is(err, io.EOF):
			l.logger.Debug("peer closed connection")
			return feedErr
		case errors.IsTimeoutError(err):
			return errors.NewTimeoutError("read", l.opts.ReadTimeout)
		}
		return errors.NewIOError("read", err)
	}
}
