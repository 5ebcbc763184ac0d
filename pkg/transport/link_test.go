package transport_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/WhileEndless/go-rawframe/pkg/client"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/transport"
)

type sink struct {
	mu     sync.Mutex
	data   bytes.Buffer
	closed int
	err    error
}

func (s *sink) FeedBytes(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Write(p)
	return s.err
}

func (s *sink) NotifyClosed() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *sink) snapshot() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.String(), s.closed
}

func runLink(link *transport.Link, ctx context.Context, s transport.Sink) <-chan error {
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx, s) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("link did not stop")
		return nil
	}
}

func TestLinkPumpsUntilPeerCloses(t *testing.T) {
	local, remote := net.Pipe()
	link := transport.NewLink(local, transport.LinkOptions{ReadSize: 4})
	s := &sink{}
	done := runLink(link, context.Background(), s)

	if _, err := remote.Write([]byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	remote.Close()

	if err := wait(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, closed := s.snapshot()
	if data != "hello world" || closed != 1 {
		t.Errorf("got data %q closed %d", data, closed)
	}
}

func TestLinkForwardAndRequestClose(t *testing.T) {
	local, remote := net.Pipe()
	link := transport.NewLink(local, transport.LinkOptions{WriteTimeout: time.Second})
	s := &sink{}
	done := runLink(link, context.Background(), s)

	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(remote)
		got <- b
	}()
	if err := link.ForwardBytes([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("forward: %v", err)
	}

	link.RequestClose()
	link.RequestClose()
	if err := wait(t, done); err != nil {
		t.Fatalf("requested close must not be an error: %v", err)
	}
	if b := <-got; string(b) != "GET / HTTP/1.1\r\n\r\n" {
		t.Errorf("peer read %q", b)
	}
	if _, closed := s.snapshot(); closed != 1 {
		t.Errorf("NotifyClosed ran %d times", closed)
	}
	if err := link.ForwardBytes([]byte("x")); errors.GetErrorType(err) != errors.ErrorTypeClosed {
		t.Errorf("expected closed error, got %v", err)
	}
}

func TestLinkContextCancel(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	link := transport.NewLink(local, transport.LinkOptions{})
	s := &sink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := runLink(link, ctx, s)
	cancel()

	if err := wait(t, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, closed := s.snapshot(); closed != 1 {
		t.Errorf("NotifyClosed ran %d times", closed)
	}
}

func TestLinkReadTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	link := transport.NewLink(local, transport.LinkOptions{ReadTimeout: 20 * time.Millisecond})

	err := wait(t, runLink(link, context.Background(), &sink{}))
	if errors.GetErrorType(err) != errors.ErrorTypeTimeout {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestLinkReturnsEngineError(t *testing.T) {
	local, remote := net.Pipe()
	link := transport.NewLink(local, transport.LinkOptions{})
	s := &sink{err: errors.NewUnmatchedResponseError("HTTP/1.1 200 OK")}
	done := runLink(link, context.Background(), s)

	if _, err := remote.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	remote.Close()

	if err := wait(t, done); errors.GetErrorType(err) != errors.ErrorTypeUnmatchedResponse {
		t.Errorf("expected engine error, got %v", err)
	}
}

func TestLinkDrivesConn(t *testing.T) {
	local, remote := net.Pipe()
	link := transport.NewLink(local, transport.LinkOptions{})

	responses := make(chan *client.Exchange, 2)
	closed := make(chan error, 1)
	conn, err := client.New(client.Options{
		Transport: link,
		Handler: client.HandlerFuncs{
			Response: func(ex *client.Exchange) { responses <- ex },
			Close:    func(err error) { closed <- err },
		},
	})
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	done := runLink(link, context.Background(), conn)

	// The peer answers every request it reads, closing after the second.
	go func() {
		buf := make([]byte, 1024)
		for i := 0; i < 2; i++ {
			if _, err := remote.Read(buf); err != nil {
				return
			}
			if i == 0 {
				remote.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
				continue
			}
			remote.Write([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 3\r\n\r\nbye"))
		}
	}()

	for _, target := range []string{"/first", "/second"} {
		if _, err := conn.Send(context.Background(), []byte("GET "+target+" HTTP/1.1\r\nHost: x\r\n\r\n"), nil, nil); err != nil {
			t.Fatalf("send %s: %v", target, err)
		}
		select {
		case ex := <-responses:
			if ex.Request.Target() != target || !ex.Response.Success() {
				t.Errorf("unexpected exchange for %s: %v", target, ex.Response.DecodeResult())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no response for %s", target)
		}
	}

	if err := wait(t, done); err != nil {
		t.Fatalf("link error: %v", err)
	}
	if err := <-closed; err != nil {
		t.Errorf("unexpected close error %v", err)
	}
}
