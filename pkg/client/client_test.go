package client_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WhileEndless/go-rawframe/pkg/client"
	"github.com/WhileEndless/go-rawframe/pkg/correlator"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/message"
	"github.com/WhileEndless/go-rawframe/pkg/metrics"
	"github.com/WhileEndless/go-rawframe/pkg/policy"
	"github.com/WhileEndless/go-rawframe/pkg/session"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     bytes.Buffer
	closes   int
	writeErr error
}

func (f *fakeTransport) ForwardBytes(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.sent.Write(p)
	return nil
}

func (f *fakeTransport) RequestClose() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func (f *fakeTransport) closeRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent.String()
}

type recorder struct {
	mu        sync.Mutex
	exchanges []*client.Exchange
	tunnel    bytes.Buffer
	closed    int
	closeErr  error
}

func (r *recorder) handler() client.HandlerFuncs {
	return client.HandlerFuncs{
		Response: func(ex *client.Exchange) {
			r.mu.Lock()
			r.exchanges = append(r.exchanges, ex)
			r.mu.Unlock()
		},
		TunnelData: func(p []byte) {
			r.mu.Lock()
			r.tunnel.Write(p)
			r.mu.Unlock()
		},
		Close: func(err error) {
			r.mu.Lock()
			r.closed++
			r.closeErr = err
			r.mu.Unlock()
		},
	}
}

func newConn(t *testing.T, opts client.Options) (*client.Conn, *fakeTransport, *recorder) {
	t.Helper()
	tr := &fakeTransport{}
	rec := &recorder{}
	if opts.Transport == nil {
		opts.Transport = tr
	}
	opts.Handler = rec.handler()
	c, err := client.New(opts)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	return c, tr, rec
}

func send(t *testing.T, c *client.Conn, raw string) *message.Request {
	t.Helper()
	req, err := c.Send(context.Background(), []byte(raw), nil, nil)
	if err != nil {
		t.Fatalf("send %q: %v", raw, err)
	}
	return req
}

func TestPipelinedExchanges(t *testing.T) {
	c, tr, rec := newConn(t, client.Options{})

	targets := []string{"/a", "/b", "/c"}
	for _, target := range targets {
		send(t, c, "GET "+target+" HTTP/1.1\r\nHost: example.com\r\n\r\n")
	}
	if c.Pending() != 3 {
		t.Fatalf("expected 3 pending requests, got %d", c.Pending())
	}
	if !strings.HasPrefix(tr.written(), "GET /a HTTP/1.1\r\n") {
		t.Errorf("requests not forwarded in order: %q", tr.written())
	}

	stream := "HTTP/1.1 200 OK\r\nContent-Length: 1\r\nContent-Type: text/plain\r\n\r\nA" +
		"HTTP/1.1 201 Created\r\nTransfer-Encoding: chunked\r\n\r\n1\r\nB\r\n0\r\n\r\n" +
		"HTTP/1.1 204 No Content\r\n\r\n"
	// Uneven writes exercise frames split across reads.
	for _, part := range []string{stream[:5], stream[5:60], stream[60:61], stream[61:]} {
		if err := c.FeedBytes([]byte(part)); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}

	if len(rec.exchanges) != 3 {
		t.Fatalf("expected 3 exchanges, got %d", len(rec.exchanges))
	}
	wantStatus := []int{200, 201, 204}
	for i, ex := range rec.exchanges {
		if ex.Request.Target() != targets[i] {
			t.Errorf("exchange %d: target %q, want %q", i, ex.Request.Target(), targets[i])
		}
		if ex.Response.StatusCode() != wantStatus[i] {
			t.Errorf("exchange %d: status %d, want %d", i, ex.Response.StatusCode(), wantStatus[i])
		}
		if ex.Metadata["uri"] != targets[i] || ex.Metadata["method"] != "GET" {
			t.Errorf("exchange %d: unexpected metadata %v", i, ex.Metadata)
		}
	}
	if rec.exchanges[0].Metadata["contentType"] != "text/plain" {
		t.Errorf("content type not recorded: %v", rec.exchanges[0].Metadata)
	}
	if rec.exchanges[1].Metadata["status"] != "201" || rec.exchanges[1].Metadata["reason"] != "Created" {
		t.Errorf("status not recorded: %v", rec.exchanges[1].Metadata)
	}
	if body, _ := rec.exchanges[1].Response.DecodedBody(); string(body) != "B" {
		t.Errorf("unexpected chunked body %q", body)
	}
	if c.Pending() != 0 || tr.closeRequests() != 0 {
		t.Errorf("pending=%d closes=%d", c.Pending(), tr.closeRequests())
	}
}

func TestPipelinedExchangesSingleRead(t *testing.T) {
	c, _, rec := newConn(t, client.Options{})

	send(t, c, "HEAD /a HTTP/1.1\r\n\r\n")
	send(t, c, "GET /b HTTP/1.1\r\n\r\n")
	send(t, c, "CONNECT x:443 HTTP/1.1\r\n\r\n")
	time.Sleep(2 * time.Millisecond)

	stream := "HTTP/1.1 200 OK\r\nContent-Length: 19\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi" +
		"HTTP/1.1 200 Connection established\r\n\r\n" +
		"TUNNELDATAHTTP/1.1 500 X\r\n\r\n"
	if err := c.FeedBytes([]byte(stream)); err != nil {
		t.Fatalf("feed: %v", err)
	}

	wantTargets := []string{"/a", "/b", "x:443"}
	if len(rec.exchanges) != len(wantTargets) {
		t.Fatalf("expected %d exchanges, got %d", len(wantTargets), len(rec.exchanges))
	}
	for i, ex := range rec.exchanges {
		if ex.Request.Target() != wantTargets[i] {
			t.Errorf("exchange %d: target %q, want %q", i, ex.Request.Target(), wantTargets[i])
		}
		if ex.Timing.TTFB <= 0 {
			t.Errorf("exchange %d: ttfb %v, want > 0", i, ex.Timing.TTFB)
		}
	}
	if n := len(rec.exchanges[0].Response.Body()); n != 0 {
		t.Errorf("HEAD response carried %d body bytes", n)
	}
	if body := string(rec.exchanges[1].Response.Body()); body != "hi" {
		t.Errorf("unexpected body %q", body)
	}
	if c.Mode() != session.ModeTunnel {
		t.Fatalf("expected tunnel mode, got %v", c.Mode())
	}
	if got := rec.tunnel.String(); got != "TUNNELDATAHTTP/1.1 500 X\r\n\r\n" {
		t.Errorf("unexpected tunnel data %q", got)
	}
}

func TestInterimResponsesSkipped(t *testing.T) {
	c, tr, rec := newConn(t, client.Options{})

	send(t, c, "GET /a HTTP/1.1\r\n\r\n")
	send(t, c, "GET /b HTTP/1.1\r\n\r\n")
	stream := "HTTP/1.1 103 Early Hints\r\nLink: </s.css>; rel=preload\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA" +
		"HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nB"
	if err := c.FeedBytes([]byte(stream)); err != nil {
		t.Fatalf("feed: %v", err)
	}

	if len(rec.exchanges) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(rec.exchanges))
	}
	for i, want := range []string{"A", "B"} {
		ex := rec.exchanges[i]
		if ex.Response.StatusCode() != 200 || string(ex.Response.Body()) != want {
			t.Errorf("exchange %d: %d %q", i, ex.Response.StatusCode(), ex.Response.Body())
		}
	}
	if c.Pending() != 0 || tr.closeRequests() != 0 {
		t.Errorf("pending=%d closes=%d", c.Pending(), tr.closeRequests())
	}
}

func TestCompletionHookRunsUnlocked(t *testing.T) {
	c, _, _ := newConn(t, client.Options{})

	var got correlator.Metadata
	pending := -1
	_, err := c.Send(context.Background(), []byte("POST /x HTTP/1.1\r\nContent-Length: 0\r\n\r\n"),
		correlator.Metadata{"id": "42"},
		func(resp *message.Response, md correlator.Metadata) {
			got = md
			pending = c.Pending()
		})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.FeedBytes([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if pending != 0 {
		t.Errorf("hook saw %d pending requests", pending)
	}
	if got["id"] != "42" || got["method"] != "POST" || got["status"] != "200" {
		t.Errorf("unexpected metadata %v", got)
	}
}

func TestConnectTunnel(t *testing.T) {
	c, tr, rec := newConn(t, client.Options{})

	send(t, c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	send(t, c, "GET / HTTP/1.1\r\n\r\n")
	if err := c.FeedBytes([]byte("HTTP/1.1 200 Connection established\r\n\r\n\x16\x03\x01")); err != nil {
		t.Fatalf("feed: %v", err)
	}

	if c.Mode() != session.ModeTunnel {
		t.Fatalf("expected tunnel mode, got %v", c.Mode())
	}
	if len(rec.exchanges) != 1 {
		t.Fatalf("expected the CONNECT exchange, got %d", len(rec.exchanges))
	}
	if c.Pending() != 0 {
		t.Errorf("requests behind CONNECT must be dropped, %d pending", c.Pending())
	}
	if err := c.FeedBytes([]byte("HTTP/1.1 404 Not Found\r\n\r\n")); err != nil {
		t.Fatalf("feed tunnel: %v", err)
	}
	if want := "\x16\x03\x01HTTP/1.1 404 Not Found\r\n\r\n"; rec.tunnel.String() != want {
		t.Errorf("tunnel data %q, want %q", rec.tunnel.String(), want)
	}

	before := len(tr.written())
	if _, err := c.Write([]byte("client hello")); err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	if got := tr.written()[before:]; got != "client hello" {
		t.Errorf("tunnel write forwarded %q", got)
	}
	if _, err := c.Send(context.Background(), []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil); err == nil {
		t.Errorf("expected Send to fail in tunnel mode")
	}

	c.NotifyClosed()
	if rec.closed != 1 || rec.closeErr != nil {
		t.Errorf("close callback: count=%d err=%v", rec.closed, rec.closeErr)
	}
	if tr.closeRequests() != 0 {
		t.Errorf("tunnel must not request close on its own")
	}
}

func TestWriteOutsideTunnel(t *testing.T) {
	c, _, _ := newConn(t, client.Options{})
	if _, err := c.Write([]byte("x")); err == nil {
		t.Errorf("expected error writing raw bytes outside a tunnel")
	}
}

func TestUnmatchedResponse(t *testing.T) {
	c, tr, rec := newConn(t, client.Options{})

	err := c.FeedBytes([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	if errors.GetErrorType(err) != errors.ErrorTypeUnmatchedResponse {
		t.Fatalf("expected unmatched_response, got %v", err)
	}
	if tr.closeRequests() != 1 {
		t.Errorf("expected a close request, got %d", tr.closeRequests())
	}
	if _, err := c.Send(context.Background(), []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil); errors.GetErrorType(err) != errors.ErrorTypeClosed {
		t.Errorf("expected closed error, got %v", err)
	}

	c.NotifyClosed()
	if errors.GetErrorType(rec.closeErr) != errors.ErrorTypeUnmatchedResponse {
		t.Errorf("close callback got %v", rec.closeErr)
	}
}

func TestSessionVerdicts(t *testing.T) {
	tests := []struct {
		name      string
		request   string
		response  string
		wantClose bool
	}{
		{"keep alive", "GET / HTTP/1.1\r\n\r\n", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", false},
		{"error status", "GET / HTTP/1.1\r\n\r\n", "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n", true},
		{"request close", "GET / HTTP/1.1\r\nConnection: close\r\n\r\n", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", true},
		{"response close", "GET / HTTP/1.1\r\n\r\n", "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", true},
		{"http/1.0 keep-alive", "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", "HTTP/1.0 200 OK\r\nConnection: keep-alive\r\nContent-Length: 0\r\n\r\n", false},
		{"bad content length", "GET / HTTP/1.1\r\n\r\n", "HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr, rec := newConn(t, client.Options{})
			send(t, c, tt.request)
			_ = c.FeedBytes([]byte(tt.response))

			if len(rec.exchanges) != 1 {
				t.Fatalf("expected one exchange, got %d", len(rec.exchanges))
			}
			if got := tr.closeRequests() == 1; got != tt.wantClose {
				t.Errorf("close requested = %v, want %v", got, tt.wantClose)
			}
		})
	}
}

func TestCloseTerminatedBody(t *testing.T) {
	c, _, rec := newConn(t, client.Options{})
	send(t, c, "GET / HTTP/1.1\r\n\r\n")

	if err := c.FeedBytes([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nhello ")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := c.FeedBytes([]byte("world")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(rec.exchanges) != 0 {
		t.Fatalf("body must stay open until close")
	}

	c.NotifyClosed()
	if len(rec.exchanges) != 1 {
		t.Fatalf("expected exchange on close, got %d", len(rec.exchanges))
	}
	resp := rec.exchanges[0].Response
	if !resp.Success() || string(resp.Body()) != "hello world" {
		t.Errorf("unexpected response success=%v body=%q", resp.Success(), resp.Body())
	}
	if rec.closeErr != nil {
		t.Errorf("unexpected close error %v", rec.closeErr)
	}
}

func TestTruncatedResponse(t *testing.T) {
	c, _, rec := newConn(t, client.Options{})
	send(t, c, "GET / HTTP/1.1\r\n\r\n")
	send(t, c, "GET /next HTTP/1.1\r\n\r\n")

	if err := c.FeedBytes([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	c.NotifyClosed()

	if len(rec.exchanges) != 1 {
		t.Fatalf("expected the truncated exchange, got %d", len(rec.exchanges))
	}
	if errors.GetErrorType(rec.exchanges[0].Response.DecodeResult()) != errors.ErrorTypeTruncatedFrame {
		t.Errorf("expected truncated_frame, got %v", rec.exchanges[0].Response.DecodeResult())
	}
	if errors.GetErrorType(rec.closeErr) != errors.ErrorTypeTruncatedFrame {
		t.Errorf("close callback got %v", rec.closeErr)
	}
	if c.Pending() != 0 {
		t.Errorf("outstanding requests must be dropped on close")
	}

	c.NotifyClosed()
	if rec.closed != 1 {
		t.Errorf("OnClose ran %d times", rec.closed)
	}
}

func TestInFlightLimit(t *testing.T) {
	c, _, _ := newConn(t, client.Options{MaxInFlight: 1})
	send(t, c, "GET /1 HTTP/1.1\r\n\r\n")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, []byte("GET /2 HTTP/1.1\r\n\r\n"), nil, nil); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), []byte("GET /3 HTTP/1.1\r\n\r\n"), nil, nil)
		done <- err
	}()
	if err := c.FeedBytes([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send after permit freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send still blocked after response")
	}
}

func TestInvalidRequests(t *testing.T) {
	c, tr, _ := newConn(t, client.Options{})
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"only line breaks", "\r\n\r\n"},
		{"bad start line", "GET\r\n\r\n"},
		{"incomplete", "GET / HTTP/1.1\r\nHost: a\r\n"},
		{"trailing bytes", "GET / HTTP/1.1\r\n\r\nGET / HTTP/1.1\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Send(context.Background(), []byte(tt.raw), nil, nil); err == nil {
				t.Errorf("expected error")
			}
		})
	}
	if tr.written() != "" || c.Pending() != 0 {
		t.Errorf("invalid requests must not be forwarded")
	}
}

func TestPolicyApplied(t *testing.T) {
	p, err := policy.New(policy.Options{
		Scheme:         "https",
		Host:           "api.example.com",
		Port:           8443,
		DefaultHeaders: map[string][]string{"Accept": {"*/*"}},
		Auth:           &policy.Credentials{Username: "u", Password: "p"},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	c, tr, _ := newConn(t, client.Options{Policy: p})

	req := send(t, c, "GET /v1 HTTP/1.1\r\nHost: stale\r\n\r\n")
	sent := tr.written()
	for _, want := range []string{"Host: api.example.com:8443\r\n", "Accept: */*\r\n", "Authorization: Basic dTpw\r\n"} {
		if !strings.Contains(sent, want) {
			t.Errorf("forwarded request %q lacks %q", sent, want)
		}
	}
	if string(req.Raw()) != sent {
		t.Errorf("returned request differs from forwarded bytes")
	}

	reject := client.PolicyFunc(func(req *message.Request) (*message.Request, error) {
		return nil, errors.NewValidationError("rejected")
	})
	c2, tr2, _ := newConn(t, client.Options{Policy: reject, MaxInFlight: 1})
	for i := 0; i < 2; i++ {
		if _, err := c2.Send(context.Background(), []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil); err == nil {
			t.Fatalf("expected policy error")
		}
	}
	if tr2.written() != "" {
		t.Errorf("rejected request was forwarded")
	}
}

func TestForwardFailure(t *testing.T) {
	tr := &fakeTransport{writeErr: errors.NewIOError("write", nil)}
	c, _, rec := newConn(t, client.Options{Transport: tr})

	if _, err := c.Send(context.Background(), []byte("GET / HTTP/1.1\r\n\r\n"), nil, nil); err == nil {
		t.Fatal("expected forward error")
	}
	if tr.closeRequests() != 1 {
		t.Errorf("expected a close request")
	}
	c.NotifyClosed()
	if errors.GetErrorType(rec.closeErr) != errors.ErrorTypeIO {
		t.Errorf("close callback got %v", rec.closeErr)
	}
}

func TestConnMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _, _ := newConn(t, client.Options{Metrics: metrics.New(reg)})

	send(t, c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	if err := c.FeedBytes([]byte("HTTP/1.1 200 OK\r\n\r\nabcd")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if _, err := c.Write([]byte("xy")); err != nil {
		t.Fatalf("write: %v", err)
	}

	expected := `
# HELP rawframe_tunnel_bytes_total Total bytes passed through CONNECT tunnels
# TYPE rawframe_tunnel_bytes_total counter
rawframe_tunnel_bytes_total{direction="inbound"} 4
rawframe_tunnel_bytes_total{direction="outbound"} 2
# HELP rawframe_tunnels_total Total number of connections switched to CONNECT tunnel mode
# TYPE rawframe_tunnels_total counter
rawframe_tunnels_total 1
# HELP rawframe_in_flight_requests Requests sent and waiting for a response
# TYPE rawframe_in_flight_requests gauge
rawframe_in_flight_requests 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rawframe_tunnel_bytes_total", "rawframe_tunnels_total", "rawframe_in_flight_requests"); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
	n, err := testutil.GatherAndCount(reg, "rawframe_exchanges_total")
	if err != nil || n != 1 {
		t.Errorf("expected one exchange series, got %d (%v)", n, err)
	}
}
