package policy_test

import (
	"strings"
	"testing"

	"github.com/WhileEndless/go-rawframe/pkg/buffer"
	"github.com/WhileEndless/go-rawframe/pkg/decoder"
	"github.com/WhileEndless/go-rawframe/pkg/message"
	"github.com/WhileEndless/go-rawframe/pkg/policy"
)

func request(t *testing.T, raw string) *message.Request {
	t.Helper()
	req, ok := decoder.NewRequestDecoder().Decode(buffer.NewWithData([]byte(raw)))
	if !ok || !req.Success() {
		t.Fatalf("failed to decode request %q", raw)
	}
	return req
}

func TestAugmentRequest(t *testing.T) {
	p, err := policy.New(policy.Options{
		Scheme: "http",
		Host:   "example.com",
		Port:   8080,
		DefaultHeaders: map[string][]string{
			"Accept":     {"*/*"},
			"User-Agent": {"rawframe"},
		},
		Auth: &policy.Credentials{Username: "user", Password: "pass"},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	req := request(t, "POST /submit HTTP/1.1\r\n"+
		"Host: other\r\n"+
		"Authorization: Bearer old\r\n"+
		"User-Agent: custom\r\n"+
		"Content-Length: 5\r\n"+
		"\r\n"+
		"hello")

	out, err := p.AugmentRequest(req)
	if err != nil {
		t.Fatalf("augment: %v", err)
	}

	checks := map[string]string{
		"Authorization": "Basic dXNlcjpwYXNz",
		"User-Agent":    "custom",
		"Accept":        "*/*",
		"Host":          "example.com:8080",
	}
	for name, want := range checks {
		if got := out.Headers().Value(name); got != want {
			t.Errorf("%s: got %q, want %q", name, got, want)
		}
	}
	if len(out.Headers().Values("Authorization")) != 1 {
		t.Errorf("expected a single Authorization header")
	}
	if string(out.Body()) != "hello" {
		t.Errorf("body moved incorrectly: %q", out.Body())
	}
	if !strings.HasSuffix(string(out.Raw()), "\r\n\r\nhello") {
		t.Errorf("frame must still end with the header terminator and body: %q", out.Raw())
	}

	reparsed := request(t, string(out.Raw()))
	if reparsed.Headers().Len() != out.Headers().Len() {
		t.Errorf("re-decoded frame has %d headers, want %d", reparsed.Headers().Len(), out.Headers().Len())
	}
}

func TestAugmentConnectOnlyAuthorizes(t *testing.T) {
	p, err := policy.New(policy.Options{
		Host:           "proxy.local",
		DefaultHeaders: map[string][]string{"Accept": {"*/*"}},
		Auth:           &policy.Credentials{Username: "a", Password: "b"},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	out, err := p.AugmentRequest(request(t, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	if !out.Headers().Has("Authorization") {
		t.Errorf("expected Authorization on CONNECT")
	}
	if out.Headers().Has("Accept") || out.Headers().Value("Host") != "example.com:443" {
		t.Errorf("CONNECT must not receive default headers or a Host rewrite")
	}
}

func TestNewRejectsInvalidHeaders(t *testing.T) {
	_, err := policy.New(policy.Options{DefaultHeaders: map[string][]string{"Bad Name": {"x"}}})
	if err == nil {
		t.Fatalf("expected invalid header name to fail")
	}
	_, err = policy.New(policy.Options{DefaultHeaders: map[string][]string{"X-Ok": {"a\r\nb"}}})
	if err == nil {
		t.Fatalf("expected invalid header value to fail")
	}
}

func TestHostHeader(t *testing.T) {
	tests := []struct {
		scheme string
		host   string
		port   int
		want   string
	}{
		{"http", "example.com", 80, "example.com"},
		{"https", "example.com", 443, "example.com"},
		{"https", "example.com", 8443, "example.com:8443"},
		{"http", "::1", 8080, "[::1]:8080"},
		{"http", "::1", 80, "[::1]"},
		{"http", "example.com", 0, "example.com"},
	}
	for _, tt := range tests {
		if got := policy.HostHeader(tt.scheme, tt.host, tt.port); got != tt.want {
			t.Errorf("HostHeader(%s, %s, %d) = %s, want %s", tt.scheme, tt.host, tt.port, got, tt.want)
		}
	}
}
