package message

import (
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

// Request is a decoded request frame.
type Request struct {
	Message
	method *Pointer[string]
	target *Pointer[string]
}

// Method returns the request method as sent.
func (r *Request) Method() string {
	if r.method == nil {
		return ""
	}
	v, _ := r.method.Read(r.raw)
	return v
}

// Target returns the request target as sent.
func (r *Request) Target() string {
	if r.target == nil {
		return ""
	}
	v, _ := r.target.Read(r.raw)
	return v
}

// URL parses the request target.
func (r *Request) URL() (*url.URL, error) {
	return url.ParseRequestURI(r.Target())
}

// SetMethod rewrites the request method.
func (r *Request) SetMethod(method string) error {
	if r.method == nil {
		return errors.NewValidationError("request has no method field")
	}
	if method == "" || strings.IndexFunc(method, func(c rune) bool { return !httpguts.IsTokenRune(c) }) >= 0 {
		return errors.NewValidationError("invalid method " + method)
	}
	r.write(r.method, []byte(method))
	return nil
}

// SetTarget rewrites the request target.
func (r *Request) SetTarget(target string) error {
	if r.target == nil {
		return errors.NewValidationError("request has no target field")
	}
	if target == "" || strings.ContainsAny(target, " \r\n") {
		return errors.NewValidationError("invalid request target " + target)
	}
	r.write(r.target, []byte(target))
	return nil
}

// String renders the request for debug output.
func (r *Request) String() string {
	var sb strings.Builder
	if !r.Success() {
		sb.WriteString("invalid request: ")
		sb.WriteString(r.result.Error())
		return sb.String()
	}
	sb.WriteString(r.Method())
	sb.WriteByte(' ')
	sb.WriteString(r.Target())
	sb.WriteByte(' ')
	sb.WriteString(r.Version().String())
	sb.WriteByte('\n')
	r.writeHeaders(&sb)
	return sb.String()
}
