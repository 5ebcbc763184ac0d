package message

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

// Response is a decoded response frame.
type Response struct {
	Message
	status *Pointer[int]
	reason *Pointer[string]
}

func decodeStatus(b []byte) (int, error) {
	return strconv.Atoi(string(b))
}

// StatusCode returns the response status code.
func (r *Response) StatusCode() int {
	if r.status == nil {
		return 0
	}
	v, _ := r.status.Read(r.raw)
	return v
}

// Reason returns the reason phrase.
func (r *Response) Reason() string {
	if r.reason == nil {
		return ""
	}
	v, _ := r.reason.Read(r.raw)
	return v
}

// Interim reports whether the response is an informational 1xx answer that
// precedes the final response. 101 Switching Protocols is final.
func (r *Response) Interim() bool {
	code := r.StatusCode()
	return r.Success() && code >= 100 && code < 200 && code != 101
}

// StatusLine returns the status line without its terminator.
func (r *Response) StatusLine() string {
	if r.status == nil {
		return ""
	}
	return r.Version().String() + " " + strconv.Itoa(r.StatusCode()) + " " + r.Reason()
}

// SetStatusCode rewrites the status code.
func (r *Response) SetStatusCode(code int) error {
	if r.status == nil {
		return errors.NewValidationError("response has no status field")
	}
	if code < 100 || code > 999 {
		return errors.NewValidationError("status code must have 3 digits: " + strconv.Itoa(code))
	}
	r.write(r.status, []byte(strconv.Itoa(code)))
	return nil
}

// SetReason rewrites the reason phrase.
func (r *Response) SetReason(reason string) error {
	if r.reason == nil {
		return errors.NewValidationError("response has no reason field")
	}
	if !httpguts.ValidHeaderFieldValue(reason) {
		return errors.NewValidationError("invalid reason phrase")
	}
	r.write(r.reason, []byte(reason))
	return nil
}

// String renders the response for debug output.
func (r *Response) String() string {
	var sb strings.Builder
	if !r.Success() {
		sb.WriteString("invalid response: ")
		sb.WriteString(r.result.Error())
		return sb.String()
	}
	sb.WriteString(r.StatusLine())
	sb.WriteByte('\n')
	r.writeHeaders(&sb)
	return sb.String()
}
