// Package errors provides structured error types for the rawframe library.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeMalformedStartLine represents a request or status line that
	// does not split into three parts
	ErrorTypeMalformedStartLine ErrorType = "malformed_start_line"
	// ErrorTypeMalformedHeaderLine represents a header line without a valid
	// name and ':' separator
	ErrorTypeMalformedHeaderLine ErrorType = "malformed_header_line"
	// ErrorTypeMultipleContentLength represents a message carrying more than
	// one Content-Length header
	ErrorTypeMultipleContentLength ErrorType = "multiple_content_length"
	// ErrorTypeMalformedContentLength represents a non-numeric or negative
	// Content-Length value
	ErrorTypeMalformedContentLength ErrorType = "malformed_content_length"
	// ErrorTypeMalformedChunk represents a bad chunk size line or chunk delimiter
	ErrorTypeMalformedChunk ErrorType = "malformed_chunk"
	// ErrorTypeUnmatchedResponse represents a response with no outstanding request
	ErrorTypeUnmatchedResponse ErrorType = "unmatched_response"
	// ErrorTypeTruncatedFrame represents a connection closed inside a
	// length-delimited frame
	ErrorTypeTruncatedFrame ErrorType = "truncated_frame"
	// ErrorTypeBufferOverflow represents a buffer growing past its cap
	ErrorTypeBufferOverflow ErrorType = "buffer_overflow"
	// ErrorTypeClosed represents use of a connection that is closed or closing
	ErrorTypeClosed ErrorType = "closed"

	// ErrorTypeDNS represents DNS resolution errors
	ErrorTypeDNS ErrorType = "dns"
	// ErrorTypeConnection represents TCP connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTLS represents TLS handshake errors
	ErrorTypeTLS ErrorType = "tls"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeIO represents I/O errors
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
)

// Error represents a structured error with context information.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Offset    int       `json:"offset,omitempty"` // position inside the frame, framing errors only
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

func newFramingError(t ErrorType, offset int, message string, cause error) *Error {
	return &Error{
		Type:      t,
		Message:   message,
		Cause:     cause,
		Offset:    offset,
		Timestamp: time.Now(),
	}
}

// NewMalformedStartLineError creates an error for a start line that does not
// have exactly three parts.
func NewMalformedStartLineError(line string, offset int) *Error {
	return newFramingError(ErrorTypeMalformedStartLine, offset,
		fmt.Sprintf("start line must contain 3 parts: %q", line), nil)
}

// NewMalformedHeaderLineError creates an error for an unparseable header line.
func NewMalformedHeaderLineError(line string, offset int) *Error {
	return newFramingError(ErrorTypeMalformedHeaderLine, offset,
		fmt.Sprintf("malformed header line: %q", line), nil)
}

// NewMultipleContentLengthError creates an error for duplicated Content-Length headers.
func NewMultipleContentLengthError(count int) *Error {
	return newFramingError(ErrorTypeMultipleContentLength, 0,
		fmt.Sprintf("%d Content-Length headers present", count), nil)
}

// NewMalformedContentLengthError creates an error for an invalid Content-Length value.
func NewMalformedContentLengthError(value string, cause error) *Error {
	return newFramingError(ErrorTypeMalformedContentLength, 0,
		fmt.Sprintf("invalid Content-Length %q", value), cause)
}

// NewMalformedChunkError creates an error for broken chunked framing.
func NewMalformedChunkError(message string, offset int, cause error) *Error {
	return newFramingError(ErrorTypeMalformedChunk, offset, message, cause)
}

// NewTruncatedFrameError creates an error for a frame cut short by connection close.
func NewTruncatedFrameError(have, want int) *Error {
	message := fmt.Sprintf("connection closed after %d bytes of an incomplete frame", have)
	if want > 0 {
		message = fmt.Sprintf("connection closed after %d of %d frame bytes", have, want)
	}
	return newFramingError(ErrorTypeTruncatedFrame, have, message, nil)
}

// NewUnmatchedResponseError creates an error for a response that arrived with
// no outstanding request.
func NewUnmatchedResponseError(statusLine string) *Error {
	return &Error{
		Type:      ErrorTypeUnmatchedResponse,
		Message:   fmt.Sprintf("no outstanding request for response %q", statusLine),
		Timestamp: time.Now(),
	}
}

// NewBufferOverflowError creates an error for a buffer exceeding its limit.
func NewBufferOverflowError(size, limit int) *Error {
	return &Error{
		Type:      ErrorTypeBufferOverflow,
		Message:   fmt.Sprintf("buffer would grow to %d bytes, limit is %d", size, limit),
		Timestamp: time.Now(),
	}
}

// NewClosedError creates an error for an operation on a connection in the
// given state ("closed", "closing").
func NewClosedError(state string) *Error {
	return &Error{
		Type:      ErrorTypeClosed,
		Message:   "connection is " + state,
		Timestamp: time.Now(),
	}
}

// NewDNSError creates a DNS resolution error.
func NewDNSError(host string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeDNS,
		Message:   fmt.Sprintf("DNS lookup failed for host %s", host),
		Cause:     cause,
		Host:      host,
		Timestamp: time.Now(),
	}
}

// NewConnectionError creates a connection error.
func NewConnectionError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnection,
		Message:   fmt.Sprintf("failed to connect to %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewTLSError creates a TLS handshake error.
func NewTLSError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeTLS,
		Message:   fmt.Sprintf("TLS handshake failed for %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Message:   fmt.Sprintf("%s timed out after %v", operation, timeout),
		Timestamp: time.Now(),
	}
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeIO,
		Message:   fmt.Sprintf("I/O error during %s", operation),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Type:      ErrorTypeValidation,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsProtocolError reports whether err is one of the framing or correlation kinds.
func IsProtocolError(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeMalformedStartLine, ErrorTypeMalformedHeaderLine,
		ErrorTypeMultipleContentLength, ErrorTypeMalformedContentLength,
		ErrorTypeMalformedChunk, ErrorTypeUnmatchedResponse, ErrorTypeTruncatedFrame:
		return true
	}
	return false
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
