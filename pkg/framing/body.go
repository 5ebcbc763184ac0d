package framing

import (
	"strconv"
	"strings"

	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

// Framing is the rule that delimits a message body.
type Framing int

const (
	// FramingEmpty means the body has no bytes.
	FramingEmpty Framing = iota
	// FramingContentLength means the body is exactly Policy.Length bytes.
	FramingContentLength
	// FramingChunked means the body runs through the zero-size chunk and the
	// blank line after any trailer fields.
	FramingChunked
	// FramingCloseTerminated means the body runs until the connection closes.
	FramingCloseTerminated
)

func (f Framing) String() string {
	switch f {
	case FramingContentLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingCloseTerminated:
		return "close-terminated"
	default:
		return "empty"
	}
}

// Policy is the body length decision for one message.
type Policy struct {
	Framing Framing
	Length  int64
}

// BodyOptions carries what the body framer needs beyond the headers.
type BodyOptions struct {
	Kind       Kind
	Head       bool // response to a HEAD request
	Connect    bool // response to a CONNECT request
	StatusCode int
}

// DecidePolicy picks how the body of a message is delimited.
//
// A HEAD response, a 1xx, 204 or 304 response, and a 2xx answer to CONNECT
// never have a body whatever their headers say. Otherwise a
// Transfer-Encoding whose last coding is chunked wins over Content-Length. A response with neither runs until close; a
// request with neither has no body.
func DecidePolicy(raw []byte, headers []HeaderLine, opts BodyOptions) (Policy, error) {
	if opts.Kind == KindResponse && (opts.Head || bodylessStatus(opts.StatusCode) ||
		(opts.Connect && opts.StatusCode >= 200 && opts.StatusCode < 300)) {
		return Policy{Framing: FramingEmpty}, nil
	}

	if isChunked(raw, headers) {
		return Policy{Framing: FramingChunked}, nil
	}

	lengths := Lookup(raw, headers, constants.HeaderContentLength)
	switch {
	case len(lengths) > 1:
		return Policy{}, errors.NewMultipleContentLengthError(len(lengths))
	case len(lengths) == 1:
		value := string(lengths[0].Bytes(raw))
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Policy{}, errors.NewMalformedContentLengthError(value, err)
		}
		if n < 0 || n > constants.MaxContentLength {
			return Policy{}, errors.NewMalformedContentLengthError(value, nil)
		}
		if n == 0 {
			return Policy{Framing: FramingEmpty}, nil
		}
		return Policy{Framing: FramingContentLength, Length: n}, nil
	}

	if opts.Kind == KindResponse {
		return Policy{Framing: FramingCloseTerminated}, nil
	}
	return Policy{Framing: FramingEmpty}, nil
}

func bodylessStatus(code int) bool {
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

// isChunked reports whether the last transfer coding listed is chunked.
func isChunked(raw []byte, headers []HeaderLine) bool {
	values := Lookup(raw, headers, constants.HeaderTransferEncoding)
	if len(values) == 0 {
		return false
	}
	last := string(values[len(values)-1].Bytes(raw))
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(last), "chunked")
}
