package message

import (
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/framing"
)

// Builder accumulates the positions of a frame's parts while a decoder works
// through it, then builds the immutable message once the frame is complete.
type Builder struct {
	Kind       framing.Kind
	StartLine  *framing.StartLine
	Headers    []framing.HeaderLine
	Terminator *framing.Span
	Body       *framing.Span
	Framing    framing.Framing
	Result     error
}

// Reset prepares the builder for the next frame.
func (b *Builder) Reset(kind framing.Kind) {
	*b = Builder{Kind: kind}
}

func (b *Builder) build(m *Message, raw []byte) {
	m.kind = b.Kind
	m.raw = raw
	m.result = b.Result
	m.framing = b.Framing
	if b.Result != nil {
		m.headers = &Headers{m: m}
		return
	}

	if b.StartLine != nil {
		m.version = newPointer(b.StartLine.VersionSpan(b.Kind), decodeVersion)
		m.track(m.version)
	}
	m.headers = newHeaders(m, b.Headers)
	for _, f := range m.headers.fields {
		m.track(f.positions()...)
	}
	if b.Terminator != nil {
		m.terminator = &anchor{Span: *b.Terminator}
		m.track(m.terminator)
	}
	body := framing.Span{Offset: len(raw)}
	if b.Body != nil {
		body = *b.Body
	}
	m.body = newPointer(body, decodeBytes)
	m.track(m.body)
}

// BuildRequest builds a request over raw.
func (b *Builder) BuildRequest(raw []byte) *Request {
	r := &Request{}
	b.build(&r.Message, raw)
	if b.Result == nil && b.StartLine != nil {
		r.method = newPointer(b.StartLine.Method(), decodeString)
		r.target = newPointer(b.StartLine.Target(), decodeString)
		r.track(r.method, r.target)
	}
	return r
}

// BuildResponse builds a response over raw.
func (b *Builder) BuildResponse(raw []byte) *Response {
	r := &Response{}
	b.build(&r.Message, raw)
	if b.Result == nil && b.StartLine != nil {
		r.status = newPointer(b.StartLine.Status(), decodeStatus)
		r.reason = newPointer(b.StartLine.Reason(), decodeString)
		r.track(r.status, r.reason)
	}
	return r
}

func decodeVersion(b []byte) (framing.Version, error) {
	v, ok := framing.ParseVersion(b)
	if !ok {
		return v, errors.NewValidationError("unknown protocol version " + string(b))
	}
	return v, nil
}
