// Package decoder turns a connection buffer into complete HTTP/1.x frames.
//
// One state machine serves both directions:
//
//	startLine -> headers -> body -> (frame emitted, back to startLine)
//
// Positions are kept relative to the start of the frame in progress, which
// is always the buffer's read cursor, so compaction between calls does not
// invalidate them. When a frame is incomplete nothing is consumed and the next
// call resumes where the previous one stopped. A framing error consumes every
// buffered byte as part of the broken frame and yields a message whose
// DecodeResult is the error.
package decoder

import (
	"github.com/WhileEndless/go-rawframe/pkg/buffer"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/framing"
	"github.com/WhileEndless/go-rawframe/pkg/message"
)

type state int

const (
	stateStartLine state = iota
	stateHeaders
	stateBody
)

func (s state) String() string {
	switch s {
	case stateHeaders:
		return "headers"
	case stateBody:
		return "body"
	default:
		return "start-line"
	}
}

// replyTo describes the request a response answers.
type replyTo struct {
	head    bool
	connect bool
}

type machine struct {
	kind      framing.Kind
	state     state
	pos       int
	line      framing.StartLine
	policy    framing.Policy
	bodyStart int
	chunks    framing.ChunkScanner
	builder   message.Builder
}

func newMachine(kind framing.Kind) machine {
	m := machine{kind: kind}
	m.reset()
	return m
}

func (m *machine) reset() {
	m.state = stateStartLine
	m.pos = 0
	m.line = framing.StartLine{}
	m.policy = framing.Policy{}
	m.bodyStart = 0
	m.builder.Reset(m.kind)
}

// inProgress reports whether part of a frame has been parsed.
func (m *machine) inProgress() bool {
	return m.state != stateStartLine
}

// decode advances through buf. It returns the frame bytes, already consumed
// from buf, once a frame is complete; the builder then describes it.
func (m *machine) decode(buf *buffer.Buffer, reply replyTo) ([]byte, bool) {
	if m.state == stateStartLine {
		skipEmptyLines(buf)
	}
	raw := buf.Bytes()

	for {
		switch m.state {
		case stateStartLine:
			line, next, ok, err := framing.ParseStartLine(raw, 0, m.kind)
			if err != nil {
				return m.fail(buf, err), true
			}
			if !ok {
				return nil, false
			}
			m.line = line
			m.builder.StartLine = &m.line
			m.pos = next
			m.state = stateHeaders

		case stateHeaders:
			headers, terminator, ok, err := framing.ParseHeaders(raw, m.pos)
			if err != nil {
				return m.fail(buf, err), true
			}
			if !ok {
				return nil, false
			}
			policy, err := framing.DecidePolicy(raw, headers, framing.BodyOptions{
				Kind:       m.kind,
				Head:       reply.head,
				Connect:    reply.connect,
				StatusCode: m.line.StatusCode,
			})
			if err != nil {
				return m.fail(buf, err), true
			}
			m.builder.Headers = headers
			m.builder.Terminator = &terminator
			m.builder.Framing = policy.Framing
			m.policy = policy
			m.bodyStart = terminator.End()
			m.pos = m.bodyStart
			if policy.Framing == framing.FramingChunked {
				m.chunks.Reset(m.bodyStart)
			}
			m.state = stateBody

		case stateBody:
			end, ok, err := m.bodyEnd(raw)
			if err != nil {
				return m.fail(buf, err), true
			}
			if !ok {
				return nil, false
			}
			return m.complete(buf, end), true
		}
	}
}

func (m *machine) bodyEnd(raw []byte) (int, bool, error) {
	switch m.policy.Framing {
	case framing.FramingContentLength:
		end := int64(m.bodyStart) + m.policy.Length
		if int64(len(raw)) < end {
			return 0, false, nil
		}
		return int(end), true, nil
	case framing.FramingChunked:
		return m.chunks.Scan(raw)
	case framing.FramingCloseTerminated:
		return 0, false, nil
	default:
		return m.bodyStart, true, nil
	}
}

func (m *machine) complete(buf *buffer.Buffer, end int) []byte {
	m.builder.Body = &framing.Span{Offset: m.bodyStart, Length: end - m.bodyStart}
	return buf.Lend(end)
}

func (m *machine) fail(buf *buffer.Buffer, err error) []byte {
	m.builder.Result = err
	return buf.Lend(buf.Len())
}

// finish ends the frame in progress because the connection closed. A
// close-terminated body ends at the last buffered byte; any other partial
// frame becomes a truncated_frame failure.
func (m *machine) finish(buf *buffer.Buffer) ([]byte, bool) {
	if m.state == stateStartLine {
		skipEmptyLines(buf)
	}
	if buf.Len() == 0 && !m.inProgress() {
		return nil, false
	}
	if m.state == stateBody && m.policy.Framing == framing.FramingCloseTerminated {
		return m.complete(buf, buf.Len()), true
	}

	want := 0
	if m.state == stateBody && m.policy.Framing == framing.FramingContentLength {
		want = m.bodyStart + int(m.policy.Length)
	}
	return m.fail(buf, errors.NewTruncatedFrameError(buf.Len(), want)), true
}

func skipEmptyLines(buf *buffer.Buffer) {
	n := 0
	for _, c := range buf.Bytes() {
		if c != '\r' && c != '\n' {
			break
		}
		n++
	}
	buf.Discard(n)
}

// RequestDecoder decodes request frames. A request without Content-Length or
// chunked coding has no body.
type RequestDecoder struct {
	m machine
}

// NewRequestDecoder creates a request decoder.
func NewRequestDecoder() *RequestDecoder {
	return &RequestDecoder{m: newMachine(framing.KindRequest)}
}

// Decode returns the next complete request in buf, or false when more bytes
// are needed.
func (d *RequestDecoder) Decode(buf *buffer.Buffer) (*message.Request, bool) {
	raw, ok := d.m.decode(buf, replyTo{})
	if !ok {
		return nil, false
	}
	req := d.m.builder.BuildRequest(raw)
	d.m.reset()
	return req, true
}

// Finish flushes a partial request left in buf when its stream ends.
func (d *RequestDecoder) Finish(buf *buffer.Buffer) (*message.Request, bool) {
	raw, ok := d.m.finish(buf)
	if !ok {
		return nil, false
	}
	req := d.m.builder.BuildRequest(raw)
	d.m.reset()
	return req, true
}

// InProgress reports whether a request has been partially parsed.
func (d *RequestDecoder) InProgress() bool {
	return d.m.inProgress()
}

// ResponseDecoder decodes response frames.
type ResponseDecoder struct {
	m machine
}

// NewResponseDecoder creates a response decoder.
func NewResponseDecoder() *ResponseDecoder {
	return &ResponseDecoder{m: newMachine(framing.KindResponse)}
}

// Decode returns the next complete response in buf, or false when more bytes
// are needed. head selects HEAD-response framing, where the body is always
// empty whatever Content-Length says. It is consulted when the header block
// completes.
func (d *ResponseDecoder) Decode(buf *buffer.Buffer, head bool) (*message.Response, bool) {
	return d.decode(buf, replyTo{head: head})
}

// DecodeFor decodes the response to a request sent with method: HEAD selects
// HEAD framing and a 2xx answer to CONNECT has no body.
func (d *ResponseDecoder) DecodeFor(buf *buffer.Buffer, method string) (*message.Response, bool) {
	return d.decode(buf, replyTo{head: method == "HEAD", connect: method == "CONNECT"})
}

func (d *ResponseDecoder) decode(buf *buffer.Buffer, reply replyTo) (*message.Response, bool) {
	raw, ok := d.m.decode(buf, reply)
	if !ok {
		return nil, false
	}
	resp := d.m.builder.BuildResponse(raw)
	d.m.reset()
	return resp, true
}

// Finish ends the response in progress because the connection closed.
func (d *ResponseDecoder) Finish(buf *buffer.Buffer) (*message.Response, bool) {
	raw, ok := d.m.finish(buf)
	if !ok {
		return nil, false
	}
	resp := d.m.builder.BuildResponse(raw)
	d.m.reset()
	return resp, true
}

// InProgress reports whether a response has been partially parsed.
func (d *ResponseDecoder) InProgress() bool {
	return d.m.inProgress()
}

// AwaitingClose reports whether the response in progress has a
// close-terminated body.
func (d *ResponseDecoder) AwaitingClose() bool {
	return d.m.state == stateBody && d.m.policy.Framing == framing.FramingCloseTerminated
}

// State names the current decoder state, for logging.
func (d *ResponseDecoder) State() string {
	return d.m.state.String()
}
