package message

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/framing"
)

// Version aliases the protocol version type.
type Version = framing.Version

const (
	HTTP10 = framing.Version10
	HTTP11 = framing.Version11
)

// Message is the part shared by requests and responses.
//
// The frame bytes are borrowed from the connection buffer until the first
// write, which switches the message to a private copy. The buffer never
// overwrites a region it lent, so a message stays readable after the decode
// call that produced it.
type Message struct {
	kind       framing.Kind
	raw        []byte
	version    *Pointer[framing.Version]
	headers    *Headers
	terminator *anchor
	body       *Pointer[[]byte]
	framing    framing.Framing
	result     error
	fields     []positioned
}

func (m *Message) track(p ...positioned) {
	m.fields = append(m.fields, p...)
}

func (m *Message) untrack(targets ...positioned) {
	kept := m.fields[:0]
	for _, f := range m.fields {
		drop := false
		for _, t := range targets {
			if f == t {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, f)
		}
	}
	m.fields = kept
}

// Kind reports whether this is a request or a response.
func (m *Message) Kind() framing.Kind { return m.kind }

// Raw returns the frame bytes.
func (m *Message) Raw() []byte { return m.raw }

// Len returns the frame length.
func (m *Message) Len() int { return len(m.raw) }

// DecodeResult returns nil when the frame decoded successfully, or the
// framing error that broke it. Field accessors of a failed message return
// zero values.
func (m *Message) DecodeResult() error { return m.result }

// Success reports whether the frame decoded successfully.
func (m *Message) Success() bool { return m.result == nil }

// Version returns the protocol version.
func (m *Message) Version() framing.Version {
	if m.version == nil {
		return framing.VersionUnknown
	}
	v, _ := m.version.Read(m.raw)
	return v
}

// Headers returns the header table. It is never nil.
func (m *Message) Headers() *Headers {
	if m.headers == nil {
		m.headers = &Headers{m: m}
	}
	return m.headers
}

// Framing returns the rule that delimited the body.
func (m *Message) Framing() framing.Framing { return m.framing }

// Body returns the body bytes exactly as framed on the wire; a chunked body
// still carries its chunk-size lines.
func (m *Message) Body() []byte {
	if m.body == nil {
		return nil
	}
	// not cached: a settle may have moved the frame to a new array
	return m.body.Bytes(m.raw)
}

// BodySpan returns the position of the body within the frame.
func (m *Message) BodySpan() framing.Span {
	if m.body == nil {
		return framing.Span{Offset: len(m.raw)}
	}
	return m.body.Span
}

// DecodedBody returns the body with chunked transfer coding removed.
func (m *Message) DecodedBody() ([]byte, error) {
	if m.framing == framing.FramingChunked {
		return framing.Dechunk(m.Body())
	}
	return m.Body(), nil
}

// KeepAlive reports whether the message allows the connection to be reused:
// HTTP/1.1 unless "Connection: close", HTTP/1.0 only with
// "Connection: keep-alive".
func (m *Message) KeepAlive() bool {
	connection := m.Headers().Values(constants.HeaderConnection)
	switch m.Version() {
	case framing.Version11:
		return !httpguts.HeaderValuesContainsToken(connection, "close")
	case framing.Version10:
		return httpguts.HeaderValuesContainsToken(connection, "keep-alive")
	}
	return false
}

func (m *Message) write(p interface {
	Write([]byte, []byte) []byte
}, value []byte) {
	m.raw = p.Write(m.raw, value)
	settle(m.fields)
}

// SetVersion rewrites the protocol version.
func (m *Message) SetVersion(v framing.Version) error {
	if m.version == nil {
		return errors.NewValidationError("message has no version field")
	}
	if v == framing.VersionUnknown {
		return errors.NewValidationError("unknown protocol version")
	}
	m.write(m.version, []byte(v.String()))
	return nil
}

// SetBody replaces the body bytes. A single Content-Length header is
// rewritten to the new length, and one is added when a non-empty body has no
// framing header. A chunked body is written as given; the caller supplies
// the chunk-size lines.
func (m *Message) SetBody(body []byte) error {
	if m.body == nil {
		return errors.NewValidationError("message has no body field")
	}
	m.write(m.body, body)
	if m.framing == framing.FramingChunked {
		return nil
	}
	switch n := len(m.Headers().find(constants.HeaderContentLength)); {
	case n == 1:
		return m.SetHeader(constants.HeaderContentLength, strconv.Itoa(len(body)))
	case n == 0 && len(body) > 0:
		if err := m.AddHeader(constants.HeaderContentLength, strconv.Itoa(len(body))); err != nil {
			return err
		}
		m.framing = framing.FramingContentLength
	}
	return nil
}

// SetHeader replaces every value of the named header with value, inserting
// the header before the end of the header block when it is absent.
func (m *Message) SetHeader(name, value string) error {
	found := m.Headers().find(name)
	if len(found) == 0 {
		return m.AddHeader(name, value)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return errors.NewValidationError(fmt.Sprintf("invalid value for header %s", name))
	}
	first := found[0]
	before := first.value.Length
	m.write(first.value, []byte(value))
	first.line.Length += first.value.Length - before
	for _, f := range found[1:] {
		m.deleteField(f)
	}
	return nil
}

// AddHeader inserts "name: value" as the last header line.
func (m *Message) AddHeader(name, value string) error {
	if m.terminator == nil {
		return errors.NewValidationError("message has no header block")
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return errors.NewValidationError(fmt.Sprintf("invalid header name %q", name))
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return errors.NewValidationError(fmt.Sprintf("invalid value for header %s", name))
	}

	line := name + ": " + value + "\r\n"
	at := m.terminator.Offset
	insertion := &anchor{Span: framing.Span{Offset: at}, expansion: len(line)}
	m.raw = splice(m.raw, at, 0, []byte(line))
	m.track(insertion)
	settle(m.fields)
	m.untrack(insertion)

	f := &HeaderField{
		line:  &anchor{Span: framing.Span{Offset: at, Length: len(line)}},
		name:  newPointer(framing.Span{Offset: at, Length: len(name)}, decodeString),
		value: newPointer(framing.Span{Offset: at + len(name) + 2, Length: len(value)}, decodeString),
	}
	m.track(f.positions()...)
	m.Headers().fields = append(m.Headers().fields, f)
	return nil
}

// DelHeader removes every line of the named header.
func (m *Message) DelHeader(name string) {
	for _, f := range m.Headers().find(name) {
		m.deleteField(f)
	}
}

func (m *Message) deleteField(f *HeaderField) {
	m.untrack(f.name, f.value)
	m.raw = splice(m.raw, f.line.Offset, f.line.Length, nil)
	f.line.expansion = -f.line.Length
	settle(m.fields)
	m.untrack(f.line)
	m.headers.remove(f)
}

func (m *Message) writeHeaders(sb *strings.Builder) {
	m.Headers().Each(func(name, value string) bool {
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteByte('\n')
		return true
	})
	sb.WriteByte('\n')
	sb.Write(m.Body())
}
