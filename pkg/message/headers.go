package message

import (
	"strings"

	"github.com/WhileEndless/go-rawframe/pkg/framing"
)

// HeaderField is one header line of a message.
type HeaderField struct {
	line  *anchor
	name  *Pointer[string]
	value *Pointer[string]
}

// Headers is the ordered header table of a message. Lookups are
// case-insensitive; duplicate names keep every value in wire order.
type Headers struct {
	m      *Message
	fields []*HeaderField
}

func newHeaders(m *Message, lines []framing.HeaderLine) *Headers {
	h := &Headers{m: m, fields: make([]*HeaderField, 0, len(lines))}
	for _, l := range lines {
		h.fields = append(h.fields, &HeaderField{
			line:  &anchor{Span: l.Line},
			name:  newPointer(l.Name, decodeString),
			value: newPointer(l.Value, decodeString),
		})
	}
	return h
}

func (f *HeaderField) positions() []positioned {
	return []positioned{f.line, f.name, f.value}
}

func (h *Headers) nameOf(f *HeaderField) string {
	name, _ := f.name.Read(h.m.raw)
	return name
}

func (h *Headers) valueOf(f *HeaderField) string {
	value, _ := f.value.Read(h.m.raw)
	return value
}

// Len returns the number of header lines.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Get returns the first value of the named header.
func (h *Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	for _, f := range h.fields {
		if strings.EqualFold(h.nameOf(f), name) {
			return h.valueOf(f), true
		}
	}
	return "", false
}

// Value returns the first value of the named header or "".
func (h *Headers) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

// Values returns every value of the named header in wire order.
func (h *Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(h.nameOf(f), name) {
			values = append(values, h.valueOf(f))
		}
	}
	return values
}

// Has reports whether the named header is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Each calls fn for every header line in wire order until fn returns false.
func (h *Headers) Each(fn func(name, value string) bool) {
	if h == nil {
		return
	}
	for _, f := range h.fields {
		if !fn(h.nameOf(f), h.valueOf(f)) {
			return
		}
	}
}

// ValueSpan returns the position of the i-th header value within the frame.
func (h *Headers) ValueSpan(i int) framing.Span {
	return h.fields[i].value.Span
}

// Map returns the headers as a map keyed by the names as they appear on the
// wire. It allocates; use Get or Each on hot paths.
func (h *Headers) Map() map[string][]string {
	out := make(map[string][]string, h.Len())
	h.Each(func(name, value string) bool {
		out[name] = append(out[name], value)
		return true
	})
	return out
}

func (h *Headers) find(name string) []*HeaderField {
	var found []*HeaderField
	for _, f := range h.fields {
		if strings.EqualFold(h.nameOf(f), name) {
			found = append(found, f)
		}
	}
	return found
}

func (h *Headers) remove(target *HeaderField) {
	for i, f := range h.fields {
		if f == target {
			h.fields = append(h.fields[:i], h.fields[i+1:]...)
			return
		}
	}
}
