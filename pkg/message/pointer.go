// Package message holds decoded HTTP/1.x requests and responses as pointers
// into the frame bytes they were decoded from.
//
// Fields are not copied out of the frame. Each field is a Pointer (offset and
// length into the frame) that decodes its value on first read. Writing a field
// splices new bytes into a private copy of the frame and records the length
// delta as the field's expansion; settle then walks every field in offset
// order and shifts the ones after each expanded field.
package message

import (
	"sort"

	"github.com/WhileEndless/go-rawframe/pkg/framing"
)

// anchor is the position part shared by all fields of a message.
type anchor struct {
	framing.Span
	expansion int
}

func (a *anchor) base() *anchor { return a }

type positioned interface {
	base() *anchor
}

// Pointer references one field of a frame and caches its decoded value.
type Pointer[T any] struct {
	anchor
	decode func([]byte) (T, error)
	value  T
	err    error
	cached bool
}

func newPointer[T any](span framing.Span, decode func([]byte) (T, error)) *Pointer[T] {
	return &Pointer[T]{anchor: anchor{Span: span}, decode: decode}
}

// Read decodes the field from raw. The result is cached until the next Write.
func (p *Pointer[T]) Read(raw []byte) (T, error) {
	if !p.cached {
		p.value, p.err = p.decode(p.Bytes(raw))
		p.cached = true
	}
	return p.value, p.err
}

// Write replaces the field's bytes and returns the new frame. raw itself is
// never modified. The length delta is kept as the pointer's expansion until
// the owning message settles.
func (p *Pointer[T]) Write(raw []byte, value []byte) []byte {
	out := splice(raw, p.Offset, p.Length, value)
	p.expansion += len(value) - p.Length
	p.Length = len(value)
	p.cached = false
	return out
}

// Expansion returns the length delta not yet applied to later fields.
func (p *Pointer[T]) Expansion() int {
	return p.expansion
}

// splice returns a copy of raw with raw[offset:offset+length] replaced by value.
func splice(raw []byte, offset, length int, value []byte) []byte {
	out := make([]byte, 0, len(raw)-length+len(value))
	out = append(out, raw[:offset]...)
	out = append(out, value...)
	return append(out, raw[offset+length:]...)
}

// settle applies pending expansions. Fields are walked in offset order; every
// field is shifted by the sum of the expansions of the fields before it. At
// equal offsets an expanded field sorts first so an insertion at a field's
// offset pushes that field along.
func settle(fields []positioned) {
	sort.SliceStable(fields, func(i, j int) bool {
		a, b := fields[i].base(), fields[j].base()
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.expansion != 0 && b.expansion == 0
	})
	shift := 0
	for _, f := range fields {
		a := f.base()
		a.Offset += shift
		shift += a.expansion
		a.expansion = 0
	}
}

func decodeString(b []byte) (string, error) {
	return string(b), nil
}

func decodeBytes(b []byte) ([]byte, error) {
	return b, nil
}
