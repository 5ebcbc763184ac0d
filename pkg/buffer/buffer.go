// Package buffer provides the append-only connection buffer frames are decoded from.
package buffer

import (
	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

// Buffer is an append-only byte region with a read cursor. Bytes before the
// read cursor are consumed. Regions handed out with Lend stay valid for as long
// as the caller references them: once a region has been lent, compaction moves
// the unread tail into a fresh array instead of overwriting it.
//
// A Buffer is owned by a single connection and is not safe for concurrent use.
type Buffer struct {
	data  []byte
	r     int
	limit int
	lent  bool
}

// New creates a new Buffer whose unread region may not exceed limit bytes.
// A non-positive limit selects constants.MaxRawBufferSize.
func New(limit int) *Buffer {
	if limit <= 0 {
		limit = constants.MaxRawBufferSize
	}
	return &Buffer{limit: limit}
}

// NewWithData creates a new buffer holding a copy of data.
func NewWithData(data []byte) *Buffer {
	b := New(0)
	if len(data) > b.limit {
		b.limit = len(data)
	}
	b.data = append(make([]byte, 0, len(data)), data...)
	return b
}

// Write appends p after the write cursor.
func (b *Buffer) Write(p []byte) (int, error) {
	unread := len(b.data) - b.r
	if unread+len(p) > b.limit {
		return 0, errors.NewBufferOverflowError(unread+len(p), b.limit)
	}
	if len(b.data)+len(p) > cap(b.data) {
		b.grow(len(p))
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *Buffer) grow(n int) {
	unread := b.data[b.r:]
	need := len(unread) + n
	if !b.lent && need <= cap(b.data) {
		copy(b.data, unread)
		b.data = b.data[:len(unread)]
		b.r = 0
		return
	}

	size := 2 * cap(b.data)
	if size < need {
		size = need
	}
	if size < constants.DefaultBufferSize {
		size = constants.DefaultBufferSize
	}
	fresh := make([]byte, len(unread), size)
	copy(fresh, unread)
	b.data = fresh
	b.r = 0
	b.lent = false
}

// Bytes returns the unread region. The slice aliases the buffer and is only
// valid until the next Write.
func (b *Buffer) Bytes() []byte {
	return b.data[b.r:]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.r
}

// ReadIndex returns the read cursor.
func (b *Buffer) ReadIndex() int {
	return b.r
}

// WriteIndex returns the write cursor.
func (b *Buffer) WriteIndex() int {
	return len(b.data)
}

// Lend consumes the next n unread bytes and returns them. The returned slice
// has its capacity clipped to n and is never overwritten by the buffer.
func (b *Buffer) Lend(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	region := b.data[b.r : b.r+n : b.r+n]
	b.r += n
	if n > 0 {
		b.lent = true
	}
	b.release()
	return region
}

// Discard consumes the next n unread bytes without lending them.
func (b *Buffer) Discard(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.r += n
	b.release()
}

// release drops the backing array once everything has been read.
func (b *Buffer) release() {
	if b.r != len(b.data) {
		return
	}
	if b.lent {
		b.data = nil
		b.lent = false
	} else {
		b.data = b.data[:0]
	}
	b.r = 0
}

// Reset clears the buffer and prepares it for reuse.
func (b *Buffer) Reset() {
	if b.lent {
		b.data = nil
	} else {
		b.data = b.data[:0]
	}
	b.r = 0
	b.lent = false
}
