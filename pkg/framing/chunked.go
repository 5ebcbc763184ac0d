package framing

import (
	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// ChunkScanner finds the end of a chunked body. It walks chunk-size lines
// rather than searching for a terminator pattern, so chunk data that happens
// to contain "0\r\n\r\n" does not end the body early. Progress is kept
// between calls; offsets are relative to the region passed to Scan, which must
// keep the same start across calls.
type ChunkScanner struct {
	pos       int
	remaining int64
	state     chunkState
}

// Reset positions the scanner at the first chunk-size line.
func (c *ChunkScanner) Reset(bodyStart int) {
	*c = ChunkScanner{pos: bodyStart}
}

// Scan continues walking raw. end is the offset just past the blank line that
// closes the body; ok is false when more bytes are needed.
func (c *ChunkScanner) Scan(raw []byte) (end int, ok bool, err error) {
	for {
		switch c.state {
		case chunkSize:
			lineEnd, lf, found := findLine(raw, c.pos)
			if !found {
				return 0, false, nil
			}
			size, err := parseChunkSize(raw, c.pos, lineEnd)
			if err != nil {
				return 0, true, err
			}
			c.pos = lf + 1
			if size == 0 {
				c.state = chunkTrailer
			} else {
				c.remaining = size
				c.state = chunkData
			}

		case chunkData:
			avail := int64(len(raw) - c.pos)
			if avail < c.remaining {
				c.pos += int(avail)
				c.remaining -= avail
				return 0, false, nil
			}
			c.pos += int(c.remaining)
			c.remaining = 0
			c.state = chunkDataEnd

		case chunkDataEnd:
			if c.pos < len(raw) && raw[c.pos] != '\r' && raw[c.pos] != '\n' {
				return 0, true, errors.NewMalformedChunkError("missing CRLF after chunk data", c.pos, nil)
			}
			lineEnd, lf, found := findLine(raw, c.pos)
			if !found {
				return 0, false, nil
			}
			if lineEnd != c.pos {
				return 0, true, errors.NewMalformedChunkError("missing CRLF after chunk data", c.pos, nil)
			}
			c.pos = lf + 1
			c.state = chunkSize

		case chunkTrailer:
			lineEnd, lf, found := findLine(raw, c.pos)
			if !found {
				return 0, false, nil
			}
			blank := lineEnd == c.pos
			c.pos = lf + 1
			if blank {
				return c.pos, true, nil
			}
		}
	}
}

// parseChunkSize reads the hex size at the start of a chunk-size line,
// ignoring chunk extensions.
func parseChunkSize(raw []byte, start, end int) (int64, error) {
	s, e := trim(raw, start, end)
	for i := s; i < e; i++ {
		if raw[i] == ';' {
			_, e = trim(raw, s, i)
			break
		}
	}
	if s == e || e-s > constants.MaxChunkSizeHex {
		return 0, errors.NewMalformedChunkError("invalid chunk size line "+quote(raw[start:end]), start, nil)
	}
	var size int64
	for _, c := range raw[s:e] {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, errors.NewMalformedChunkError("invalid chunk size line "+quote(raw[start:end]), start, nil)
		}
		size = size<<4 | int64(d)
	}
	if size < 0 {
		return 0, errors.NewMalformedChunkError("chunk size overflows", start, nil)
	}
	return size, nil
}

func quote(b []byte) string {
	return "\"" + string(b) + "\""
}

// Dechunk returns the concatenated chunk data of a complete chunked body.
// Trailer fields are dropped.
func Dechunk(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	pos := 0
	for {
		lineEnd, lf, found := findLine(body, pos)
		if !found {
			return nil, errors.NewMalformedChunkError("chunked body ends inside a size line", pos, nil)
		}
		size, err := parseChunkSize(body, pos, lineEnd)
		if err != nil {
			return nil, err
		}
		pos = lf + 1
		if size == 0 {
			return out, nil
		}
		if int64(len(body)-pos) < size {
			return nil, errors.NewMalformedChunkError("chunked body ends inside chunk data", pos, nil)
		}
		out = append(out, body[pos:pos+int(size)]...)
		pos += int(size)
		lineEnd, lf, found = findLine(body, pos)
		if !found || lineEnd != pos {
			return nil, errors.NewMalformedChunkError("missing CRLF after chunk data", pos, nil)
		}
		pos = lf + 1
	}
}
