// Package framing locates HTTP/1.x message parts inside a byte region without
// copying them. Every function here is pure: it reads the region it is given
// and reports offsets, so calling it again on the same bytes gives the same
// answer.
package framing

// Span locates a run of bytes inside a frame.
type Span struct {
	Offset int
	Length int
}

// End returns the offset just past the span.
func (s Span) End() int {
	return s.Offset + s.Length
}

// Bytes returns the bytes the span covers, or nil if raw is too short.
func (s Span) Bytes(raw []byte) []byte {
	if s.Offset < 0 || s.End() > len(raw) {
		return nil
	}
	return raw[s.Offset:s.End():s.End()]
}

// Kind tells whether a frame is a request or a response.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// findLine returns the offset of the next '\n' at or after pos and the end of
// the line content (excluding an optional '\r').
func findLine(raw []byte, pos int) (contentEnd, lf int, ok bool) {
	for i := pos; i < len(raw); i++ {
		if raw[i] != '\n' {
			continue
		}
		end := i
		if end > pos && raw[end-1] == '\r' {
			end--
		}
		return end, i, true
	}
	return 0, 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

// trim shrinks [start,end) past surrounding spaces and tabs.
func trim(raw []byte, start, end int) (int, int) {
	for start < end && isSpace(raw[start]) {
		start++
	}
	for end > start && isSpace(raw[end-1]) {
		end--
	}
	return start, end
}
