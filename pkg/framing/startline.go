package framing

import (
	"bytes"

	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

// StartLine holds the three parts of a request line (method, target, version)
// or a status line (version, status code, reason phrase).
type StartLine struct {
	Parts      [3]Span
	Version    Version
	StatusCode int
}

// Method returns the span of a request method.
func (l StartLine) Method() Span { return l.Parts[0] }

// Target returns the span of a request target.
func (l StartLine) Target() Span { return l.Parts[1] }

// Status returns the span of a response status code.
func (l StartLine) Status() Span { return l.Parts[1] }

// Reason returns the span of a response reason phrase.
func (l StartLine) Reason() Span { return l.Parts[2] }

// VersionSpan returns the span of the protocol version for either kind.
func (l StartLine) VersionSpan(kind Kind) Span {
	if kind == KindResponse {
		return l.Parts[0]
	}
	return l.Parts[2]
}

// ParseStartLine parses the start line beginning at pos. Empty lines before
// it are skipped. ok is false when the line terminator has not arrived yet;
// next is the offset of the first header byte.
func ParseStartLine(raw []byte, pos int, kind Kind) (line StartLine, next int, ok bool, err error) {
	for pos < len(raw) && (raw[pos] == '\r' || raw[pos] == '\n') {
		pos++
	}
	end, lf, found := findLine(raw, pos)
	if !found {
		return StartLine{}, pos, false, nil
	}

	if kind == KindResponse {
		line, err = parseStatusLine(raw, pos, end)
	} else {
		line, err = parseRequestLine(raw, pos, end)
	}
	if err != nil {
		return StartLine{}, pos, true, err
	}
	return line, lf + 1, true, nil
}

func parseRequestLine(raw []byte, start, end int) (StartLine, error) {
	content := raw[start:end]
	malformed := errors.NewMalformedStartLineError(string(content), start)

	first := bytes.IndexByte(content, ' ')
	if first <= 0 {
		return StartLine{}, malformed
	}
	rest := content[first+1:]
	second := bytes.IndexByte(rest, ' ')
	if second <= 0 {
		return StartLine{}, malformed
	}
	version := rest[second+1:]
	if len(version) == 0 || bytes.IndexByte(version, ' ') >= 0 {
		return StartLine{}, malformed
	}

	v, known := ParseVersion(version)
	if !known {
		return StartLine{}, malformed
	}

	return StartLine{
		Parts: [3]Span{
			{Offset: start, Length: first},
			{Offset: start + first + 1, Length: second},
			{Offset: start + first + 1 + second + 1, Length: len(version)},
		},
		Version: v,
	}, nil
}

func parseStatusLine(raw []byte, start, end int) (StartLine, error) {
	content := raw[start:end]
	malformed := errors.NewMalformedStartLineError(string(content), start)

	first := bytes.IndexByte(content, ' ')
	if first <= 0 {
		return StartLine{}, malformed
	}
	rest := content[first+1:]
	second := bytes.IndexByte(rest, ' ')
	if second < 0 {
		return StartLine{}, malformed
	}

	v, known := ParseVersion(content[:first])
	if !known {
		return StartLine{}, malformed
	}
	code, valid := parseStatusCode(rest[:second])
	if !valid {
		return StartLine{}, malformed
	}

	reasonOffset := start + first + 1 + second + 1
	return StartLine{
		Parts: [3]Span{
			{Offset: start, Length: first},
			{Offset: start + first + 1, Length: second},
			{Offset: reasonOffset, Length: end - reasonOffset},
		},
		Version:    v,
		StatusCode: code,
	}, nil
}

func parseStatusCode(b []byte) (int, bool) {
	if len(b) != 3 {
		return 0, false
	}
	code := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	return code, code >= 100
}
