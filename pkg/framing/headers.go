package framing

import (
	"bytes"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-rawframe/pkg/errors"
)

// HeaderLine locates one "name: value" line. Value excludes surrounding
// whitespace and the line terminator.
type HeaderLine struct {
	Line  Span
	Name  Span
	Value Span
}

// ParseHeaders parses header lines starting at pos through the empty line that
// ends the block. terminator covers that empty line, so the body starts at
// terminator.End(). ok is false while the empty line has not arrived; no
// partial result is kept in that case.
func ParseHeaders(raw []byte, pos int) (headers []HeaderLine, terminator Span, ok bool, err error) {
	for {
		end, lf, found := findLine(raw, pos)
		if !found {
			return nil, Span{}, false, nil
		}
		if end == pos {
			return headers, Span{Offset: pos, Length: lf + 1 - pos}, true, nil
		}

		h, err := parseHeaderLine(raw, pos, end)
		if err != nil {
			return nil, Span{}, true, err
		}
		h.Line = Span{Offset: pos, Length: lf + 1 - pos}
		headers = append(headers, h)
		pos = lf + 1
	}
}

func parseHeaderLine(raw []byte, start, end int) (HeaderLine, error) {
	content := raw[start:end]
	colon := bytes.IndexByte(content, ':')
	if colon <= 0 || !httpguts.ValidHeaderFieldName(string(content[:colon])) {
		return HeaderLine{}, errors.NewMalformedHeaderLineError(string(content), start)
	}
	vs, ve := trim(raw, start+colon+1, end)
	return HeaderLine{
		Name:  Span{Offset: start, Length: colon},
		Value: Span{Offset: vs, Length: ve - vs},
	}, nil
}

// Lookup returns the value spans of every header named name, compared
// case-insensitively, in wire order.
func Lookup(raw []byte, headers []HeaderLine, name string) []Span {
	var values []Span
	for _, h := range headers {
		if bytes.EqualFold(h.Name.Bytes(raw), []byte(name)) {
			values = append(values, h.Value)
		}
	}
	return values
}
