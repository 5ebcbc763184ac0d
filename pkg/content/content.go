// Package content removes Content-Encoding from message bodies.
package content

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/WhileEndless/go-rawframe/pkg/constants"
	"github.com/WhileEndless/go-rawframe/pkg/errors"
	"github.com/WhileEndless/go-rawframe/pkg/message"
)

// Decode returns body with the codings listed in contentEncoding removed, in
// reverse order of application. An empty or "identity" coding returns body
// unchanged. The decoded size is capped at constants.MaxRawBufferSize.
func Decode(body []byte, contentEncoding string) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		if coding == "" || coding == "identity" {
			continue
		}
		var err error
		out, err = decodeOne(out, coding)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeOne(body []byte, coding string) ([]byte, error) {
	var r io.Reader
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.NewIOError("opening gzip body", err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.NewIOError("opening deflate body", err)
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.NewIOError("opening zstd body", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, errors.NewValidationError("unsupported content encoding " + coding)
	}

	limit := int64(constants.MaxRawBufferSize)
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.NewIOError("decoding "+coding+" body", err)
	}
	if int64(len(out)) > limit {
		return nil, errors.NewBufferOverflowError(len(out), int(limit))
	}
	return out, nil
}

// Body returns the payload of m with transfer and content codings removed.
func Body(m *message.Message) ([]byte, error) {
	body, err := m.DecodedBody()
	if err != nil {
		return nil, err
	}
	return Decode(body, strings.Join(m.Headers().Values(constants.HeaderContentEncoding), ","))
}
