package codec

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/go-zoox/compress/flate"
	"github.com/go-zoox/compress/gzip"
)

// Content codings understood by Decode.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
)

// BinarySniffLen is how many leading bytes IsBinary inspects.
const BinarySniffLen = 512

var (
	// ErrDecode is returned when a body cannot be decompressed.
	ErrDecode = errors.New("decode failure")

	// ErrUnsupportedEncoding is returned for content codings we do not know.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// BinaryMarker stands in for a body that cannot be shown as text.
type BinaryMarker struct {
	Size     int
	Encoding string
	Reason   string
}

func (m *BinaryMarker) String() string {
	if m.Encoding == EncodingIdentity {
		return fmt.Sprintf("[%s: %d bytes]", m.Reason, m.Size)
	}

	return fmt.Sprintf("[%s: %d bytes, %s]", m.Reason, m.Size, m.Encoding)
}

// NormalizeEncoding lower-cases a Content-Encoding value and maps the empty
// value to identity.
func NormalizeEncoding(contentEncoding string) string {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	if enc == "" {
		return EncodingIdentity
	}

	return enc
}

// Decode decompresses body according to contentEncoding and returns it as
// text. It never fails: bodies that cannot be decompressed, or that decode to
// binary data, are described by the returned marker instead.
func Decode(body []byte, contentEncoding string) (string, *BinaryMarker) {
	enc := NormalizeEncoding(contentEncoding)

	decoded, err := Decompress(body, enc)
	if err != nil {
		reason := "compressed data"
		if errors.Is(err, ErrUnsupportedEncoding) {
			reason = "unsupported encoding"
		}
		return "", &BinaryMarker{Size: len(body), Encoding: enc, Reason: reason}
	}

	if IsBinary(decoded) {
		return "", &BinaryMarker{Size: len(decoded), Encoding: enc, Reason: "binary data"}
	}

	return string(decoded), nil
}

// Decompress undoes a single content coding.
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	switch enc := NormalizeEncoding(contentEncoding); enc {
	case EncodingIdentity:
		return body, nil
	case EncodingGzip:
		b, err := gzip.New().Decompress(body)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrDecode, err)
		}
		return b, nil
	case EncodingDeflate:
		// Servers disagree on whether deflate means raw DEFLATE or zlib.
		if b, err := flate.New().Decompress(body); err == nil {
			return b, nil
		}
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %v", ErrDecode, err)
		}
		defer zr.Close()
		b, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %v", ErrDecode, err)
		}
		return b, nil
	case EncodingBrotli:
		b, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: br: %v", ErrDecode, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// Compress applies a single content coding.
func Compress(body []byte, contentEncoding string) ([]byte, error) {
	switch enc := NormalizeEncoding(contentEncoding); enc {
	case EncodingIdentity:
		return body, nil
	case EncodingGzip:
		return gzip.New().Compress(body), nil
	case EncodingDeflate:
		return flate.New().Compress(body), nil
	case EncodingBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// IsBinary reports whether b has a null byte within its first BinarySniffLen
// bytes.
func IsBinary(b []byte) bool {
	if len(b) > BinarySniffLen {
		b = b[:BinarySniffLen]
	}

	return bytes.IndexByte(b, 0) >= 0
}
