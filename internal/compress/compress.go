// Package compress wraps database dump streams in gzip or zstd.
package compress

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	TypeNone = "none"
	TypeGzip = "gzip"
	TypeZstd = "zstd"
)

// Suffix is the filename extension segment for kind, without a leading dot.
func Suffix(kind string) string {
	switch kind {
	case TypeGzip:
		return "gz"
	case TypeZstd:
		return "zst"
	default:
		return ""
	}
}

// FromExt infers the compression of an artifact from its extension, e.g. "sql.zst".
func FromExt(ext string) string {
	switch {
	case strings.HasSuffix(ext, ".gz") || ext == "gz":
		return TypeGzip
	case strings.HasSuffix(ext, ".zst") || ext == "zst":
		return TypeZstd
	default:
		return TypeNone
	}
}

// WrapWriter compresses into w. Close flushes the trailer but leaves w open.
func WrapWriter(kind string, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case "", TypeNone:
		return nopWriteCloser{w}, nil
	case TypeGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case TypeZstd:
		// SQL text compresses well at the default level; more work buys little.
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(2))
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

// WrapReader decompresses r according to kind.
func WrapReader(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case "", TypeNone:
		return io.NopCloser(r), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
