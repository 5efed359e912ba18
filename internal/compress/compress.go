package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// In-process codec kinds.
const (
	CodecGzip = "gzip"
	CodecZstd = "zstd"
)

// WrapWriter returns a compressing writer for an in-process codec.
func WrapWriter(kind string, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case CodecGzip:
		return pgzip.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", kind)
	}
}

// WrapReader returns a decompressing reader for an in-process codec.
func WrapReader(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case CodecGzip:
		return pgzip.NewReader(r)
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", kind)
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
