package compress

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Kind names an archive compression codec.
type Kind string

const (
	None Kind = "none"
	Gzip Kind = "gzip"
	Zstd Kind = "zstd"
)

// ParseKind normalises a configured codec name. Empty means None.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", None:
		return None, nil
	case Gzip, Zstd:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported compression: %s", s)
	}
}

// Extension is the file suffix appended to archive keys, including the dot.
func (k Kind) Extension() string {
	switch k {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}

// KindFromKey guesses the codec from an archive key suffix.
func KindFromKey(key string) Kind {
	trimmed := strings.TrimSuffix(key, ".enc")
	switch {
	case strings.HasSuffix(trimmed, ".zst"):
		return Zstd
	case strings.HasSuffix(trimmed, ".gz"):
		return Gzip
	default:
		return None
	}
}

func WrapWriter(kind Kind, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case "", None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

func WrapReader(kind Kind, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case "", None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		dec, err := zstd.NewReader(r)
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
