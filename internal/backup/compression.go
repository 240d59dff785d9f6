package backup

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression names an archive codec.
type Compression string

const (
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
	XZ   Compression = "xz"
)

// ParseCompression validates a configured codec name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case Gzip, Zstd, XZ:
		return c, nil
	case "":
		return Gzip, nil
	default:
		return "", fmt.Errorf("unsupported compression %q", s)
	}
}

// Ext returns the archive file extension including the tar part.
func (c Compression) Ext() string {
	switch c {
	case Zstd:
		return ".tar.zst"
	case XZ:
		return ".tar.xz"
	default:
		return ".tar.gz"
	}
}

// DetectCompression infers the codec from an archive file name.
func DetectCompression(name string) (Compression, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return Gzip, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return Zstd, nil
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return XZ, nil
	default:
		return "", fmt.Errorf("cannot determine compression of %q", name)
	}
}

func newWriter(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case Zstd:
		return zstd.NewWriter(w)
	case XZ:
		return xz.NewWriter(w)
	default:
		return gzip.NewWriter(w), nil
	}
}

func newReader(c Compression, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	default:
		return gzip.NewReader(r)
	}
}
