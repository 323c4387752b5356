package admin

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how rotated segments are encoded before staging.
type Compression string

const (
	// CompressionNone stages the segment as written.
	CompressionNone Compression = "none"
	// CompressionZstd is the default: log lines compress well with zstd.
	CompressionZstd Compression = "zstd"
	// CompressionLZ4 trades ratio for speed.
	CompressionLZ4 Compression = "lz4"
)

// ParseCompression accepts "none", "zstd" and "lz4". The empty string
// selects zstd.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "":
		return CompressionZstd, nil
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("admin: unknown compression %q", name)
	}
}

// Ext returns the suffix appended to backup object names.
func (c Compression) Ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// compress streams src into dst using a framed encoder.
func (c Compression) compress(dst io.Writer, src io.Reader) error {
	var enc io.WriteCloser
	switch c {
	case CompressionZstd:
		zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		enc = zw
	case CompressionLZ4:
		enc = lz4.NewWriter(dst)
	default:
		_, err := io.Copy(dst, src)
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("%s: %w", c, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%s: %w", c, err)
	}
	return nil
}

// Decompress wraps r so it yields the original segment bytes of an object
// written with compression c.
func Decompress(c Compression, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("admin.Decompress: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("admin.Decompress: unknown compression %q", c)
	}
}

// CompressionForObject infers the compression of a backup object from its
// name suffix.
func CompressionForObject(name string) Compression {
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		if strings.HasSuffix(name, c.Ext()) {
			return c
		}
	}
	return CompressionNone
}
