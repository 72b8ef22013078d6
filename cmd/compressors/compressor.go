// Package compressors provides the block and stream codecs used for cached
// index payloads, row outputs, and decoding archive member payloads.
package compressors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compressor defines the interface for compression handlers
type Compressor interface {
	// Compress compresses the input data
	Compress(data []byte, level int) ([]byte, error)

	// Decompress reverses Compress
	Decompress(data []byte) ([]byte, error)

	// NewWriter wraps w in a streaming compressor
	NewWriter(w io.Writer, level int) io.WriteCloser

	// NewReader wraps r in a streaming decompressor
	NewReader(r io.Reader) (io.ReadCloser, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// DefaultLevel returns the default compression level
	DefaultLevel() int
}

// GetCompressor returns the appropriate compressor based on the compression string
func GetCompressor(compression string) (Compressor, error) {
	switch compression {
	case "zstd":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "none", "":
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}

// ForPath picks a compressor from a file name suffix, falling back to none.
func ForPath(path string) Compressor {
	for _, name := range []string{"zstd", "lz4", "gzip"} {
		c, _ := GetCompressor(name)
		if strings.HasSuffix(path, c.Extension()) {
			return c
		}
	}
	return NewNoneCompressor()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
