package compressors

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedMethod is returned for ZIP compression methods we cannot decode
var ErrUnsupportedMethod = errors.New("unsupported zip compression method")

// ZIP compression method identifiers
const (
	zipMethodStore   uint16 = 0
	zipMethodDeflate uint16 = 8
	zipMethodZstd    uint16 = 93
)

var gzipMagic = []byte{0x1f, 0x8b}

// MethodReader undoes the archive-level compression of a member payload.
func MethodReader(method uint16, r io.Reader) (io.ReadCloser, error) {
	switch method {
	case zipMethodStore:
		return io.NopCloser(r), nil
	case zipMethodDeflate:
		return flate.NewReader(r), nil
	case zipMethodZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return decoder.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMethod, method)
	}
}

// SniffGzip inspects the first bytes of r and unwraps a gzip stream when the
// magic number is present. Anything else is passed through unchanged.
func SniffGzip(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to peek payload: %w", err)
	}
	if !bytes.Equal(head, gzipMagic) {
		return io.NopCloser(br), nil
	}
	reader, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return reader, nil
}

// PayloadReader decodes a member payload: the ZIP method first, then an
// inner gzip layer if one is found.
func PayloadReader(method uint16, r io.Reader) (io.ReadCloser, error) {
	outer, err := MethodReader(method, r)
	if err != nil {
		return nil, err
	}
	inner, err := SniffGzip(outer)
	if err != nil {
		outer.Close()
		return nil, err
	}
	return &chainedCloser{Reader: inner, closers: []io.Closer{inner, outer}}, nil
}

type chainedCloser struct {
	io.Reader
	closers []io.Closer
}

func (c *chainedCloser) Close() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodePrefix decodes as much of a truncated payload prefix as possible.
// Decoder errors caused by the truncation are ignored; whatever was
// produced before them is returned, capped at limit bytes.
func DecodePrefix(method uint16, prefix []byte, limit int) ([]byte, error) {
	rc, err := PayloadReader(method, bytes.NewReader(prefix))
	if err != nil {
		if errors.Is(err, ErrUnsupportedMethod) {
			return nil, err
		}
		// A prefix too short for a gzip header decodes to nothing.
		return nil, nil
	}
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, int64(limit)))
	if err != nil && len(out) == 0 && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to decode payload prefix: %w", err)
	}
	return out, nil
}
