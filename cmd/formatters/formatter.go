// Package formatters writes extracted rows as Parquet, CSV or JSONL and reads
// those artifacts back. It also holds the positional delimited-text reader
// used on raw table payloads.
package formatters

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/airframesio/ziptable/cmd/compressors"
)

// Format type constants
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
)

// ErrUnsupportedFormat is returned for unknown output formats
var ErrUnsupportedFormat = errors.New("unsupported output format")

// TableSchema names the output table and its columns in output order.
type TableSchema struct {
	Name    string
	Columns []string
}

// StreamWriter receives rows in chunks and finalizes the artifact on Close.
// Values are strings or nil.
type StreamWriter interface {
	WriteChunk(rows []map[string]interface{}) error
	Close() error
}

// StreamingFormatter creates stream writers for one output format
type StreamingFormatter interface {
	NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error)

	// Extension returns the file extension for this format (e.g., ".jsonl", ".csv", ".parquet")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// Formatter renders a batch of rows in one call, used for printing samples
type Formatter interface {
	Format(columns []string, rows []map[string]interface{}) ([]byte, error)
	Extension() string
	MIMEType() string
}

// GetFormatter returns the batch formatter for format
func GetFormatter(format string) (Formatter, error) {
	switch format {
	case FormatJSONL:
		return NewJSONLFormatter(), nil
	case FormatCSV:
		return NewCSVFormatter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// GetStreamingFormatter returns the streaming formatter for format. For
// Parquet the compression is applied to column chunks; for the text formats
// the whole stream is wrapped in the named compressor.
func GetStreamingFormatter(format, compression string) (StreamingFormatter, error) {
	switch format {
	case FormatParquet, "":
		return NewParquetStreamingFormatter(compression), nil
	case FormatCSV, FormatJSONL:
		c, err := compressors.GetCompressor(compression)
		if err != nil {
			return nil, err
		}
		var inner StreamingFormatter = NewJSONLStreamingFormatter()
		if format == FormatCSV {
			inner = NewCSVStreamingFormatter()
		}
		return &compressedFormatter{inner: inner, compressor: c}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// UsesInternalCompression returns true if the format handles compression internally
func UsesInternalCompression(format string) bool {
	return format == FormatParquet || format == ""
}

// compressedFormatter wraps a text format in a stream compressor
type compressedFormatter struct {
	inner      StreamingFormatter
	compressor compressors.Compressor
}

func (f *compressedFormatter) NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error) {
	cw := f.compressor.NewWriter(w, f.compressor.DefaultLevel())
	sw, err := f.inner.NewWriter(cw, schema)
	if err != nil {
		cw.Close()
		return nil, err
	}
	return &compressedStreamWriter{StreamWriter: sw, compressor: cw}, nil
}

func (f *compressedFormatter) Extension() string {
	return f.inner.Extension() + f.compressor.Extension()
}

func (f *compressedFormatter) MIMEType() string {
	return f.inner.MIMEType()
}

type compressedStreamWriter struct {
	StreamWriter
	compressor io.WriteCloser
}

func (w *compressedStreamWriter) Close() error {
	if err := w.StreamWriter.Close(); err != nil {
		w.compressor.Close()
		return err
	}
	return w.compressor.Close()
}

// ArtifactReader reads rows back from a written artifact
type ArtifactReader interface {
	Columns() []string
	ReadChunk(chunkSize int) ([]map[string]interface{}, error)
	Close() error
}

// FormatForPath infers the artifact format from a file name such as
// "out.csv.gz" or "out.parquet".
func FormatForPath(path string) string {
	base := strings.TrimSuffix(path, compressors.ForPath(path).Extension())
	switch {
	case strings.HasSuffix(base, ".csv"):
		return FormatCSV
	case strings.HasSuffix(base, ".jsonl"):
		return FormatJSONL
	default:
		return FormatParquet
	}
}
