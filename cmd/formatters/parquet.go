package formatters

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// rowGroupRows bounds the rows buffered before a row group is flushed.
const rowGroupRows = 128 * 1024

// ParquetStreamingFormatter handles Parquet output in streaming mode
type ParquetStreamingFormatter struct {
	compression string
}

// NewParquetStreamingFormatter creates a Parquet formatter with the given
// column chunk compression. Unknown names fall back to snappy.
func NewParquetStreamingFormatter(compression string) *ParquetStreamingFormatter {
	if compression == "" {
		compression = "snappy"
	}
	return &ParquetStreamingFormatter{
		compression: compression,
	}
}

// compressionOption maps a compression name to a parquet codec
func compressionOption(compression string) parquet.WriterOption {
	switch compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		// Default to Snappy (standard for Parquet)
		return parquet.Compression(&parquet.Snappy)
	}
}

// BuildSchema creates a Parquet schema of optional strings, one per column.
// Raw payload fields carry no type information, so every value stays text.
func BuildSchema(schema TableSchema) *parquet.Schema {
	fields := make(parquet.Group, len(schema.Columns))
	for _, col := range schema.Columns {
		fields[col] = parquet.Optional(parquet.String())
	}
	name := schema.Name
	if name == "" {
		name = "ziptable"
	}
	return parquet.NewSchema(name, fields)
}

// NewWriter creates a new Parquet stream writer
func (f *ParquetStreamingFormatter) NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error) {
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("parquet output needs at least one column")
	}
	writer := parquet.NewGenericWriter[map[string]any](w,
		BuildSchema(schema),
		compressionOption(f.compression),
		parquet.MaxRowsPerRowGroup(rowGroupRows),
	)
	return &parquetStreamWriter{writer: writer}, nil
}

// Extension returns the file extension for Parquet files
func (f *ParquetStreamingFormatter) Extension() string {
	return ".parquet"
}

// MIMEType returns the MIME type for Parquet
func (f *ParquetStreamingFormatter) MIMEType() string {
	return "application/vnd.apache.parquet"
}

// parquetStreamWriter implements StreamWriter for Parquet format
type parquetStreamWriter struct {
	writer *parquet.GenericWriter[map[string]any]
}

// WriteChunk writes a chunk of rows; GenericWriter handles the conversion
func (w *parquetStreamWriter) WriteChunk(rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	if _, err := w.writer.Write(rows); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	return nil
}

// Close flushes the last row group and writes the footer
func (w *parquetStreamWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}
