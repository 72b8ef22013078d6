package formatters

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
)

// CSVFormatter handles CSV format output
type CSVFormatter struct{}

// NewCSVFormatter creates a new CSV formatter
func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

// Format renders rows as CSV with a header line
func (f *CSVFormatter) Format(columns []string, rows []map[string]interface{}) ([]byte, error) {
	var buffer bytes.Buffer
	sw, err := NewCSVStreamingFormatter().NewWriter(&buffer, TableSchema{Columns: columns})
	if err != nil {
		return nil, err
	}
	if err := sw.WriteChunk(rows); err != nil {
		return nil, err
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Extension returns the file extension for CSV files
func (f *CSVFormatter) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for CSV
func (f *CSVFormatter) MIMEType() string {
	return "text/csv"
}

// CSVStreamingFormatter handles CSV format output in streaming mode
type CSVStreamingFormatter struct{}

// NewCSVStreamingFormatter creates a new CSV streaming formatter
func NewCSVStreamingFormatter() *CSVStreamingFormatter {
	return &CSVStreamingFormatter{}
}

// NewWriter creates a new CSV stream writer. Columns keep schema order.
func (f *CSVStreamingFormatter) NewWriter(w io.Writer, schema TableSchema) (StreamWriter, error) {
	csvWriter := csv.NewWriter(w)

	if err := csvWriter.Write(schema.Columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	return &csvStreamWriter{
		writer:  csvWriter,
		columns: schema.Columns,
		record:  make([]string, len(schema.Columns)),
	}, nil
}

// Extension returns the file extension for CSV files
func (f *CSVStreamingFormatter) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for CSV
func (f *CSVStreamingFormatter) MIMEType() string {
	return "text/csv"
}

// csvStreamWriter implements StreamWriter for CSV format. NULL is written
// as an empty field.
type csvStreamWriter struct {
	writer  *csv.Writer
	columns []string
	record  []string
}

// WriteChunk writes a chunk of rows in CSV format
func (w *csvStreamWriter) WriteChunk(rows []map[string]interface{}) error {
	for _, row := range rows {
		for i, col := range w.columns {
			val := row[col]
			if val == nil {
				w.record[i] = ""
			} else {
				w.record[i] = fmt.Sprintf("%v", val)
			}
		}

		if err := w.writer.Write(w.record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	return nil
}

// Close finalizes the CSV output by flushing the writer
func (w *csvStreamWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
