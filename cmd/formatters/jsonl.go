package formatters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// JSONLFormatter handles JSONL (JSON Lines) format output
type JSONLFormatter struct{}

// NewJSONLFormatter creates a new JSONL formatter
func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

// Format converts rows to JSONL format (one JSON object per line)
func (f *JSONLFormatter) Format(_ []string, rows []map[string]interface{}) ([]byte, error) {
	var buffer bytes.Buffer
	sw := &jsonlStreamWriter{encoder: json.NewEncoder(&buffer)}
	if err := sw.WriteChunk(rows); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Extension returns the file extension for JSONL files
func (f *JSONLFormatter) Extension() string {
	return ".jsonl"
}

// MIMEType returns the MIME type for JSONL
func (f *JSONLFormatter) MIMEType() string {
	return "application/x-ndjson"
}

// JSONLStreamingFormatter handles JSONL format output in streaming mode
type JSONLStreamingFormatter struct{}

// NewJSONLStreamingFormatter creates a new JSONL streaming formatter
func NewJSONLStreamingFormatter() *JSONLStreamingFormatter {
	return &JSONLStreamingFormatter{}
}

// NewWriter creates a new JSONL stream writer
func (f *JSONLStreamingFormatter) NewWriter(w io.Writer, _ TableSchema) (StreamWriter, error) {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return &jsonlStreamWriter{encoder: encoder}, nil
}

// Extension returns the file extension for JSONL files
func (f *JSONLStreamingFormatter) Extension() string {
	return ".jsonl"
}

// MIMEType returns the MIME type for JSONL
func (f *JSONLStreamingFormatter) MIMEType() string {
	return "application/x-ndjson"
}

// jsonlStreamWriter implements StreamWriter for JSONL format
type jsonlStreamWriter struct {
	encoder *json.Encoder
}

// WriteChunk writes a chunk of rows in JSONL format
func (w *jsonlStreamWriter) WriteChunk(rows []map[string]interface{}) error {
	for _, row := range rows {
		// Encode appends the newline
		if err := w.encoder.Encode(row); err != nil {
			return fmt.Errorf("failed to write JSON line: %w", err)
		}
	}
	return nil
}

// Close finalizes the JSONL output (no-op for JSONL)
func (w *jsonlStreamWriter) Close() error {
	return nil
}
