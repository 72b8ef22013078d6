package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// maxJSONLine bounds a single JSONL record
const maxJSONLine = 16 << 20

// JSONLReader reads JSONL format (one JSON object per line)
type JSONLReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	columns []string
}

// NewJSONLReader creates a new JSONL reader
func NewJSONLReader(r io.Reader) *JSONLReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLine)
	return &JSONLReader{scanner: scanner}
}

// NewJSONLReaderWithCloser creates a new JSONL reader with a closable reader
func NewJSONLReaderWithCloser(r io.ReadCloser) *JSONLReader {
	j := NewJSONLReader(r)
	j.closer = r
	return j
}

// Columns returns the sorted keys seen in the first record read so far
func (r *JSONLReader) Columns() []string {
	return r.columns
}

// ReadChunk reads a chunk of rows from the JSONL stream
func (r *JSONLReader) ReadChunk(chunkSize int) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}

	for len(rows) < chunkSize && r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue // Skip empty lines
		}

		var row map[string]interface{}
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
		if r.columns == nil {
			for k := range row {
				r.columns = append(r.columns, k)
			}
			sort.Strings(r.columns)
		}

		rows = append(rows, row)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}

	return rows, nil
}

// Close closes the underlying reader if it's closable
func (r *JSONLReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
