package formatters

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// CSVReader reads CSV artifacts written by CSVStreamingFormatter. The first
// record is the header; empty fields read back as nil.
type CSVReader struct {
	reader   *csv.Reader
	closer   io.Closer
	headers  []string
	readOnce bool
}

// NewCSVReader creates a new CSV reader
func NewCSVReader(r io.Reader) *CSVReader {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	return &CSVReader{reader: reader}
}

// NewCSVReaderWithCloser creates a new CSV reader with a closable reader
func NewCSVReaderWithCloser(r io.ReadCloser) *CSVReader {
	c := NewCSVReader(r)
	c.closer = r
	return c
}

// readHeaders reads the header row if not already read
func (r *CSVReader) readHeaders() error {
	if r.readOnce {
		return nil
	}

	headers, err := r.reader.Read()
	if errors.Is(err, io.EOF) {
		r.readOnce = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	r.headers = append([]string(nil), headers...)
	r.readOnce = true
	return nil
}

// Columns returns the header names, reading the header if needed
func (r *CSVReader) Columns() []string {
	_ = r.readHeaders()
	return r.headers
}

// ReadChunk reads a chunk of rows from the CSV stream
func (r *CSVReader) ReadChunk(chunkSize int) ([]map[string]interface{}, error) {
	if err := r.readHeaders(); err != nil {
		return nil, err
	}

	var rows []map[string]interface{}

	for len(rows) < chunkSize {
		record, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}

		row := make(map[string]interface{}, len(r.headers))
		for i, value := range record {
			if i >= len(r.headers) {
				break // Skip extra columns
			}
			if value == "" {
				row[r.headers[i]] = nil
			} else {
				row[r.headers[i]] = value
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// Close closes the underlying reader if it's closable
func (r *CSVReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
