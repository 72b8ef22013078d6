package formatters

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// ParquetReader reads rows back from a Parquet artifact
type ParquetReader struct {
	file    *parquet.File
	closer  io.Closer
	columns []string

	groups []parquet.RowGroup
	group  int
	rows   parquet.Rows
	batch  []parquet.Row
}

// OpenParquetFile opens a Parquet artifact on disk
func OpenParquetFile(path string) (*ParquetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}
	r, err := NewParquetReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewParquetReader reads a Parquet file through r
func NewParquetReader(r io.ReaderAt, size int64) (*ParquetReader, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	// Use the last path component as the column name
	paths := file.Schema().Columns()
	columns := make([]string, len(paths))
	for i, path := range paths {
		if len(path) > 0 {
			columns[i] = path[len(path)-1]
		}
	}

	return &ParquetReader{
		file:    file,
		columns: columns,
		groups:  file.RowGroups(),
	}, nil
}

// Columns returns the leaf column names in file order
func (r *ParquetReader) Columns() []string {
	return r.columns
}

// NumRows returns the row count recorded in the footer
func (r *ParquetReader) NumRows() int64 {
	return r.file.NumRows()
}

// ReadChunk returns up to chunkSize rows; an empty result means the file is exhausted
func (r *ParquetReader) ReadChunk(chunkSize int) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for len(out) < chunkSize {
		if r.rows == nil {
			if r.group >= len(r.groups) {
				break
			}
			r.rows = r.groups[r.group].Rows()
			r.group++
		}

		want := min(chunkSize-len(out), 1024)
		if cap(r.batch) < want {
			r.batch = make([]parquet.Row, want)
		}
		n, err := r.rows.ReadRows(r.batch[:want])
		for _, row := range r.batch[:n] {
			out = append(out, r.convert(row))
		}
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			r.rows.Close()
			r.rows = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}
	return out, nil
}

func (r *ParquetReader) convert(parquetRow parquet.Row) map[string]interface{} {
	row := make(map[string]interface{}, len(r.columns))
	for _, val := range parquetRow {
		i := val.Column()
		if i < 0 || i >= len(r.columns) {
			continue
		}
		name := r.columns[i]
		if val.IsNull() {
			row[name] = nil
			continue
		}
		switch val.Kind() {
		case parquet.Boolean:
			row[name] = val.Boolean()
		case parquet.Int32:
			row[name] = val.Int32()
		case parquet.Int64:
			row[name] = val.Int64()
		case parquet.Float:
			row[name] = val.Float()
		case parquet.Double:
			row[name] = val.Double()
		default:
			row[name] = string(val.ByteArray())
		}
	}
	return row
}

// Close releases the row reader and the underlying file
func (r *ParquetReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
