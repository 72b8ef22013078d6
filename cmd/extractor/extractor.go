// Package extractor turns a downloaded member payload into a columnar
// artifact: rows are decoded, projected, filtered, staged in an embedded
// SQLite database for ordering and deduplication, and streamed to the output
// writer.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/airframesio/ziptable/cmd/compressors"
	"github.com/airframesio/ziptable/cmd/formatters"
)

// Result describes a written artifact
type Result struct {
	OutputPath string
	// RowCount is the number of rows written.
	RowCount uint64
	// InputRows counts every data row read, skipped ones included.
	InputRows    uint64
	SkippedRows  uint64
	FilteredRows uint64
	Duration     time.Duration
}

// Extract reads the payload at inputPath and writes the artifact to
// outputPath. The artifact appears only after it is complete.
func Extract(ctx context.Context, inputPath, outputPath string, spec Spec) (*Result, error) {
	return New(nil).Extract(ctx, inputPath, outputPath, spec)
}

// Extractor runs extractions with a logger attached.
type Extractor struct {
	logger *slog.Logger
}

// New creates an Extractor; a nil logger discards output.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Extractor{logger: logger}
}

// Extract is the logging variant of the package-level Extract.
func (x *Extractor) Extract(ctx context.Context, inputPath, outputPath string, spec Spec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	eng, closeStage, err := openStage(ctx, filepath.Dir(outputPath))
	if err != nil {
		return nil, err
	}
	defer closeStage()

	return x.run(ctx, eng, inputPath, outputPath, &spec)
}

func (x *Extractor) run(ctx context.Context, eng *engine, inputPath, outputPath string, spec *Spec) (*Result, error) {
	started := time.Now()
	result := &Result{OutputPath: outputPath}

	if err := x.stage(ctx, eng, inputPath, spec, result); err != nil {
		return nil, err
	}

	if err := x.write(ctx, eng, outputPath, spec, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	x.logger.Debug("extraction complete",
		"output", outputPath,
		"rows", result.RowCount,
		"input_rows", result.InputRows,
		"skipped", result.SkippedRows,
		"filtered", result.FilteredRows,
		"duration", result.Duration)
	return result, nil
}

// stage decodes the input and loads the projected rows into the engine.
func (x *Extractor) stage(ctx context.Context, eng *engine, inputPath string, spec *Spec, result *Result) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	payload, err := compressors.PayloadReader(spec.Method, f)
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	defer payload.Close()

	reader := formatters.NewDelimitedReader(payload, formatters.DelimitedOptions{
		Delimiter:   spec.Delimiter,
		NullToken:   spec.NullToken,
		ColumnCount: spec.ColumnCount,
		CSVQuoting:  spec.CSVQuoting,
	})

	if err := eng.create(ctx, len(spec.Columns)); err != nil {
		return err
	}

	width := spec.width()
	batch := make([][]any, 0, spec.batchSize())
	var narrow uint64
	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		if len(row) < width {
			narrow++
			continue
		}

		projected := make([]any, len(spec.Columns))
		for i, c := range spec.Columns {
			projected[i] = row[c.Index]
		}
		if !spec.Filter.Keep(projected) {
			result.FilteredRows++
			continue
		}

		batch = append(batch, projected)
		if len(batch) == cap(batch) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := eng.insert(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := eng.insert(ctx, batch); err != nil {
		return err
	}

	result.InputRows = reader.Rows()
	result.SkippedRows = reader.Skipped() + narrow
	if result.SkippedRows > 0 {
		x.logger.Debug("skipped malformed rows", "count", result.SkippedRows, "input", inputPath)
	}
	return nil
}

// write streams staged rows to <outputPath>.tmp and renames it into place.
func (x *Extractor) write(ctx context.Context, eng *engine, outputPath string, spec *Spec, result *Result) (err error) {
	sf, err := formatters.GetStreamingFormatter(spec.Format, spec.Compression)
	if err != nil {
		return err
	}

	tmp := outputPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	sw, err := sf.NewWriter(f, formatters.TableSchema{Name: spec.Table, Columns: spec.columnNames()})
	if err != nil {
		return fmt.Errorf("failed to create writer: %w", err)
	}

	count, err := eng.scan(ctx, spec.Dedupe, spec.columnNames(), spec.batchSize(), func(rows []map[string]interface{}) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sw.WriteChunk(rows)
	})
	if err != nil {
		sw.Close()
		return err
	}
	if err = sw.Close(); err != nil {
		return fmt.Errorf("failed to finish output: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err = os.Rename(tmp, outputPath); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}

	result.RowCount = count
	return nil
}
