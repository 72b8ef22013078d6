package formatters

import (
	"fmt"
	"io"
	"os"

	"github.com/airframesio/ziptable/cmd/compressors"
)

// OpenArtifact opens an output artifact for reading, choosing the reader from
// the file name and undoing any outer stream compression.
func OpenArtifact(path string) (ArtifactReader, error) {
	format := FormatForPath(path)
	if format == FormatParquet {
		return OpenParquetFile(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	rc, err := compressors.ForPath(path).NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	body := &stackedCloser{ReadCloser: rc, file: f}

	if format == FormatCSV {
		return NewCSVReaderWithCloser(body), nil
	}
	return NewJSONLReaderWithCloser(body), nil
}

type stackedCloser struct {
	io.ReadCloser
	file *os.File
}

func (s *stackedCloser) Close() error {
	err := s.ReadCloser.Close()
	if ferr := s.file.Close(); err == nil {
		err = ferr
	}
	return err
}
