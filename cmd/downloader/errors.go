package downloader

import (
	"errors"
	"fmt"
)

// Static errors for segmented downloads
var (
	ErrChunkDownload = errors.New("chunk download failed")
	ErrIntegrity     = errors.New("downloaded size mismatch")
	ErrShortChunk    = errors.New("short chunk")
)

// ChunkDownloadError reports a chunk that failed on every attempt.
type ChunkDownloadError struct {
	ChunkIndex uint32
	Start      uint64
	End        uint64
	Attempts   int
	Err        error
}

func (e *ChunkDownloadError) Error() string {
	return fmt.Sprintf("%v: chunk %d [%d,%d) after %d attempts: %v",
		ErrChunkDownload, e.ChunkIndex, e.Start, e.End, e.Attempts, e.Err)
}

func (e *ChunkDownloadError) Unwrap() []error { return []error{ErrChunkDownload, e.Err} }

// IntegrityError reports an assembled payload whose length differs from the
// compressed size recorded in the archive index.
type IntegrityError struct {
	Entry    string
	Expected uint64
	Actual   uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: %s: expected %d bytes, wrote %d", ErrIntegrity, e.Entry, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
