package ziparchive

import (
	"errors"
	"fmt"
)

// ErrMalformedArchive is matched by every structural parse failure.
var ErrMalformedArchive = errors.New("malformed zip archive")

// FormatError reports which record failed to parse and where it sits in the archive.
type FormatError struct {
	Record string
	Offset uint64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v: %s at offset %d: %s", ErrMalformedArchive, e.Record, e.Offset, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrMalformedArchive }

func malformed(record string, offset uint64, format string, args ...any) error {
	return &FormatError{Record: record, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
