package rangefetch

import (
	"errors"
	"fmt"
)

// Static errors for range reads
var (
	ErrTransport          = errors.New("transport error")
	ErrRangeNotSupported  = errors.New("server does not support range requests")
	ErrInvalidRange       = errors.New("invalid byte range")
	ErrContentLengthUnset = errors.New("server did not report a content length")
	ErrContentRange       = errors.New("response Content-Range does not match the requested range")
)

// TransportError describes a failed request against the remote archive.
// Status is zero when no HTTP response was received.
type TransportError struct {
	URL    string
	Start  uint64
	End    uint64
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("range [%d,%d) of %s: HTTP %d: %v", e.Start, e.End, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("range [%d,%d) of %s: %v", e.Start, e.End, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets callers match any transport failure with errors.Is(err, ErrTransport).
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// RangeNotSupportedError is returned when the server answered a range
// request with a full-body 200 response. It is never worth retrying.
type RangeNotSupportedError struct {
	URL           string
	Start         uint64
	End           uint64
	ContentLength int64
}

func (e *RangeNotSupportedError) Error() string {
	return fmt.Sprintf("%v: requested [%d,%d) of %s, got 200 with %d bytes",
		ErrRangeNotSupported, e.Start, e.End, e.URL, e.ContentLength)
}

func (e *RangeNotSupportedError) Unwrap() error { return ErrRangeNotSupported }
