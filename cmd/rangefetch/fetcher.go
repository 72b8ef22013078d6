// Package rangefetch issues byte-range HTTP reads against a single remote object.
//
// Every call goes to the network; there is no caching at this layer. A Fetcher
// is safe for concurrent use by multiple goroutines reading independent ranges.
package rangefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 2 * time.Minute
	defaultUserAgent      = "ziptable"
)

// Source is the read side of a remote archive as seen by the parser,
// the locator and the downloader.
type Source interface {
	// ProbeSize returns the total object length in bytes.
	ProbeSize(ctx context.Context) (uint64, error)
	// ReadRange returns exactly the bytes in [start, end).
	ReadRange(ctx context.Context, start, end uint64) ([]byte, error)
}

// Options configures a Fetcher
type Options struct {
	// Client is the HTTP client used for every request. Defaults to a client
	// without an overall timeout; per-request timeouts come from RequestTimeout.
	Client *http.Client
	// RequestTimeout bounds a single HEAD or GET, body included.
	RequestTimeout time.Duration
	// UserAgent is sent with every request.
	UserAgent string
}

// Fetcher reads byte ranges of one fixed URL.
type Fetcher struct {
	url       string
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// New creates a Fetcher bound to url
func New(url string, opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Fetcher{
		url:       url,
		client:    client,
		timeout:   timeout,
		userAgent: ua,
	}
}

// URL returns the remote object URL
func (f *Fetcher) URL() string {
	return f.url
}

// ProbeSize issues a HEAD request and returns the reported Content-Length.
// Servers that omit the length on HEAD are asked for the first byte and the
// total is taken from the Content-Range header instead.
func (f *Fetcher) ProbeSize(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := f.newRequest(ctx, http.MethodHead)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &TransportError{URL: f.url, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &TransportError{URL: f.url, Status: resp.StatusCode, Err: fmt.Errorf("HEAD %s", resp.Status)}
	}
	if resp.ContentLength >= 0 {
		return uint64(resp.ContentLength), nil
	}

	return f.probeWithRange(ctx)
}

func (f *Fetcher) probeWithRange(ctx context.Context) (uint64, error) {
	req, err := f.newRequest(ctx, http.MethodGet)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &TransportError{URL: f.url, End: 1, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	if resp.StatusCode != http.StatusPartialContent {
		return 0, &TransportError{URL: f.url, End: 1, Status: resp.StatusCode, Err: ErrContentLengthUnset}
	}

	total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if !ok {
		return 0, &TransportError{URL: f.url, End: 1, Status: resp.StatusCode, Err: ErrContentLengthUnset}
	}
	return total, nil
}

// ReadRange returns the bytes in [start, end). A zero-length range returns an
// empty slice without touching the network.
func (f *Fetcher) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("%w: [%d,%d)", ErrInvalidRange, start, end)
	}
	if end == start {
		return []byte{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := f.newRequest(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: f.url, Start: start, End: end, Err: err}
	}
	defer resp.Body.Close()

	want := end - start
	switch resp.StatusCode {
	case http.StatusPartialContent:
		header := resp.Header.Get("Content-Range")
		if first, last, ok := parseContentRange(header); !ok || first != start || last != end-1 {
			return nil, &TransportError{
				URL:    f.url,
				Start:  start,
				End:    end,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("%w: got %q", ErrContentRange, header),
			}
		}
	case http.StatusOK:
		// A full response is only acceptable when it is exactly what we asked for.
		if start != 0 || resp.ContentLength != int64(want) {
			return nil, &RangeNotSupportedError{URL: f.url, Start: start, End: end, ContentLength: resp.ContentLength}
		}
	default:
		return nil, &TransportError{URL: f.url, Start: start, End: end, Status: resp.StatusCode, Err: fmt.Errorf("GET %s", resp.Status)}
	}

	buf := make([]byte, want)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil {
		return nil, &TransportError{
			URL:    f.url,
			Start:  start,
			End:    end,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("short body: got %d of %d bytes: %w", n, want, err),
		}
	}
	return buf, nil
}

func (f *Fetcher) newRequest(ctx context.Context, method string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.url, nil)
	if err != nil {
		return nil, &TransportError{URL: f.url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	// Transparent gzip would break byte offsets.
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

// parseContentRange extracts the first and last byte positions from a
// header such as "bytes 100-199/1234".
func parseContentRange(header string) (uint64, uint64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, false
	}
	span, _, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, false
	}
	first, err := strconv.ParseUint(from, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	last, err := strconv.ParseUint(to, 10, 64)
	if err != nil || last < first {
		return 0, 0, false
	}
	return first, last, true
}

// parseContentRangeTotal extracts the complete length from a header such as
// "bytes 0-0/1234". An unknown length ("*") is reported as not ok.
func parseContentRangeTotal(header string) (uint64, bool) {
	if !strings.HasPrefix(header, "bytes ") {
		return 0, false
	}
	slash := strings.LastIndexByte(header, '/')
	if slash < 0 || slash == len(header)-1 {
		return 0, false
	}
	total, err := strconv.ParseUint(header[slash+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
