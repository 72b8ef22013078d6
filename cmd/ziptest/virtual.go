package ziptest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"
)

type part struct {
	offset uint64
	size   uint64
	data   []byte
	gen    Generator
	// genBase is the payload offset of this part's first byte.
	genBase uint64
}

// Archive is an in-memory archive layout that serves range reads. It
// satisfies the range source interface used by the parser and downloader.
type Archive struct {
	parts []part
	size  uint64
}

// FromBytes serves raw bytes, well-formed or not.
func FromBytes(data []byte) *Archive {
	a := &Archive{}
	a.addBytes(data)
	return a
}

func (a *Archive) addBytes(data []byte) {
	a.parts = append(a.parts, part{offset: a.size, size: uint64(len(data)), data: data})
	a.size += uint64(len(data))
}

func (a *Archive) addGenerated(size uint64, gen Generator) {
	a.parts = append(a.parts, part{offset: a.size, size: size, gen: gen})
	a.size += size
}

// Size returns the archive length in bytes.
func (a *Archive) Size() uint64 {
	return a.size
}

// ProbeSize returns the archive length.
func (a *Archive) ProbeSize(ctx context.Context) (uint64, error) {
	return a.size, ctx.Err()
}

// ReadRange returns a copy of [start, end).
func (a *Archive) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if end < start || end > a.size {
		return nil, fmt.Errorf("range [%d,%d) outside archive of %d bytes", start, end, a.size)
	}
	out := make([]byte, end-start)
	a.fill(start, out)
	return out, nil
}

func (a *Archive) fill(start uint64, out []byte) {
	i := sort.Search(len(a.parts), func(i int) bool {
		return a.parts[i].offset+a.parts[i].size > start
	})
	pos := start
	for len(out) > 0 && i < len(a.parts) {
		p := a.parts[i]
		rel := pos - p.offset
		n := min(uint64(len(out)), p.size-rel)
		if p.gen != nil {
			p.gen(p.genBase+rel, out[:n])
		} else {
			copy(out[:n], p.data[rel:rel+n])
		}
		out = out[n:]
		pos += n
		i++
	}
}

// Pattern is a deterministic Generator whose bytes depend only on position.
func Pattern(off uint64, p []byte) {
	word := splitmix(off >> 3)
	for i := range p {
		pos := off + uint64(i)
		if pos&7 == 0 {
			word = splitmix(pos >> 3)
		}
		p[i] = byte(word >> ((pos & 7) * 8))
	}
}

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// NewServer serves data over HTTP with range support.
func NewServer(t testing.TB, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Source mirrors the range source interface so this package stays free of
// production imports.
type Source interface {
	ProbeSize(ctx context.Context) (uint64, error)
	ReadRange(ctx context.Context, start, end uint64) ([]byte, error)
}

// ErrInjected is returned by Flaky for scheduled failures.
var ErrInjected = errors.New("injected failure")

// Flaky wraps a Source and fails the first FailFirst reads of every range
// start offset at or beyond FailFrom. Fail, when set, replaces that schedule.
// Delay, when set, is slept before each read.
type Flaky struct {
	Source    Source
	FailFirst int
	FailFrom  uint64
	Fail      func(start uint64, attempt int) bool
	Delay     func(start uint64) time.Duration
	// Err overrides ErrInjected as the failure value.
	Err error

	mu       sync.Mutex
	attempts map[uint64]int
	reads    int
}

// ProbeSize delegates to the wrapped source.
func (f *Flaky) ProbeSize(ctx context.Context) (uint64, error) {
	return f.Source.ProbeSize(ctx)
}

// ReadRange fails or delegates according to the schedule.
func (f *Flaky) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[uint64]int)
	}
	f.attempts[start]++
	n := f.attempts[start]
	f.reads++
	f.mu.Unlock()

	if f.Delay != nil {
		select {
		case <-time.After(f.Delay(start)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fail := start >= f.FailFrom && n <= f.FailFirst
	if f.Fail != nil {
		fail = f.Fail(start, n)
	}
	if fail {
		if f.Err != nil {
			return nil, f.Err
		}
		return nil, fmt.Errorf("%w: read %d of range at %d", ErrInjected, n, start)
	}
	return f.Source.ReadRange(ctx, start, end)
}

// Attempts returns how many reads started at offset start.
func (f *Flaky) Attempts(start uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[start]
}

// Reads returns the total number of ReadRange calls.
func (f *Flaky) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}
