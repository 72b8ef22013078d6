// Package downloader fetches one archive member's compressed payload as a set
// of byte-range chunks, in parallel and with per-chunk retries, and assembles
// them in order into a local file while hashing the stream.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airframesio/ziptable/cmd/rangefetch"
	"github.com/airframesio/ziptable/cmd/ziparchive"
)

const (
	defaultParallelism = 4
	defaultMaxRetries  = 5
	defaultBaseBackoff = 500 * time.Millisecond

	partsSuffix   = ".parts"
	partialSuffix = ".partial"
	manifestName  = "manifest.json"
)

// Options controls a segmented download
type Options struct {
	ChunkSize   uint64
	Parallelism int
	// MaxRetries is the total number of attempts per chunk.
	MaxRetries int
	// BaseBackoff is the sleep after the first failed attempt; it doubles
	// after each further failure.
	BaseBackoff time.Duration
	// Resume reuses complete chunk files left by an earlier attempt and keeps
	// them on failure. Chunk files are only reused when the earlier attempt
	// downloaded the same member of the same archive with the same chunk size.
	Resume bool
	// Origin identifies the archive, typically its URL and total size. It is
	// recorded next to resumable chunk files.
	Origin   string
	Progress func(Progress)
	Logger   *slog.Logger
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Progress is reported after every completed chunk
type Progress struct {
	Entry       string
	ChunksDone  int
	ChunksTotal int
	BytesDone   uint64
	BytesTotal  uint64
	Resumed     int
}

// Result describes a completed download
type Result struct {
	Entry       ziparchive.Entry
	LocalPath   string
	TotalBytes  uint64
	ContentHash string
	Chunks      int
	Resumed     int
	Duration    time.Duration
}

func (o *Options) withDefaults() {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Parallelism <= 0 {
		o.Parallelism = defaultParallelism
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Backoff returns the wait after the given zero-based failed attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// Download writes the compressed payload of entry to destPath. The file only
// appears at destPath once every byte has been fetched and hashed; on failure
// no partial output is left behind.
func Download(ctx context.Context, src rangefetch.Source, entry ziparchive.Entry, destPath string, opts Options) (*Result, error) {
	opts.withDefaults()
	started := time.Now()

	dataStart, err := ziparchive.DataOffset(ctx, src, entry)
	if err != nil {
		return nil, err
	}

	chunks := PlanChunks(entry.CompressedSize, opts.ChunkSize)
	partsDir := destPath + partsSuffix
	m := newManifest(opts.Origin, entry, dataStart, opts.ChunkSize)
	if !opts.Resume || !m.matches(partsDir) {
		if err := os.RemoveAll(partsDir); err != nil {
			return nil, fmt.Errorf("failed to clear chunk directory: %w", err)
		}
	}
	if err := os.MkdirAll(partsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if opts.Resume {
		if err := m.write(partsDir); err != nil {
			return nil, err
		}
	}

	d := &download{
		src:       src,
		entry:     entry,
		dataStart: dataStart,
		partsDir:  partsDir,
		opts:      opts,
		progress: Progress{
			Entry:       entry.Name,
			ChunksTotal: len(chunks),
			BytesTotal:  entry.CompressedSize,
		},
	}

	if err := d.fetchAll(ctx, chunks); err != nil {
		d.cleanup(destPath)
		return nil, err
	}

	total, sum, err := d.assemble(ctx, chunks, destPath)
	if err != nil {
		d.cleanup(destPath)
		return nil, err
	}

	return &Result{
		Entry:       entry,
		LocalPath:   destPath,
		TotalBytes:  total,
		ContentHash: sum,
		Chunks:      len(chunks),
		Resumed:     d.progress.Resumed,
		Duration:    time.Since(started),
	}, nil
}

type download struct {
	src       rangefetch.Source
	entry     ziparchive.Entry
	dataStart uint64
	partsDir  string
	opts      Options

	mu       sync.Mutex
	progress Progress
}

func (d *download) partPath(c Chunk) string {
	return filepath.Join(d.partsDir, strconv.FormatUint(uint64(c.Index), 10)+".part")
}

// fetchAll runs the worker pool. Dispatch stops at the first failure or on
// cancellation; in-flight chunks are waited for before returning.
func (d *download) fetchAll(ctx context.Context, chunks []Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Parallelism)

	for _, c := range chunks {
		if d.opts.Resume && d.havePart(c) {
			d.report(c, true)
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return d.fetchChunk(gctx, c)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("download of %s cancelled: %w", d.entry.Name, ctx.Err())
	}
	return err
}

func (d *download) havePart(c Chunk) bool {
	info, err := os.Stat(d.partPath(c))
	return err == nil && info.Mode().IsRegular() && uint64(info.Size()) == c.Len()
}

func (d *download) fetchChunk(ctx context.Context, c Chunk) error {
	data, err := d.fetchWithRetry(ctx, c)
	if err != nil {
		return err
	}

	// Parts only appear under their final name once fully written.
	final := d.partPath(c)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write chunk %d: %w", c.Index, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit chunk %d: %w", c.Index, err)
	}

	d.report(c, false)
	return nil
}

func (d *download) fetchWithRetry(ctx context.Context, c Chunk) ([]byte, error) {
	start, end := d.dataStart+c.Start, d.dataStart+c.End

	var lastErr error
	for attempt := 0; attempt < d.opts.MaxRetries; attempt++ {
		data, err := d.src.ReadRange(ctx, start, end)
		if err == nil && uint64(len(data)) != c.Len() {
			err = fmt.Errorf("%w: got %d of %d bytes", ErrShortChunk, len(data), c.Len())
		}
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		var rns *rangefetch.RangeNotSupportedError
		if errors.As(err, &rns) {
			return nil, &ChunkDownloadError{ChunkIndex: c.Index, Start: c.Start, End: c.End, Attempts: attempt + 1, Err: err}
		}

		if attempt == d.opts.MaxRetries-1 {
			break
		}
		wait := Backoff(d.opts.BaseBackoff, attempt)
		d.opts.Logger.Debug("retrying chunk",
			"entry", d.entry.Name,
			"chunk", c.Index,
			"attempt", attempt+1,
			"backoff", wait,
			"error", err)
		if err := d.opts.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &ChunkDownloadError{ChunkIndex: c.Index, Start: c.Start, End: c.End, Attempts: d.opts.MaxRetries, Err: lastErr}
}

func (d *download) report(c Chunk, resumed bool) {
	d.mu.Lock()
	d.progress.ChunksDone++
	d.progress.BytesDone += c.Len()
	if resumed {
		d.progress.Resumed++
	}
	snapshot := d.progress
	d.mu.Unlock()

	if d.opts.Progress != nil {
		d.opts.Progress(snapshot)
	}
}

// assemble concatenates the parts in index order into the partial file,
// hashing as it goes, then renames the result into place.
func (d *download) assemble(ctx context.Context, chunks []Chunk, destPath string) (uint64, string, error) {
	partial := destPath + partialSuffix
	out, err := os.Create(partial)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	w := io.MultiWriter(out, hasher)

	var total uint64
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return 0, "", fmt.Errorf("download of %s cancelled: %w", d.entry.Name, err)
		}
		n, err := appendPart(w, d.partPath(c))
		if err != nil {
			return 0, "", fmt.Errorf("failed to append chunk %d: %w", c.Index, err)
		}
		total += n
	}

	if total != d.entry.CompressedSize {
		return 0, "", &IntegrityError{Entry: d.entry.Name, Expected: d.entry.CompressedSize, Actual: total}
	}
	if err := out.Sync(); err != nil {
		return 0, "", fmt.Errorf("failed to sync output: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(partial, destPath); err != nil {
		return 0, "", fmt.Errorf("failed to move output into place: %w", err)
	}
	os.RemoveAll(d.partsDir)

	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}

func appendPart(w io.Writer, path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, f)
	f.Close()
	if err != nil {
		return uint64(n), err
	}
	return uint64(n), os.Remove(path)
}

// cleanup removes partial output. Chunk files survive only when resuming.
func (d *download) cleanup(destPath string) {
	os.Remove(destPath + partialSuffix)
	if !d.opts.Resume {
		os.RemoveAll(d.partsDir)
	}
}

// manifest ties the chunk files in a parts directory to the download that
// produced them.
type manifest struct {
	Origin            string `json:"origin"`
	Entry             string `json:"entry"`
	CompressedSize    uint64 `json:"compressed_size"`
	CRC32             uint32 `json:"crc32"`
	LocalHeaderOffset uint64 `json:"local_header_offset"`
	DataStart         uint64 `json:"data_start"`
	ChunkSize         uint64 `json:"chunk_size"`
}

func newManifest(origin string, e ziparchive.Entry, dataStart, chunkSize uint64) manifest {
	return manifest{
		Origin:            origin,
		Entry:             e.Name,
		CompressedSize:    e.CompressedSize,
		CRC32:             e.CRC32,
		LocalHeaderOffset: e.LocalHeaderOffset,
		DataStart:         dataStart,
		ChunkSize:         chunkSize,
	}
}

func (m manifest) matches(partsDir string) bool {
	data, err := os.ReadFile(filepath.Join(partsDir, manifestName))
	if err != nil {
		return false
	}
	var prev manifest
	if err := json.Unmarshal(data, &prev); err != nil {
		return false
	}
	return prev == m
}

func (m manifest) write(partsDir string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode chunk manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(partsDir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk manifest: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
