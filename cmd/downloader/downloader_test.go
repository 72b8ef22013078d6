package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/airframesio/ziptable/cmd/rangefetch"
	"github.com/airframesio/ziptable/cmd/ziparchive"
	"github.com/airframesio/ziptable/cmd/ziptest"
)

func TestPlanChunks(t *testing.T) {
	tests := []struct {
		name      string
		size      uint64
		chunkSize uint64
		wantLens  []uint64
	}{
		{"Empty", 0, 16, nil},
		{"SmallerThanChunk", 10, 16, []uint64{10}},
		{"Exact", 32, 16, []uint64{16, 16}},
		{"Remainder", 33, 16, []uint64{16, 16, 1}},
		{"OneByteChunks", 3, 1, []uint64{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := PlanChunks(tt.size, tt.chunkSize)
			if len(chunks) != len(tt.wantLens) {
				t.Fatalf("expected %d chunks, got %d", len(tt.wantLens), len(chunks))
			}
			var next uint64
			for i, c := range chunks {
				if c.Index != uint32(i) {
					t.Errorf("chunk %d has index %d", i, c.Index)
				}
				if c.Start != next {
					t.Errorf("chunk %d starts at %d, expected %d", i, c.Start, next)
				}
				if c.Len() != tt.wantLens[i] {
					t.Errorf("chunk %d has length %d, expected %d", i, c.Len(), tt.wantLens[i])
				}
				next = c.End
			}
			if next != tt.size {
				t.Errorf("chunks cover %d bytes, expected %d", next, tt.size)
			}
		})
	}

	if got := PlanChunks(DefaultChunkSize+1, 0); len(got) != 2 {
		t.Errorf("zero chunk size should use the default, got %d chunks", len(got))
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for attempt, w := range want {
		if got := Backoff(base, attempt); got != w {
			t.Errorf("Backoff(%v, %d) = %v, want %v", base, attempt, got, w)
		}
	}
}

type fixture struct {
	src       *ziptest.Archive
	entry     ziparchive.Entry
	dataStart uint64
	payload   []byte
}

func newFixture(t *testing.T, size int) fixture {
	t.Helper()
	payload := make([]byte, size)
	ziptest.Pattern(7, payload)

	b := &ziptest.Builder{}
	b.AddStored("readme.txt", []byte("hello"))
	b.AddStored("3002.dat.gz", payload)
	b.AddStored("trailer.bin", []byte{1, 2, 3})
	src := b.Archive()

	idx, err := ziparchive.Parse(context.Background(), src, "mem://dump.zip")
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := idx.Lookup("3002.dat.gz")
	if !ok {
		t.Fatal("entry missing from index")
	}
	dataStart, err := ziparchive.DataOffset(context.Background(), src, entry)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{src: src, entry: entry, dataStart: dataStart, payload: payload}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func noSleep(context.Context, time.Duration) error { return nil }

func assertClean(t *testing.T, dest string) {
	t.Helper()
	for _, p := range []string{dest, dest + partialSuffix, dest + partsSuffix} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected %s to be absent, stat error: %v", filepath.Base(p), err)
		}
	}
}

func TestDownload(t *testing.T) {
	fx := newFixture(t, 100_000)
	want := sha256Hex(fx.payload)

	for _, parallelism := range []int{1, 3, 8} {
		dest := filepath.Join(t.TempDir(), "3002.dat.gz")
		var mu sync.Mutex
		var last Progress
		res, err := Download(context.Background(), fx.src, fx.entry, dest, Options{
			ChunkSize:   4096,
			Parallelism: parallelism,
			Progress: func(p Progress) {
				mu.Lock()
				last = p
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("parallelism %d: Download failed: %v", parallelism, err)
		}
		if res.ContentHash != want {
			t.Errorf("parallelism %d: hash mismatch", parallelism)
		}
		if res.TotalBytes != uint64(len(fx.payload)) || res.Chunks != 25 {
			t.Errorf("parallelism %d: unexpected result %+v", parallelism, res)
		}
		got, err := os.ReadFile(dest)
		if err != nil {
			t.Fatal(err)
		}
		if sha256Hex(got) != want {
			t.Errorf("parallelism %d: file content differs from payload", parallelism)
		}
		if last.ChunksDone != last.ChunksTotal || last.BytesDone != last.BytesTotal {
			t.Errorf("parallelism %d: final progress incomplete: %+v", parallelism, last)
		}
		if _, err := os.Stat(dest + partsSuffix); !os.IsNotExist(err) {
			t.Errorf("parallelism %d: chunk directory left behind", parallelism)
		}
	}
}

func TestDownloadOutOfOrderCompletion(t *testing.T) {
	fx := newFixture(t, 64*1024)
	rng := rand.New(rand.NewSource(42))
	delays := make(map[uint64]time.Duration)
	for _, c := range PlanChunks(fx.entry.CompressedSize, 2048) {
		delays[fx.dataStart+c.Start] = time.Duration(rng.Intn(5)) * time.Millisecond
	}
	src := &ziptest.Flaky{
		Source: fx.src,
		Delay:  func(start uint64) time.Duration { return delays[start] },
	}

	dest := filepath.Join(t.TempDir(), "out.gz")
	res, err := Download(context.Background(), src, fx.entry, dest, Options{ChunkSize: 2048, Parallelism: 8})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if res.ContentHash != sha256Hex(fx.payload) {
		t.Error("hash mismatch with randomized completion order")
	}
}

func TestDownloadRetries(t *testing.T) {
	fx := newFixture(t, 10_000)
	const base = 10 * time.Millisecond

	t.Run("RecoversWithBackoff", func(t *testing.T) {
		src := &ziptest.Flaky{Source: fx.src, FailFirst: 2, FailFrom: fx.dataStart}
		var mu sync.Mutex
		var slept time.Duration
		sleeps := 0
		dest := filepath.Join(t.TempDir(), "out.gz")

		res, err := Download(context.Background(), src, fx.entry, dest, Options{
			ChunkSize:   4096,
			Parallelism: 2,
			MaxRetries:  3,
			BaseBackoff: base,
			Sleep: func(_ context.Context, d time.Duration) error {
				mu.Lock()
				slept += d
				sleeps++
				mu.Unlock()
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Download failed: %v", err)
		}
		if res.ContentHash != sha256Hex(fx.payload) {
			t.Error("hash mismatch after retries")
		}
		// Three chunks, each failing twice: base + 2*base per chunk.
		if sleeps != 6 || slept != 3*(base+2*base) {
			t.Errorf("expected 6 sleeps totalling %v, got %d totalling %v", 3*3*base, sleeps, slept)
		}
		if n := src.Attempts(fx.dataStart); n != 3 {
			t.Errorf("expected 3 attempts on first chunk, got %d", n)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		src := &ziptest.Flaky{Source: fx.src, FailFirst: 3, FailFrom: fx.dataStart}
		dest := filepath.Join(t.TempDir(), "out.gz")

		_, err := Download(context.Background(), src, fx.entry, dest, Options{
			ChunkSize:   4096,
			Parallelism: 1,
			MaxRetries:  3,
			BaseBackoff: base,
			Sleep:       noSleep,
		})
		var cde *ChunkDownloadError
		if !errors.As(err, &cde) {
			t.Fatalf("expected ChunkDownloadError, got %v", err)
		}
		if cde.Attempts != 3 || cde.ChunkIndex != 0 {
			t.Errorf("unexpected error detail: %+v", cde)
		}
		if !errors.Is(err, ErrChunkDownload) || !errors.Is(err, ziptest.ErrInjected) {
			t.Errorf("error should match both the sentinel and the cause: %v", err)
		}
		assertClean(t, dest)
	})

	t.Run("RangeNotSupportedNotRetried", func(t *testing.T) {
		src := &ziptest.Flaky{
			Source:    fx.src,
			FailFirst: 100,
			FailFrom:  fx.dataStart,
			Err:       &rangefetch.RangeNotSupportedError{URL: "mem://dump.zip"},
		}
		dest := filepath.Join(t.TempDir(), "out.gz")
		sleeps := 0

		_, err := Download(context.Background(), src, fx.entry, dest, Options{
			ChunkSize:   4096,
			Parallelism: 1,
			MaxRetries:  5,
			Sleep: func(context.Context, time.Duration) error {
				sleeps++
				return nil
			},
		})
		if !errors.Is(err, rangefetch.ErrRangeNotSupported) {
			t.Fatalf("expected ErrRangeNotSupported, got %v", err)
		}
		var cde *ChunkDownloadError
		if errors.As(err, &cde) && cde.Attempts != 1 {
			t.Errorf("expected a single attempt, got %d", cde.Attempts)
		}
		if sleeps != 0 {
			t.Errorf("expected no backoff, slept %d times", sleeps)
		}
		assertClean(t, dest)
	})
}

func TestDownloadCancelled(t *testing.T) {
	fx := newFixture(t, 50_000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dest := filepath.Join(t.TempDir(), "out.gz")
	_, err := Download(ctx, fx.src, fx.entry, dest, Options{
		ChunkSize:   1024,
		Parallelism: 1,
		Progress: func(p Progress) {
			if p.ChunksDone == 2 {
				cancel()
			}
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	assertClean(t, dest)
}

func TestDownloadResume(t *testing.T) {
	fx := newFixture(t, 20_000)
	failing := fx.dataStart + 2*4096
	dest := filepath.Join(t.TempDir(), "out.gz")
	opts := Options{ChunkSize: 4096, Parallelism: 1, MaxRetries: 1, Resume: true, Sleep: noSleep}

	first := &ziptest.Flaky{
		Source: fx.src,
		Fail:   func(start uint64, _ int) bool { return start == failing },
	}
	if _, err := Download(context.Background(), first, fx.entry, dest, opts); !errors.Is(err, ErrChunkDownload) {
		t.Fatalf("expected first attempt to fail, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest+partsSuffix, "0.part")); err != nil {
		t.Fatalf("expected completed chunk to survive: %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("destination must not exist after a failed attempt")
	}

	second := &ziptest.Flaky{Source: fx.src}
	res, err := Download(context.Background(), second, fx.entry, dest, opts)
	if err != nil {
		t.Fatalf("resumed Download failed: %v", err)
	}
	if res.Resumed != 2 {
		t.Errorf("expected 2 resumed chunks, got %d", res.Resumed)
	}
	if second.Attempts(fx.dataStart) != 0 {
		t.Error("resumed chunk was fetched again")
	}
	if res.ContentHash != sha256Hex(fx.payload) {
		t.Error("hash mismatch after resume")
	}
}

func TestDownloadResumeDiscardsStaleChunks(t *testing.T) {
	fx := newFixture(t, 300)
	stale := make([]byte, 100)
	for i := range stale {
		stale[i] = 'A'
	}
	seed := func(t *testing.T, dest string, m *manifest) {
		t.Helper()
		dir := dest + partsSuffix
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "0.part"), stale, 0o644); err != nil {
			t.Fatal(err)
		}
		if m != nil {
			if err := m.write(dir); err != nil {
				t.Fatal(err)
			}
		}
	}
	opts := Options{ChunkSize: 100, Parallelism: 1, Resume: true, Origin: "mem://dump.zip#2048", Sleep: noSleep}

	tests := []struct {
		name     string
		manifest *manifest
	}{
		{"NoManifest", nil},
		{"OtherArchive", &manifest{Origin: "mem://dump.zip#1024", Entry: fx.entry.Name, CompressedSize: fx.entry.CompressedSize, CRC32: fx.entry.CRC32, LocalHeaderOffset: fx.entry.LocalHeaderOffset, DataStart: fx.dataStart, ChunkSize: 100}},
		{"OtherChunkSize", &manifest{Origin: opts.Origin, Entry: fx.entry.Name, CompressedSize: fx.entry.CompressedSize, CRC32: fx.entry.CRC32, LocalHeaderOffset: fx.entry.LocalHeaderOffset, DataStart: fx.dataStart, ChunkSize: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "3002.dat.gz")
			seed(t, dest, tt.manifest)

			res, err := Download(context.Background(), fx.src, fx.entry, dest, opts)
			if err != nil {
				t.Fatal(err)
			}
			if res.Resumed != 0 {
				t.Errorf("stale chunk was reused (%d resumed)", res.Resumed)
			}
			if res.ContentHash != sha256Hex(fx.payload) {
				t.Error("output does not match the member payload")
			}
		})
	}

	t.Run("SameDownload", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "3002.dat.gz")
		m := newManifest(opts.Origin, fx.entry, fx.dataStart, opts.ChunkSize)
		if err := os.MkdirAll(dest+partsSuffix, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dest+partsSuffix, "0.part"), fx.payload[:100], 0o644); err != nil {
			t.Fatal(err)
		}
		if err := m.write(dest + partsSuffix); err != nil {
			t.Fatal(err)
		}

		src := &ziptest.Flaky{Source: fx.src}
		res, err := Download(context.Background(), src, fx.entry, dest, opts)
		if err != nil {
			t.Fatal(err)
		}
		if res.Resumed != 1 || src.Attempts(fx.dataStart) != 0 {
			t.Errorf("matching chunk should be reused (resumed=%d)", res.Resumed)
		}
		if res.ContentHash != sha256Hex(fx.payload) {
			t.Error("hash mismatch after resume")
		}
	})
}

func TestDownloadEmptyEntry(t *testing.T) {
	b := &ziptest.Builder{}
	b.AddStored("empty.dat", nil)
	src := b.Archive()
	idx, err := ziparchive.Parse(context.Background(), src, "")
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "empty.dat")
	res, err := Download(context.Background(), src, idx.Entries[0], dest, Options{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if res.TotalBytes != 0 || res.Chunks != 0 || res.ContentHash != sha256Hex(nil) {
		t.Errorf("unexpected result for empty entry: %+v", res)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() != 0 {
		t.Errorf("expected empty file at destination, err %v", err)
	}
}

func TestAssembleDetectsShortPart(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.gz")
	d := &download{
		entry:    ziparchive.Entry{Name: "x.dat", CompressedSize: 8},
		partsDir: dest + partsSuffix,
	}
	chunks := PlanChunks(8, 4)
	if err := os.MkdirAll(d.partsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(d.partPath(chunks[0]), []byte("abcd"), 0o644)
	os.WriteFile(d.partPath(chunks[1]), []byte("ef"), 0o644)

	_, _, err := d.assemble(context.Background(), chunks, dest)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ie.Expected != 8 || ie.Actual != 6 {
		t.Errorf("unexpected sizes in %+v", ie)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination must not exist after integrity failure")
	}
}

func TestDownloadLargeGeneratedMember(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 1 GiB download in short mode")
	}

	const size = 1 << 30
	small := make([]byte, 1<<10)
	medium := make([]byte, 1<<20)
	ziptest.Pattern(1, small)
	ziptest.Pattern(2, medium)

	b := &ziptest.Builder{}
	b.AddStored("1.dat", small)
	b.AddStored("2.dat", medium)
	b.AddGenerated("3.dat", size, ziptest.Pattern)
	src := b.Archive()

	idx, err := ziparchive.Parse(context.Background(), src, "mem://big.zip")
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := idx.Lookup("3.dat")
	if !ok || entry.CompressedSize != size {
		t.Fatalf("unexpected entry %+v", entry)
	}

	h := sha256.New()
	buf := make([]byte, 1<<20)
	for off := uint64(0); off < size; off += uint64(len(buf)) {
		ziptest.Pattern(off, buf)
		h.Write(buf)
	}
	want := hex.EncodeToString(h.Sum(nil))

	dest := filepath.Join(t.TempDir(), "3.dat")
	res, err := Download(context.Background(), src, entry, dest, Options{
		ChunkSize:   16 << 20,
		Parallelism: 4,
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if res.Chunks != 64 || res.TotalBytes != size {
		t.Errorf("unexpected result %+v", res)
	}
	if res.ContentHash != want {
		t.Errorf("hash mismatch: got %s, want %s", res.ContentHash, want)
	}
}
