// Package locator finds the archive member holding a logical table when
// members carry only anonymous numeric names. Candidates are filtered by size
// and name, then a small prefix of each is decoded and its first row tested
// against a content signature.
package locator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/airframesio/ziptable/cmd/compressors"
	"github.com/airframesio/ziptable/cmd/rangefetch"
	"github.com/airframesio/ziptable/cmd/ziparchive"
)

// Static errors for locating targets
var (
	ErrTargetNotFound    = errors.New("target not found")
	ErrUndecodableSample = errors.New("candidate sample could not be decoded")
)

const (
	// DefaultSampleBytes is the compressed prefix fetched per candidate.
	DefaultSampleBytes = 64 * 1024
	// maxDecodedSample caps how much of a decoded prefix is kept.
	maxDecodedSample = 4 << 20
)

// DefaultNamePattern matches pg_dump directory-format data files.
var DefaultNamePattern = regexp.MustCompile(`^\d+\.dat(\.gz)?$`)

// Target describes the table being looked for
type Target struct {
	Name        string
	SizeMin     uint64
	SizeMax     uint64
	NamePattern *regexp.Regexp
	Signature   Signature
	SampleBytes uint64
	Delimiter   rune
}

// Locator samples candidate members over range reads
type Locator struct {
	logger *slog.Logger
}

// New creates a Locator. A nil logger discards output.
func New(logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Locator{logger: logger}
}

// Candidates returns the entries passing the size window and name pattern,
// smallest uncompressed size first. Ties keep central directory order.
func Candidates(idx *ziparchive.Index, target Target) []ziparchive.Entry {
	var out []ziparchive.Entry
	for _, e := range idx.Entries {
		if isCandidate(e, target) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UncompressedSize < out[j].UncompressedSize
	})
	return out
}

func isCandidate(e ziparchive.Entry, target Target) bool {
	pattern := target.NamePattern
	if pattern == nil {
		pattern = DefaultNamePattern
	}
	sizeMax := target.SizeMax
	if sizeMax == 0 {
		sizeMax = ^uint64(0)
	}
	if e.UncompressedSize < target.SizeMin || e.UncompressedSize > sizeMax {
		return false
	}
	return pattern.MatchString(e.Basename())
}

// Verify reports whether e still satisfies target: it must pass the size
// window and name pattern, and its sampled first row must match the
// signature. Only transport failures are returned as errors.
func (l *Locator) Verify(ctx context.Context, src rangefetch.Source, e ziparchive.Entry, target Target) (bool, error) {
	if target.Signature == nil {
		return false, fmt.Errorf("target %s has no signature", target.Name)
	}
	if !isCandidate(e, target) {
		return false, nil
	}
	fields, err := l.FirstRow(ctx, src, e, target)
	if err != nil {
		if errors.Is(err, ziparchive.ErrMalformedArchive) || errors.Is(err, ErrUndecodableSample) {
			return false, nil
		}
		return false, err
	}
	return target.Signature.Match(fields), nil
}

// Locate returns the first candidate whose sampled first row matches the
// target signature.
func (l *Locator) Locate(ctx context.Context, src rangefetch.Source, idx *ziparchive.Index, target Target) (ziparchive.Entry, error) {
	if target.Signature == nil {
		return ziparchive.Entry{}, fmt.Errorf("target %s has no signature", target.Name)
	}

	candidates := Candidates(idx, target)
	l.logger.Debug("sampling candidates", "target", target.Name, "candidates", len(candidates))

	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			return ziparchive.Entry{}, err
		}

		fields, err := l.FirstRow(ctx, src, e, target)
		if err != nil {
			if errors.Is(err, ziparchive.ErrMalformedArchive) || errors.Is(err, ErrUndecodableSample) {
				l.logger.Debug("skipping candidate", "entry", e.Name, "error", err)
				continue
			}
			return ziparchive.Entry{}, err
		}

		if target.Signature.Match(fields) {
			l.logger.Debug("candidate matched", "target", target.Name, "entry", e.Name, "columns", len(fields))
			return e, nil
		}
		l.logger.Debug("candidate rejected", "target", target.Name, "entry", e.Name, "columns", len(fields))
	}

	return ziparchive.Entry{}, fmt.Errorf("%w: %s (%d candidates sampled)", ErrTargetNotFound, target.Name, len(candidates))
}

// FirstRow fetches a prefix of the member payload, decodes it and splits the
// first line on the target delimiter.
func (l *Locator) FirstRow(ctx context.Context, src rangefetch.Source, e ziparchive.Entry, target Target) ([]string, error) {
	sample := target.SampleBytes
	if sample == 0 {
		sample = DefaultSampleBytes
	}
	sample = min(sample, e.CompressedSize)

	start, err := ziparchive.DataOffset(ctx, src, e)
	if err != nil {
		return nil, err
	}
	prefix, err := src.ReadRange(ctx, start, start+sample)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", e.Name, err)
	}

	decoded, err := compressors.DecodePrefix(e.Method, prefix, maxDecodedSample)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUndecodableSample, e.Name, err)
	}
	return splitFirstLine(decoded, target.Delimiter), nil
}

func splitFirstLine(data []byte, delim rune) []string {
	if delim == 0 {
		delim = '\t'
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	line := strings.TrimSuffix(string(data), "\r")
	if line == "" {
		return nil
	}
	return strings.Split(line, string(delim))
}
