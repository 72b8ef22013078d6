// Package ziparchive builds an index of a remote ZIP archive from a handful
// of range reads: the tail holding the end of central directory record, the
// optional ZIP64 records, and the central directory itself.
package ziparchive

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/airframesio/ziptable/cmd/rangefetch"
)

// Entry is one member of the archive as described by its central directory header.
type Entry struct {
	Name              string `json:"name"`
	CompressedSize    uint64 `json:"compressed_size"`
	UncompressedSize  uint64 `json:"uncompressed_size"`
	LocalHeaderOffset uint64 `json:"local_header_offset"`
	Method            uint16 `json:"method"`
	CRC32             uint32 `json:"crc32"`
	Flags             uint16 `json:"flags"`
}

// Basename returns the final path element of the entry name.
func (e Entry) Basename() string {
	return path.Base(e.Name)
}

// Index lists the entries of one archive in central directory order.
type Index struct {
	URL       string  `json:"url"`
	TotalSize uint64  `json:"total_size"`
	Entries   []Entry `json:"entries"`
}

// Lookup returns the first entry with the exact name.
func (idx *Index) Lookup(name string) (Entry, bool) {
	for _, e := range idx.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// TailWindow is the number of bytes read from the end of the archive. It
// covers the EOCD record with a maximal comment plus the ZIP64 locator that
// precedes it.
const TailWindow = maxCommentLen + eocdLen + zip64LocatorLen

// Parse reads the archive index from src. url is recorded in the result.
// No partial index is returned: any malformed record fails the whole parse.
func Parse(ctx context.Context, src rangefetch.Source, url string) (*Index, error) {
	size, err := src.ProbeSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to probe archive size: %w", err)
	}
	if size < eocdLen {
		return nil, malformed(recordEOCD, 0, "archive is %d bytes, smaller than an empty archive", size)
	}

	tailLen := min(size, uint64(TailWindow))
	tailStart := size - tailLen
	tail, err := src.ReadRange(ctx, tailStart, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive tail: %w", err)
	}

	pos := findEOCD(tail)
	if pos < 0 {
		return nil, malformed(recordEOCD, tailStart, "signature not found in last %d bytes", tailLen)
	}
	eocdOffset := tailStart + uint64(pos)

	end, err := parseEOCD(tail[pos:])
	if err != nil {
		return nil, at(err, eocdOffset)
	}
	if end.disk != 0 || end.cdDisk != 0 {
		return nil, malformed(recordEOCD, eocdOffset, "multi-disk archives are not supported (disk %d, cd disk %d)", end.disk, end.cdDisk)
	}

	cdSize := uint64(end.cdSize)
	cdOffset := uint64(end.cdOffset)
	totalEntries := uint64(end.totalEntries)
	cdLimit := eocdOffset

	if end.needsZip64() {
		z, zOffset, err := readZip64(ctx, src, tail, pos, tailStart)
		if err != nil {
			return nil, err
		}
		cdSize = z.cdSize
		cdOffset = z.cdOffset
		totalEntries = z.totalEntries
		cdLimit = zOffset
	}

	if cdOffset > cdLimit || cdSize > cdLimit-cdOffset {
		return nil, malformed(recordEOCD, eocdOffset, "central directory [%d,+%d) extends past offset %d", cdOffset, cdSize, cdLimit)
	}

	cd, err := src.ReadRange(ctx, cdOffset, cdOffset+cdSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read central directory: %w", err)
	}

	entries, err := parseCentralDirectory(cd, cdOffset, size)
	if err != nil {
		return nil, err
	}
	if uint64(len(entries)) != totalEntries {
		return nil, malformed(recordEOCD, eocdOffset, "declares %d entries, central directory holds %d", totalEntries, len(entries))
	}

	return &Index{URL: url, TotalSize: size, Entries: entries}, nil
}

// readZip64 resolves the ZIP64 end record through the locator that must sit
// directly before the EOCD. It returns the record and its absolute offset.
func readZip64(ctx context.Context, src rangefetch.Source, tail []byte, eocdPos int, tailStart uint64) (zip64EOCD, uint64, error) {
	if eocdPos < zip64LocatorLen {
		return zip64EOCD{}, 0, malformed(recordZip64Locator, tailStart, "sentinel values present but no room for a locator")
	}
	locOffset := tailStart + uint64(eocdPos-zip64LocatorLen)
	loc, err := parseZip64Locator(tail[eocdPos-zip64LocatorLen : eocdPos])
	if err != nil {
		return zip64EOCD{}, 0, at(err, locOffset)
	}
	if loc.eocdOffset > locOffset || locOffset-loc.eocdOffset < zip64EOCDLen {
		return zip64EOCD{}, 0, malformed(recordZip64Locator, locOffset, "zip64 record offset %d does not precede locator", loc.eocdOffset)
	}

	buf, err := src.ReadRange(ctx, loc.eocdOffset, loc.eocdOffset+zip64EOCDLen)
	if err != nil {
		return zip64EOCD{}, 0, fmt.Errorf("failed to read zip64 end of central directory: %w", err)
	}
	z, err := parseZip64EOCD(buf)
	if err != nil {
		return zip64EOCD{}, 0, at(err, loc.eocdOffset)
	}
	return z, loc.eocdOffset, nil
}

func parseCentralDirectory(cd []byte, cdOffset, archiveSize uint64) ([]Entry, error) {
	var entries []Entry
	for pos := 0; pos < len(cd); {
		offset := cdOffset + uint64(pos)
		h, err := parseCentralHeader(cd[pos:])
		if err != nil {
			return nil, at(err, offset)
		}
		if h.localHeaderOffset >= archiveSize {
			return nil, malformed(recordCentralHeader, offset, "local header offset %d beyond archive size %d (%q)", h.localHeaderOffset, archiveSize, h.name)
		}
		entries = append(entries, Entry{
			Name:              h.name,
			CompressedSize:    h.compressedSize,
			UncompressedSize:  h.uncompressedSize,
			LocalHeaderOffset: h.localHeaderOffset,
			Method:            h.method,
			CRC32:             h.crc32,
			Flags:             h.flags,
		})
		pos += h.headerLen
	}
	return entries, nil
}

// at stamps the absolute archive offset onto a record-level FormatError.
func at(err error, offset uint64) error {
	var fe *FormatError
	if errors.As(err, &fe) {
		fe.Offset = offset
	}
	return err
}

// MethodName returns a short label for a compression method.
func MethodName(method uint16) string {
	switch method {
	case MethodStore:
		return "store"
	case MethodDeflate:
		return "deflate"
	case MethodZstd:
		return "zstd"
	default:
		return fmt.Sprintf("method-%d", method)
	}
}
