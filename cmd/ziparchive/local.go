package ziparchive

import (
	"context"
	"fmt"

	"github.com/airframesio/ziptable/cmd/rangefetch"
)

// DataOffset reads the local file header of entry and returns the absolute
// offset of its first payload byte. The local header's own name and extra
// lengths are used; they may differ from the central directory copy.
func DataOffset(ctx context.Context, src rangefetch.Source, entry Entry) (uint64, error) {
	buf, err := src.ReadRange(ctx, entry.LocalHeaderOffset, entry.LocalHeaderOffset+localHeaderLen)
	if err != nil {
		return 0, fmt.Errorf("failed to read local header of %s: %w", entry.Name, err)
	}
	h, err := parseLocalHeader(buf)
	if err != nil {
		return 0, at(err, entry.LocalHeaderOffset)
	}
	return h.dataOffset(entry.LocalHeaderOffset), nil
}
