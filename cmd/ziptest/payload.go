package ziptest

import (
	"bytes"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// CopyText renders rows the way a pg_dump directory archive stores table
// data: tab separated, newline terminated, ending with the "\." marker.
func CopyText(rows [][]string) []byte {
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	b.WriteString("\\.\n")
	return []byte(b.String())
}

// Gzip compresses data with default settings.
func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}
