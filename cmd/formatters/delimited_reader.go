package formatters

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// copyTerminator marks the end of a pg_dump COPY data block.
const copyTerminator = `\.`

// ErrMalformedRow is reported for rows that cannot be split into fields.
var ErrMalformedRow = errors.New("malformed row")

// DelimitedOptions configures a DelimitedReader
type DelimitedOptions struct {
	// Delimiter separates fields. Defaults to tab.
	Delimiter rune
	// NullToken is the literal field value read as NULL. Defaults to `\N`.
	NullToken string
	// ColumnCount is the exact number of fields a row must have; rows with any
	// other count are skipped. Zero accepts every row.
	ColumnCount int
	// CSVQuoting parses RFC 4180 quoting instead of COPY text escapes.
	CSVQuoting bool
}

// DelimitedReader reads header-less delimited text with positional columns.
// Each row is returned as a slice of string or nil values.
type DelimitedReader struct {
	opts   DelimitedOptions
	lines  *bufio.Reader
	csv    *csv.Reader
	done   bool
	rows   uint64
	skips  uint64
	record []any
}

// NewDelimitedReader creates a reader over r
func NewDelimitedReader(r io.Reader, opts DelimitedOptions) *DelimitedReader {
	if opts.Delimiter == 0 {
		opts.Delimiter = '\t'
	}
	if opts.NullToken == "" {
		opts.NullToken = `\N`
	}
	d := &DelimitedReader{opts: opts}
	if opts.CSVQuoting {
		d.csv = csv.NewReader(r)
		d.csv.Comma = opts.Delimiter
		d.csv.FieldsPerRecord = -1
		d.csv.LazyQuotes = true
		d.csv.ReuseRecord = true
	} else {
		d.lines = bufio.NewReaderSize(r, 256*1024)
	}
	return d
}

// Rows returns the number of data rows seen, skipped ones included.
func (d *DelimitedReader) Rows() uint64 { return d.rows }

// Skipped returns the number of rows dropped as malformed.
func (d *DelimitedReader) Skipped() uint64 { return d.skips }

// Next returns the next well-formed row. The returned slice is reused by the
// following call. io.EOF marks the end of input or the COPY terminator.
func (d *DelimitedReader) Next() ([]any, error) {
	for {
		if d.done {
			return nil, io.EOF
		}
		fields, err := d.readFields()
		if errors.Is(err, io.EOF) {
			d.done = true
			return nil, io.EOF
		}
		if errors.Is(err, ErrMalformedRow) {
			d.rows++
			d.skips++
			continue
		}
		if err != nil {
			return nil, err
		}
		if fields == nil {
			continue
		}

		d.rows++
		if d.opts.ColumnCount > 0 && len(fields) != d.opts.ColumnCount {
			d.skips++
			continue
		}
		return d.fill(fields), nil
	}
}

func (d *DelimitedReader) fill(fields []string) []any {
	if cap(d.record) < len(fields) {
		d.record = make([]any, len(fields))
	}
	d.record = d.record[:len(fields)]
	for i, f := range fields {
		if f == d.opts.NullToken {
			d.record[i] = nil
		} else {
			d.record[i] = f
		}
	}
	return d.record
}

// readFields returns nil fields for blank lines.
func (d *DelimitedReader) readFields() ([]string, error) {
	if d.csv != nil {
		record, err := d.csv.Read()
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
			}
			return nil, err
		}
		if len(record) == 1 && record[0] == copyTerminator {
			return nil, io.EOF
		}
		return record, nil
	}

	line, err := d.lines.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return nil, nil
	}
	if string(line) == copyTerminator {
		return nil, io.EOF
	}
	if !utf8.Valid(line) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedRow)
	}

	raw := strings.Split(string(line), string(d.opts.Delimiter))
	for i, f := range raw {
		if f == d.opts.NullToken || !strings.ContainsRune(f, '\\') {
			continue
		}
		u, err := unescapeCopy(f)
		if err != nil {
			return nil, err
		}
		raw[i] = u
	}
	return raw, nil
}

// unescapeCopy decodes the backslash escapes of the COPY text format.
func unescapeCopy(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: trailing backslash", ErrMalformedRow)
		}
		switch c = s[i]; c {
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			j := i + 1
			for j < len(s) && j < i+3 && isHex(s[j]) {
				j++
			}
			if j == i+1 {
				b.WriteByte('x')
				continue
			}
			v, _ := strconv.ParseUint(s[i+1:j], 16, 8)
			b.WriteByte(byte(v))
			i = j - 1
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 16)
			b.WriteByte(byte(v))
			i = j - 1
		default:
			// Any other escaped character stands for itself.
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
