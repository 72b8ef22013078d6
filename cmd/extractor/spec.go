package extractor

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/airframesio/ziptable/cmd/formatters"
)

const defaultBatchSize = 10000

// Static errors for extraction specs
var (
	ErrNoColumns        = errors.New("at least one output column is required")
	ErrColumnIndex      = errors.New("column index out of range")
	ErrColumnName       = errors.New("column names must be non-empty and unique")
	ErrUnknownFilterCol = errors.New("filter references an unknown column")
	ErrFilterPattern    = errors.New("invalid filter pattern")
)

// Column maps a positional input field to a named output column.
type Column struct {
	Index int    `mapstructure:"index" json:"index"`
	Name  string `mapstructure:"name" json:"name"`
}

// FilterRule keeps rows whose named output column satisfies it. An empty
// Pattern only checks NotNull.
type FilterRule struct {
	Column  string `mapstructure:"column" json:"column"`
	Pattern string `mapstructure:"pattern" json:"pattern"`
	NotNull bool   `mapstructure:"not_null" json:"not_null"`

	pos int
	re  *regexp.Regexp
}

// Filter is a conjunction of rules. The zero value keeps every row.
type Filter struct {
	Rules []FilterRule `mapstructure:"rules" json:"rules"`
}

// Spec describes how a downloaded payload becomes an output artifact.
type Spec struct {
	// Table names the output schema.
	Table string
	// Method is the ZIP compression method of the downloaded payload.
	Method uint16
	// ColumnCount is the exact field count of a well-formed input row. Zero
	// accepts any row wide enough for the projection.
	ColumnCount int
	Delimiter   rune
	NullToken   string
	CSVQuoting  bool
	Columns     []Column
	Dedupe      bool
	Filter      Filter
	// Format and Compression select the output writer (Parquet with snappy
	// by default).
	Format      string
	Compression string
	// BatchSize bounds rows per staging transaction and per output chunk.
	BatchSize int
}

// Validate checks the spec and compiles its filter.
func (s *Spec) Validate() error {
	if len(s.Columns) == 0 {
		return ErrNoColumns
	}
	seen := make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		if c.Index < 0 || (s.ColumnCount > 0 && c.Index >= s.ColumnCount) {
			return fmt.Errorf("%w: %s at %d with %d input columns", ErrColumnIndex, c.Name, c.Index, s.ColumnCount)
		}
		if _, dup := seen[c.Name]; c.Name == "" || dup {
			return fmt.Errorf("%w: %q", ErrColumnName, c.Name)
		}
		seen[c.Name] = i
	}

	for i := range s.Filter.Rules {
		r := &s.Filter.Rules[i]
		pos, ok := seen[r.Column]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownFilterCol, r.Column)
		}
		r.pos = pos
		r.re = nil
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrFilterPattern, err)
			}
			r.re = re
		}
	}

	if _, err := formatters.GetStreamingFormatter(s.Format, s.Compression); err != nil {
		return err
	}
	return nil
}

func (s *Spec) batchSize() int {
	if s.BatchSize <= 0 {
		return defaultBatchSize
	}
	return s.BatchSize
}

func (s *Spec) columnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// width is the minimum field count the projection reads from.
func (s *Spec) width() int {
	w := 0
	for _, c := range s.Columns {
		w = max(w, c.Index+1)
	}
	return w
}

// Keep reports whether a projected row passes every rule.
func (f *Filter) Keep(row []any) bool {
	for _, r := range f.Rules {
		v, isString := row[r.pos].(string)
		if !isString {
			if r.NotNull || r.re != nil {
				return false
			}
			continue
		}
		if r.re != nil && !r.re.MatchString(v) {
			return false
		}
	}
	return true
}
