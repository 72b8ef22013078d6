package locator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ErrUnknownSignature is returned for unknown presets or rule kinds
var ErrUnknownSignature = errors.New("unknown signature")

// Signature decides whether the first row of a candidate payload belongs to
// the wanted table.
type Signature interface {
	Match(fields []string) bool
}

// SignatureFunc adapts a function to Signature
type SignatureFunc func(fields []string) bool

// Match calls f
func (f SignatureFunc) Match(fields []string) bool { return f(fields) }

// Rule kinds understood by ColumnRule
const (
	KindUUID     = "uuid"
	KindAlpha    = "alpha"
	KindNumeric  = "numeric"
	KindNonEmpty = "nonempty"
	KindPattern  = "pattern"
)

// ColumnRule checks one positional field
type ColumnRule struct {
	Index   int    `mapstructure:"index" json:"index"`
	Kind    string `mapstructure:"kind" json:"kind"`
	Pattern string `mapstructure:"pattern" json:"pattern,omitempty"`

	re *regexp.Regexp
}

// ColumnSignature matches rows by field count and per-column rules.
// MaxColumns of zero means no upper bound.
type ColumnSignature struct {
	MinColumns int          `mapstructure:"min_columns" json:"min_columns"`
	MaxColumns int          `mapstructure:"max_columns" json:"max_columns"`
	Rules      []ColumnRule `mapstructure:"rules" json:"rules"`
}

// Compile validates rule kinds and compiles patterns
func (s *ColumnSignature) Compile() error {
	if s.MaxColumns > 0 && s.MinColumns > s.MaxColumns {
		return fmt.Errorf("%w: min_columns %d greater than max_columns %d", ErrUnknownSignature, s.MinColumns, s.MaxColumns)
	}
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.Index < 0 {
			return fmt.Errorf("%w: negative column index %d", ErrUnknownSignature, r.Index)
		}
		switch r.Kind {
		case KindUUID, KindAlpha, KindNumeric, KindNonEmpty:
		case KindPattern:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern for column %d: %w", r.Index, err)
			}
			r.re = re
		default:
			return fmt.Errorf("%w: rule kind %q", ErrUnknownSignature, r.Kind)
		}
	}
	return nil
}

// Match implements Signature
func (s *ColumnSignature) Match(fields []string) bool {
	if len(fields) < s.MinColumns {
		return false
	}
	if s.MaxColumns > 0 && len(fields) > s.MaxColumns {
		return false
	}
	for _, r := range s.Rules {
		if r.Index >= len(fields) || !r.match(fields[r.Index]) {
			return false
		}
	}
	return true
}

func (r ColumnRule) match(v string) bool {
	switch r.Kind {
	case KindUUID:
		return IsHyphenatedUUID(v)
	case KindAlpha:
		return strings.IndexFunc(v, unicode.IsLetter) >= 0
	case KindNumeric:
		if v == "" {
			return false
		}
		return strings.IndexFunc(v, func(c rune) bool { return c < '0' || c > '9' }) < 0
	case KindNonEmpty:
		return v != "" && v != `\N`
	case KindPattern:
		return r.re != nil && r.re.MatchString(v)
	}
	return false
}

// IsHyphenatedUUID accepts only the 36 character 8-4-4-4-12 form.
func IsHyphenatedUUID(v string) bool {
	if len(v) != 36 || v[8] != '-' || v[13] != '-' || v[18] != '-' || v[23] != '-' {
		return false
	}
	_, err := uuid.Parse(v)
	return err == nil
}

// Preset names
const (
	PresetRecipientLookup = "recipient_lookup"
)

// Preset returns a named signature. recipient_lookup matches the lookup table
// whose rows carry 18 to 22 fields, a UUID in column 1 and a name in column 2.
func Preset(name string) (*ColumnSignature, error) {
	switch name {
	case PresetRecipientLookup:
		s := &ColumnSignature{
			MinColumns: 18,
			MaxColumns: 22,
			Rules: []ColumnRule{
				{Index: 1, Kind: KindUUID},
				{Index: 2, Kind: KindAlpha},
			},
		}
		return s, s.Compile()
	default:
		return nil, fmt.Errorf("%w: preset %q", ErrUnknownSignature, name)
	}
}
