package cmd

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Stamp granularities for uploaded artifact names
const (
	StampHourly  = "hourly"
	StampDaily   = "daily"
	StampWeekly  = "weekly"
	StampMonthly = "monthly"
	StampYearly  = "yearly"
)

func isValidStamp(stamp string) bool {
	switch stamp {
	case StampHourly, StampDaily, StampWeekly, StampMonthly, StampYearly, "":
		return true
	}
	return false
}

// PathTemplate expands object key prefixes for uploaded artifacts
type PathTemplate struct {
	template string
}

func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces {table}, {archive}, {YYYY}, {MM}, {DD} and {HH}.
func (pt *PathTemplate) Generate(table, archive string, timestamp time.Time) string {
	r := strings.NewReplacer(
		"{table}", table,
		"{archive}", archive,
		"{YYYY}", timestamp.Format("2006"),
		"{MM}", timestamp.Format("01"),
		"{DD}", timestamp.Format("02"),
		"{HH}", timestamp.Format("15"),
	)
	return strings.Trim(r.Replace(pt.template), "/")
}

// ArchiveName is the archive's base name without its .zip suffix, used for
// the {archive} placeholder.
func ArchiveName(archiveURL string) string {
	p := archiveURL
	if u, err := url.Parse(archiveURL); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return "archive"
	}
	return strings.TrimSuffix(strings.TrimSuffix(name, ".zip"), ".ZIP")
}

// GenerateFilename names an artifact after its table and the run time at the
// given stamp granularity. An empty stamp leaves the date out.
func GenerateFilename(table string, timestamp time.Time, stamp string, ext string) string {
	var suffix string
	switch stamp {
	case "":
		return table + ext
	case StampHourly:
		suffix = timestamp.Format("2006-01-02-15")
	case StampWeekly:
		year, week := timestamp.ISOWeek()
		suffix = fmt.Sprintf("%04d-W%02d", year, week)
	case StampMonthly:
		suffix = timestamp.Format("2006-01")
	case StampYearly:
		suffix = timestamp.Format("2006")
	default:
		suffix = timestamp.Format("2006-01-02")
	}
	return fmt.Sprintf("%s-%s%s", table, suffix, ext)
}

// ObjectKey joins the expanded template and the artifact file name.
func (pt *PathTemplate) ObjectKey(table, archive string, timestamp time.Time, stamp, ext string) string {
	name := GenerateFilename(table, timestamp, stamp, ext)
	prefix := pt.Generate(table, archive, timestamp)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
