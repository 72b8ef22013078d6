package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/airframesio/ziptable/cmd/compressors"
	"github.com/airframesio/ziptable/cmd/downloader"
	"github.com/airframesio/ziptable/cmd/extractor"
	"github.com/airframesio/ziptable/cmd/formatters"
	"github.com/airframesio/ziptable/cmd/locator"
	"github.com/dustin/go-humanize"
)

// Static errors for configuration validation
var (
	ErrArchiveURLRequired     = errors.New("archive URL is required")
	ErrArchiveURLInvalid      = errors.New("archive URL must be an absolute http or https URL")
	ErrChunkSizeInvalid       = errors.New("chunk size must be a byte size such as 16MiB")
	ErrChunkSizeMinimum       = errors.New("chunk size must be at least 64KiB")
	ErrChunkSizeMaximum       = errors.New("chunk size must not exceed 1GiB")
	ErrParallelismMinimum     = errors.New("parallelism must be at least 1")
	ErrParallelismMaximum     = errors.New("parallelism must not exceed 256")
	ErrMaxRetriesInvalid      = errors.New("max retries must be at least 1")
	ErrBackoffInvalid         = errors.New("base backoff must be >= 0")
	ErrRequestTimeoutInvalid  = errors.New("request timeout must be >= 0")
	ErrCacheBackendInvalid    = errors.New("cache backend must be one of: none, memory, file, s3")
	ErrCacheDirRequired       = errors.New("cache directory is required for the file backend")
	ErrCompressionInvalid     = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrS3BucketRequired       = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired    = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired    = errors.New("S3 secret key is required")
	ErrS3RegionInvalid        = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateRequired   = errors.New("path template is required for uploads")
	ErrPathTemplateInvalid    = errors.New("path template must contain {table} placeholder")
	ErrFileStampInvalid       = errors.New("file stamp must be one of: hourly, daily, weekly, monthly, yearly")
	ErrNoTargets              = errors.New("at least one target is required")
	ErrTargetNameInvalid      = errors.New("target name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrTargetNameDuplicate    = errors.New("target names must be unique")
	ErrSignatureRequired      = errors.New("target needs an entry name, a signature preset or a match rule")
	ErrSizeInvalid            = errors.New("size must be a byte size such as 1.5GB")
	ErrSizeWindowInvalid      = errors.New("size_min must not exceed size_max")
	ErrNamePatternInvalid     = errors.New("invalid name pattern")
	ErrDelimiterInvalid       = errors.New("delimiter must be a single character")
	ErrOutputFormatInvalid    = errors.New("output format must be one of: parquet, csv, jsonl")
	ErrOutputDirRequired      = errors.New("output directory is required")
	ErrWorkDirRequired        = errors.New("work directory is required")
	ErrColumnCountNegative    = errors.New("column count must be >= 0")
	ErrSampleBytesInvalid     = errors.New("sample bytes must be a positive byte size")
	ErrLocateCacheTTLNegative = errors.New("locate cache TTL must be >= 0")
)

const (
	regionAuto = "auto"

	cacheNone   = "none"
	cacheMemory = "memory"
	cacheFile   = "file"
	cacheS3     = "s3"

	minChunkSize = 64 << 10
	maxChunkSize = 1 << 30
)

type Config struct {
	Debug      bool
	LogFormat  string
	DryRun     bool
	ArchiveURL string
	// WorkDir holds downloaded payloads and chunk slots.
	WorkDir   string
	OutputDir string
	Download  DownloadConfig
	Cache     CacheConfig
	S3        S3Config
	Targets   []TargetConfig
}

type DownloadConfig struct {
	ChunkSize      string // human byte size, e.g. "16MiB"
	Parallelism    int
	MaxRetries     int // total attempts per chunk
	BaseBackoff    time.Duration
	RequestTimeout time.Duration
	Resume         bool
	KeepPayload    bool // keep the downloaded member after extraction
}

type CacheConfig struct {
	Backend     string
	Dir         string
	Prefix      string
	Compression string
	LocateTTL   time.Duration // 0 disables the locate cache
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
	FileStamp    string // granularity of the date in uploaded file names
	Upload       bool
}

// TargetConfig describes one logical table to pull out of the archive.
type TargetConfig struct {
	Name string `mapstructure:"name"`
	// Entry names the member exactly and skips locating.
	Entry       string                   `mapstructure:"entry"`
	SizeMin     string                   `mapstructure:"size_min"`
	SizeMax     string                   `mapstructure:"size_max"`
	NamePattern string                   `mapstructure:"name_pattern"`
	Signature   string                   `mapstructure:"signature"`
	Match       *locator.ColumnSignature `mapstructure:"match"`
	SampleBytes string                   `mapstructure:"sample_bytes"`
	ColumnCount int                      `mapstructure:"column_count"`
	Delimiter   string                   `mapstructure:"delimiter"`
	NullToken   string                   `mapstructure:"null_token"`
	CSVQuoting  bool                     `mapstructure:"csv_quoting"`
	Columns     []extractor.Column       `mapstructure:"columns"`
	Dedupe      bool                     `mapstructure:"dedupe"`
	Filter      extractor.Filter         `mapstructure:"filter"`
	Format      string                   `mapstructure:"format"`
	Compression string                   `mapstructure:"compression"`
}

// validIdentifier keeps target names safe for file names and object keys
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidTargetName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	return validIdentifier.MatchString(name)
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

func isValidPathTemplate(template string) bool {
	return regexp.MustCompile(`\{table\}`).MatchString(template)
}

func isValidOutputFormat(format string) bool {
	switch format {
	case formatters.FormatParquet, formatters.FormatCSV, formatters.FormatJSONL:
		return true
	}
	return false
}

func isValidCompression(compression string) bool {
	_, err := compressors.GetCompressor(compression)
	return err == nil
}

// isValidParquetCompression accepts the column codecs; snappy is the default.
func isValidParquetCompression(compression string) bool {
	switch compression {
	case "", "snappy", "zstd", "gzip", "lz4", "none":
		return true
	}
	return false
}

// parseSize accepts "16MiB", "1.5GB" or a bare byte count. Empty yields def.
func parseSize(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSizeInvalid, s)
	}
	return n, nil
}

// ChunkBytes returns the configured chunk size in bytes.
func (d *DownloadConfig) ChunkBytes() (uint64, error) {
	n, err := parseSize(d.ChunkSize, downloader.DefaultChunkSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrChunkSizeInvalid, d.ChunkSize)
	}
	return n, nil
}

func (c *Config) Validate() error {
	if err := c.ValidateFetch(); err != nil {
		return err
	}
	if c.OutputDir == "" {
		return ErrOutputDirRequired
	}

	if c.S3.Upload {
		if err := c.S3.validate(); err != nil {
			return err
		}
		if c.S3.PathTemplate == "" {
			return ErrPathTemplateRequired
		}
		if !isValidPathTemplate(c.S3.PathTemplate) {
			return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, c.S3.PathTemplate)
		}
		if !isValidStamp(c.S3.FileStamp) {
			return fmt.Errorf("%w: '%s'", ErrFileStampInvalid, c.S3.FileStamp)
		}
	}

	for i := range c.Targets {
		if err := c.Targets[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFetch checks what locating and downloading need. Targets only have
// to be resolvable; their projection is not checked.
func (c *Config) ValidateFetch() error {
	if err := c.ValidateSource(); err != nil {
		return err
	}
	if c.WorkDir == "" {
		return ErrWorkDirRequired
	}
	if err := c.Download.validate(); err != nil {
		return err
	}

	if len(c.Targets) == 0 {
		return ErrNoTargets
	}
	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if !isValidTargetName(t.Name) {
			return fmt.Errorf("%w: '%s'", ErrTargetNameInvalid, t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: '%s'", ErrTargetNameDuplicate, t.Name)
		}
		seen[t.Name] = true
		if t.Entry == "" {
			if _, err := t.LocatorTarget(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateSource checks only what is needed to read the archive index, for
// commands that never download or extract.
func (c *Config) ValidateSource() error {
	if c.ArchiveURL == "" {
		return ErrArchiveURLRequired
	}
	u, err := url.Parse(c.ArchiveURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: '%s'", ErrArchiveURLInvalid, c.ArchiveURL)
	}
	if c.Download.RequestTimeout < 0 {
		return ErrRequestTimeoutInvalid
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if c.Cache.Backend == cacheS3 {
		return c.S3.validate()
	}
	return nil
}

func (d *DownloadConfig) validate() error {
	n, err := d.ChunkBytes()
	if err != nil {
		return err
	}
	if n < minChunkSize {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, n)
	}
	if n > maxChunkSize {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, n)
	}
	if d.Parallelism < 1 {
		return ErrParallelismMinimum
	}
	if d.Parallelism > 256 {
		return fmt.Errorf("%w, got %d", ErrParallelismMaximum, d.Parallelism)
	}
	if d.MaxRetries < 1 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, d.MaxRetries)
	}
	if d.BaseBackoff < 0 {
		return fmt.Errorf("%w, got %s", ErrBackoffInvalid, d.BaseBackoff)
	}
	if d.RequestTimeout < 0 {
		return fmt.Errorf("%w, got %s", ErrRequestTimeoutInvalid, d.RequestTimeout)
	}
	return nil
}

func (c *CacheConfig) validate() error {
	switch c.Backend {
	case cacheNone, cacheMemory, cacheS3, "":
	case cacheFile:
		if c.Dir == "" {
			return ErrCacheDirRequired
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrCacheBackendInvalid, c.Backend)
	}
	if !isValidCompression(c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if c.LocateTTL < 0 {
		return fmt.Errorf("%w, got %s", ErrLocateCacheTTLNegative, c.LocateTTL)
	}
	return nil
}

func (s *S3Config) validate() error {
	if s.Bucket == "" {
		return ErrS3BucketRequired
	}
	if s.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if s.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if s.Region != "" && s.Region != regionAuto && !isValidRegion(s.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, s.Region)
	}
	return nil
}

// Validate checks a single target, including its projection and filter.
func (t *TargetConfig) Validate() error {
	if !isValidTargetName(t.Name) {
		return fmt.Errorf("%w: '%s'", ErrTargetNameInvalid, t.Name)
	}
	if t.Entry == "" {
		if _, err := t.LocatorTarget(); err != nil {
			return fmt.Errorf("target %s: %w", t.Name, err)
		}
	}
	if t.ColumnCount < 0 {
		return fmt.Errorf("target %s: %w, got %d", t.Name, ErrColumnCountNegative, t.ColumnCount)
	}
	if _, err := t.delimiter(); err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	if t.Format != "" && !isValidOutputFormat(t.Format) {
		return fmt.Errorf("target %s: %w: '%s'", t.Name, ErrOutputFormatInvalid, t.Format)
	}
	if formatters.UsesInternalCompression(t.Format) && !isValidParquetCompression(t.Compression) {
		return fmt.Errorf("target %s: %w: '%s'", t.Name, ErrCompressionInvalid, t.Compression)
	}
	spec, err := t.ExtractSpec(0)
	if err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	return nil
}

func (t *TargetConfig) delimiter() (rune, error) {
	if t.Delimiter == "" {
		return '\t', nil
	}
	if t.Delimiter == `\t` {
		return '\t', nil
	}
	if utf8.RuneCountInString(t.Delimiter) != 1 {
		return 0, fmt.Errorf("%w: %q", ErrDelimiterInvalid, t.Delimiter)
	}
	r, _ := utf8.DecodeRuneInString(t.Delimiter)
	return r, nil
}

// LocatorTarget builds the locator input for this target.
func (t *TargetConfig) LocatorTarget() (locator.Target, error) {
	target := locator.Target{Name: t.Name}

	var err error
	if target.SizeMin, err = parseSize(t.SizeMin, 0); err != nil {
		return target, err
	}
	if target.SizeMax, err = parseSize(t.SizeMax, 0); err != nil {
		return target, err
	}
	if target.SizeMax > 0 && target.SizeMin > target.SizeMax {
		return target, fmt.Errorf("%w: %s > %s", ErrSizeWindowInvalid, t.SizeMin, t.SizeMax)
	}
	if target.SampleBytes, err = parseSize(t.SampleBytes, locator.DefaultSampleBytes); err != nil {
		return target, err
	}
	if target.SampleBytes == 0 {
		return target, ErrSampleBytesInvalid
	}
	if t.NamePattern != "" {
		re, err := regexp.Compile(t.NamePattern)
		if err != nil {
			return target, fmt.Errorf("%w: %v", ErrNamePatternInvalid, err)
		}
		target.NamePattern = re
	}
	if target.Delimiter, err = t.delimiter(); err != nil {
		return target, err
	}

	switch {
	case t.Match != nil:
		if err := t.Match.Compile(); err != nil {
			return target, err
		}
		target.Signature = t.Match
	case t.Signature != "":
		sig, err := locator.Preset(t.Signature)
		if err != nil {
			return target, err
		}
		target.Signature = sig
	default:
		return target, ErrSignatureRequired
	}
	return target, nil
}

// ExtractSpec builds the extraction spec for a payload stored with method.
func (t *TargetConfig) ExtractSpec(method uint16) (extractor.Spec, error) {
	delim, err := t.delimiter()
	if err != nil {
		return extractor.Spec{}, err
	}
	format := t.Format
	if format == "" {
		format = formatters.FormatParquet
	}
	return extractor.Spec{
		Table:       t.Name,
		Method:      method,
		ColumnCount: t.ColumnCount,
		Delimiter:   delim,
		NullToken:   t.NullToken,
		CSVQuoting:  t.CSVQuoting,
		Columns:     t.Columns,
		Dedupe:      t.Dedupe,
		Filter:      t.Filter,
		Format:      format,
		Compression: t.Compression,
	}, nil
}

// OutputPath is where the target's artifact is written under dir.
func (t *TargetConfig) OutputPath(dir string) (string, error) {
	spec, err := t.ExtractSpec(0)
	if err != nil {
		return "", err
	}
	sf, err := formatters.GetStreamingFormatter(spec.Format, spec.Compression)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, t.Name+sf.Extension()), nil
}
