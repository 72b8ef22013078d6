package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/ziptable/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	// versionCheckResult stores the result of the background version check
	versionCheckResult *VersionCheckResult

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", r.Time.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	return err
}

// Attributes and groups are dropped in text-only mode.
func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler { return h }

// newLogHandler builds the handler for a log format: json, logfmt, color or
// text (the default).
func newLogHandler(w io.Writer, isDebug bool, format string) slog.Handler {
	level := slog.LevelInfo
	if isDebug {
		level = slog.LevelDebug
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "logfmt":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "color":
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		})
	default:
		return newTextOnlyHandler(w, &slog.HandlerOptions{Level: level})
	}
}

func initLogger(isDebug bool, format string) {
	logger = slog.New(newLogHandler(os.Stdout, isDebug, format))
}

var rootCmd = &cobra.Command{
	Use:     "ziptable",
	Version: Version,
	Short:   "🗜️  Pull tables out of huge remote ZIP archives without downloading them",
	Long: titleStyle.Render("ziptable") + `

Reads the central directory of a remote ZIP archive with HTTP range requests,
finds the members holding the tables you want (by name or by sampling their
first row), downloads just those members in parallel resumable chunks, and
projects the selected columns into Parquet, CSV or JSONL.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd)
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the members of a remote archive",
	Long:  `Read the central directory of the archive and print every member with its sizes and compression method.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runList(cmd)
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Resolve each target to an archive member",
	Long:  `Resolve every target to a member, by exact name or by sampling the first row of candidate members, without downloading anything.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runLocate()
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the compressed payload of each target",
	Long:  `Resolve every target and download its compressed member payload into the work directory using parallel, resumable range requests.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runDownload()
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Locate, download and project each target into an output file",
	Long: `Run the full pipeline for every target: index the archive, resolve the
member, download it, decompress and parse its rows, project the selected columns
and write Parquet, CSV or JSONL. Optionally upload the result to S3.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runExtract()
	},
}

var peekCmd = &cobra.Command{
	Use:   "peek <artifact>",
	Short: "Print the columns and first rows of an output file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, _ := cmd.Flags().GetInt("rows")
		format, _ := cmd.Flags().GetString("format")
		return runPeek(cmd.OutOrStdout(), args[0], rows, format)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the extraction currently running on this machine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// flagKeys maps flag names to viper keys. Several commands define the same
// flag, so binding waits until the running command is known.
var flagKeys = map[string]string{
	"debug":      "debug",
	"log-format": "log_format",
	"dry-run":    "dry_run",
	"url":        "archive_url",

	"request-timeout":   "download.request_timeout",
	"cache-backend":     "cache.backend",
	"cache-dir":         "cache.dir",
	"cache-prefix":      "cache.prefix",
	"cache-compression": "cache.compression",
	"locate-ttl":        "cache.locate_ttl",

	"s3-endpoint":   "s3.endpoint",
	"s3-bucket":     "s3.bucket",
	"s3-access-key": "s3.access_key",
	"s3-secret-key": "s3.secret_key",
	"s3-region":     "s3.region",

	"work-dir":     "work_dir",
	"chunk-size":   "download.chunk_size",
	"parallelism":  "download.parallelism",
	"max-retries":  "download.max_retries",
	"base-backoff": "download.base_backoff",
	"resume":       "download.resume",
	"keep-payload": "download.keep_payload",

	"output-dir":    "output_dir",
	"upload":        "s3.upload",
	"path-template": "s3.path_template",
	"file-stamp":    "s3.file_stamp",

	"target":       "target.name",
	"entry":        "target.entry",
	"size-min":     "target.size_min",
	"size-max":     "target.size_max",
	"name-pattern": "target.name_pattern",
	"signature":    "target.signature",
	"sample-bytes": "target.sample_bytes",
	"column-count": "target.column_count",
	"delimiter":    "target.delimiter",
	"null-token":   "target.null_token",
	"csv-quoting":  "target.csv_quoting",
	"columns":      "target.columns",
	"not-null":     "target.not_null",
	"dedupe":       "target.dedupe",
	"format":       "target.format",
	"compression":  "target.compression",
}

func bindFlags(cmd *cobra.Command) {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

func addTargetFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("target", "", "run only this target from the config file, or define a single target with the flags below")
	f.String("entry", "", "exact member name (skips sampling)")
	f.String("size-min", "", "smallest uncompressed candidate size, e.g. 100MB")
	f.String("size-max", "", "largest uncompressed candidate size, e.g. 10GB")
	f.String("name-pattern", "", "regular expression candidate base names must match (default: pg_dump data files)")
	f.String("signature", "", "first-row signature preset, e.g. recipient_lookup")
	f.String("sample-bytes", "", "compressed bytes sampled per candidate (default 64KiB)")
	f.String("delimiter", "\\t", "field delimiter")
}

func addProjectionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("column-count", 0, "expected fields per row; narrower rows are skipped (0 = any)")
	f.String("null-token", "\\N", "field value that means NULL")
	f.Bool("csv-quoting", false, "honour CSV double quotes instead of COPY text escapes")
	f.StringSlice("columns", nil, "projected columns as index:name pairs, e.g. 1:recipient_id,2:name")
	f.StringSlice("not-null", nil, "drop rows where these output columns are NULL")
	f.Bool("dedupe", false, "drop duplicate output rows, keeping the first")
	f.String("format", "parquet", "output format: parquet, csv, jsonl")
	f.String("compression", "", "output compression: zstd, lz4, gzip, none (parquet compresses internally)")
}

func addDownloadFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("work-dir", filepath.Join(StateDir(), "work"), "directory for downloaded payloads and chunk slots")
	f.String("chunk-size", "16MiB", "download chunk size")
	f.Int("parallelism", 8, "concurrent range requests")
	f.Int("max-retries", 5, "attempts per chunk before giving up")
	f.Duration("base-backoff", 500*time.Millisecond, "first retry delay, doubled on every attempt")
	f.Bool("resume", true, "reuse verified chunks from an interrupted download")
	f.Bool("keep-payload", false, "keep the downloaded payload after extraction")
}

func addOutputFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("output-dir", ".", "directory for output files")
	f.Bool("upload", false, "upload output files to S3")
	f.String("path-template", "", "S3 key template with placeholders: {table}, {archive}, {YYYY}, {MM}, {DD}, {HH}")
	f.String("file-stamp", "", "append a date to uploaded file names: hourly, daily, weekly, monthly, yearly")
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(listCmd, locateCmd, downloadCmd, extractCmd, peekCmd, statusCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ziptable.yaml)")
	pf.BoolVarP(&debug, "debug", "d", false, "enable debug output (disables the progress UI)")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, color, logfmt, json)")
	pf.Bool("dry-run", false, "resolve targets without downloading or writing anything")
	pf.StringP("url", "u", "", "archive URL (http or https)")
	pf.Duration("request-timeout", 0, "per-request timeout (0 = none)")
	pf.String("cache-backend", "file", "index cache: none, memory, file, s3")
	pf.String("cache-dir", filepath.Join(StateDir(), "indexes"), "directory for the file index cache")
	pf.String("cache-prefix", "indexes/", "key prefix for cached indexes")
	pf.String("cache-compression", "zstd", "cached index compression: zstd, lz4, gzip, none")
	pf.Duration("locate-ttl", 7*24*time.Hour, "how long a sampled target stays resolved (0 disables)")
	pf.String("s3-endpoint", "", "S3-compatible endpoint URL")
	pf.String("s3-bucket", "", "S3 bucket name")
	pf.String("s3-access-key", "", "S3 access key")
	pf.String("s3-secret-key", "", "S3 secret key")
	pf.String("s3-region", regionAuto, "S3 region")

	listCmd.Flags().String("match", "", "only list members whose name matches this regular expression")
	listCmd.Flags().Bool("json", false, "print members as JSON")

	for _, c := range []*cobra.Command{locateCmd, downloadCmd, extractCmd} {
		addTargetFlags(c)
	}
	for _, c := range []*cobra.Command{downloadCmd, extractCmd} {
		addDownloadFlags(c)
	}
	addProjectionFlags(extractCmd)
	addOutputFlags(extractCmd)

	peekCmd.Flags().Int("rows", 10, "rows to print (0 for all)")
	peekCmd.Flags().String("format", peekTable, "output format: table, csv, jsonl")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Validation happens in Config.Validate() after all config sources are loaded.
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ziptable")
	}

	viper.SetEnvPrefix("ZIPTABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}
