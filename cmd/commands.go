package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/airframesio/ziptable/cmd/extractor"
	"github.com/airframesio/ziptable/cmd/formatters"
	"github.com/airframesio/ziptable/cmd/indexcache"
	"github.com/airframesio/ziptable/cmd/ziparchive"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// peekTable prints rows as tab-separated columns under a styled header
const peekTable = "table"

var (
	ErrColumnsFlagInvalid = errors.New("columns must be index:name pairs, e.g. 1:recipient_id")
	ErrMatchInvalid       = errors.New("invalid --match expression")
	ErrNoTaskRunning      = errors.New("no extraction is running")
)

// loadConfig assembles the configuration from flags, environment and the
// config file.
func loadConfig() (*Config, error) {
	config := &Config{
		Debug:      viper.GetBool("debug"),
		LogFormat:  viper.GetString("log_format"),
		DryRun:     viper.GetBool("dry_run"),
		ArchiveURL: viper.GetString("archive_url"),
		WorkDir:    viper.GetString("work_dir"),
		OutputDir:  viper.GetString("output_dir"),
		Download: DownloadConfig{
			ChunkSize:      viper.GetString("download.chunk_size"),
			Parallelism:    viper.GetInt("download.parallelism"),
			MaxRetries:     viper.GetInt("download.max_retries"),
			BaseBackoff:    viper.GetDuration("download.base_backoff"),
			RequestTimeout: viper.GetDuration("download.request_timeout"),
			Resume:         viper.GetBool("download.resume"),
			KeepPayload:    viper.GetBool("download.keep_payload"),
		},
		Cache: CacheConfig{
			Backend:     viper.GetString("cache.backend"),
			Dir:         viper.GetString("cache.dir"),
			Prefix:      viper.GetString("cache.prefix"),
			Compression: viper.GetString("cache.compression"),
			LocateTTL:   viper.GetDuration("cache.locate_ttl"),
		},
		S3: S3Config{
			Endpoint:     viper.GetString("s3.endpoint"),
			Bucket:       viper.GetString("s3.bucket"),
			AccessKey:    viper.GetString("s3.access_key"),
			SecretKey:    viper.GetString("s3.secret_key"),
			Region:       viper.GetString("s3.region"),
			PathTemplate: viper.GetString("s3.path_template"),
			FileStamp:    viper.GetString("s3.file_stamp"),
			Upload:       viper.GetBool("s3.upload"),
		},
	}

	targets, err := loadTargets()
	if err != nil {
		return nil, err
	}
	config.Targets = targets
	return config, nil
}

// loadTargets returns the targets from the config file. --target narrows them
// to one, or defines a new one from the target flags when no configured
// target has that name.
func loadTargets() ([]TargetConfig, error) {
	var targets []TargetConfig
	if err := viper.UnmarshalKey("targets", &targets); err != nil {
		return nil, fmt.Errorf("failed to read targets: %w", err)
	}

	name := viper.GetString("target.name")
	if name == "" {
		return targets, nil
	}
	for _, t := range targets {
		if t.Name == name {
			return []TargetConfig{t}, nil
		}
	}
	t, err := flagTarget(name)
	if err != nil {
		return nil, err
	}
	return []TargetConfig{t}, nil
}

func flagTarget(name string) (TargetConfig, error) {
	columns, err := parseColumns(viper.GetStringSlice("target.columns"))
	if err != nil {
		return TargetConfig{}, err
	}
	var filter extractor.Filter
	for _, col := range viper.GetStringSlice("target.not_null") {
		filter.Rules = append(filter.Rules, extractor.FilterRule{Column: col, NotNull: true})
	}

	return TargetConfig{
		Name:        name,
		Entry:       viper.GetString("target.entry"),
		SizeMin:     viper.GetString("target.size_min"),
		SizeMax:     viper.GetString("target.size_max"),
		NamePattern: viper.GetString("target.name_pattern"),
		Signature:   viper.GetString("target.signature"),
		SampleBytes: viper.GetString("target.sample_bytes"),
		ColumnCount: viper.GetInt("target.column_count"),
		Delimiter:   viper.GetString("target.delimiter"),
		NullToken:   viper.GetString("target.null_token"),
		CSVQuoting:  viper.GetBool("target.csv_quoting"),
		Columns:     columns,
		Dedupe:      viper.GetBool("target.dedupe"),
		Filter:      filter,
		Format:      viper.GetString("target.format"),
		Compression: viper.GetString("target.compression"),
	}, nil
}

// parseColumns reads "index:name" pairs such as "1:recipient_id".
func parseColumns(pairs []string) ([]extractor.Column, error) {
	columns := make([]extractor.Column, 0, len(pairs))
	for _, pair := range pairs {
		idx, name, ok := strings.Cut(strings.TrimSpace(pair), ":")
		n, err := strconv.Atoi(idx)
		if !ok || err != nil || name == "" {
			return nil, fmt.Errorf("%w: '%s'", ErrColumnsFlagInvalid, pair)
		}
		columns = append(columns, extractor.Column{Index: n, Name: name})
	}
	return columns, nil
}

func buildIndexCache(config *Config, sess *session.Session, log *slog.Logger) (*indexcache.Cache, error) {
	var store indexcache.Store
	switch config.Cache.Backend {
	case cacheNone:
		return nil, nil
	case cacheFile:
		store = indexcache.NewFileStore(config.Cache.Dir)
	case cacheS3:
		store = indexcache.NewS3Store(s3.New(sess), config.S3.Bucket)
	default:
		store = indexcache.NewMemoryStore()
	}
	return indexcache.New(store, indexcache.Options{
		Prefix:      config.Cache.Prefix,
		Compression: config.Cache.Compression,
		Logger:      log,
	})
}

// pipelineOptions wires the caches and the uploader the config asks for.
func pipelineOptions(config *Config, log *slog.Logger) ([]PipelineOption, error) {
	var sess *session.Session
	if config.Cache.Backend == cacheS3 || config.S3.Upload {
		var err error
		if sess, err = newS3Session(config.S3); err != nil {
			return nil, err
		}
	}

	var opts []PipelineOption
	indexes, err := buildIndexCache(config, sess, log)
	if err != nil {
		return nil, err
	}
	if indexes != nil {
		opts = append(opts, WithIndexCache(indexes))
	}

	if config.Cache.LocateTTL > 0 {
		locates, err := loadLocateCache(defaultLocateCachePath(), config.Cache.LocateTTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLocateCache(locates))
	}

	if config.S3.Upload && !config.DryRun {
		opts = append(opts, WithUploader(newArtifactUploaderFromSession(sess, config.S3.Bucket, log)))
	}
	return opts, nil
}

func recoverPanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
		os.Exit(1)
	}
}

func startup(config *Config, mode string) {
	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 ziptable v%s - %s", Version, mode))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Info(fmt.Sprintf("📦 %s", config.ArchiveURL))
}

// runContext returns the signal context from main() and a channel to close
// once the run has returned. If shutdown takes longer than two seconds after
// a signal, the process exits with 130.
func runContext() (context.Context, chan struct{}, context.CancelFunc) {
	ctx := signalContext
	stop := context.CancelFunc(func() {})
	if ctx == nil {
		logger.Warn("Signal context not set, creating fallback...")
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	}

	exited := make(chan struct{})
	go func() {
		select {
		case <-exited:
			return
		case <-ctx.Done():
		}
		logger.Info("")
		logger.Info("⚠️  Interrupt signal received, shutting down...")
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
			logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
			os.Exit(130)
		}
	}()
	return ctx, exited, stop
}

// checkVersion runs the update check for at most two seconds.
func checkVersion(config *Config) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		result := defaultVersionChecker().Check(context.Background(), Version)
		versionCheckResult = &result

		if result.UpdateAvailable {
			logger.Info("")
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(result)))
		} else if result.Error != nil && config.Debug {
			logger.Debug(fmt.Sprintf("Version check failed: %v", result.Error))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Debug("Version check taking longer than expected, continuing...")
	}
}

// finish logs the outcome of a run and passes its error on to main.
func finish(err error, what string) error {
	if err == nil {
		logger.Info("")
		logger.Info(fmt.Sprintf("✅ %s completed successfully!", what))
		return nil
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("")
		logger.Info(fmt.Sprintf("⚠️  %s cancelled by user", what))
		return err
	}
	logger.Error(fmt.Sprintf("❌ %s failed: %s", what, err.Error()))
	return err
}

func runList(cmd *cobra.Command) error {
	defer recoverPanic()

	config, err := loadConfig()
	if err != nil {
		return err
	}
	initLogger(config.Debug, config.LogFormat)
	if err := config.ValidateSource(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}

	var match *regexp.Regexp
	if expr, _ := cmd.Flags().GetString("match"); expr != "" {
		if match, err = regexp.Compile(expr); err != nil {
			return fmt.Errorf("%w: %w", ErrMatchInvalid, err)
		}
	}

	opts, err := pipelineOptions(config, logger)
	if err != nil {
		return err
	}
	ctx, exited, stop := runContext()
	defer stop()
	defer close(exited)

	idx, cached, err := NewPipeline(config, logger, opts...).Index(ctx)
	if err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("Index has %d entries (cached: %t)", len(idx.Entries), cached))

	entries := make([]ziparchive.Entry, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		if match == nil || match.MatchString(e.Name) {
			entries = append(entries, e)
		}
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	return printEntries(os.Stdout, entries, asJSON)
}

func printEntries(w io.Writer, entries []ziparchive.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	var total uint64
	for _, e := range entries {
		total += e.UncompressedSize
		fmt.Fprintf(w, "%10s  %10s  %-8s  %s\n",
			humanize.IBytes(e.CompressedSize), humanize.IBytes(e.UncompressedSize),
			ziparchive.MethodName(e.Method), e.Name)
	}
	fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("%d entries, %s uncompressed", len(entries), humanize.IBytes(total))))
	return nil
}

// runTargets drives the pipeline without the TUI for locate and download.
func runTargets(mode string, dryRun bool, extra ...PipelineOption) error {
	defer recoverPanic()

	config, err := loadConfig()
	if err != nil {
		return err
	}
	config.DryRun = config.DryRun || dryRun
	startup(config, mode)

	if err := config.ValidateFetch(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}

	opts, err := pipelineOptions(config, logger)
	if err != nil {
		return err
	}
	ctx, exited, stop := runContext()
	defer stop()

	results, err := NewPipeline(config, logger, append(opts, extra...)...).Run(ctx)
	close(exited)
	printSummary(logger, results)
	return finish(err, mode)
}

func runLocate() error {
	return runTargets("Locate", true)
}

func runDownload() error {
	return runTargets("Download", false, WithDownloadOnly())
}

func runExtract() error {
	defer recoverPanic()

	config, err := loadConfig()
	if err != nil {
		return err
	}
	startup(config, "Extract")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}
	logger.Debug("Configuration validated successfully")

	checkVersion(config)

	if err := CheckNotRunning(); err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return err
	}
	if err := WritePIDFile(); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Failed to write PID file: %v", err))
	}
	defer RemovePIDFile()

	names := make([]string, len(config.Targets))
	for i, t := range config.Targets {
		names[i] = t.Name
	}
	taskInfo := &TaskInfo{
		PID:         os.Getpid(),
		StartTime:   time.Now(),
		ArchiveURL:  config.ArchiveURL,
		Targets:     names,
		CurrentStep: "starting",
		TotalItems:  len(names),
	}
	_ = WriteTaskInfo(taskInfo)
	defer RemoveTaskFile()

	opts, err := pipelineOptions(config, logger)
	if err != nil {
		return err
	}
	ctx, exited, stop := runContext()
	defer stop()

	if config.Debug || config.LogFormat == "json" || config.LogFormat == "logfmt" {
		p := NewPipeline(config, logger, append(opts, WithReporter(newLogReporter(logger, taskInfo)))...)
		taskInfo.RunID = p.RunID()
		var results []TargetResult
		results, err = p.Run(ctx)
		printSummary(logger, results)
	} else {
		_, err = RunWithProgress(ctx, config, logger, taskInfo, opts...)
	}
	close(exited)
	return finish(err, "Extraction")
}

// runPeek prints the columns and the first rows of an output artifact, as an
// aligned table or re-encoded as csv or jsonl. rows <= 0 prints every row.
func runPeek(w io.Writer, path string, rows int, format string) error {
	reader, err := formatters.OpenArtifact(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	chunk, err := readRows(reader, rows)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	columns := reader.Columns()

	if format != "" && format != peekTable {
		f, err := formatters.GetFormatter(format)
		if err != nil {
			return err
		}
		data, err := f.Format(columns, chunk)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = titleStyle.Render(c)
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range chunk {
		fields := make([]string, len(columns))
		for i, c := range columns {
			if v := row[c]; v == nil {
				fields[i] = "NULL"
			} else {
				fields[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	return nil
}

func readRows(r formatters.ArtifactReader, limit int) ([]map[string]interface{}, error) {
	const batch = 1024
	var rows []map[string]interface{}
	for limit <= 0 || len(rows) < limit {
		n := batch
		if limit > 0 && limit-len(rows) < n {
			n = limit - len(rows)
		}
		chunk, err := r.ReadChunk(n)
		rows = append(rows, chunk...)
		if errors.Is(err, io.EOF) || (err == nil && len(chunk) == 0) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// runStatus reports the task file of a running extraction.
func runStatus(w io.Writer) error {
	pid, err := ReadPIDFile()
	if err != nil || !IsProcessRunning(pid) {
		fmt.Fprintln(w, "💤 No extraction is running")
		return ErrNoTaskRunning
	}
	info, err := ReadTaskInfo()
	if err != nil {
		fmt.Fprintf(w, "🏃 PID %d is running (no task info yet)\n", pid)
		return nil
	}

	fmt.Fprintf(w, "🏃 PID %d, run %s, started %s\n", info.PID, info.RunID, humanize.Time(info.StartTime))
	fmt.Fprintf(w, "📦 %s\n", info.ArchiveURL)
	fmt.Fprintf(w, "🎯 %d/%d targets done", info.DoneItems, info.TotalItems)
	if info.CurrentTarget != "" {
		fmt.Fprintf(w, ", now %s (%s)", info.CurrentTarget, info.CurrentStep)
	}
	fmt.Fprintln(w)
	if info.BytesTotal > 0 {
		pct := float64(info.BytesDone) / float64(info.BytesTotal) * 100
		fmt.Fprintf(w, "📥 %s / %s (%.1f%%)\n", humanize.IBytes(info.BytesDone), humanize.IBytes(info.BytesTotal), pct)
	}
	return nil
}
