package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airframesio/ziptable/cmd/downloader"
	"github.com/airframesio/ziptable/cmd/extractor"
	"github.com/airframesio/ziptable/cmd/formatters"
	"github.com/airframesio/ziptable/cmd/indexcache"
	"github.com/airframesio/ziptable/cmd/locator"
	"github.com/airframesio/ziptable/cmd/rangefetch"
	"github.com/airframesio/ziptable/cmd/ziparchive"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("entry not found in archive")
	ErrTargetsFailed = errors.New("targets failed")
)

// How a target's member was chosen
const (
	ResolvedByName     = "name"
	ResolvedByCache    = "cache"
	ResolvedBySampling = "sampling"
)

// TargetResult is the outcome of one target
type TargetResult struct {
	Target     string
	Entry      ziparchive.Entry
	ResolvedBy string
	DryRun     bool
	Download   *downloader.Result
	Extract    *extractor.Result
	Upload     *UploadResult
	Err        error
	Duration   time.Duration
}

func (r TargetResult) line() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("❌ %s: %v", r.Target, r.Err)
	case r.DryRun:
		return fmt.Sprintf("🔎 %s → %s (%s, by %s, dry run)", r.Target, r.Entry.Name, humanize.IBytes(r.Entry.UncompressedSize), r.ResolvedBy)
	case r.Extract == nil && r.Download != nil:
		return fmt.Sprintf("📥 %s → %s (%s, sha256 %s)", r.Target, r.Download.LocalPath, humanize.IBytes(r.Download.TotalBytes), r.Download.ContentHash)
	case r.Extract == nil:
		return fmt.Sprintf("📥 %s → %s", r.Target, r.Entry.Name)
	case r.Upload != nil && r.Upload.Skipped:
		return fmt.Sprintf("⏭️  %s → %s rows, already in S3 at %s", r.Target, humanize.Comma(int64(r.Extract.RowCount)), r.Upload.Key)
	case r.Upload != nil:
		return fmt.Sprintf("✅ %s → %s rows, uploaded %s", r.Target, humanize.Comma(int64(r.Extract.RowCount)), r.Upload.Key)
	default:
		return fmt.Sprintf("✅ %s → %s rows in %s", r.Target, humanize.Comma(int64(r.Extract.RowCount)), r.Extract.OutputPath)
	}
}

// Pipeline runs every configured target against one archive: index, locate,
// download, extract and optionally upload.
type Pipeline struct {
	config    *Config
	logger    *slog.Logger
	src       rangefetch.Source
	indexes   *indexcache.Cache
	locates   *LocateCache
	uploader  *ArtifactUploader
	reporter  Reporter
	locator   *locator.Locator
	extractor *extractor.Extractor
	runID     string
	now       func() time.Time

	downloadOnly bool
}

type PipelineOption func(*Pipeline)

// WithSource replaces the HTTP range fetcher
func WithSource(src rangefetch.Source) PipelineOption {
	return func(p *Pipeline) { p.src = src }
}

func WithIndexCache(c *indexcache.Cache) PipelineOption {
	return func(p *Pipeline) { p.indexes = c }
}

func WithLocateCache(c *LocateCache) PipelineOption {
	return func(p *Pipeline) { p.locates = c }
}

func WithUploader(u *ArtifactUploader) PipelineOption {
	return func(p *Pipeline) { p.uploader = u }
}

func WithReporter(r Reporter) PipelineOption {
	return func(p *Pipeline) { p.reporter = r }
}

// WithDownloadOnly stops each target after its payload is downloaded and
// keeps the payload.
func WithDownloadOnly() PipelineOption {
	return func(p *Pipeline) { p.downloadOnly = true }
}

func NewPipeline(config *Config, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	runID := uuid.New().String()
	logger = logger.With("run", runID)
	p := &Pipeline{
		config:    config,
		logger:    logger,
		locator:   locator.New(logger),
		extractor: extractor.New(logger),
		runID:     runID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.src == nil {
		p.src = rangefetch.New(config.ArchiveURL, rangefetch.Options{
			RequestTimeout: config.Download.RequestTimeout,
			UserAgent:      "ziptable/" + Version,
		})
	}
	if p.reporter == nil {
		p.reporter = newLogReporter(logger, nil)
	}
	return p
}

// RunID identifies this run in logs and the task info file
func (p *Pipeline) RunID() string { return p.runID }

// Index returns the archive index, from the cache when it holds one for the
// current archive size.
func (p *Pipeline) Index(ctx context.Context) (*ziparchive.Index, bool, error) {
	p.reporter.Phase(PhaseProbing, "", "Probing archive size...")
	size, err := p.src.ProbeSize(ctx)
	if err != nil {
		return nil, false, err
	}

	if p.indexes != nil {
		if idx, ok := p.indexes.Load(ctx, p.config.ArchiveURL, size); ok {
			p.reporter.Message(fmt.Sprintf("📚 Index loaded from cache (%d entries, %s)", len(idx.Entries), humanize.IBytes(size)))
			return idx, true, nil
		}
	}

	p.reporter.Phase(PhaseIndexing, "", fmt.Sprintf("Reading central directory of %s archive...", humanize.IBytes(size)))
	idx, err := ziparchive.Parse(ctx, p.src, p.config.ArchiveURL)
	if err != nil {
		return nil, false, err
	}
	p.reporter.Message(fmt.Sprintf("📚 Indexed %d entries", len(idx.Entries)))

	if p.indexes != nil {
		p.indexes.Save(ctx, p.config.ArchiveURL, idx.TotalSize, idx)
	}
	return idx, false, nil
}

// Resolve picks the member for a target: by exact name, from the locate
// cache, or by sampling candidates.
func (p *Pipeline) Resolve(ctx context.Context, idx *ziparchive.Index, t *TargetConfig) (ziparchive.Entry, string, error) {
	if t.Entry != "" {
		e, ok := idx.Lookup(t.Entry)
		if !ok {
			return ziparchive.Entry{}, "", fmt.Errorf("%w: %s", ErrEntryNotFound, t.Entry)
		}
		return e, ResolvedByName, nil
	}

	target, err := t.LocatorTarget()
	if err != nil {
		return ziparchive.Entry{}, "", err
	}

	if p.locates != nil {
		if name, ok := p.locates.get(idx.URL, idx.TotalSize, t.Name); ok {
			if e, found := idx.Lookup(name); found {
				valid, err := p.locator.Verify(ctx, p.src, e, target)
				if err != nil {
					return ziparchive.Entry{}, "", err
				}
				if valid {
					return e, ResolvedByCache, nil
				}
			}
			p.logger.Debug(fmt.Sprintf("Cached entry %s no longer matches target %s", name, t.Name))
			p.locates.forget(idx.URL, idx.TotalSize, t.Name)
		}
	}

	p.reporter.Phase(PhaseLocating, t.Name, fmt.Sprintf("Sampling %d candidates...", len(locator.Candidates(idx, target))))
	e, err := p.locator.Locate(ctx, p.src, idx, target)
	if err != nil {
		return ziparchive.Entry{}, "", err
	}

	if p.locates != nil {
		p.locates.set(idx.URL, idx.TotalSize, t.Name, e.Name)
		if err := p.locates.save(); err != nil {
			p.logger.Warn(fmt.Sprintf("⚠️  Failed to save locate cache: %v", err))
		}
	}
	return e, ResolvedBySampling, nil
}

func (p *Pipeline) payloadPath(t *TargetConfig, e ziparchive.Entry) string {
	return filepath.Join(p.config.WorkDir, t.Name, e.Basename())
}

// DownloadEntry fetches the compressed payload of e into the work directory.
// Resumed chunks are tied to the archive idx describes.
func (p *Pipeline) DownloadEntry(ctx context.Context, idx *ziparchive.Index, t *TargetConfig, e ziparchive.Entry) (*downloader.Result, error) {
	chunkSize, err := p.config.Download.ChunkBytes()
	if err != nil {
		return nil, err
	}
	dest := p.payloadPath(t, e)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	p.reporter.Phase(PhaseDownloading, t.Name, fmt.Sprintf("Downloading %s (%s)...", e.Name, humanize.IBytes(e.CompressedSize)))
	return downloader.Download(ctx, p.src, e, dest, downloader.Options{
		ChunkSize:   chunkSize,
		Parallelism: p.config.Download.Parallelism,
		MaxRetries:  p.config.Download.MaxRetries,
		BaseBackoff: p.config.Download.BaseBackoff,
		Resume:      p.config.Download.Resume,
		Origin:      archiveKey(idx.URL, idx.TotalSize),
		Logger:      p.logger,
		Progress: func(pr downloader.Progress) {
			p.reporter.Bytes(pr.BytesDone, pr.BytesTotal, pr.ChunksDone, pr.ChunksTotal)
		},
	})
}

// Run processes every target in order. A failing target does not stop the
// others; cancellation does.
func (p *Pipeline) Run(ctx context.Context) ([]TargetResult, error) {
	idx, _, err := p.Index(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]TargetResult, 0, len(p.config.Targets))
	var errs []error
	for i := range p.config.Targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r := p.runTarget(ctx, idx, &p.config.Targets[i])
		results = append(results, r)
		p.reporter.TargetDone(r)
		if r.Err != nil {
			if errors.Is(r.Err, context.Canceled) {
				return results, r.Err
			}
			errs = append(errs, fmt.Errorf("%s: %w", r.Target, r.Err))
		}
	}
	p.reporter.Phase(PhaseComplete, "", "Done")

	if len(errs) > 0 {
		summary := fmt.Errorf("%w: %d of %d", ErrTargetsFailed, len(errs), len(results))
		return results, errors.Join(append([]error{summary}, errs...)...)
	}
	return results, nil
}

func (p *Pipeline) runTarget(ctx context.Context, idx *ziparchive.Index, t *TargetConfig) (r TargetResult) {
	started := p.now()
	r.Target = t.Name
	defer func() { r.Duration = p.now().Sub(started) }()

	r.Entry, r.ResolvedBy, r.Err = p.Resolve(ctx, idx, t)
	if r.Err != nil {
		return r
	}
	p.reporter.Message(fmt.Sprintf("🎯 %s → %s (%s, by %s)", t.Name, r.Entry.Name, humanize.IBytes(r.Entry.UncompressedSize), r.ResolvedBy))

	if p.config.DryRun {
		r.DryRun = true
		return r
	}

	r.Download, r.Err = p.DownloadEntry(ctx, idx, t, r.Entry)
	if r.Err != nil || p.downloadOnly {
		return r
	}
	if !p.config.Download.KeepPayload {
		defer os.Remove(r.Download.LocalPath)
	}

	spec, err := t.ExtractSpec(r.Entry.Method)
	if err != nil {
		r.Err = err
		return r
	}
	out, err := t.OutputPath(p.config.OutputDir)
	if err != nil {
		r.Err = err
		return r
	}
	if err := os.MkdirAll(p.config.OutputDir, 0o755); err != nil {
		r.Err = fmt.Errorf("failed to create output directory: %w", err)
		return r
	}

	p.reporter.Phase(PhaseExtracting, t.Name, fmt.Sprintf("Extracting %d columns to %s...", len(spec.Columns), filepath.Base(out)))
	r.Extract, r.Err = p.extractor.Extract(ctx, r.Download.LocalPath, out, spec)
	if r.Err != nil {
		return r
	}

	if p.uploader != nil {
		r.Upload, r.Err = p.upload(ctx, t, spec, out)
	}
	return r
}

func (p *Pipeline) upload(ctx context.Context, t *TargetConfig, spec extractor.Spec, out string) (*UploadResult, error) {
	sf, err := formatters.GetStreamingFormatter(spec.Format, spec.Compression)
	if err != nil {
		return nil, err
	}
	ext := strings.TrimPrefix(filepath.Base(out), t.Name)
	key := NewPathTemplate(p.config.S3.PathTemplate).ObjectKey(t.Name, ArchiveName(p.config.ArchiveURL), p.now(), p.config.S3.FileStamp, ext)

	p.reporter.Phase(PhaseUploading, t.Name, fmt.Sprintf("Uploading to s3://%s/%s...", p.config.S3.Bucket, key))
	return p.uploader.Upload(ctx, out, key, sf.MIMEType())
}

// logReporter renders progress as log lines for debug and non-interactive runs
type logReporter struct {
	logger   *slog.Logger
	taskInfo *TaskInfo

	mu      sync.Mutex
	lastPct int
}

func newLogReporter(logger *slog.Logger, taskInfo *TaskInfo) *logReporter {
	return &logReporter{logger: logger, taskInfo: taskInfo, lastPct: -1}
}

var phaseIcons = map[Phase]string{
	PhaseProbing:     "📡",
	PhaseIndexing:    "📚",
	PhaseLocating:    "🔍",
	PhaseDownloading: "📥",
	PhaseExtracting:  "🧮",
	PhaseUploading:   "☁️ ",
	PhaseComplete:    "🏁",
}

func (r *logReporter) Phase(phase Phase, target, message string) {
	if target != "" {
		r.logger.Info(fmt.Sprintf("%s [%s] %s", phaseIcons[phase], target, message))
	} else {
		r.logger.Info(fmt.Sprintf("%s %s", phaseIcons[phase], message))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPct = -1
	if r.taskInfo != nil {
		r.taskInfo.CurrentTarget = target
		r.taskInfo.CurrentStep = phase.String()
		_ = WriteTaskInfo(r.taskInfo)
	}
}

func (r *logReporter) Message(message string) {
	r.logger.Info(message)
}

// Bytes logs at most once per ten percent.
func (r *logReporter) Bytes(done, total uint64, chunksDone, chunksTotal int) {
	if total == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pct := int(done * 100 / total)
	if pct/10 == r.lastPct/10 && r.lastPct >= 0 {
		return
	}
	r.lastPct = pct
	r.logger.Debug(fmt.Sprintf("  📥 %d%% (%d/%d chunks, %s/%s)", pct, chunksDone, chunksTotal, humanize.IBytes(done), humanize.IBytes(total)))
	if r.taskInfo != nil {
		r.taskInfo.BytesDone, r.taskInfo.BytesTotal = done, total
		_ = WriteTaskInfo(r.taskInfo)
	}
}

func (r *logReporter) TargetDone(result TargetResult) {
	if result.Err != nil {
		r.logger.Error(result.line())
	} else {
		r.logger.Info(result.line())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taskInfo != nil {
		r.taskInfo.DoneItems++
		_ = WriteTaskInfo(r.taskInfo)
	}
}

// RunWithProgress runs the pipeline under the TUI. Quitting the TUI cancels
// the run.
func RunWithProgress(ctx context.Context, config *Config, logger *slog.Logger, taskInfo *TaskInfo, opts ...PipelineOption) ([]TargetResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	names := make([]string, len(config.Targets))
	for i, t := range config.Targets {
		names[i] = t.Name
	}
	program := tea.NewProgram(newProgressModel(config.ArchiveURL, names, taskInfo))

	// the TUI owns the terminal, so component logs are dropped
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline(config, quiet, append(opts, WithReporter(teaReporter{program: program}))...)
	if taskInfo != nil {
		taskInfo.RunID = p.RunID()
	}

	type outcome struct {
		results []TargetResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := p.Run(ctx)
		done <- outcome{results, err}
		program.Send(allCompleteMsg{err: err})
	}()

	final, err := program.Run()
	if err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("progress display failed: %w", err)
	}
	if m, ok := final.(progressModel); ok && m.cancelled {
		cancel()
	}
	o := <-done
	printSummary(logger, o.results)
	return o.results, o.err
}

func printSummary(logger *slog.Logger, results []TargetResult) {
	var succeeded, failed, skipped int
	var rows, downloaded uint64
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.DryRun || (r.Upload != nil && r.Upload.Skipped):
			skipped++
		default:
			succeeded++
		}
		if r.Download != nil {
			downloaded += r.Download.TotalBytes
		}
		if r.Extract != nil {
			rows += r.Extract.RowCount
		}
	}

	logger.Info("")
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Info("📈 Summary")
	logger.Info(fmt.Sprintf("✅ Successful: %d", succeeded))
	logger.Info(fmt.Sprintf("⏭️  Skipped: %d", skipped))
	if failed > 0 {
		logger.Info(fmt.Sprintf("❌ Failed: %d", failed))
	}
	if downloaded > 0 {
		logger.Info(fmt.Sprintf("📥 Downloaded: %s", humanize.IBytes(downloaded)))
	}
	if rows > 0 {
		logger.Info(fmt.Sprintf("🧮 Rows written: %s", humanize.Comma(int64(rows))))
	}
	for _, r := range results {
		logger.Info(r.line())
	}
}
