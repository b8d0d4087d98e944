// Package pipeline runs the full monthly refresh: fetch, convert, export and
// sync, verify, archive and publish the metadata.
//
// Stages run strictly one after another. A stage that returns an error aborts
// the run; per-item failures inside a stage (a corrupt archive, a failed
// shard, a mismatching sample) mark the stage as not OK and the run goes on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencnpj/cnpjsync/internal/engine"
	"github.com/opencnpj/cnpjsync/internal/export"
	"github.com/opencnpj/cnpjsync/internal/fetch"
	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/progress"
	"github.com/opencnpj/cnpjsync/internal/transform"
	"github.com/opencnpj/cnpjsync/internal/verify"
)

// Stage names, in run order.
const (
	StageFetch   = "fetch"
	StageConvert = "convert"
	StageExport  = "export"
	StageVerify  = "verify"
	StageArchive = "archive"
	StagePublish = "publish-info"
)

// Fetcher downloads and extracts the registry archives of a period.
type Fetcher interface {
	Run(ctx context.Context, period string) (*fetch.Report, error)
}

// Converter turns raw CSVs into parquet and exposes them as views.
type Converter interface {
	ConvertCSV(ctx context.Context, dataDir, parquetDir string, tables []transform.CSVTable) (*engine.ConvertReport, error)
	LoadViews(ctx context.Context, parquetDir string, views []transform.View) int
}

// Exporter publishes the documents, the archive and the metadata.
type Exporter interface {
	Run(ctx context.Context) (*export.Report, error)
	ExportArchive(ctx context.Context, outPath string) (*export.ArchiveInfo, error)
	PublishInfo(ctx context.Context, archivePath, zipURL string) (*export.Info, error)
}

// Verifier checks a sample of published documents.
type Verifier interface {
	Run(ctx context.Context) (*verify.Report, error)
}

var (
	_ Converter = (*engine.Engine)(nil)
	_ Exporter  = (*export.Orchestrator)(nil)
	_ Verifier  = (*verify.Verifier)(nil)
)

// Options configures a Pipeline.
type Options struct {
	Fetcher   Fetcher
	Converter Converter
	Exporter  Exporter
	Verifier  Verifier

	Tables     []transform.CSVTable
	Views      []transform.View
	ExtractDir string
	ParquetDir string
	// ArchiveDir receives the bulk archive.
	ArchiveDir string
	ZipURL     string

	SkipFetch   bool
	SkipConvert bool
	SkipVerify  bool
	SkipArchive bool

	// RunID tags the run; a random one is generated when empty.
	RunID    string
	Observer progress.Observer
	Logger   *log.Logger
	Now      func() time.Time
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string
	OK       bool
	Skipped  bool
	Summary  string
	Duration time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID   string
	Period  string
	Stages  []StageResult
	Archive string
	// SyncSkipped is true when no storage backend was available to export.
	SyncSkipped bool
	Duration    time.Duration
}

// OK reports whether every stage that ran completed cleanly.
func (r *Report) OK() bool {
	for _, s := range r.Stages {
		if !s.OK && !s.Skipped {
			return false
		}
	}
	return true
}

// Pipeline runs the stages.
type Pipeline struct {
	opts     Options
	observer progress.Observer
	logger   *log.Logger
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Converter == nil || opts.Exporter == nil {
		return nil, fmt.Errorf("pipeline requires a converter and an exporter")
	}
	if opts.Fetcher == nil && !opts.SkipFetch {
		return nil, fmt.Errorf("pipeline requires a fetcher unless fetch is skipped")
	}
	if opts.Verifier == nil && !opts.SkipVerify {
		return nil, fmt.Errorf("pipeline requires a verifier unless verify is skipped")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("pipeline")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	observer := opts.Observer
	if observer == nil {
		observer = progress.Nop{}
	}
	return &Pipeline{opts: opts, observer: observer, logger: opts.Logger}, nil
}

// RunID returns the identifier of the run.
func (p *Pipeline) RunID() string { return p.opts.RunID }

// stageFunc does the work of a stage. ok is false when items failed but the
// run may continue; err aborts the run.
type stageFunc func(ctx context.Context) (summary string, ok bool, err error)

// Run executes the stages for period (YYYY-MM; empty means the current month).
// The returned report covers every stage that started, including the one
// that failed.
func (p *Pipeline) Run(ctx context.Context, period string) (*Report, error) {
	start := p.opts.Now()
	if period == "" {
		period = start.Format("2006-01")
	}
	report := &Report{RunID: p.opts.RunID, Period: period}
	p.logger.Printf("Run %s started for %s", report.RunID, period)

	stages := []struct {
		name string
		skip bool
		fn   stageFunc
	}{
		{StageFetch, p.opts.SkipFetch, func(ctx context.Context) (string, bool, error) {
			return p.fetch(ctx, period)
		}},
		{StageConvert, false, p.convert},
		{StageExport, false, func(ctx context.Context) (string, bool, error) {
			return p.export(ctx, report)
		}},
		{StageVerify, p.opts.SkipVerify, func(ctx context.Context) (string, bool, error) {
			if report.SyncSkipped {
				return "", false, errSkip("nothing was published")
			}
			return p.verify(ctx)
		}},
		{StageArchive, p.opts.SkipArchive, func(ctx context.Context) (string, bool, error) {
			return p.archive(ctx, report)
		}},
		{StagePublish, p.opts.SkipArchive, func(ctx context.Context) (string, bool, error) {
			if report.SyncSkipped {
				return "", false, errSkip("no storage backend")
			}
			return p.publish(ctx, report)
		}},
	}

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		p.logger.Printf("%d/%d %s", i+1, len(stages), st.name)

		if st.skip {
			report.Stages = append(report.Stages, StageResult{Name: st.name, OK: true, Skipped: true, Summary: "skipped"})
			continue
		}

		res, err := p.runStage(ctx, st.name, st.fn)
		report.Stages = append(report.Stages, res)
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("stage %s: %w", st.name, err)
		}
	}

	report.Duration = time.Since(start)
	p.logger.Printf("Run %s finished in %s", report.RunID, report.Duration.Round(time.Second))
	return report, nil
}

type skipError string

func (e skipError) Error() string { return string(e) }

func errSkip(reason string) error { return skipError(reason) }

func (p *Pipeline) runStage(ctx context.Context, name string, fn stageFunc) (StageResult, error) {
	start := time.Now()
	p.observer.StageStarted(name)

	summary, ok, err := fn(ctx)
	res := StageResult{Name: name, OK: ok && err == nil, Summary: summary, Duration: time.Since(start)}

	var skip skipError
	if errors.As(err, &skip) {
		res.OK, res.Skipped, res.Summary = true, true, "skipped: "+string(skip)
		err = nil
	} else if err != nil {
		res.Summary = err.Error()
	}

	p.observer.StageDone(name, res.OK, res.Summary, res.Duration)
	return res, err
}

func (p *Pipeline) fetch(ctx context.Context, period string) (string, bool, error) {
	r, err := p.opts.Fetcher.Run(ctx, period)
	if err != nil {
		return "", false, err
	}
	downloaded := 0
	for _, a := range r.Archives {
		if !a.Skipped {
			downloaded++
		}
	}
	summary := fmt.Sprintf("%d archives (%d downloaded)", len(r.Archives), downloaded)
	ok := true
	if x := r.Extract; x != nil {
		if x.Skipped {
			summary += ", extraction skipped"
		} else {
			summary += fmt.Sprintf(", %d extracted, %d corrupt, %d failed", len(x.Extracted), len(x.Corrupt), len(x.Failed))
		}
		ok = len(x.Corrupt) == 0 && len(x.Failed) == 0
	}
	return summary, ok, nil
}

func (p *Pipeline) convert(ctx context.Context) (string, bool, error) {
	var parts []string
	ok := true
	if p.opts.SkipConvert {
		parts = append(parts, "conversion skipped")
	} else {
		r, err := p.opts.Converter.ConvertCSV(ctx, p.opts.ExtractDir, p.opts.ParquetDir, p.opts.Tables)
		if err != nil {
			return "", false, err
		}
		parts = append(parts, fmt.Sprintf("%d converted, %d up to date, %d missing",
			len(r.Converted), len(r.Skipped), len(r.Missing)))
		ok = len(r.Missing) == 0
	}

	loaded := p.opts.Converter.LoadViews(ctx, p.opts.ParquetDir, p.opts.Views)
	if loaded == 0 && len(p.opts.Views) > 0 {
		return "", false, fmt.Errorf("no views could be loaded from %s", p.opts.ParquetDir)
	}
	parts = append(parts, fmt.Sprintf("%d/%d views", loaded, len(p.opts.Views)))
	return strings.Join(parts, ", "), ok && loaded == len(p.opts.Views), nil
}

func (p *Pipeline) export(ctx context.Context, report *Report) (string, bool, error) {
	r, err := p.opts.Exporter.Run(ctx)
	if err != nil {
		return "", false, err
	}
	if r.SyncSkipped {
		report.SyncSkipped = true
		return "sync skipped: no storage backend available", true, nil
	}
	summary := fmt.Sprintf("%d uploaded, %d unchanged, %d/%d shards failed to %s",
		r.Uploaded(), r.Unchanged(), len(r.Failed()), len(r.Shards), r.Backend)
	if r.BackupErr != nil {
		summary += ", hash cache backup failed"
	}
	return summary, r.OK() && r.BackupErr == nil, nil
}

func (p *Pipeline) verify(ctx context.Context) (string, bool, error) {
	r, err := p.opts.Verifier.Run(ctx)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("%d match, %d mismatch, %d error",
		r.Count(verify.Match), r.Count(verify.Mismatch), r.Count(verify.Error)), r.Passed, nil
}

func (p *Pipeline) archive(ctx context.Context, report *Report) (string, bool, error) {
	out := filepath.Join(p.opts.ArchiveDir, export.ArchiveName(p.opts.Now()))
	info, err := p.opts.Exporter.ExportArchive(ctx, out)
	if err != nil {
		return "", false, err
	}
	report.Archive = info.Path
	return fmt.Sprintf("%d entries, %d bytes", info.Entries, info.Size), true, nil
}

func (p *Pipeline) publish(ctx context.Context, report *Report) (string, bool, error) {
	info, err := p.opts.Exporter.PublishInfo(ctx, report.Archive, p.opts.ZipURL)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("total %d, zip %d bytes", info.Total, info.ZipSize), true, nil
}
