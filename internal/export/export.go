// Package export turns the analytical tables into published entity documents.
//
// The Orchestrator processes the identifier space shard by shard. For each
// shard it:
//  1. Runs the shard query into <work>/<shard>.ndjson (engine gate held)
//  2. Parses the lines in parallel into documents
//  3. Diffs them against the hash cache
//  4. Writes the accepted documents to <work>/<shard>/ and uploads the folder
//  5. Records the fingerprints, only after the upload succeeded
//  6. Removes the shard's files whatever the outcome
//
// Shards run Parallel at a time and fail independently. Once every shard has
// finished the hash cache is backed up.
package export

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencnpj/cnpjsync/internal/document"
	"github.com/opencnpj/cnpjsync/internal/engine"
	"github.com/opencnpj/cnpjsync/internal/hashcache"
	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/progress"
	"github.com/opencnpj/cnpjsync/internal/storage"
	"github.com/opencnpj/cnpjsync/internal/transform"
)

var (
	// ErrUploadFailed is returned when a shard's documents were not delivered.
	ErrUploadFailed = errors.New("upload failed")

	// ErrEntityNotFound is returned by ExportSingle for an unknown id.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidID is returned for an id that is not 14 digits.
	ErrInvalidID = errors.New("id must be 14 digits")
)

// parseBatch is the number of lines handed to one parse worker.
const parseBatch = 1024

// Cache is the fingerprint store the orchestrator diffs against.
type Cache interface {
	Diff(ctx context.Context, docs []document.Document) ([]document.Document, hashcache.DiffStats, error)
	Commit(ctx context.Context, docs []document.Document) error
	Flush(ctx context.Context) error
	Backup(ctx context.Context) error
}

var _ Cache = (*hashcache.Store)(nil)

// Options configures an Orchestrator.
type Options struct {
	Engine    engine.Querier
	Transform transform.Transform
	Cache     Cache
	Storage   storage.Provider
	// Shards defaults to Shards(100).
	Shards        []string
	Parallel      int
	ParseParallel int
	// WorkDir holds the intermediate files of in-flight shards.
	WorkDir  string
	Observer progress.Observer
	Logger   *log.Logger
}

// ShardResult is the outcome of one shard.
type ShardResult struct {
	Shard string
	// Parsed is the number of documents read from the engine output.
	Parsed int
	// Skipped lines could not be parsed into a document.
	Skipped  int
	Diff     hashcache.DiffStats
	Uploaded int
	Elapsed  time.Duration
	Err      error
}

// Report summarizes a Run.
type Report struct {
	Shards []ShardResult
	// SyncSkipped is true when no storage backend was available.
	SyncSkipped bool
	Backend     string
	BackupErr   error
	Elapsed     time.Duration
}

// Failed returns the shards that did not complete.
func (r *Report) Failed() []ShardResult {
	var out []ShardResult
	for _, s := range r.Shards {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Uploaded returns the number of documents delivered.
func (r *Report) Uploaded() int {
	n := 0
	for _, s := range r.Shards {
		n += s.Uploaded
	}
	return n
}

// Unchanged returns the number of documents the cache rejected.
func (r *Report) Unchanged() int {
	n := 0
	for _, s := range r.Shards {
		n += s.Diff.Unchanged
	}
	return n
}

// OK reports whether every shard completed.
func (r *Report) OK() bool {
	return len(r.Failed()) == 0
}

// Orchestrator drives the shard export.
type Orchestrator struct {
	opts     Options
	observer progress.Observer
	logger   *log.Logger
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil || opts.Transform == nil {
		return nil, fmt.Errorf("export requires an engine and a transform")
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("export work directory is empty")
	}
	if len(opts.Shards) == 0 {
		opts.Shards = Shards(100)
	}
	opts.Parallel = max(opts.Parallel, 1)
	opts.ParseParallel = max(opts.ParseParallel, 1)
	if opts.Logger == nil {
		opts.Logger = logging.Default("export")
	}
	observer := opts.Observer
	if observer == nil {
		observer = progress.Nop{}
	}
	return &Orchestrator{opts: opts, observer: observer, logger: opts.Logger}, nil
}

// Shards returns n two-digit shard keys: "00", "01", ... n is capped at 100.
func Shards(n int) []string {
	n = min(max(n, 0), 100)
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%02d", i)
	}
	return out
}

// Run exports and syncs every shard. Without a storage backend nothing is
// synced and the report says so. Shard failures are reported, not returned;
// the error is reserved for conditions that stop the whole run.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	if o.opts.Cache == nil || o.opts.Storage == nil {
		return nil, fmt.Errorf("export sync requires a hash cache and storage")
	}
	backend, err := o.opts.Storage.Get(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoBackend) {
			o.logger.Printf("WARNING: %v, skipping sync", err)
			report.SyncSkipped = true
			return report, nil
		}
		return nil, err
	}
	report.Backend = backend.Name()

	if err := os.MkdirAll(o.opts.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	o.logger.Printf("Exporting %d shards (%d parallel) to %s", len(o.opts.Shards), o.opts.Parallel, backend.Name())

	report.Shards = make([]ShardResult, len(o.opts.Shards))
	var g errgroup.Group
	g.SetLimit(o.opts.Parallel)
	for i, shard := range o.opts.Shards {
		g.Go(func() error {
			report.Shards[i] = o.processShard(ctx, backend, shard)
			return nil
		})
	}
	_ = g.Wait()

	if err := o.opts.Cache.Backup(ctx); err != nil {
		o.logger.Printf("WARNING: hash cache backup failed: %v", err)
		report.BackupErr = err
	}

	report.Elapsed = time.Since(start)
	o.logger.Printf("Export finished: %d uploaded, %d unchanged, %d failed shard(s) in %s",
		report.Uploaded(), report.Unchanged(), len(report.Failed()), report.Elapsed.Round(time.Second))
	return report, nil
}

func (o *Orchestrator) processShard(ctx context.Context, backend storage.Backend, shard string) (res ShardResult) {
	start := time.Now()
	res.Shard = shard
	o.observer.ShardStarted(shard)
	defer func() {
		res.Elapsed = time.Since(start)
		if res.Err != nil {
			o.logger.Printf("✗ shard %s: %v", shard, res.Err)
		}
		o.observer.ShardDone(shard, res.Uploaded, res.Err)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	ndjson := filepath.Join(o.opts.WorkDir, shard+".ndjson")
	dir := filepath.Join(o.opts.WorkDir, shard)
	defer func() {
		_ = os.Remove(ndjson)
		_ = os.RemoveAll(dir)
	}()

	if err := o.opts.Engine.CopyTo(ctx, o.opts.Transform.ShardQuery(shard), ndjson); err != nil {
		res.Err = fmt.Errorf("export query: %w", err)
		return res
	}

	docs, skipped, err := o.parseFile(ndjson)
	if err != nil {
		res.Err = fmt.Errorf("parse: %w", err)
		return res
	}
	res.Parsed, res.Skipped = len(docs), skipped

	accepted, stats, err := o.opts.Cache.Diff(ctx, docs)
	res.Diff = stats
	if err != nil {
		res.Err = fmt.Errorf("diff: %w", err)
		return res
	}
	if len(accepted) == 0 {
		o.logger.Printf("shard %s: no changes (%d documents)", shard, len(docs))
		return res
	}

	if err := writeDocuments(dir, accepted); err != nil {
		res.Err = fmt.Errorf("write: %w", err)
		return res
	}

	ok := backend.UploadFolder(ctx, dir, func(p int) { o.observer.ShardProgress(shard, p) })
	if !ok {
		res.Err = fmt.Errorf("%w: %d documents to %s", ErrUploadFailed, len(accepted), backend.Name())
		return res
	}

	if err := o.opts.Cache.Commit(ctx, accepted); err != nil {
		res.Err = fmt.Errorf("commit: %w", err)
		return res
	}
	if err := o.opts.Cache.Flush(ctx); err != nil {
		res.Err = fmt.Errorf("flush: %w", err)
		return res
	}

	res.Uploaded = len(accepted)
	o.logger.Printf("✓ shard %s: %d uploaded (%d new, %d changed, %d unchanged)",
		shard, res.Uploaded, stats.New, stats.Changed, stats.Unchanged)
	return res
}

// parseFile reads the engine output and parses its lines ParseParallel
// batches at a time. Documents are returned sorted by id.
func (o *Orchestrator) parseFile(path string) ([]document.Document, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		mu      sync.Mutex
		docs    []document.Document
		skipped int
	)
	var g errgroup.Group
	g.SetLimit(o.opts.ParseParallel)

	parse := func(lines [][]byte) {
		g.Go(func() error {
			out := make([]document.Document, 0, len(lines))
			bad := 0
			for _, line := range lines {
				if d, ok := document.ParseLine(line); ok {
					out = append(out, d)
				} else if len(bytes.TrimSpace(line)) > 0 {
					bad++
				}
			}
			mu.Lock()
			docs = append(docs, out...)
			skipped += bad
			mu.Unlock()
			return nil
		})
	}

	r := bufio.NewReaderSize(f, 1<<20)
	batch := make([][]byte, 0, parseBatch)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			batch = append(batch, line)
			if len(batch) == parseBatch {
				parse(batch)
				batch = make([][]byte, 0, parseBatch)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = g.Wait()
			return nil, 0, err
		}
	}
	if len(batch) > 0 {
		parse(batch)
	}
	_ = g.Wait()

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, skipped, nil
}

func writeDocuments(dir string, docs []document.Document) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, d := range docs {
		if err := os.WriteFile(filepath.Join(dir, d.Filename()), d.JSON, 0644); err != nil {
			return err
		}
	}
	return nil
}
