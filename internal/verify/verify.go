// Package verify cross-checks a random sample of published documents against
// documents regenerated from the analytical tables.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opencnpj/cnpjsync/internal/document"
	"github.com/opencnpj/cnpjsync/internal/engine"
	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/progress"
	"github.com/opencnpj/cnpjsync/internal/storage"
	"github.com/opencnpj/cnpjsync/internal/transform"
)

// ErrEmptySample is returned when no identifier could be sampled.
var ErrEmptySample = errors.New("no entities to sample")

// Outcome is the result of checking one entity.
type Outcome string

const (
	Match    Outcome = "match"
	Mismatch Outcome = "mismatch"
	Error    Outcome = "error"
)

// Exporter regenerates the canonical document of one entity.
type Exporter interface {
	Document(ctx context.Context, id string) (document.Document, error)
}

// Options configures a Verifier.
type Options struct {
	Engine    engine.Querier
	Transform transform.Transform
	Exporter  Exporter
	Storage   storage.Provider
	// SampleSize is the total number of entities checked.
	SampleSize int
	// RichPerKind is the number of ids drawn from each rich sample query
	// before the random fill.
	RichPerKind int
	Parallel    int
	// TempDir receives the downloaded remote copies. It is removed after the
	// run.
	TempDir  string
	Observer progress.Observer
	Logger   *log.Logger
}

// Sample is the outcome for one entity.
type Sample struct {
	ID         string
	Outcome    Outcome
	LocalHash  string
	RemoteHash string
	Note       string
}

// Report summarizes a verification run.
type Report struct {
	Samples []Sample
	// Passed is true when every sample matched.
	Passed  bool
	Backend string
	Elapsed time.Duration
}

// Count returns the number of samples with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, s := range r.Samples {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// Verifier runs integrity checks.
type Verifier struct {
	opts     Options
	observer progress.Observer
	logger   *log.Logger
}

// New creates a Verifier.
func New(opts Options) (*Verifier, error) {
	if opts.Engine == nil || opts.Transform == nil || opts.Exporter == nil {
		return nil, fmt.Errorf("verifier requires an engine, a transform and an exporter")
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	opts.SampleSize = max(opts.SampleSize, 1)
	opts.RichPerKind = max(opts.RichPerKind, 0)
	opts.Parallel = max(opts.Parallel, 1)
	if opts.Logger == nil {
		opts.Logger = logging.Default("verify")
	}
	observer := opts.Observer
	if observer == nil {
		observer = progress.Nop{}
	}
	return &Verifier{opts: opts, observer: observer, logger: opts.Logger}, nil
}

// Run samples entities and compares each regenerated document with its
// published copy. A missing storage backend is fatal. Per-entity failures
// are recorded as Error samples and do not stop the run.
func (v *Verifier) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	if v.opts.Storage == nil {
		return nil, fmt.Errorf("verify: %w", storage.ErrNoBackend)
	}
	backend, err := v.opts.Storage.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	ids, err := v.SampleIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrEmptySample
	}

	tmp := filepath.Join(v.opts.TempDir, "verify-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, fmt.Errorf("failed to create verify directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	v.logger.Printf("Verifying %d entities against %s", len(ids), backend.Name())

	report := &Report{Samples: make([]Sample, len(ids)), Backend: backend.Name()}
	var g errgroup.Group
	g.SetLimit(v.opts.Parallel)
	for i, id := range ids {
		g.Go(func() error {
			s := v.check(ctx, backend, tmp, id)
			report.Samples[i] = s
			v.observer.VerifySample(s.ID, string(s.Outcome), s.Note)
			return nil
		})
	}
	_ = g.Wait()

	report.Passed = report.Count(Match) == len(report.Samples)
	report.Elapsed = time.Since(start)
	status := "failed"
	if report.Passed {
		status = "passed"
	}
	v.logger.Printf("Verification %s: %d match, %d mismatch, %d error",
		status, report.Count(Match), report.Count(Mismatch), report.Count(Error))
	return report, nil
}

// SampleIDs picks the identifiers to check: RichPerKind ids from each rich
// sample query first, then random ids up to SampleSize. The result holds no
// duplicates.
func (v *Verifier) SampleIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(row []string) error {
		if len(ids) >= v.opts.SampleSize {
			return nil
		}
		if len(row) == 0 || row[0] == "" || seen[row[0]] {
			return nil
		}
		seen[row[0]] = true
		ids = append(ids, row[0])
		return nil
	}

	if v.opts.RichPerKind > 0 {
		for _, q := range v.opts.Transform.RichSampleQueries(v.opts.RichPerKind) {
			if err := v.opts.Engine.QueryRows(ctx, q, add); err != nil {
				v.logger.Printf("WARNING: rich sample query failed: %v", err)
			}
		}
	}

	remaining := v.opts.SampleSize - len(ids)
	if remaining <= 0 {
		return ids, nil
	}
	// Oversample so duplicates of the rich picks still leave enough ids.
	q := v.opts.Transform.RandomSampleQuery(max(remaining*2, 8))
	if err := v.opts.Engine.QueryRows(ctx, q, add); err != nil {
		return nil, fmt.Errorf("random sample query: %w", err)
	}
	return ids, nil
}

func (v *Verifier) check(ctx context.Context, backend storage.Backend, tmp, id string) Sample {
	s := Sample{ID: id}
	fail := func(note string) Sample {
		s.Outcome = Error
		s.Note = note
		v.logger.Printf("✗ %s: %s", id, note)
		return s
	}

	local, err := v.opts.Exporter.Document(ctx, id)
	if err != nil {
		return fail(fmt.Sprintf("local generation failed: %v", err))
	}
	s.LocalHash = local.Fingerprint

	remotePath := filepath.Join(tmp, document.Filename(id))
	if !backend.DownloadFile(ctx, document.Filename(id), remotePath) {
		return fail("remote document missing or download failed")
	}
	raw, err := os.ReadFile(remotePath)
	if err != nil {
		return fail(fmt.Sprintf("failed to read remote copy: %v", err))
	}
	norm, err := document.Normalize(raw)
	if err != nil {
		return fail(fmt.Sprintf("remote document is not valid JSON: %v", err))
	}
	s.RemoteHash = document.Fingerprint(norm)

	if s.LocalHash == s.RemoteHash {
		s.Outcome = Match
		return s
	}
	s.Outcome = Mismatch
	s.Note = "published content differs from regenerated document"
	v.logger.Printf("✗ %s: local %s, remote %s", id, s.LocalHash, s.RemoteHash)
	return s
}
