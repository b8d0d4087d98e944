// Package fetch downloads and extracts the monthly registry archives.
//
// A run lists the archive links on the period page, downloads the missing
// archives with a bounded worker pool and extracts them into the working
// directory. Downloads retry with linear backoff; a download that exhausts
// its retries fails the run. A corrupt archive is reported and skipped.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/opencnpj/cnpjsync/internal/config"
	"github.com/opencnpj/cnpjsync/internal/logging"
)

var (
	// ErrInvalidPeriod is returned for a period that is not YYYY-MM.
	ErrInvalidPeriod = errors.New("period must be YYYY-MM")

	// ErrNoArchives is returned when the listing page links no archives.
	ErrNoArchives = errors.New("no archives listed")

	// ErrCorruptArchive marks an archive that could not be read.
	ErrCorruptArchive = errors.New("corrupt archive")
)

var (
	periodPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
	hrefPattern   = regexp.MustCompile(`(?i)href="([^"]+?\.zip)"`)
)

const userAgent = "cnpjsync/1.0"

// Options configures a Fetcher.
type Options struct {
	// BaseURL is the listing root; the period page is BaseURL/<period>/.
	BaseURL     string
	DownloadDir string
	ExtractDir  string
	Parallel    int
	// Retries is the number of attempts per archive.
	Retries int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
	// Timeout bounds one download attempt.
	Timeout time.Duration
	// BytesPerSec caps the combined download rate. Zero means unlimited.
	BytesPerSec int
	// ExtractedPatterns are file name globs whose presence in ExtractDir
	// means extraction already happened.
	ExtractedPatterns []string
	Client            *http.Client
	Logger            *log.Logger
}

// OptionsFromConfig maps the downloader section of cfg to Options.
func OptionsFromConfig(cfg *config.Config, patterns []string, logger *log.Logger) Options {
	return Options{
		BaseURL:           cfg.Downloader.BaseURL,
		DownloadDir:       cfg.Paths.Download,
		ExtractDir:        cfg.Paths.Extracted,
		Parallel:          cfg.Downloader.Parallel,
		Retries:           cfg.Downloader.Retries,
		Backoff:           cfg.Downloader.Backoff,
		Timeout:           cfg.Downloader.Timeout,
		BytesPerSec:       cfg.Downloader.BytesPerSec,
		ExtractedPatterns: patterns,
		Logger:            logger,
	}
}

// FetchResult describes one archive.
type FetchResult struct {
	URL  string
	Path string
	// Skipped is true when the archive was already on disk.
	Skipped  bool
	Attempts int
}

// Report summarizes Run.
type Report struct {
	Period   string
	Archives []FetchResult
	Extract  *ExtractReport
}

// Fetcher downloads and extracts archives.
type Fetcher struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	opts.Parallel = max(opts.Parallel, 1)
	opts.Retries = max(opts.Retries, 1)
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("fetch")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	f := &Fetcher{opts: opts, client: client, logger: opts.Logger}
	if opts.BytesPerSec > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.BytesPerSec), max(opts.BytesPerSec, chunkSize))
	}
	return f
}

// Run fetches the archives of period (YYYY-MM; empty means the current
// month) and extracts them.
func (f *Fetcher) Run(ctx context.Context, period string) (*Report, error) {
	if period == "" {
		period = time.Now().Format("2006-01")
	}
	if !periodPattern.MatchString(period) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	pageURL := strings.TrimSuffix(f.opts.BaseURL, "/") + "/" + period + "/"
	f.logger.Printf("Listing %s", pageURL)

	urls, err := f.ListArchives(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w at %s", ErrNoArchives, pageURL)
	}
	f.logger.Printf("Found %d archive(s)", len(urls))

	results, err := f.DownloadAll(ctx, urls)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.Path
	}
	extract, err := f.Extract(ctx, paths)
	if err != nil {
		return nil, err
	}

	return &Report{Period: period, Archives: results, Extract: extract}, nil
}

// ListArchives returns the absolute, de-duplicated .zip links on pageURL in
// page order.
func (f *Fetcher) ListArchives(ctx context.Context, pageURL string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list archives: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read listing: %w", err)
	}

	seen := make(map[string]bool)
	var urls []string
	for _, m := range hrefPattern.FindAllStringSubmatch(string(body), -1) {
		href := strings.TrimSpace(m[1])
		if href == "" {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			f.logger.Printf("Ignoring malformed link %q", href)
			continue
		}
		abs := base.ResolveReference(ref).String()
		if !seen[abs] {
			seen[abs] = true
			urls = append(urls, abs)
		}
	}
	return urls, nil
}

// DownloadAll downloads every url not yet present in DownloadDir, Parallel at
// a time. Results follow the order of urls. The first archive that exhausts
// its retries cancels the rest and is returned as the error.
func (f *Fetcher) DownloadAll(ctx context.Context, urls []string) ([]FetchResult, error) {
	if err := os.MkdirAll(f.opts.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	results := make([]FetchResult, len(urls))
	for i, u := range urls {
		name, err := archiveName(u)
		if err != nil {
			return nil, err
		}
		results[i] = FetchResult{URL: u, Path: filepath.Join(f.opts.DownloadDir, name)}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Parallel)

	for i, u := range urls {
		dest := results[i].Path
		name := filepath.Base(dest)

		if _, err := os.Stat(dest); err == nil {
			f.logger.Printf("✓ %s (already present)", name)
			results[i].Skipped = true
			continue
		}

		g.Go(func() error {
			attempts, err := f.downloadWithRetry(gctx, u, dest)
			results[i].Attempts = attempts
			if err != nil {
				return fmt.Errorf("failed to download %s after %d attempt(s): %w", name, attempts, err)
			}
			f.logger.Printf("✓ %s", name)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (f *Fetcher) downloadWithRetry(ctx context.Context, rawURL, dest string) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= f.opts.Retries; attempt++ {
		lastErr = f.downloadOne(ctx, rawURL, dest)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		f.logger.Printf("✗ %s (attempt %d): %v", filepath.Base(dest), attempt, lastErr)
		if attempt == f.opts.Retries {
			return attempt, lastErr
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(f.opts.Backoff * time.Duration(attempt)):
		}
	}
	return f.opts.Retries, lastErr
}

// downloadOne streams rawURL to dest.part and renames it on success, so an
// interrupted download never looks complete.
func (f *Fetcher) downloadOne(ctx context.Context, rawURL, dest string) error {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}

	var src io.Reader = resp.Body
	if f.limiter != nil {
		src = &limitedReader{ctx: ctx, r: resp.Body, limiter: f.limiter}
	}

	if _, err := io.CopyBuffer(out, src, make([]byte, chunkSize)); err != nil {
		_ = out.Close()
		_ = os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(part)
		return err
	}
	return os.Rename(part, dest)
}

func archiveName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid archive url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("archive url %q has no file name", rawURL)
	}
	return name, nil
}

const chunkSize = 64 << 10

// limitedReader throttles reads through a shared token bucket.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if len(p) > l.limiter.Burst() {
		p = p[:l.limiter.Burst()]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
