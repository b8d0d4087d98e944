package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opencnpj/cnpjsync/internal/logging"
)

// RcloneOptions configures the rclone backend.
type RcloneOptions struct {
	// Binary is the rclone executable (default "rclone").
	Binary string
	// Remote is the destination root, e.g. "r2:opencnpj".
	Remote string
	// Transfers is rclone's --transfers.
	Transfers int
	// MaxConcurrent bounds simultaneous rclone processes.
	MaxConcurrent int
	// RetriesSleep is rclone's --retries-sleep.
	RetriesSleep time.Duration
	// LowLevelRetries is rclone's --low-level-retries.
	LowLevelRetries int
	// ProbeTimeout bounds the availability check.
	ProbeTimeout time.Duration

	Logger *log.Logger
}

// Rclone publishes through rclone subprocesses. Every transfer runs as its
// own process; at most MaxConcurrent run at once.
type Rclone struct {
	opts   RcloneOptions
	gate   *semaphore.Weighted
	logger *log.Logger
}

var transferRegex = regexp.MustCompile(`Transferred:\s+\d+\s*/\s*\d+,\s*(\d+)%`)

// NewRclone creates an rclone backend.
func NewRclone(opts RcloneOptions) (*Rclone, error) {
	if opts.Remote == "" {
		return nil, fmt.Errorf("%w: rclone remote is empty", ErrInvalidArgument)
	}
	if opts.Binary == "" {
		opts.Binary = "rclone"
	}
	opts.Remote = strings.TrimRight(opts.Remote, "/")
	opts.Transfers = max(opts.Transfers, 1)
	opts.MaxConcurrent = max(opts.MaxConcurrent, 1)
	if opts.RetriesSleep <= 0 {
		opts.RetriesSleep = 60 * time.Second
	}
	if opts.LowLevelRetries <= 0 {
		opts.LowLevelRetries = 10
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("storage")
	}

	return &Rclone{
		opts:   opts,
		gate:   semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger: opts.Logger,
	}, nil
}

// Name implements Backend.
func (r *Rclone) Name() string { return TypeRclone }

// IsAvailable runs `rclone version`.
func (r *Rclone) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.opts.Binary, "version")
	if err := cmd.Run(); err != nil {
		r.logger.Printf("rclone not available: %v", err)
		return false
	}
	return true
}

// UploadFolder implements Backend with `rclone copy`.
func (r *Rclone) UploadFolder(ctx context.Context, localDir string, progress Progress) bool {
	args := append([]string{"copy", localDir, r.opts.Remote + "/",
		"--progress",
		"--stats=1s",
		"--transfers=" + strconv.Itoa(r.opts.Transfers),
		"--no-traverse",
		"--no-check-dest",
		"--ignore-times",
		"--ignore-size",
		"--ignore-checksum",
		"--no-update-modtime",
		"--buffer-size=128M",
		"--checkers=1",
	}, r.retryFlags()...)

	if err := r.run(ctx, progress, args...); err != nil {
		r.logger.Printf("WARNING: rclone upload of %s failed: %v", localDir, err)
		return false
	}
	report(progress, 100)
	return true
}

// UploadFile implements Backend with `rclone copyto`.
func (r *Rclone) UploadFile(ctx context.Context, localPath, remotePath string) bool {
	args := append([]string{"copyto", localPath, r.remote(remotePath), "--no-update-modtime"}, r.retryFlags()...)
	if err := r.run(ctx, nil, args...); err != nil {
		r.logger.Printf("WARNING: rclone copyto %s failed: %v", remotePath, err)
		return false
	}
	return true
}

// DownloadFile implements Backend with `rclone copyto`. Success also
// requires the local file to exist afterwards.
func (r *Rclone) DownloadFile(ctx context.Context, remotePath, localPath string) bool {
	args := append([]string{"copyto", r.remote(remotePath), localPath}, r.retryFlags()...)
	if err := r.run(ctx, nil, args...); err != nil {
		r.logger.Printf("rclone download of %s failed: %v", remotePath, err)
		return false
	}
	if _, err := os.Stat(localPath); err != nil {
		r.logger.Printf("rclone download of %s produced no file", remotePath)
		return false
	}
	return true
}

func (r *Rclone) remote(p string) string {
	return r.opts.Remote + "/" + cleanRemote(p)
}

func (r *Rclone) retryFlags() []string {
	return []string{
		"--bwlimit=off",
		"--retries=-1",
		"--retries-sleep=" + r.opts.RetriesSleep.String(),
		"--low-level-retries=" + strconv.Itoa(r.opts.LowLevelRetries),
	}
}

// run executes one rclone invocation under the process gate. Progress is
// parsed from stdout; stderr is captured and attached to the error.
func (r *Rclone) run(ctx context.Context, progress Progress, args ...string) error {
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.gate.Release(1)

	cmd := exec.CommandContext(ctx, r.opts.Binary, args...)
	killProcessGroupOnCancel(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open rclone stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start rclone: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		if pct, ok := ParseProgress(scanner.Text()); ok {
			report(progress, pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, tail(stderr.String(), 2048))
		}
		return err
	}
	return nil
}

// ParseProgress extracts the transfer percentage from an rclone stats line.
func ParseProgress(line string) (int, bool) {
	m := transferRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return pct, true
}

// scanLinesOrCR splits on \n or \r; rclone redraws its progress block with
// carriage returns.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
