// Package storage publishes documents to a remote store.
//
// A Backend moves files between the local disk and a store addressed by
// relative paths. Three variants exist: a plain filesystem copy, an rclone
// subprocess and an S3-compatible object store. Transfer operations report
// success as a bool; ordinary failures such as network errors or a missing
// remote file are logged and yield false, never an error.
//
// A Selector picks the configured backend, probes it and walks the fallback
// chain when it is unavailable.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Backend type names as used in configuration.
const (
	TypeFileSystem = "filesystem"
	TypeRclone     = "rclone"
	TypeS3         = "s3"
)

var (
	// ErrNoBackend is returned when no backend is enabled or available.
	ErrNoBackend = errors.New("no storage backend available")

	// ErrInvalidArgument is returned when a backend is constructed with
	// missing or malformed settings.
	ErrInvalidArgument = errors.New("invalid storage argument")
)

// Progress receives upload completion percentages in [0, 100]. May be nil.
type Progress func(percent int)

// Backend is the transfer contract shared by every store variant.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// UploadFolder copies every file under localDir to the store root,
	// keeping relative paths. Existing remote files are overwritten.
	UploadFolder(ctx context.Context, localDir string, progress Progress) bool

	// UploadFile copies one local file to remotePath.
	UploadFile(ctx context.Context, localPath, remotePath string) bool

	// DownloadFile copies remotePath to localPath. A missing remote file
	// yields false.
	DownloadFile(ctx context.Context, remotePath, localPath string) bool

	// IsAvailable probes whether the backend can be used right now.
	IsAvailable(ctx context.Context) bool
}

// Provider hands out the backend to use for an operation.
type Provider interface {
	Get(ctx context.Context) (Backend, error)
}

// Fixed returns a Provider that always yields b. A nil b yields ErrNoBackend.
func Fixed(b Backend) Provider {
	return fixed{b: b}
}

type fixed struct {
	b Backend
}

func (f fixed) Get(context.Context) (Backend, error) {
	if f.b == nil {
		return nil, ErrNoBackend
	}
	return f.b, nil
}

// cleanRemote normalizes a remote relative path: forward slashes, no
// leading slash, no parent escapes.
func cleanRemote(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}

func report(progress Progress, pct int) {
	if progress != nil {
		progress(pct)
	}
}
