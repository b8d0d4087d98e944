package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/opencnpj/cnpjsync/internal/logging"
)

// FileSystem publishes by copying into a local root directory.
type FileSystem struct {
	root   string
	logger *log.Logger
}

// NewFileSystem creates a filesystem backend rooted at root.
func NewFileSystem(root string, logger *log.Logger) (*FileSystem, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: filesystem root is empty", ErrInvalidArgument)
	}
	if logger == nil {
		logger = logging.Default("storage")
	}
	return &FileSystem{root: root, logger: logger}, nil
}

// Name implements Backend.
func (f *FileSystem) Name() string { return TypeFileSystem }

// Root returns the directory documents are copied into.
func (f *FileSystem) Root() string { return f.root }

// IsAvailable creates and removes a marker file under the root.
func (f *FileSystem) IsAvailable(ctx context.Context) bool {
	if err := os.MkdirAll(f.root, 0755); err != nil {
		return false
	}
	probe := filepath.Join(f.root, ".test_write")
	if err := os.WriteFile(probe, []byte("test"), 0644); err != nil {
		return false
	}
	return os.Remove(probe) == nil
}

// UploadFolder implements Backend.
func (f *FileSystem) UploadFolder(ctx context.Context, localDir string, progress Progress) bool {
	var files []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		f.logger.Printf("WARNING: failed to list %s: %v", localDir, err)
		return false
	}

	for i, src := range files {
		if err := ctx.Err(); err != nil {
			f.logger.Printf("WARNING: upload of %s cancelled: %v", localDir, err)
			return false
		}
		rel, err := filepath.Rel(localDir, src)
		if err != nil {
			f.logger.Printf("WARNING: failed to relativize %s: %v", src, err)
			return false
		}
		if err := copyFile(src, f.target(rel)); err != nil {
			f.logger.Printf("WARNING: failed to copy %s: %v", rel, err)
			return false
		}
		report(progress, percent(i+1, len(files)))
	}

	if len(files) == 0 {
		report(progress, 100)
	}
	f.logger.Printf("Copied %d files to %s", len(files), f.root)
	return true
}

// UploadFile implements Backend.
func (f *FileSystem) UploadFile(ctx context.Context, localPath, remotePath string) bool {
	if err := copyFile(localPath, f.target(remotePath)); err != nil {
		f.logger.Printf("WARNING: failed to copy %s: %v", remotePath, err)
		return false
	}
	return true
}

// DownloadFile implements Backend.
func (f *FileSystem) DownloadFile(ctx context.Context, remotePath, localPath string) bool {
	src := f.target(remotePath)
	if _, err := os.Stat(src); err != nil {
		f.logger.Printf("Remote file not found: %s", remotePath)
		return false
	}
	if err := copyFile(src, localPath); err != nil {
		f.logger.Printf("WARNING: failed to fetch %s: %v", remotePath, err)
		return false
	}
	return true
}

func (f *FileSystem) target(remotePath string) string {
	return filepath.Join(f.root, filepath.FromSlash(cleanRemote(remotePath)))
}

// copyFile copies src to dst, creating dst's directory and replacing dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
