// Package storagetest provides an in-memory storage backend for tests.
package storagetest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencnpj/cnpjsync/internal/storage"
)

// Memory is a storage.Backend keeping published files in a map. Failure
// modes can be toggled at any time.
type Memory struct {
	name string

	mu            sync.Mutex
	files         map[string][]byte
	available     bool
	failUploads   bool
	folderUploads int
	fileUploads   int
	downloads     int
}

// New returns an available, empty Memory backend.
func New(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{name: name, files: make(map[string][]byte), available: true}
}

var _ storage.Backend = (*Memory)(nil)

// Name implements storage.Backend.
func (m *Memory) Name() string { return m.name }

// IsAvailable implements storage.Backend.
func (m *Memory) IsAvailable(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// UploadFolder implements storage.Backend.
func (m *Memory) UploadFolder(ctx context.Context, localDir string, progress storage.Progress) bool {
	m.mu.Lock()
	m.folderUploads++
	fail := m.failUploads
	m.mu.Unlock()
	if fail {
		return false
	}

	staged := make(map[string][]byte)
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		staged[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return false
	}

	m.mu.Lock()
	for k, v := range staged {
		m.files[k] = v
	}
	m.mu.Unlock()

	if progress != nil {
		progress(100)
	}
	return true
}

// UploadFile implements storage.Backend.
func (m *Memory) UploadFile(ctx context.Context, localPath, remotePath string) bool {
	m.mu.Lock()
	m.fileUploads++
	fail := m.failUploads
	m.mu.Unlock()
	if fail {
		return false
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return false
	}
	m.Put(remotePath, data)
	return true
}

// DownloadFile implements storage.Backend.
func (m *Memory) DownloadFile(ctx context.Context, remotePath, localPath string) bool {
	m.mu.Lock()
	m.downloads++
	m.mu.Unlock()

	data, ok := m.Get(remotePath)
	if !ok {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false
	}
	return os.WriteFile(localPath, data, 0644) == nil
}

// Put stores a remote file directly.
func (m *Memory) Put(remotePath string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[strings.TrimPrefix(remotePath, "/")] = append([]byte(nil), data...)
}

// Get returns a remote file.
func (m *Memory) Get(remotePath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[strings.TrimPrefix(remotePath, "/")]
	return data, ok
}

// Delete removes a remote file.
func (m *Memory) Delete(remotePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, strings.TrimPrefix(remotePath, "/"))
}

// Files lists remote paths in sorted order.
func (m *Memory) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetAvailable toggles the availability probe.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

// SetFailUploads makes every upload report failure.
func (m *Memory) SetFailUploads(fail bool) {
	m.mu.Lock()
	m.failUploads = fail
	m.mu.Unlock()
}

// FolderUploads returns the number of UploadFolder calls.
func (m *Memory) FolderUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folderUploads
}

// FileUploads returns the number of UploadFile calls.
func (m *Memory) FileUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileUploads
}

// Downloads returns the number of DownloadFile calls.
func (m *Memory) Downloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads
}
