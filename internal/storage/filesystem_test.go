package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencnpj/cnpjsync/internal/logging"
)

func newTestFileSystem(t *testing.T) *FileSystem {
	t.Helper()
	fs, err := NewFileSystem(filepath.Join(t.TempDir(), "published"), logging.Discard())
	require.NoError(t, err)
	return fs
}

func TestFileSystem_RequiresRoot(t *testing.T) {
	_, err := NewFileSystem("", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFileSystem_IsAvailable(t *testing.T) {
	fs := newTestFileSystem(t)
	ctx := context.Background()

	assert.True(t, fs.IsAvailable(ctx))
	_, err := os.Stat(filepath.Join(fs.Root(), ".test_write"))
	assert.True(t, os.IsNotExist(err), "probe file must be removed")
}

func TestFileSystem_IsAvailable_RootIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	fs, err := NewFileSystem(file, logging.Discard())
	require.NoError(t, err)
	assert.False(t, fs.IsAvailable(context.Background()))
}

func TestFileSystem_UploadFolder(t *testing.T) {
	fs := newTestFileSystem(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "11222333000181.json"), []byte(`{"a":1}`), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "x.json"), []byte(`{}`), 0644))

	var seen []int
	ok := fs.UploadFolder(context.Background(), src, func(p int) { seen = append(seen, p) })
	require.True(t, ok)

	data, err := os.ReadFile(filepath.Join(fs.Root(), "11222333000181.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	assert.FileExists(t, filepath.Join(fs.Root(), "nested", "x.json"))
	assert.Equal(t, []int{50, 100}, seen)
}

func TestFileSystem_UploadFolderOverwrites(t *testing.T) {
	fs := newTestFileSystem(t)
	src := t.TempDir()
	target := filepath.Join(src, "a.json")

	require.NoError(t, os.WriteFile(target, []byte("old"), 0644))
	require.True(t, fs.UploadFolder(context.Background(), src, nil))
	require.NoError(t, os.WriteFile(target, []byte("new"), 0644))
	require.True(t, fs.UploadFolder(context.Background(), src, nil))

	data, err := os.ReadFile(filepath.Join(fs.Root(), "a.json"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFileSystem_UploadFolderCancelled(t *testing.T) {
	fs := newTestFileSystem(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.json"), []byte("x"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, fs.UploadFolder(ctx, src, nil))
}

func TestFileSystem_FileRoundTrip(t *testing.T) {
	fs := newTestFileSystem(t)
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "hashes.db.zst")
	require.NoError(t, os.WriteFile(local, []byte("snapshot"), 0644))

	require.True(t, fs.UploadFile(ctx, local, "/backups/hashes.db.zst"))

	out := filepath.Join(t.TempDir(), "restored", "hashes.db.zst")
	require.True(t, fs.DownloadFile(ctx, "backups/hashes.db.zst", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", string(data))
}

func TestFileSystem_DownloadMissing(t *testing.T) {
	fs := newTestFileSystem(t)
	out := filepath.Join(t.TempDir(), "missing.json")

	assert.False(t, fs.DownloadFile(context.Background(), "missing.json", out))
	assert.NoFileExists(t, out)
}

func TestFileSystem_RemotePathCannotEscapeRoot(t *testing.T) {
	fs := newTestFileSystem(t)
	assert.Equal(t, filepath.Join(fs.Root(), "etc", "passwd"), fs.target("../../etc/passwd"))
}
