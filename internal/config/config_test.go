package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into a fresh temp dir so no stray config.* or .env is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := chdir(t)
	base := filepath.Join(dir, "data")
	t.Setenv("OPENCNPJ_BASE_PATH", base)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StorageRclone, cfg.Storage.Type)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, filepath.Join(base, "downloads"), cfg.Paths.Download)
	assert.Equal(t, filepath.Join(base, "hash_cache"), cfg.Paths.HashCache)
	assert.Equal(t, cfg.Paths.Output, cfg.Storage.FileSystemPath)
	assert.Equal(t, 100, cfg.Export.Shards)
	assert.Equal(t, 500, cfg.Export.DiffChunk)
	assert.Equal(t, 10000, cfg.Export.CommitBatch)
	assert.Equal(t, 3, cfg.Downloader.Retries)
	assert.Equal(t, time.Second, cfg.Downloader.Backoff)
	assert.Equal(t, DefaultZipURL, cfg.Export.ZipURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := chdir(t)
	t.Setenv("OPENCNPJ_BASE_PATH", dir)
	t.Setenv("STORAGE_TYPE", "FileSystem")
	t.Setenv("STORAGE_ENABLED", "false")
	t.Setenv("RCLONE_REMOTE", "r2:opencnpj")
	t.Setenv("RCLONE_TRANSFERS", "64")
	t.Setenv("RCLONE_MAX_CONCURRENT", "2")
	t.Setenv("DOWNLOADER_PARALLEL", "8")
	t.Setenv("DUCKDB_MEMORY_LIMIT", "8GB")
	t.Setenv("NDJSON_MAX_PARALLEL", "3")
	t.Setenv("FILESYSTEM_OUTPUT_PATH", filepath.Join(dir, "publish"))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StorageFileSystem, cfg.Storage.Type)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "r2:opencnpj", cfg.Rclone.Remote)
	assert.Equal(t, 64, cfg.Rclone.Transfers)
	assert.Equal(t, 2, cfg.Rclone.MaxConcurrent)
	assert.Equal(t, 8, cfg.Downloader.Parallel)
	assert.Equal(t, "8GB", cfg.Engine.MemoryLimit)
	assert.Equal(t, 3, cfg.Export.ParseParallel)
	assert.Equal(t, filepath.Join(dir, "publish"), cfg.Storage.FileSystemPath)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdir(t)
	t.Setenv("OPENCNPJ_BASE_PATH", dir)

	content := `
[export]
parallel = 2
shards = 10

[verify]
sample_size = 25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Export.Parallel)
	assert.Equal(t, 10, cfg.Export.Shards)
	assert.Equal(t, 25, cfg.Verify.SampleSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, 500, cfg.Export.DiffChunk)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	t.Setenv("OPENCNPJ_BASE_PATH", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("S3_PREFIX=cnpj/\n"), 0644))
	t.Cleanup(func() {
		_ = os.Unsetenv("S3_PREFIX")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cnpj/", cfg.S3.Prefix)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := chdir(t)
	_, err := Load(filepath.Join(dir, "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	cfg.Export.Parallel = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Export.Shards = 101
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Type = "ftp"
	assert.NoError(t, cfg.Validate())
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default()
	cfg.Paths.Base = filepath.Join(t.TempDir(), "base")
	cfg.Resolve()

	require.NoError(t, cfg.EnsureDirs())
	for _, dir := range cfg.Dirs() {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		_, err = os.Stat(filepath.Join(dir, ".test_write"))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestRedactedTOML(t *testing.T) {
	cfg := Default()
	cfg.S3.SecretKey = "super-secret"
	cfg.Resolve()

	out, err := cfg.Redacted().TOML()
	require.NoError(t, err)
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "[export]")
	assert.Equal(t, "super-secret", cfg.S3.SecretKey)
}
