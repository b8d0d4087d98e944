package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencnpj/cnpjsync/internal/config"
	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/storage"
	"github.com/opencnpj/cnpjsync/internal/storage/storagetest"
)

// countingBuilder wraps a backend and counts how often it is built.
func countingBuilder(b storage.Backend, n *int) storage.Builder {
	return func() (storage.Backend, error) {
		*n++
		return b, nil
	}
}

func TestSelector_PreferredAvailable(t *testing.T) {
	rclone := storagetest.New(storage.TypeRclone)
	fs := storagetest.New(storage.TypeFileSystem)

	s := storage.NewSelector(
		storage.WithPreferredType("rclone"),
		storage.WithBuilder(storage.TypeRclone, func() (storage.Backend, error) { return rclone, nil }),
		storage.WithBuilder(storage.TypeFileSystem, func() (storage.Backend, error) { return fs, nil }),
		storage.WithLogger(logging.Discard()),
	)

	b, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, rclone, b)
}

func TestSelector_FallbackOrder(t *testing.T) {
	s3 := storagetest.New(storage.TypeS3)
	s3.SetAvailable(false)
	fs := storagetest.New(storage.TypeFileSystem)
	fs.SetAvailable(false)
	rclone := storagetest.New(storage.TypeRclone)

	var built []string
	record := func(b *storagetest.Memory) storage.Builder {
		return func() (storage.Backend, error) {
			built = append(built, b.Name())
			return b, nil
		}
	}

	s := storage.NewSelector(
		storage.WithPreferredType(storage.TypeS3),
		storage.WithBuilder(storage.TypeS3, record(s3)),
		storage.WithBuilder(storage.TypeFileSystem, record(fs)),
		storage.WithBuilder(storage.TypeRclone, record(rclone)),
		storage.WithLogger(logging.Discard()),
	)

	b, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, rclone, b)
	assert.Equal(t, []string{"s3", "filesystem", "rclone"}, built)
}

func TestSelector_NoneAvailable(t *testing.T) {
	fs := storagetest.New(storage.TypeFileSystem)
	fs.SetAvailable(false)
	rclone := storagetest.New(storage.TypeRclone)
	rclone.SetAvailable(false)

	s := storage.NewSelector(
		storage.WithBuilder(storage.TypeFileSystem, func() (storage.Backend, error) { return fs, nil }),
		storage.WithBuilder(storage.TypeRclone, func() (storage.Backend, error) { return rclone, nil }),
		storage.WithLogger(logging.Discard()),
	)

	_, err := s.Get(context.Background())
	assert.ErrorIs(t, err, storage.ErrNoBackend)

	// Failure is not memoized: once a backend comes up it is picked.
	fs.SetAvailable(true)
	b, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, fs, b)
}

func TestSelector_Disabled(t *testing.T) {
	builds := 0
	s := storage.NewSelector(
		storage.WithEnabled(false),
		storage.WithBuilder(storage.TypeRclone, countingBuilder(storagetest.New("rclone"), &builds)),
		storage.WithLogger(logging.Discard()),
	)

	_, err := s.Get(context.Background())
	assert.ErrorIs(t, err, storage.ErrNoBackend)
	assert.Zero(t, builds)
}

func TestSelector_MemoizesAndReset(t *testing.T) {
	builds := 0
	rclone := storagetest.New(storage.TypeRclone)
	s := storage.NewSelector(
		storage.WithBuilder(storage.TypeRclone, countingBuilder(rclone, &builds)),
		storage.WithLogger(logging.Discard()),
	)

	ctx := context.Background()
	_, err := s.Get(ctx)
	require.NoError(t, err)
	_, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, builds)

	s.Reset()
	_, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestSelector_UnknownTypeMeansRclone(t *testing.T) {
	rclone := storagetest.New(storage.TypeRclone)
	s := storage.NewSelector(
		storage.WithPreferredType("  FTP "),
		storage.WithFallbackTypes(),
		storage.WithBuilder(storage.TypeRclone, func() (storage.Backend, error) { return rclone, nil }),
		storage.WithLogger(logging.Discard()),
	)

	b, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, rclone, b)
}

func TestSelector_BuilderErrorSkipped(t *testing.T) {
	fs := storagetest.New(storage.TypeFileSystem)
	s := storage.NewSelector(
		storage.WithBuilder(storage.TypeRclone, func() (storage.Backend, error) {
			return nil, errors.New("remote not configured")
		}),
		storage.WithBuilder(storage.TypeFileSystem, func() (storage.Backend, error) { return fs, nil }),
		storage.WithLogger(logging.Discard()),
	)

	b, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, fs, b)
}

func TestSelectorFromConfig_FileSystem(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Type = storage.TypeFileSystem
	cfg.Storage.Enabled = true
	cfg.Storage.FileSystemPath = t.TempDir()

	s := storage.NewSelectorFromConfig(cfg, logging.Discard())
	b, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.TypeFileSystem, b.Name())
}

func TestFixed(t *testing.T) {
	m := storagetest.New("")
	b, err := storage.Fixed(m).Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, m, b)

	_, err = storage.Fixed(nil).Get(context.Background())
	assert.ErrorIs(t, err, storage.ErrNoBackend)
}
