package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_FileLogging(t *testing.T) {
	dir := t.TempDir()
	sink := New(Options{Dir: dir, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1, RunID: "0123456789abcdef"})

	sink.Logger("export").Printf("shard %s done", "07")
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[export 01234567] ")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(data)), "shard 07 done"))
}

func TestSink_LoggerCached(t *testing.T) {
	sink := New(Options{})
	assert.Same(t, sink.Logger("fetch"), sink.Logger("fetch"))
	assert.Equal(t, "[fetch] ", sink.Logger("fetch").Prefix())
	assert.NoError(t, sink.Close())
}

func TestDefault(t *testing.T) {
	assert.Equal(t, "[verify] ", Default("verify").Prefix())
	Discard().Println("dropped")
}

func TestSink_WriterReachesLogFile(t *testing.T) {
	dir := t.TempDir()
	sink := New(Options{Dir: dir, MaxSizeMB: 1})

	_, err := sink.Writer().Write([]byte("Error: stage export: boom\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "stage export: boom")
}
