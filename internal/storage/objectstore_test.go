package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencnpj/cnpjsync/internal/logging"
)

// fakeS3 is a path-style S3 endpoint serving one bucket from memory.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if parts[0] != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 1 || parts[1] == "" {
		// Bucket-level request (HEAD for BucketExists).
		w.WriteHeader(http.StatusOK)
		return
	}
	key := parts[1]

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = data
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodGet {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`)
				return
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", etag(data))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func newTestObjectStore(t *testing.T, bucket string) (*ObjectStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "cnpj", objects: make(map[string][]byte)}
	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	store, err := NewObjectStore(ObjectStoreOptions{
		Endpoint:  u.Host,
		Bucket:    bucket,
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
		Prefix:    "v1",
		UseSSL:    true,
		Parallel:  2,
		Transport: srv.Client().Transport,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	return store, fake
}

func TestObjectStore_RequiresBucket(t *testing.T) {
	_, err := NewObjectStore(ObjectStoreOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestObjectStore_IsAvailable(t *testing.T) {
	store, _ := newTestObjectStore(t, "cnpj")
	assert.True(t, store.IsAvailable(context.Background()))

	other, _ := newTestObjectStore(t, "missing")
	assert.False(t, other.IsAvailable(context.Background()))
}

func TestObjectStore_UploadFolderAndDownload(t *testing.T) {
	store, fake := newTestObjectStore(t, "cnpj")
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "11222333000181.json"), []byte(`{"a":1}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "11222333000262.json"), []byte(`{"a":2}`), 0644))

	var last int
	require.True(t, store.UploadFolder(ctx, src, func(p int) { last = p }))
	assert.Equal(t, 100, last)

	fake.mu.Lock()
	assert.Equal(t, `{"a":1}`, string(fake.objects["v1/11222333000181.json"]))
	assert.Len(t, fake.objects, 2)
	fake.mu.Unlock()

	out := filepath.Join(t.TempDir(), "got.json")
	require.True(t, store.DownloadFile(ctx, "11222333000262.json", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))
}

func TestObjectStore_DownloadMissing(t *testing.T) {
	store, _ := newTestObjectStore(t, "cnpj")
	out := filepath.Join(t.TempDir(), "missing.json")
	assert.False(t, store.DownloadFile(context.Background(), "missing.json", out))
}

func TestObjectStore_UploadFile(t *testing.T) {
	store, fake := newTestObjectStore(t, "cnpj")
	local := filepath.Join(t.TempDir(), "info.json")
	require.NoError(t, os.WriteFile(local, []byte(`{"total":1}`), 0644))

	require.True(t, store.UploadFile(context.Background(), local, "/info.json"))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, `{"total":1}`, string(fake.objects["v1/info.json"]))
}
