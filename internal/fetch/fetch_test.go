package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencnpj/cnpjsync/internal/logging"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, body := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func newTestFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	root := t.TempDir()
	return New(Options{
		BaseURL:           baseURL,
		DownloadDir:       filepath.Join(root, "downloads"),
		ExtractDir:        filepath.Join(root, "extracted"),
		Parallel:          2,
		Retries:           3,
		Backoff:           time.Millisecond,
		Timeout:           5 * time.Second,
		ExtractedPatterns: []string{"*EMPRECSV*", "*SOCIOCSV*"},
		Logger:            logging.Discard(),
	})
}

func TestListArchives(t *testing.T) {
	page := `<html><body>
<a href="Empresas0.zip">Empresas0.zip</a>
<a HREF="Socios0.ZIP">Socios0.ZIP</a>
<a href="Empresas0.zip">dup</a>
<a href="https://mirror.example/abs/Cnaes.zip">abs</a>
<a href="readme.txt">readme</a>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, page)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	urls, err := f.ListArchives(context.Background(), srv.URL+"/2025-01/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/2025-01/Empresas0.zip",
		srv.URL + "/2025-01/Socios0.ZIP",
		"https://mirror.example/abs/Cnaes.zip",
	}, urls)
}

func TestListArchives_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL).ListArchives(context.Background(), srv.URL+"/x/")
	assert.Error(t, err)
}

func TestDownloadAll_SkipsExistingAndRetries(t *testing.T) {
	var calls sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := calls.LoadOrStore(r.URL.Path, new(atomic.Int32))
		if n.(*atomic.Int32).Add(1) == 1 && r.URL.Path == "/flaky.zip" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("payload " + r.URL.Path))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	require.NoError(t, os.MkdirAll(f.opts.DownloadDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.opts.DownloadDir, "present.zip"), []byte("old"), 0644))

	results, err := f.DownloadAll(context.Background(), []string{
		srv.URL + "/present.zip",
		srv.URL + "/flaky.zip",
		srv.URL + "/ok.zip",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Skipped)
	assert.Equal(t, 2, results[1].Attempts)
	assert.Equal(t, 1, results[2].Attempts)

	data, err := os.ReadFile(results[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "payload /flaky.zip", string(data))
	assert.NoFileExists(t, results[1].Path+".part")

	_, hit := calls.Load("/present.zip")
	assert.False(t, hit)
}

func TestDownloadAll_ExhaustedRetriesFail(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	results, err := f.DownloadAll(context.Background(), []string{srv.URL + "/broken.zip"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.zip")
	assert.Equal(t, int32(3), attempts.Load())
	assert.NoFileExists(t, results[0].Path)
}

func TestDownloadAll_RateLimited(t *testing.T) {
	body := make([]byte, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	opts := newTestFetcher(t, srv.URL).opts
	opts.BytesPerSec = 1 << 20
	limited := New(opts)
	require.NotNil(t, limited.limiter)

	results, err := limited.DownloadAll(context.Background(), []string{srv.URL + "/a.zip"})
	require.NoError(t, err)
	info, err := os.Stat(results[0].Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), info.Size())
}

func TestExtract(t *testing.T) {
	f := newTestFetcher(t, "")
	dir := t.TempDir()

	good := filepath.Join(dir, "Empresas0.zip")
	require.NoError(t, os.WriteFile(good, zipBytes(t, map[string]string{
		"K3241.K03200Y0.D50111.EMPRECSV": "12345678;ACME",
	}), 0644))
	corrupt := filepath.Join(dir, "Socios0.zip")
	require.NoError(t, os.WriteFile(corrupt, []byte("definitely not a zip"), 0644))

	report, err := f.Extract(context.Background(), []string{corrupt, good})
	require.NoError(t, err)
	assert.Equal(t, []string{good}, report.Extracted)
	assert.Equal(t, []string{corrupt}, report.Corrupt)
	assert.FileExists(t, filepath.Join(f.opts.ExtractDir, "K3241.K03200Y0.D50111.EMPRECSV"))

	// A second run finds the extracted files and does nothing.
	report, err = f.Extract(context.Background(), []string{good})
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, report.Extracted)
}

func TestExtract_RejectsPathEscape(t *testing.T) {
	f := newTestFetcher(t, "")
	archive := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(archive, zipBytes(t, map[string]string{"../evil.txt": "x"}), 0644))

	report, err := f.Extract(context.Background(), []string{archive})
	require.NoError(t, err)
	assert.Contains(t, report.Failed, archive)
}

func TestRun(t *testing.T) {
	archive := zipBytes(t, map[string]string{"K3241.K03200Y0.D50111.SOCIOCSV": "12345678;2;FULANO"})
	mux := http.NewServeMux()
	mux.HandleFunc("/2025-01/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `<a href="Socios0.zip">Socios0.zip</a>`)
	})
	mux.HandleFunc("/2025-01/Socios0.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, srv.URL+"/")
	report, err := f.Run(context.Background(), "2025-01")
	require.NoError(t, err)
	assert.Equal(t, "2025-01", report.Period)
	require.Len(t, report.Archives, 1)
	assert.Len(t, report.Extract.Extracted, 1)
	assert.FileExists(t, filepath.Join(f.opts.ExtractDir, "K3241.K03200Y0.D50111.SOCIOCSV"))
}

func TestRun_InvalidPeriod(t *testing.T) {
	_, err := newTestFetcher(t, "http://unused").Run(context.Background(), "2025/01")
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestRun_NoArchives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL).Run(context.Background(), "2025-01")
	assert.ErrorIs(t, err, ErrNoArchives)
}
