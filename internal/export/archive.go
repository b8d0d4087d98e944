package export

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/opencnpj/cnpjsync/internal/document"
	"github.com/opencnpj/cnpjsync/internal/storage"
)

// InfoFile is the remote path of the published metadata.
const InfoFile = "info.json"

// ArchiveInfo describes a bulk archive.
type ArchiveInfo struct {
	Path    string
	Entries int64
	Size    int64
}

// ArchiveName returns the default bulk archive file name for t.
func ArchiveName(t time.Time) string {
	return "cnpj_jsons_" + t.Format("20060102_150405") + ".zip"
}

// ExportArchive writes every entity of every shard into one zip at outPath,
// one deflated <id>.json entry per entity. The hash cache is bypassed. The
// archive is built under a temporary name and only appears at outPath when
// complete.
func (o *Orchestrator) ExportArchive(ctx context.Context, outPath string) (*ArchiveInfo, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp := outPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	fail := func(err error) (*ArchiveInfo, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, err
	}

	zw := zip.NewWriter(f)
	modified := time.Now()
	var entries int64

	for _, shard := range o.opts.Shards {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n := int64(0)
		err := o.opts.Engine.QueryRows(ctx, o.opts.Transform.ArchiveQuery(shard), func(row []string) error {
			if len(row) < 2 || row[0] == "" {
				return nil
			}
			body, err := document.Normalize([]byte(row[1]))
			if err != nil {
				o.logger.Printf("WARNING: skipping %s: %v", row[0], err)
				return nil
			}
			w, err := zw.CreateHeader(&zip.FileHeader{
				Name:     document.Filename(row[0]),
				Method:   zip.Deflate,
				Modified: modified,
			})
			if err != nil {
				return err
			}
			if _, err := w.Write(body); err != nil {
				return err
			}
			n++
			return nil
		})
		if err != nil {
			return fail(fmt.Errorf("shard %s: %w", shard, err))
		}
		entries += n
		o.logger.Printf("Archived shard %s (%d entries)", shard, n)
	}

	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("failed to finish archive: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}

	st, err := os.Stat(outPath)
	if err != nil {
		return nil, err
	}
	o.logger.Printf("✓ Archive %s: %d entries, %.2f GB", outPath, entries, float64(st.Size())/(1<<30))
	return &ArchiveInfo{Path: outPath, Entries: entries, Size: st.Size()}, nil
}

// Info is the published metadata document. Field names are a public
// contract.
type Info struct {
	Total       int64  `json:"total"`
	LastUpdated string `json:"last_updated"`
	ZipSize     int64  `json:"zip_size"`
	ZipURL      string `json:"zip_url"`
	ZipMD5      string `json:"zip_md5checksum"`
}

// BuildInfo computes the metadata for the archive at archivePath. A missing
// archive yields zero size and an empty checksum.
func (o *Orchestrator) BuildInfo(ctx context.Context, archivePath, zipURL string) (*Info, error) {
	var total int64
	if err := o.opts.Engine.QueryScalar(ctx, o.opts.Transform.CountQuery(), &total); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}

	info := &Info{
		Total:       total,
		LastUpdated: time.Now().UTC().Format(time.RFC3339Nano),
		ZipURL:      zipURL,
	}

	f, err := os.Open(archivePath)
	if os.IsNotExist(err) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum archive: %w", err)
	}
	info.ZipSize = n
	info.ZipMD5 = base64.StdEncoding.EncodeToString(h.Sum(nil))
	return info, nil
}

// PublishInfo builds the metadata and uploads it as info.json.
func (o *Orchestrator) PublishInfo(ctx context.Context, archivePath, zipURL string) (*Info, error) {
	info, err := o.BuildInfo(ctx, archivePath, zipURL)
	if err != nil {
		return nil, err
	}
	if o.opts.Storage == nil {
		return info, fmt.Errorf("%w: no storage configured", storage.ErrNoBackend)
	}
	backend, err := o.opts.Storage.Get(ctx)
	if err != nil {
		return info, err
	}

	data, err := json.Marshal(info)
	if err != nil {
		return info, err
	}
	if err := os.MkdirAll(o.opts.WorkDir, 0755); err != nil {
		return info, fmt.Errorf("failed to create work directory: %w", err)
	}
	local := filepath.Join(o.opts.WorkDir, InfoFile)
	defer os.Remove(local)
	if err := os.WriteFile(local, data, 0644); err != nil {
		return info, err
	}

	if !backend.UploadFile(ctx, local, InfoFile) {
		return info, fmt.Errorf("%w: %s to %s", ErrUploadFailed, InfoFile, backend.Name())
	}
	o.logger.Printf("✓ %s published to %s", InfoFile, backend.Name())
	return info, nil
}
