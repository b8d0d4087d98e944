package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/opencnpj/cnpjsync/internal/logging"
)

// ObjectStoreOptions configures the S3-compatible backend.
type ObjectStoreOptions struct {
	// Endpoint is host[:port] without scheme (default s3.amazonaws.com).
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every object key.
	Prefix string
	UseSSL bool
	// Parallel bounds concurrent object uploads in UploadFolder.
	Parallel     int
	ProbeTimeout time.Duration
	// Transport overrides the HTTP transport (custom CAs, tests).
	Transport http.RoundTripper

	Logger *log.Logger
}

// ObjectStore publishes to an S3-compatible bucket.
type ObjectStore struct {
	client *minio.Client
	opts   ObjectStoreOptions
	logger *log.Logger
}

// NewObjectStore creates an object store backend.
func NewObjectStore(opts ObjectStoreOptions) (*ObjectStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is empty", ErrInvalidArgument)
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "s3.amazonaws.com"
	}
	opts.Parallel = max(opts.Parallel, 1)
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("storage")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	return &ObjectStore{client: client, opts: opts, logger: opts.Logger}, nil
}

// Name implements Backend.
func (o *ObjectStore) Name() string { return TypeS3 }

// IsAvailable checks that the bucket exists and is reachable.
func (o *ObjectStore) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	defer cancel()

	ok, err := o.client.BucketExists(ctx, o.opts.Bucket)
	if err != nil {
		o.logger.Printf("s3 bucket %s not reachable: %v", o.opts.Bucket, err)
		return false
	}
	return ok
}

// UploadFolder implements Backend, uploading up to Parallel objects at once.
func (o *ObjectStore) UploadFolder(ctx context.Context, localDir string, progress Progress) bool {
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
		o.logger.Printf("WARNING: failed to list %s: %v", localDir, err)
		return false
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallel)
	for _, src := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(localDir, src)
			if err != nil {
				return err
			}
			if err := o.put(gctx, src, filepath.ToSlash(rel)); err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			report(progress, percent(int(done.Add(1)), len(files)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Printf("WARNING: s3 upload of %s failed: %v", localDir, err)
		return false
	}

	if len(files) == 0 {
		report(progress, 100)
	}
	return true
}

// UploadFile implements Backend.
func (o *ObjectStore) UploadFile(ctx context.Context, localPath, remotePath string) bool {
	if err := o.put(ctx, localPath, remotePath); err != nil {
		o.logger.Printf("WARNING: s3 upload of %s failed: %v", remotePath, err)
		return false
	}
	return true
}

// DownloadFile implements Backend.
func (o *ObjectStore) DownloadFile(ctx context.Context, remotePath, localPath string) bool {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		o.logger.Printf("WARNING: failed to create %s: %v", filepath.Dir(localPath), err)
		return false
	}
	err := o.client.FGetObject(ctx, o.opts.Bucket, o.key(remotePath), localPath, minio.GetObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			o.logger.Printf("Remote object not found: %s", remotePath)
		} else {
			o.logger.Printf("WARNING: s3 download of %s failed: %v", remotePath, err)
		}
		return false
	}
	return true
}

func (o *ObjectStore) put(ctx context.Context, localPath, remotePath string) error {
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := o.client.FPutObject(ctx, o.opts.Bucket, o.key(remotePath), localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (o *ObjectStore) key(remotePath string) string {
	return path.Join(o.opts.Prefix, cleanRemote(remotePath))
}
