// Package hashcache records the fingerprint of every published document so a
// run only re-publishes what changed.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) at
// <dir>/hashes.db. Every access goes through one mutex: the database has a
// single writer and the store never shares its connection.
//
// Workflow:
//  1. Diff looks up the stored fingerprints of a batch and returns the new
//     or changed documents
//  2. The caller uploads those documents
//  3. Commit records their fingerprints, only after a successful upload
//  4. Backup flushes, closes and publishes a zstd snapshot of the file
//
// A fresh environment restores the last published snapshot on first use.
package hashcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/opencnpj/cnpjsync/internal/document"
	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/storage"
)

const (
	// FileName is the database file inside the cache directory.
	FileName = "hashes.db"
	// SnapshotName is the remote path of the published snapshot.
	SnapshotName = "hashes.db.zst"

	// DefaultChunkSize bounds the ids in one lookup query, well below
	// SQLite's bound-parameter limit.
	DefaultChunkSize = 500
	// DefaultCommitBatch is the row count that forces a transaction commit.
	DefaultCommitBatch = 10000
)

var (
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("hash cache is closed")

	// ErrBackupFailed is returned when the snapshot could not be uploaded.
	ErrBackupFailed = errors.New("hash cache backup failed")

	// ErrBatchLost is returned by Flush when pending fingerprints were
	// discarded by a failed transaction.
	ErrBatchLost = errors.New("pending fingerprints were discarded")
)

// savepoint scopes the rows of one Commit call inside the batch transaction.
const savepoint = "commit_call"

const schema = `
CREATE TABLE IF NOT EXISTS hashes (
	cnpj TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
)`

// Options configures a Store.
type Options struct {
	// Dir holds hashes.db.
	Dir string
	// Storage is used for bootstrap restore and Backup. May be nil.
	Storage     storage.Provider
	ChunkSize   int
	CommitBatch int
	Logger      *log.Logger
	// Now stamps last_seen_at. Defaults to time.Now.
	Now func() time.Time
}

// DiffStats summarizes one Diff call.
type DiffStats struct {
	Candidates int
	New        int
	Changed    int
	Unchanged  int
}

// Accepted returns the number of documents that need publishing.
func (s DiffStats) Accepted() int { return s.New + s.Changed }

// Store is the fingerprint cache.
type Store struct {
	opts   Options
	path   string
	logger *log.Logger

	mu           sync.Mutex
	conn         *sql.DB
	tx           *sql.Tx
	pending      int
	lost         error
	bootstrapped bool
	closed       bool
}

// New creates a store. The database is opened lazily on first use.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("hash cache directory is empty")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.CommitBatch <= 0 {
		opts.CommitBatch = DefaultCommitBatch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("hashcache")
	}
	return &Store{
		opts:   opts,
		path:   filepath.Join(opts.Dir, FileName),
		logger: opts.Logger,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Diff returns the documents in docs whose id is unknown or whose fingerprint
// differs from the stored one. An empty batch never touches the database.
func (s *Store) Diff(ctx context.Context, docs []document.Document) ([]document.Document, DiffStats, error) {
	stats := DiffStats{Candidates: len(docs)}
	if len(docs) == 0 {
		return nil, stats, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(ctx); err != nil {
		return nil, stats, err
	}

	var accepted []document.Document
	for start := 0; start < len(docs); start += s.opts.ChunkSize {
		chunk := docs[start:min(start+s.opts.ChunkSize, len(docs))]

		known, err := s.lookup(ctx, chunk)
		if err != nil {
			return nil, stats, err
		}

		for _, d := range chunk {
			prev, ok := known[d.ID]
			switch {
			case !ok:
				stats.New++
				accepted = append(accepted, d)
			case prev != d.Fingerprint:
				stats.Changed++
				accepted = append(accepted, d)
			default:
				stats.Unchanged++
			}
		}
	}

	return accepted, stats, nil
}

func (s *Store) lookup(ctx context.Context, chunk []document.Document) (map[string]string, error) {
	args := make([]any, len(chunk))
	for i, d := range chunk {
		args[i] = d.ID
	}
	query := "SELECT cnpj, hash FROM hashes WHERE cnpj IN (" +
		strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + ")"

	rows, err := s.queryer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up fingerprints: %w", err)
	}
	defer rows.Close()

	known := make(map[string]string, len(chunk))
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		known[id] = hash
	}
	return known, rows.Err()
}

// Commit records the fingerprints of delivered documents. Rows accumulate in
// one transaction shared by all callers that commits every CommitBatch rows
// and on Flush. Each call runs under its own savepoint: when one of its
// writes fails only that call's uncommitted rows are rolled back, so pending
// rows of other callers survive.
func (s *Store) Commit(ctx context.Context, docs []document.Document) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}

	seenAt := s.opts.Now().UTC().Format(time.RFC3339)
	rows := 0
	for _, d := range docs {
		// Cancellation is checked between rows: an interrupted statement
		// would roll back the whole shared transaction.
		if err := ctx.Err(); err != nil {
			s.rollbackCall(rows)
			return err
		}
		_, err := s.tx.Exec(
			"INSERT OR REPLACE INTO hashes (cnpj, hash, last_seen_at) VALUES (?, ?, ?)",
			d.ID, d.Fingerprint, seenAt)
		if err != nil {
			s.rollbackCall(rows)
			return fmt.Errorf("failed to record fingerprint for %s: %w", d.ID, err)
		}
		rows++
		s.pending++

		if s.pending >= s.opts.CommitBatch {
			if err := s.commitTx(); err != nil {
				s.lost = err
				return err
			}
			rows = 0
			if err := s.begin(); err != nil {
				return err
			}
		}
	}

	if _, err := s.tx.Exec("RELEASE " + savepoint); err != nil {
		s.rollbackCall(rows)
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// Flush commits pending writes. It reports an earlier failure that dropped
// rows of the shared batch.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if lost := s.lost; lost != nil {
		s.lost = nil
		return fmt.Errorf("%w: %v", ErrBatchLost, lost)
	}
	return s.commitTx()
}

// Count returns the number of recorded entities.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.queryer().QueryRowContext(ctx, "SELECT COUNT(*) FROM hashes").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return n, nil
}

// Backup flushes and closes the database, compresses it and uploads the
// snapshot. The next call reopens the database.
func (s *Store) Backup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(ctx); err != nil {
		return err
	}
	if err := s.commitTx(); err != nil {
		return err
	}
	if err := s.closeConn(); err != nil {
		return err
	}

	if s.opts.Storage == nil {
		return fmt.Errorf("%w: no storage configured", storage.ErrNoBackend)
	}
	backend, err := s.opts.Storage.Get(ctx)
	if err != nil {
		return err
	}

	snapshot := filepath.Join(s.opts.Dir, SnapshotName)
	defer os.Remove(snapshot)

	if err := compressFile(s.path, snapshot); err != nil {
		return fmt.Errorf("failed to compress hash cache: %w", err)
	}
	if !backend.UploadFile(ctx, snapshot, SnapshotName) {
		return fmt.Errorf("%w: upload to %s", ErrBackupFailed, backend.Name())
	}

	s.logger.Printf("Hash cache backed up to %s", backend.Name())
	return nil
}

// Close flushes pending writes and closes the database for good.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.commitTx()
	if cerr := s.closeConn(); err == nil {
		err = cerr
	}
	return err
}

// ensureOpen opens the database, restoring the remote snapshot first when no
// local file exists. Callers hold s.mu.
func (s *Store) ensureOpen(ctx context.Context) error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.conn != nil {
		return nil
	}

	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create hash cache directory: %w", err)
	}

	if !s.bootstrapped {
		s.bootstrapped = true
		if _, err := os.Stat(s.path); os.IsNotExist(err) {
			s.restore(ctx)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+s.path)
	if err != nil {
		return fmt.Errorf("failed to open hash cache: %w", err)
	}
	// One connection: an open batch transaction must see its own rows.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create hash cache schema: %w", err)
	}

	s.conn = conn
	return nil
}

// restore downloads and decompresses the published snapshot. Any failure
// leaves an empty store.
func (s *Store) restore(ctx context.Context) {
	if s.opts.Storage == nil {
		return
	}
	backend, err := s.opts.Storage.Get(ctx)
	if err != nil {
		s.logger.Printf("No storage backend for hash cache restore, starting empty: %v", err)
		return
	}

	snapshot := filepath.Join(s.opts.Dir, SnapshotName)
	defer os.Remove(snapshot)

	if !backend.DownloadFile(ctx, SnapshotName, snapshot) {
		s.logger.Printf("No hash cache snapshot on %s, starting empty", backend.Name())
		return
	}
	if err := decompressFile(snapshot, s.path); err != nil {
		s.logger.Printf("WARNING: failed to restore hash cache snapshot: %v", err)
		_ = os.Remove(s.path)
		return
	}
	s.logger.Printf("Hash cache restored from %s", backend.Name())
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryer reads through the open batch transaction when there is one.
func (s *Store) queryer() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *Store) commitTx() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	n := s.pending
	s.pending = 0
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %d fingerprints: %w", n, err)
	}
	return nil
}

// begin opens the batch transaction when none is open and marks the
// savepoint of the current call. The transaction outlives any one caller, so
// it is not bound to a caller's context.
func (s *Store) begin() error {
	if s.tx == nil {
		tx, err := s.conn.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		s.tx = tx
	}
	if _, err := s.tx.Exec("SAVEPOINT " + savepoint); err != nil {
		return fmt.Errorf("failed to mark savepoint: %w", err)
	}
	return nil
}

// rollbackCall undoes the rows written by the current call since its
// savepoint. If that fails the whole batch goes and Flush reports it.
func (s *Store) rollbackCall(rows int) {
	if s.tx == nil {
		return
	}
	_, err := s.tx.Exec("ROLLBACK TO " + savepoint)
	if err == nil {
		_, err = s.tx.Exec("RELEASE " + savepoint)
	}
	if err == nil {
		s.pending -= rows
		return
	}

	s.logger.Printf("WARNING: savepoint rollback failed, discarding %d pending fingerprints: %v", s.pending, err)
	if rerr := s.tx.Rollback(); rerr != nil {
		s.logger.Printf("WARNING: rollback failed: %v", rerr)
	}
	if s.pending > rows {
		s.lost = fmt.Errorf("%d fingerprints of other batches rolled back: %w", s.pending-rows, err)
	}
	s.tx = nil
	s.pending = 0
}

func (s *Store) closeConn() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close hash cache: %w", err)
	}
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
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
