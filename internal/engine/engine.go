// Package engine runs analytical queries against the parquet tables with
// DuckDB (marcboeker/go-duckdb).
//
// The Engine owns exactly one connection and DuckDB connections are not safe
// for concurrent statements, so every submission goes through a Gate. Callers
// may share one Engine between any number of goroutines.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/opencnpj/cnpjsync/internal/config"
	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/transform"
)

// RowFunc receives one result row with every column rendered as text. NULL
// columns are empty strings.
type RowFunc func(row []string) error

// Querier is the query contract the export and verification code consume.
type Querier interface {
	// CopyTo writes the result of query to path as newline-delimited JSON.
	CopyTo(ctx context.Context, query, path string) error

	// QueryRows streams the rows of query to fn.
	QueryRows(ctx context.Context, query string, fn RowFunc) error

	// QueryScalar scans the single value of query into dest.
	QueryScalar(ctx context.Context, query string, dest any) error
}

// ErrClosed is returned by an Engine after Close.
var ErrClosed = errors.New("engine is closed")

// Options configures Open.
type Options struct {
	// Path is the database file. Empty means in-memory.
	Path                   string
	MemoryLimit            string
	Threads                int
	TempDir                string
	PreserveInsertionOrder bool
	Logger                 *log.Logger
}

// OptionsFromConfig maps the engine section of cfg to Options.
func OptionsFromConfig(cfg *config.Config, logger *log.Logger) Options {
	opts := Options{
		MemoryLimit:            cfg.Engine.MemoryLimit,
		Threads:                cfg.Engine.Threads,
		TempDir:                cfg.Paths.Temp,
		PreserveInsertionOrder: cfg.Engine.PreserveInsertionOrder,
		Logger:                 logger,
	}
	if !cfg.Engine.InMemory {
		opts.Path = filepath.Join(cfg.Paths.Base, "cnpj.duckdb")
	}
	return opts
}

// Engine is a gated DuckDB connection.
type Engine struct {
	db     *sql.DB
	conn   *sql.Conn
	gate   Gate
	logger *log.Logger
}

var _ Querier = (*Engine)(nil)

// Open starts DuckDB and applies the session settings. Settings that fail
// are logged and skipped.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default("engine")
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create engine directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect engine: %w", err)
	}

	e := &Engine{db: db, conn: conn, logger: opts.Logger}

	settings := []string{
		"SET enable_progress_bar = false",
		fmt.Sprintf("SET preserve_insertion_order = %t", opts.PreserveInsertionOrder),
	}
	if opts.Threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", opts.Threads))
	}
	if opts.MemoryLimit != "" {
		settings = append(settings, "SET memory_limit = "+quote(opts.MemoryLimit))
	}
	if opts.TempDir != "" {
		settings = append(settings, "SET temp_directory = "+quote(opts.TempDir))
	}
	for _, stmt := range settings {
		if err := e.Exec(ctx, stmt); err != nil {
			e.logger.Printf("WARNING: %s: %v", stmt, err)
		}
	}

	return e, nil
}

// Exec runs a statement without results.
func (e *Engine) Exec(ctx context.Context, stmt string) error {
	return e.gate.Do(func() error {
		if e.conn == nil {
			return ErrClosed
		}
		_, err := e.conn.ExecContext(ctx, stmt)
		return err
	})
}

// CopyTo implements Querier.
func (e *Engine) CopyTo(ctx context.Context, query, path string) error {
	stmt := fmt.Sprintf("COPY (%s) TO %s (FORMAT JSON)", query, quote(path))
	if err := e.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to export to %s: %w", path, err)
	}
	return nil
}

// QueryRows implements Querier. The gate is held while fn runs.
func (e *Engine) QueryRows(ctx context.Context, query string, fn RowFunc) error {
	return e.gate.Do(func() error {
		if e.conn == nil {
			return ErrClosed
		}
		rows, err := e.conn.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to query: %w", err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}

		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return fmt.Errorf("failed to scan row: %w", err)
			}
			row := make([]string, len(cols))
			for i, v := range vals {
				row[i] = v.String
			}
			if err := fn(row); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// QueryScalar implements Querier.
func (e *Engine) QueryScalar(ctx context.Context, query string, dest any) error {
	return e.gate.Do(func() error {
		if e.conn == nil {
			return ErrClosed
		}
		if err := e.conn.QueryRowContext(ctx, query).Scan(dest); err != nil {
			return fmt.Errorf("failed to query scalar: %w", err)
		}
		return nil
	})
}

// LoadViews binds each view to its parquet files under parquetDir. A view
// whose files are missing is logged and skipped. It returns the number of
// views created.
func (e *Engine) LoadViews(ctx context.Context, parquetDir string, views []transform.View) int {
	loaded := 0
	for _, v := range views {
		glob := filepath.ToSlash(filepath.Join(parquetDir, v.Glob))
		stmt := fmt.Sprintf(
			"CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s, hive_partitioning = true, hive_types_autocast = false)",
			v.Name, quote(glob))
		if err := e.Exec(ctx, stmt); err != nil {
			e.logger.Printf("WARNING: view %s not loaded: %v", v.Name, err)
			continue
		}
		loaded++
	}
	e.logger.Printf("Loaded %d/%d views from %s", loaded, len(views), parquetDir)
	return loaded
}

// ConvertReport summarizes ConvertCSV.
type ConvertReport struct {
	Converted []string
	// Skipped tables already had parquet output.
	Skipped []string
	// Missing tables had no matching CSV files.
	Missing []string
}

// ConvertCSV converts the raw semicolon-separated files under dataDir into
// parquet under parquetDir. Partitioned tables are split by the two-digit
// identifier prefix. Tables that already have parquet output are skipped.
func (e *Engine) ConvertCSV(ctx context.Context, dataDir, parquetDir string, tables []transform.CSVTable) (*ConvertReport, error) {
	if err := os.MkdirAll(parquetDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parquet directory: %w", err)
	}

	report := &ConvertReport{}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		files, err := findFiles(dataDir, t.Pattern)
		if err != nil {
			return report, fmt.Errorf("failed to list %s files: %w", t.Name, err)
		}
		if len(files) == 0 {
			e.logger.Printf("No files found for %s (%s)", t.Name, t.Pattern)
			report.Missing = append(report.Missing, t.Name)
			continue
		}
		if parquetExists(parquetDir, t) {
			e.logger.Printf("Skipping %s: parquet already exists", t.Name)
			report.Skipped = append(report.Skipped, t.Name)
			continue
		}

		e.logger.Printf("Converting %s (%d files)", t.Name, len(files))
		if err := e.Exec(ctx, convertStatement(t, files, parquetDir)); err != nil {
			return report, fmt.Errorf("failed to convert %s: %w", t.Name, err)
		}
		report.Converted = append(report.Converted, t.Name)
	}
	return report, nil
}

func convertStatement(t transform.CSVTable, files []string, parquetDir string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = quote(filepath.ToSlash(f))
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c) + ": 'VARCHAR'"
	}

	read := fmt.Sprintf(`read_csv([%s],
    sep = ';', header = false, quote = '"', escape = '"',
    encoding = 'latin-1', ignore_errors = true, max_line_size = 10000000,
    columns = {%s})`, strings.Join(quoted, ", "), strings.Join(cols, ", "))

	if t.Partitioned {
		return fmt.Sprintf(
			"COPY (SELECT *, SUBSTRING(cnpj_basico, 1, 2) AS %s FROM %s) TO %s (FORMAT PARQUET, COMPRESSION ZSTD, PARTITION_BY (%s), OVERWRITE)",
			transform.PartitionColumn, read,
			quote(filepath.ToSlash(filepath.Join(parquetDir, t.Name))),
			transform.PartitionColumn)
	}
	return fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET, COMPRESSION ZSTD)",
		read, quote(filepath.ToSlash(filepath.Join(parquetDir, t.Name+".parquet"))))
}

// findFiles walks dir for files whose base name matches pattern.
func findFiles(dir, pattern string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func parquetExists(parquetDir string, t transform.CSVTable) bool {
	if !t.Partitioned {
		_, err := os.Stat(filepath.Join(parquetDir, t.Name+".parquet"))
		return err == nil
	}
	found := false
	_ = filepath.WalkDir(filepath.Join(parquetDir, t.Name), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return filepath.SkipAll
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// Stats returns the gate counters.
func (e *Engine) Stats() Stats { return e.gate.Stats() }

// Close releases the connection.
func (e *Engine) Close() error {
	var err error
	_ = e.gate.Do(func() error {
		if e.conn == nil {
			return nil
		}
		err = e.conn.Close()
		e.conn = nil
		if cerr := e.db.Close(); err == nil {
			err = cerr
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to close engine: %w", err)
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
