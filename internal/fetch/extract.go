package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ExtractReport summarizes Extract.
type ExtractReport struct {
	// Skipped is true when extracted files were already present.
	Skipped   bool
	Extracted []string
	Corrupt   []string
	// Failed maps archive path to the error that stopped its extraction.
	Failed map[string]error
}

// Extract unpacks archives into ExtractDir, overwriting existing files. If
// any file matching ExtractedPatterns already exists the whole step is
// skipped. Corrupt or unreadable archives are recorded and skipped; only a
// cancelled context aborts the batch.
func (f *Fetcher) Extract(ctx context.Context, archives []string) (*ExtractReport, error) {
	dir := f.opts.ExtractDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extract directory: %w", err)
	}

	report := &ExtractReport{Failed: make(map[string]error)}
	if already, err := hasExtracted(dir, f.opts.ExtractedPatterns); err != nil {
		return nil, err
	} else if already {
		f.logger.Printf("Extracted files found in %s, skipping extraction", dir)
		report.Skipped = true
		return report, nil
	}

	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		name := filepath.Base(archive)
		err := extractArchive(ctx, archive, dir)
		switch {
		case err == nil:
			report.Extracted = append(report.Extracted, archive)
			f.logger.Printf("Extracted %s", name)
		case errors.Is(err, ErrCorruptArchive):
			report.Corrupt = append(report.Corrupt, archive)
			f.logger.Printf("✗ Corrupt archive: %s", name)
		case ctx.Err() != nil:
			return report, ctx.Err()
		default:
			report.Failed[archive] = err
			f.logger.Printf("✗ Error extracting %s: %v", name, err)
		}
	}

	f.logger.Printf("Extraction finished in %s", dir)
	return report, nil
}

func hasExtracted(dir string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return false, nil
	}
	found := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, d.Name()); ok {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return found, nil
}

func extractArchive(ctx context.Context, archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		return err
	}
	defer r.Close()

	for _, entry := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractEntry(entry, dir); err != nil {
			if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %s: %v", ErrCorruptArchive, entry.Name, err)
			}
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, dir string) error {
	dir = filepath.Clean(dir)
	target := filepath.Join(dir, filepath.FromSlash(entry.Name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return fmt.Errorf("entry %q escapes the extract directory", entry.Name)
	}

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
