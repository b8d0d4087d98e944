package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/opencnpj/cnpjsync/internal/document"
)

// Document regenerates the canonical document of one entity. The hash cache
// is not consulted.
func (o *Orchestrator) Document(ctx context.Context, id string) (document.Document, error) {
	if !document.ValidID(id) {
		return document.Document{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := os.MkdirAll(o.opts.WorkDir, 0755); err != nil {
		return document.Document{}, fmt.Errorf("failed to create work directory: %w", err)
	}

	shard := document.ShardOf(id)
	o.logger.Printf("Exporting %s from shard %s", id, shard)

	tmp := filepath.Join(o.opts.WorkDir, "single-"+shard+"-"+uuid.NewString()+".ndjson")
	defer os.Remove(tmp)

	if err := o.opts.Engine.CopyTo(ctx, o.opts.Transform.EntityQuery(id), tmp); err != nil {
		return document.Document{}, fmt.Errorf("export query for %s: %w", id, err)
	}

	docs, _, err := o.parseFile(tmp)
	if err != nil {
		return document.Document{}, fmt.Errorf("parse %s: %w", id, err)
	}
	for _, d := range docs {
		if d.ID == id {
			return d, nil
		}
	}
	return document.Document{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
}

// ExportSingle writes the document of one entity to outDir/<id>.json and
// returns the file path.
func (o *Orchestrator) ExportSingle(ctx context.Context, id, outDir string) (string, error) {
	d, err := o.Document(ctx, id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(outDir, d.Filename())
	if err := os.WriteFile(path, d.JSON, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	o.logger.Printf("✓ %s (%d bytes)", d.Filename(), len(d.JSON))
	return path, nil
}
