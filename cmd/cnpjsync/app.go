package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/opencnpj/cnpjsync/internal/dashboard"
	"github.com/opencnpj/cnpjsync/internal/engine"
	"github.com/opencnpj/cnpjsync/internal/export"
	"github.com/opencnpj/cnpjsync/internal/fetch"
	"github.com/opencnpj/cnpjsync/internal/hashcache"
	"github.com/opencnpj/cnpjsync/internal/progress"
	"github.com/opencnpj/cnpjsync/internal/storage"
	"github.com/opencnpj/cnpjsync/internal/transform"
	"github.com/opencnpj/cnpjsync/internal/ui"
	"github.com/opencnpj/cnpjsync/internal/verify"
)

// app holds the components a command needs. Everything is built on demand
// and released by close.
type app struct {
	ctx      context.Context
	stop     context.CancelFunc
	registry *transform.Registry
	selector *storage.Selector
	observer progress.Observer

	engine *engine.Engine
	cache  *hashcache.Store
	dash   *dashboard.Server
}

// newApp prepares the working directories and starts the progress feed when
// a dashboard port is configured.
func newApp() *app {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{
		ctx:      ctx,
		stop:     stop,
		registry: transform.NewRegistry(),
		selector: storage.NewSelectorFromConfig(cfg, logs.Logger("storage")),
		observer: progress.Nop{},
	}
	if err := cfg.EnsureDirs(); err != nil {
		a.fail("%v", err)
	}

	if port := cfg.Dashboard.Port; port > 0 {
		a.dash = dashboard.NewServer(&dashboard.Config{Port: port, Logger: logs.Logger("dashboard")})
		a.observer = dashboard.NewHandler(a.dash, logs.Logger("dashboard"))
		if err := a.dash.Start(); err != nil {
			a.fail("failed to start dashboard: %v", err)
		}
		fmt.Printf("%s Progress feed: ws://%s/ws\n", ui.RenderAccent("📡"), a.dash.Addr())
	}
	return a
}

// fail prints the error, releases what was opened and exits non-zero.
func (a *app) fail(format string, args ...any) {
	fmt.Fprintf(errOut(), "%s "+format+"\n", append([]any{ui.RenderFail("Error:")}, args...)...)
	a.close()
	os.Exit(1)
}

func (a *app) close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: closing hash cache: %v\n", err)
		}
	}
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.dash != nil {
		_ = a.dash.Stop()
	}
	a.stop()
	if logs != nil {
		_ = logs.Close()
	}
}

// openEngine starts the analytical engine. With views set, the parquet
// tables are bound so export queries can run.
func (a *app) openEngine(views bool) *engine.Engine {
	if a.engine != nil {
		return a.engine
	}
	e, err := engine.Open(a.ctx, engine.OptionsFromConfig(cfg, logs.Logger("engine")))
	if err != nil {
		a.fail("%v", err)
	}
	a.engine = e
	if views {
		tables := a.registry.Tables()
		if n := e.LoadViews(a.ctx, cfg.Paths.Parquet, tables); n == 0 {
			a.fail("no parquet tables found in %s; run 'cnpjsync convert' first", cfg.Paths.Parquet)
		} else if n < len(tables) {
			fmt.Fprintf(os.Stderr, "%s only %d/%d tables loaded\n", ui.RenderWarn("⚠"), n, len(tables))
		}
	}
	return e
}

func (a *app) hashCache() *hashcache.Store {
	if a.cache != nil {
		return a.cache
	}
	c, err := hashcache.New(hashcache.Options{
		Dir:         cfg.Paths.HashCache,
		Storage:     a.selector,
		ChunkSize:   cfg.Export.DiffChunk,
		CommitBatch: cfg.Export.CommitBatch,
		Logger:      logs.Logger("hashcache"),
	})
	if err != nil {
		a.fail("%v", err)
	}
	a.cache = c
	return c
}

func (a *app) fetcher() *fetch.Fetcher {
	return fetch.New(fetch.OptionsFromConfig(cfg, a.registry.ExtractedPatterns(), logs.Logger("fetch")))
}

// orchestrator builds the shard exporter over an open engine.
func (a *app) orchestrator() *export.Orchestrator {
	o, err := export.New(export.Options{
		Engine:        a.openEngine(true),
		Transform:     a.registry,
		Cache:         a.hashCache(),
		Storage:       a.selector,
		Shards:        export.Shards(cfg.Export.Shards),
		Parallel:      cfg.Export.Parallel,
		ParseParallel: cfg.Export.ParseParallel,
		WorkDir:       filepath.Join(cfg.Paths.Temp, "export"),
		Observer:      a.observer,
		Logger:        logs.Logger("export"),
	})
	if err != nil {
		a.fail("%v", err)
	}
	return o
}

func (a *app) verifier(sampleSize int) *verify.Verifier {
	v, err := verify.New(verify.Options{
		Engine:      a.openEngine(true),
		Transform:   a.registry,
		Exporter:    a.orchestrator(),
		Storage:     a.selector,
		SampleSize:  sampleSize,
		RichPerKind: cfg.Verify.RichPerKind,
		Parallel:    cfg.Verify.Parallel,
		TempDir:     cfg.Paths.Temp,
		Observer:    a.observer,
		Logger:      logs.Logger("verify"),
	})
	if err != nil {
		a.fail("%v", err)
	}
	return v
}
