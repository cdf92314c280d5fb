// Package application wires the stores, schema cache and import service
// shared by the server and lensctl.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/schema/sqlitecache"
	"github.com/JonMunkholm/portfoliolens/internal/store/memstore"
	"github.com/JonMunkholm/portfoliolens/internal/store/pgstore"
	"github.com/JonMunkholm/portfoliolens/internal/web"
)

// Options select how an App is assembled.
type Options struct {
	// DryRun keeps everything in memory; no database is opened.
	DryRun bool
	// Tables seed the in-memory destination when DryRun is set.
	Tables []schema.Table
	// ReceiverURL sends chunks to a remote server instead of staging
	// them in process.
	ReceiverURL string
	APIKey      string
}

// destination is what both stores provide.
type destination interface {
	schema.Fetcher
	core.SchemaMutator
	core.ChunkStore
	core.RowProcessor
	core.JobStore
}

// App holds the assembled process.
type App struct {
	Config   *config.Config
	Service  *core.Service
	Receiver *core.ChunkReceiver

	// Exactly one of Postgres and Memory is set.
	Postgres *pgstore.Store
	Memory   *memstore.Store

	closers []func() error
}

// Open assembles an App from cfg. Close releases what it opened.
func Open(ctx context.Context, cfg *config.Config, opts Options) (app *App, err error) {
	app = &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	var dest destination
	if opts.DryRun {
		app.Memory = memstore.New()
		for _, t := range opts.Tables {
			app.Memory.AddTable(t)
		}
		dest = app.Memory
		slog.Info("dry run: using in-memory destination", "tables", len(opts.Tables))
	} else {
		pool, err := pgstore.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() error { pool.Close(); return nil })

		app.Postgres = pgstore.New(pool, cfg.Schema.Schemas)
		if err := app.Postgres.Migrate(); err != nil {
			return nil, err
		}
		dest = app.Postgres
	}

	cacheOpts := schema.Options{TTL: cfg.Schema.CacheTTL()}
	if cfg.Schema.DurablePath != "" && !opts.DryRun {
		durable, err := sqlitecache.Open(cfg.Schema.DurablePath)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, durable.Close)
		cacheOpts.Store = durable
	}
	cache := schema.NewCache(dest, cacheOpts)

	app.Receiver = core.NewChunkReceiver(dest, dest)
	var sender core.ChunkSender = app.Receiver
	if opts.ReceiverURL != "" {
		sender = web.NewChunkClient(web.ClientConfig{BaseURL: opts.ReceiverURL, APIKey: opts.APIKey})
		slog.Info("sending chunks to remote receiver", "url", opts.ReceiverURL)
	}

	app.Service, err = core.NewService(core.Deps{
		Schema:  cache,
		Mutator: dest,
		Sender:  sender,
		Jobs:    dest,
	}, core.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return app, nil
}

// Ping checks the destination database. It always succeeds in a dry run.
func (a *App) Ping(ctx context.Context) error {
	if a.Postgres == nil {
		return nil
	}
	return a.Postgres.Ping(ctx)
}

// Close releases the database handles in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// tablesFile is the YAML layout of a dry-run table seed.
type tablesFile struct {
	Tables []schema.Table `yaml:"tables"`
}

// LoadTables reads destination tables from a YAML file:
//
//	tables:
//	  - name: ln_payments
//	    columns:
//	      - {name: amount, type: numeric, nullable: true}
func LoadTables(path string) ([]schema.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tables file %s: %w", path, err)
	}
	for i, t := range f.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("tables file %s: table %d has no name", path, i+1)
		}
	}
	return f.Tables, nil
}
