package main

import (
	"context"

	"github.com/koustreak/schemagate/internal/backend"
	"github.com/koustreak/schemagate/internal/config"
	"github.com/koustreak/schemagate/internal/core"
	"github.com/koustreak/schemagate/internal/database"
	dbmemory "github.com/koustreak/schemagate/internal/database/memory"
	"github.com/koustreak/schemagate/internal/database/mysql"
	"github.com/koustreak/schemagate/internal/database/postgres"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/filestore"
	fsmemory "github.com/koustreak/schemagate/internal/filestore/memory"
	"github.com/koustreak/schemagate/internal/filestore/minio"
	"github.com/koustreak/schemagate/internal/gateway"
	"github.com/koustreak/schemagate/internal/logger"
	"github.com/koustreak/schemagate/internal/overflow"
)

// app holds the components shared by the subcommands.
type app struct {
	backend backend.Backend
	db      database.DB // nil in gateway mode
	client  *gateway.Client
	store   filestore.Store
	sink    *overflow.Sink
}

func (a *app) Close() {
	if a.backend != nil {
		a.backend.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.WarnWith("failed to close object store", err, nil)
		}
	}
}

// openApp connects the configured backend and, when enabled, the overflow
// store.
func openApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{}
	switch cfg.Backend.Mode {
	case config.BackendGateway:
		creds, err := gateway.LoadCredentials(ctx, cfg.Gateway)
		if err != nil {
			return nil, err
		}
		client, err := gateway.New(cfg.Gateway, creds, gateway.WithLogger(log))
		if err != nil {
			return nil, err
		}
		a.client = client
		a.backend = backend.NewRemote(client, cfg.Gateway.Timeout, log)
	default:
		db, err := openDB(ctx, &cfg.Database, log)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.backend = backend.NewDirect(db, cfg.Policy(), log)
	}

	if cfg.Overflow.Enabled {
		store, err := openStore(ctx, &cfg.Overflow.Config, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		a.sink = overflow.New(store, cfg.Overflow.Bucket, log)
	}
	return a, nil
}

func openDB(ctx context.Context, cfg *database.Config, log *logger.Logger) (database.DB, error) {
	switch cfg.Driver {
	case database.DriverPostgres:
		return postgres.New(ctx, cfg, log)
	case database.DriverMySQL:
		return mysql.New(ctx, cfg, log)
	case database.DriverMemory:
		return dbmemory.New(), nil
	default:
		return nil, errs.Newf(errs.ErrKindInvalidInput, "unsupported database driver %q", cfg.Driver)
	}
}

func openStore(ctx context.Context, cfg *filestore.Config, log *logger.Logger) (filestore.Store, error) {
	var store filestore.Store
	switch cfg.Provider {
	case filestore.ProviderMemory:
		store = fsmemory.New()
	default:
		d, err := minio.New(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		store = d
	}
	if err := store.EnsureBucket(ctx, cfg.Bucket); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// service builds the core service over a.
func (a *app) service(cfg *config.Config, log *logger.Logger) (*core.Service, error) {
	aliases, err := cfg.BuiltinAliases()
	if err != nil {
		return nil, err
	}
	opts := []core.Option{core.WithLogger(log)}
	if a.sink != nil {
		opts = append(opts, core.WithOverflow(a.sink))
	}
	return core.New(a.backend, cfg.Service(aliases), opts...), nil
}
