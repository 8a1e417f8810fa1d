package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vanishlist/vanish/internal/cache"
	"github.com/vanishlist/vanish/internal/config"
	"github.com/vanishlist/vanish/internal/engine"
	"github.com/vanishlist/vanish/internal/remote"
	"github.com/vanishlist/vanish/internal/remote/gtasks"
)

// app bundles the cache, remote store and engine a command runs against.
type app struct {
	db     *cache.DB
	store  remote.Store
	engine *engine.Engine

	closers []io.Closer
}

// openApp opens the local cache and the configured remote and builds the
// engine. observer may be nil.
func openApp(ctx context.Context, observer engine.Observer) (*app, error) {
	a := &app{}

	db, err := openCache(ctx)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db)

	store, closer, err := openRemote(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	ecfg := engine.DefaultConfig(db.Strategy())
	ecfg.IDPolicy = cfg.IDPolicy()
	ecfg.LockWhilePending = cfg.LockWhilePending()
	ecfg.Interval = cfg.Sync.Interval
	ecfg.RemoteTimeout = cfg.Sync.RemoteTimeout
	ecfg.Logger = logger
	if observer != nil {
		ecfg.Observer = observer
	}

	eng, err := engine.New(db, store, ecfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = eng
	return a, nil
}

// Close releases everything openApp opened, most recent first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// openCache opens the local cache with the configured strategy.
func openCache(ctx context.Context) (*cache.DB, error) {
	db, err := cache.Open(cfg.Local.Path, cfg.Strategy(), logger)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		if errors.Is(err, cache.ErrStrategyMismatch) {
			return nil, fmt.Errorf("%w (run 'vanish sync' under the old strategy to empty the queue first)", err)
		}
		return nil, err
	}
	return db, nil
}

// openRemote builds the configured remote store. The closer is nil when
// the store holds nothing to release.
func openRemote(ctx context.Context) (remote.Store, io.Closer, error) {
	switch cfg.Remote.Backend {
	case config.BackendHTTP:
		return remote.NewClient(cfg.Remote.URL, &http.Client{}), nil, nil
	case config.BackendSQL:
		store, err := remote.OpenSQL(ctx, cfg.Remote.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendGTasks:
		store, err := gtasks.New(ctx, cfg.Remote.GTasks.Dir, cfg.Remote.GTasks.List)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
	}
}

// remoteName describes the configured remote for status output.
func remoteName() string {
	switch cfg.Remote.Backend {
	case config.BackendHTTP:
		return "http " + cfg.Remote.URL
	case config.BackendSQL:
		return "sql " + cfg.Remote.DSN
	case config.BackendGTasks:
		return "gtasks " + cfg.Remote.GTasks.List
	default:
		return cfg.Remote.Backend
	}
}
