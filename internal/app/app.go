// Package app wires the metalsdesk components together from a Config. The
// commands build one App per process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"metalsdesk/internal/api"
	"metalsdesk/internal/availability"
	"metalsdesk/internal/broker"
	"metalsdesk/internal/config"
	"metalsdesk/internal/domain"
	"metalsdesk/internal/gather"
	"metalsdesk/internal/httpapi"
	"metalsdesk/internal/provider"
	"metalsdesk/internal/quotecache"
	"metalsdesk/internal/registry"
	"metalsdesk/internal/store"
)

// App holds the wired components.
type App struct {
	Config *config.Config
	Log    *slog.Logger
	Mode   domain.SourceMode

	SQLite   *store.SQLiteStore
	History  store.HistoricalStore
	Registry *registry.Registry
	Live     provider.Provider // nil in offline mode or when construction failed
	Monitor  *availability.Monitor
	Cache    *quotecache.Cache
	Broker   *broker.Broker
}

// New opens the stores, loads the instrument registry (seeding the default
// set into an empty database) and binds the live provider selected by
// cfg.Source.Mode. A live provider that cannot be constructed does not fail
// New; the source is reported Unavailable instead.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	mode, err := domain.ParseSourceMode(cfg.Source.Mode)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	a := &App{
		Config: cfg,
		Log:    log,
		Mode:   mode,
		SQLite: db,
	}
	a.History = a.historyStore()

	a.Registry = registry.New(db, log)
	if err := a.Registry.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading instruments: %w", err)
	}
	if n, err := a.Registry.SeedDefaults(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding instruments: %w", err)
	} else if n > 0 {
		log.Info("seeded default instruments", "count", n)
	}

	live, loadErr := buildProvider(cfg, mode)
	if loadErr != nil {
		log.Warn("live provider not installed", "mode", mode, "error", loadErr)
	}
	a.Live = live

	// A nil *AlpacaProvider must not reach the monitor as a non-nil Session.
	var session availability.Session
	name := string(mode)
	if live != nil {
		session = live
		name = live.Name()
	}
	a.Monitor = availability.New(session, name, mode, loadErr, log)

	a.Cache = quotecache.New(cfg.Cache.TTL, cfg.Cache.MaxEntries)
	a.Broker = broker.New(broker.Config{
		Mode:          mode,
		Lookback:      cfg.Source.LookbackDays,
		VendorTimeout: cfg.Source.VendorTimeout,
		WindowTTL:     cfg.Source.WindowTTL,
		PersistLive:   cfg.Source.PersistLive,
	}, broker.Deps{
		Registry: a.Registry,
		Store:    a.History,
		Live:     live,
		Monitor:  a.Monitor,
		Cache:    a.Cache,
		Logger:   log,
	})
	return a, nil
}

func (a *App) historyStore() store.HistoricalStore {
	if a.Config.Storage.Engine == "parquet" {
		return store.NewParquetStore(a.Config.Storage.DataDir)
	}
	return a.SQLite
}

// buildProvider returns the live provider for mode. Offline mode has none.
func buildProvider(cfg *config.Config, mode domain.SourceMode) (provider.Provider, error) {
	switch mode {
	case domain.ModeOffline:
		return nil, nil
	case domain.ModeSynthetic:
		return provider.NewSynthetic(), nil
	default:
		p, err := provider.NewAlpaca(provider.AlpacaConfig{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
			Symbols:         cfg.Alpaca.Symbols,
			LookbackDays:    cfg.Source.LookbackDays,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Close releases the stores.
func (a *App) Close() error {
	return a.SQLite.Close()
}

// HTTPHandler returns the REST handler.
func (a *App) HTTPHandler() *httpapi.Server {
	return httpapi.NewServer(a.Broker, a.Registry, a.SQLite, a.Log)
}

// EODFolder returns the end-of-day fold job bound to the broker's latest
// quotes and the history store.
func (a *App) EODFolder() *gather.EODFolder {
	return gather.NewEODFolder(a.Config.EOD.Schedule, a.Registry, a.Broker, a.History, a.Log)
}

// Connect makes the startup connection attempt. Failure leaves the source
// Disconnected (or Unavailable) and is logged, not returned.
func (a *App) Connect(ctx context.Context) domain.SourceStatus {
	if a.Mode == domain.ModeOffline {
		return a.Monitor.Status()
	}
	ctx, cancel := context.WithTimeout(ctx, a.Config.Source.VendorTimeout)
	defer cancel()
	st, err := a.Monitor.Reconnect(ctx)
	if err != nil {
		a.Log.Warn("startup connect failed", "state", st.State, "error", err)
	}
	return st
}

// Serve connects the live source, then runs the REST and gRPC listeners and,
// when enabled, the EOD fold until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	st := a.Connect(ctx)
	a.Log.Info("starting metalsdesk",
		"mode", a.Mode,
		"source", st.State,
		"http", a.Config.Server.HTTPAddr(),
		"grpc", a.Config.Server.GRPCAddr(),
	)

	srv := api.NewServer(a.Config.Server.HTTPAddr(), a.Config.Server.GRPCAddr(), a.HTTPHandler().Handler(), a.Monitor, a.Log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	if a.Config.EOD.Enabled && a.Mode != domain.ModeOffline {
		eod := a.EODFolder()
		g.Go(func() error {
			if err := eod.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", eod.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Backfill fetches days of history for every Raw instrument from src into
// the history store.
func (a *App) Backfill(ctx context.Context, src provider.Provider, days int) (gather.BackfillResult, error) {
	bf := gather.NewBackfill(gather.BackfillConfig{
		Days:       days,
		RetryDelay: 2 * time.Second,
	}, a.Registry, src, a.History, a.Log)
	return bf.Once(ctx)
}
