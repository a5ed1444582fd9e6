package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wahist/internal/api"
	"github.com/matheus3301/wahist/internal/bus"
	"github.com/matheus3301/wahist/internal/config"
	"github.com/matheus3301/wahist/internal/lock"
	"github.com/matheus3301/wahist/internal/logging"
	"github.com/matheus3301/wahist/internal/session"
	"github.com/matheus3301/wahist/internal/status"
	"github.com/matheus3301/wahist/internal/store"
	intsync "github.com/matheus3301/wahist/internal/sync"
	"github.com/matheus3301/wahist/internal/wa"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account string
	Listen  string // optional override for testing; empty = use config
}

// Stores bundles the two message databases. The durable store is the source
// of truth; the staging store buffers passive history deliveries until the
// merger promotes them.
type Stores struct {
	Durable *store.DB
	Staging *store.DB
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStores,
			provideAdapter,
			provideFetcher,
			provideCoordinator,
			provideRegistry,
			provideOrchestrator,
			provideMerger,
			provideHandlers,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Account), p.Account)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(session.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStores(p Params, logger *zap.Logger) (*Stores, error) {
	durable, err := openStore(session.DurableDBPath(p.Account), "durable", logger)
	if err != nil {
		return nil, err
	}
	staging, err := openStore(session.StagingDBPath(p.Account), "staging", logger)
	if err != nil {
		_ = durable.Close()
		return nil, err
	}
	return &Stores{Durable: durable, Staging: staging}, nil
}

func openStore(path, role string, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied",
			zap.String("store", role), zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("store", role), zap.String("path", path))
	return db, nil
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.Account, b, logger)
}

func provideFetcher(adapter *wa.Adapter, stores *Stores, cfg *config.Config, logger *zap.Logger) *wa.HistoryFetcher {
	return wa.NewHistoryFetcher(adapter, stores.Durable, cfg.Sync, logger)
}

func provideCoordinator(stores *Stores, fetcher *wa.HistoryFetcher, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(stores.Durable, fetcher, cfg.Sync, b, logger)
}

func provideRegistry() *intsync.Registry {
	return intsync.NewRegistry()
}

func provideOrchestrator(stores *Stores, coord *intsync.Coordinator, reg *intsync.Registry, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.NewOrchestrator(stores.Durable, coord, reg, logger)
}

func provideMerger(b *bus.Bus, logger *zap.Logger) *intsync.Merger {
	return intsync.NewMerger(b, logger)
}

func provideHandlers(orch *intsync.Orchestrator, merger *intsync.Merger, stores *Stores, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *api.Handlers {
	return api.NewHandlers(orch, merger, stores.Durable, stores.Staging, machine, b, cfg.Sync, logger)
}

func provideServer(p Params, h *api.Handlers, cfg *config.Config, logger *zap.Logger) *api.Server {
	addr := cfg.Listen
	if p.Listen != "" {
		addr = p.Listen
	}
	return api.NewServer(addr, h, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, lk *lock.Lock, adapter *wa.Adapter, orch *intsync.Orchestrator, stores *Stores, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			handler := wa.NewEventHandler(b, machine, stores.Durable, stores.Staging, logger)
			adapter.RegisterEventHandler(handler.Handle)

			srv.Start()

			if adapter.IsLoggedIn() {
				_ = machine.Transition(status.Connecting)
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
						_ = machine.Transition(status.Error)
					}
				}()
			} else {
				logger.Info("no credentials found, starting QR pairing")
				_ = machine.Transition(status.AuthRequired)
				go runQRPairing(adapter, logger)
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			orch.Shutdown()
			adapter.Disconnect()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping http server", zap.Error(err))
			}
			_ = stores.Staging.Close()
			_ = stores.Durable.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
