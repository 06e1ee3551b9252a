package daemon

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/drift/internal/bus"
	"github.com/matheus3301/drift/internal/config"
	"github.com/matheus3301/drift/internal/lock"
	"github.com/matheus3301/drift/internal/logging"
	"github.com/matheus3301/drift/internal/queue"
	"github.com/matheus3301/drift/internal/remote"
	"github.com/matheus3301/drift/internal/search"
	"github.com/matheus3301/drift/internal/session"
	"github.com/matheus3301/drift/internal/status"
	"github.com/matheus3301/drift/internal/store"
	intsync "github.com/matheus3301/drift/internal/sync"
	"github.com/matheus3301/drift/internal/transport"
)

// cleanupInterval is how often the retention pass runs while the daemon is up.
const cleanupInterval = time.Hour

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	BaseDir     string // optional override for testing; empty = ~/.drift
}

func (p Params) dir() string {
	if p.BaseDir != "" {
		return filepath.Join(p.BaseDir, "sessions", p.SessionName)
	}
	return session.Dir(p.SessionName)
}

func (p Params) dbPath() string {
	return filepath.Join(p.dir(), "drift.db")
}

func (p Params) logPath() string {
	return filepath.Join(p.dir(), "logs", "driftd.log")
}

func (p Params) configPath() string {
	if p.BaseDir != "" {
		return filepath.Join(p.BaseDir, "config.toml")
	}
	return session.ConfigPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideQueues,
			provideRemote,
			provideTransport,
			provideCoordinator,
			provideIndexer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(p.configPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Guard, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.dbPath()
	db, reset, err := store.OpenOrReset(dbPath)
	if err != nil {
		return nil, err
	}
	if reset {
		logger.Warn("cache was corrupt and has been reset; data will be re-pulled", zap.String("path", dbPath))
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideQueues(logger *zap.Logger) *queue.Service {
	return queue.NewService(nil, logger)
}

func provideRemote(cfg *config.Config) *remote.Client {
	return remote.NewClient(cfg.ServerURL, &http.Client{Timeout: 30 * time.Second})
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.Config{
		URL:                  cfg.WebsocketURL,
		ReconnectDelay:       time.Duration(cfg.Transport.ReconnectDelaySeconds) * time.Second,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		HeartbeatInterval:    time.Duration(cfg.Transport.HeartbeatSeconds) * time.Second,
	}, b, logger)
}

func provideCoordinator(cfg *config.Config, db *store.DB, qs *queue.Service, client *remote.Client, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.New(db, qs, client, b, logger, intsync.Options{
		UserID:        cfg.UserID,
		PullInterval:  time.Duration(cfg.Sync.PullIntervalSeconds) * time.Second,
		RetentionDays: cfg.Sync.RetentionDays,
		Concurrency:   cfg.Sync.Concurrency,
		RetryAttempts: cfg.Sync.RetryAttempts,
		TaskTimeout:   time.Duration(cfg.Sync.TaskTimeoutSeconds) * time.Second,
	})
}

func provideIndexer(db *store.DB, b *bus.Bus, logger *zap.Logger) *search.Indexer {
	return search.New(db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Guard, db *store.DB, qs *queue.Service, client *remote.Client, tm *transport.Manager, coord *intsync.Coordinator, indexer *search.Indexer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			indexer.Start()
			go coord.Run(runCtx)
			go supervise(runCtx, b, machine)
			go cleanupLoop(runCtx, coord, logger)

			go maintainConnection(runCtx, client, tm, machine, b, logger)
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			tm.Disconnect()
			qs.Stop()
			indexer.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped", zap.String("session", p.SessionName))
			return nil
		},
	})
}

// probeDelay is how long to wait between health probes while unreachable.
const probeDelay = 15 * time.Second

// maintainConnection keeps the websocket up for the life of the daemon:
// probe until the server is reachable, connect, then sleep until the
// transport reports itself terminally down and start over. The transport
// handles transient drops with its own bounded reconnect; this loop only
// takes over once that gives up.
func maintainConnection(ctx context.Context, client *remote.Client, tm *transport.Manager, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	down, unsub := b.Subscribe(string(bus.KindNetworkDown), 4)
	defer unsub()

	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.Health(probeCtx)
		probeCancel()
		if err == nil {
			_ = machine.Transition(status.Connecting)
			if err = tm.Connect(ctx); err == nil {
				select {
				case <-ctx.Done():
					return
				case <-down:
					_ = machine.Transition(status.Offline)
					continue
				}
			}
			logger.Warn("websocket connect failed", zap.Error(err))
		} else {
			logger.Info("server unreachable, staying offline", zap.Error(err))
		}
		_ = machine.Transition(status.Offline)

		select {
		case <-ctx.Done():
			return
		case <-time.After(probeDelay):
		}
	}
}

// supervise maps network and sync events onto engine state transitions.
// Invalid transitions are ignored: the machine is the arbiter of what each
// event means in the current state.
func supervise(ctx context.Context, b *bus.Bus, machine *status.Machine) {
	events, unsub := b.Subscribe("", 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			switch evt.Kind {
			case bus.KindNetworkOnline:
				if machine.Current() == status.Reconnecting {
					_ = machine.Transition(status.Connecting)
				}
				_ = machine.Transition(status.Syncing)
			case bus.KindSyncDrainDone:
				_ = machine.Transition(status.Ready)
			case bus.KindNetworkOffline:
				_ = machine.Transition(status.Reconnecting)
			case bus.KindNetworkDown:
				_ = machine.Transition(status.Offline)
			}
		}
	}
}

// cleanupLoop runs the retention pass periodically. Besides reclaiming
// space, a successful pass clears the degraded-store condition.
func cleanupLoop(ctx context.Context, coord *intsync.Coordinator, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := coord.Cleanup(); err != nil {
				logger.Warn("retention cleanup failed", zap.Error(err))
			}
		}
	}
}
