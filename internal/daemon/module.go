package daemon

import (
	"context"
	"time"

	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/config"
	"github.com/pmelo/courier/internal/conn"
	"github.com/pmelo/courier/internal/engine"
	"github.com/pmelo/courier/internal/lock"
	"github.com/pmelo/courier/internal/logging"
	"github.com/pmelo/courier/internal/outbox"
	"github.com/pmelo/courier/internal/presence"
	"github.com/pmelo/courier/internal/reconcile"
	"github.com/pmelo/courier/internal/router"
	"github.com/pmelo/courier/internal/scheduler"
	"github.com/pmelo/courier/internal/session"
	"github.com/pmelo/courier/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideCredentials,
			provideChannel,
			providePresence,
			provideRouter,
			provideReconciler,
			provideScheduler,
			provideQueue,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
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

func provideCredentials(p Params, b *bus.Bus) *session.FileCredentials {
	return session.NewFileCredentials(p.SessionName, b)
}

func provideChannel(p Params, creds *session.FileCredentials, b *bus.Bus, logger *zap.Logger) *conn.Channel {
	srv := p.Config.Server
	return conn.NewChannel(conn.Options{
		URL:               srv.WSURL,
		HeartbeatInterval: srv.HeartbeatInterval.Duration(),
		HeartbeatTimeout:  srv.HeartbeatTimeout.Duration(),
		BackoffBase:       srv.BackoffBase.Duration(),
		BackoffCap:        srv.BackoffCap.Duration(),
	}, creds, b, logger)
}

func providePresence(b *bus.Bus) *presence.Store {
	return presence.NewStore(b)
}

func provideRouter(db *store.DB, p *presence.Store, channel *conn.Channel, b *bus.Bus, logger *zap.Logger) *router.Router {
	return router.New(db, p, channel, b, logger)
}

func provideReconciler(p Params, db *store.DB, creds *session.FileCredentials, rt *router.Router, b *bus.Bus, logger *zap.Logger) *reconcile.Manager {
	client := reconcile.NewClient(p.Config.Server.APIURL, creds, p.Config.Sync.FetchTimeout.Duration())
	return reconcile.NewManager(db, client, rt, b, p.Config.Sync.PageSize, logger)
}

func provideScheduler(logger *zap.Logger) *scheduler.Runner {
	return scheduler.NewRunner(logger)
}

func provideQueue(p Params, db *store.DB, channel *conn.Channel, b *bus.Bus, sched *scheduler.Runner, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, channel, b, sched, outbox.Options{
		AckTimeout: p.Config.Sync.AckTimeout.Duration(),
		MaxRetries: p.Config.Sync.MaxSendRetries,
	}, logger)
}

func provideEngine(p Params, channel *conn.Channel, rt *router.Router, rec *reconcile.Manager,
	q *outbox.Queue, pr *presence.Store, b *bus.Bus, sched *scheduler.Runner, logger *zap.Logger) *engine.Engine {
	return engine.New(channel, rt, rec, q, pr, b, sched, engine.Options{
		RetryInterval:               p.Config.Sync.RetryInterval.Duration(),
		HeartbeatInterval:           p.Config.Server.HeartbeatInterval.Duration(),
		BackgroundHeartbeatInterval: p.Config.Server.BackgroundHeartbeatInterval.Duration(),
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, lk *lock.Lock, db *store.DB,
	sched *scheduler.Runner, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			eng.Start()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			logger.Info("daemon stopping")
			done := make(chan struct{})
			go func() {
				eng.Stop()
				sched.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				logger.Warn("shutdown timed out")
			}
			if err := db.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("releasing lock", zap.Error(err))
			}
			_ = logger.Sync()
			return nil
		},
	})
}
