package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/wpprelay/internal/api"
	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/config"
	"github.com/matheus3301/wpprelay/internal/gateway"
	"github.com/matheus3301/wpprelay/internal/identity"
	"github.com/matheus3301/wpprelay/internal/ingest"
	"github.com/matheus3301/wpprelay/internal/lock"
	"github.com/matheus3301/wpprelay/internal/logging"
	"github.com/matheus3301/wpprelay/internal/matcher"
	"github.com/matheus3301/wpprelay/internal/media"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/outbox"
	"github.com/matheus3301/wpprelay/internal/realtime"
	"github.com/matheus3301/wpprelay/internal/status"
	"github.com/matheus3301/wpprelay/internal/storage"
	"github.com/matheus3301/wpprelay/internal/store"
	"github.com/matheus3301/wpprelay/internal/wa"
	"github.com/matheus3301/wpprelay/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds what the fx module needs before any provider runs.
type Params struct {
	// ConfigPath is watched for log level changes. Empty disables watching.
	ConfigPath string
	// Config overrides loading ConfigPath; used by tests.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideTracker,
			provideLock,
			provideStore,
			provideGateway,
			provideResolver,
			provideMatcher,
			notify.NewRegistry,
			provideDispatcher,
			provideStorage,
			provideMedia,
			provideCoordinator,
			provideWebhook,
			provideActions,
			provideAPI,
			provideHub,
			provideSender,
			NewControlServer,
			NewHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(p.ConfigPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	return logging.New(cfg.LogPath(), cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideTracker(b *bus.Bus) *status.Tracker {
	return status.NewTracker(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data directory lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir, cfg.HTTP.Listen)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process that owns the data directory.
func provideStore(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	var (
		db  *store.DB
		err error
	)
	if cfg.Database.Driver == string(store.Postgres) {
		db, err = store.OpenDSN(store.Postgres, cfg.DSN())
	} else {
		db, err = store.Open(cfg.DSN())
	}
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
	for _, inst := range cfg.Instances {
		if err := db.EnsureInstance(context.Background(), inst.Name); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("register instance %q: %w", inst.Name, err)
		}
	}
	logger.Info("store initialized",
		zap.String("driver", string(db.Dialect())),
		zap.Int("instances", len(cfg.Instances)),
	)
	return db, nil
}

// provideGateway selects the outbound gateway. The embedded driver is nil
// unless whatsmeow runs in-process.
func provideGateway(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (gateway.Client, *wa.Driver, error) {
	switch cfg.Gateway.Driver {
	case config.GatewayHTTP:
		logger.Info("using http gateway", zap.String("url", cfg.Gateway.URL))
		return gateway.NewHTTPClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.Timeout, logger), nil, nil
	case config.GatewayEmbedded:
		d := wa.NewDriver(b, logger)
		for _, inst := range cfg.Instances {
			if err := d.Add(context.Background(), inst.Name, cfg.DevicePath(inst.Name)); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("using embedded gateway", zap.Strings("instances", d.Instances()))
		return d, d, nil
	default:
		logger.Warn("gateway disabled; outbound actions will fail")
		return gateway.Disabled{}, nil, nil
	}
}

func provideResolver(cfg *config.Config, db *store.DB, logger *zap.Logger) (*identity.Resolver, error) {
	return identity.NewResolver(db, identity.Options{
		AliasCacheSize: cfg.Identity.AliasCacheSize,
		PendingSize:    cfg.Identity.PendingSize,
	}, logger)
}

func provideMatcher(r *identity.Resolver, logger *zap.Logger) *matcher.Matcher {
	return matcher.New(r, logger)
}

func provideDispatcher(cfg *config.Config, b *bus.Bus, r *notify.Registry, gw gateway.Client, logger *zap.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(b, r, gw, cfg.Gateway.Timeout, logger)
}

func provideStorage(cfg *config.Config) (*storage.Local, error) {
	return storage.NewLocal(cfg.MediaDir(), cfg.Media.BaseURL)
}

// provideMedia returns nil when media post-processing is off.
func provideMedia(cfg *config.Config, gw gateway.Client, files *storage.Local, db *store.DB,
	d *notify.Dispatcher, logger *zap.Logger) *media.Hook {
	if !cfg.Media.Enabled {
		return nil
	}
	return media.New(gw, files, db, d, media.Options{
		Workers: cfg.Media.Workers,
		Timeout: cfg.Media.Timeout,
	}, logger)
}

func provideCoordinator(db *store.DB, r *identity.Resolver, m *matcher.Matcher, d *notify.Dispatcher,
	t *status.Tracker, b *bus.Bus, gw gateway.Client, hook *media.Hook, logger *zap.Logger) *ingest.Coordinator {
	opts := ingest.Options{Enricher: gw}
	if hook != nil {
		opts.Media = hook
	}
	return ingest.New(db, r, m, d, t, b, opts, logger)
}

func provideWebhook(cfg *config.Config, c *ingest.Coordinator, logger *zap.Logger) (*webhook.Handler, error) {
	return webhook.NewHandler(c, webhook.Options{
		MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
		RetryOnFailure: cfg.Webhook.RetryOnFailure,
	}, logger)
}

func provideActions(db *store.DB, d *notify.Dispatcher, gw gateway.Client, logger *zap.Logger) *api.Actions {
	return api.NewActions(db, d, gw, logger)
}

func provideAPI(a *api.Actions, db *store.DB, t *status.Tracker, logger *zap.Logger) *api.Server {
	return api.NewServer(a, db, t, logger)
}

func provideHub(cfg *config.Config, a *api.Actions, r *notify.Registry, b *bus.Bus, logger *zap.Logger) *realtime.Hub {
	return realtime.NewHub(a, r, b, realtime.Options{
		Buffer:       cfg.Realtime.Buffer,
		PingInterval: cfg.Realtime.PingInterval,
	}, logger)
}

func provideSender(cfg *config.Config, db *store.DB, gw gateway.Client, c *ingest.Coordinator,
	d *notify.Dispatcher, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, gw, c, d, outbox.Options{
		Interval: cfg.Outbox.Interval,
		Batch:    cfg.Outbox.Batch,
	}, logger)
}

type lifecycleIn struct {
	fx.In

	Params      Params
	Config      *config.Config
	Level       zap.AtomicLevel
	Logger      *zap.Logger
	Bus         *bus.Bus
	Lock        *lock.Lock
	DB          *store.DB
	Driver      *wa.Driver
	Media       *media.Hook
	Coordinator *ingest.Coordinator
	Sender      *outbox.Sender
	Hub         *realtime.Hub
	Control     *ControlServer
	HTTP        *HTTPServer
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	logger := in.Logger
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())

			// Consume events from embedded drivers before they connect.
			in.Coordinator.Start(runCtx)
			in.Sender.Start(runCtx)

			names := make([]string, 0, len(in.Config.Instances))
			for _, inst := range in.Config.Instances {
				names = append(names, inst.Name)
			}
			in.Control.Follow(runCtx, in.Bus, names)
			go func() {
				if err := in.Control.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if err := in.HTTP.Listen(); err != nil {
				return err
			}
			go func() {
				if err := in.HTTP.Serve(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			if in.Driver != nil {
				if err := in.Driver.Connect(runCtx); err != nil {
					return err
				}
			}

			if in.Params.ConfigPath != "" {
				go func() {
					err := config.Watch(runCtx, in.Params.ConfigPath, func(c *config.Config) {
						if err := logging.SetLevel(in.Level, c.LogLevel); err != nil {
							logger.Warn("ignoring log level from reloaded config", zap.Error(err))
							return
						}
						logger.Info("config reloaded", zap.String("log_level", c.LogLevel))
					}, logger)
					if err != nil {
						logger.Warn("config watch stopped", zap.Error(err))
					}
				}()
			}

			logger.Info("daemon started", zap.String("http", in.HTTP.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := in.HTTP.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if cancel != nil {
				cancel()
			}
			in.Hub.Close()
			in.Sender.Stop()
			in.Coordinator.Stop()
			if in.Media != nil {
				in.Media.Wait()
			}
			if in.Driver != nil {
				in.Driver.Disconnect()
			}
			in.Control.Stop()
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
