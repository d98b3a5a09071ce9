package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"companiongw/pkg/adapter"
	"companiongw/pkg/adapter/bidirectional"
	"companiongw/pkg/adapter/ipc"
	"companiongw/pkg/adapter/requestreply"
	"companiongw/pkg/audit"
	"companiongw/pkg/bus"
	"companiongw/pkg/cache"
	"companiongw/pkg/config"
	"companiongw/pkg/container"
	"companiongw/pkg/database"
	"companiongw/pkg/httputil"
	"companiongw/pkg/logger"
	"companiongw/pkg/metrics"
	"companiongw/pkg/plugin"
	"companiongw/pkg/plugin/plugins"
	"companiongw/pkg/ratelimit"
	"companiongw/pkg/scheduler"
	"companiongw/pkg/scheduler/tasks"
	"companiongw/pkg/session"
	"companiongw/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadWithServiceDefaults("companiongw", 8080)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	logger.Log.Info("starting companion gateway",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("gateway exited with error", "error", err)
		os.Exit(1)
	}

	os.Exit(0)
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Tracing.Enabled {
		provider, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     true,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Metrics.Enabled {
		m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	}

	c := container.New()
	if err := registerServices(ctx, c, cfg); err != nil {
		return fmt.Errorf("registering services: %w", err)
	}
	if err := c.StartAll(ctx); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	defer c.StopAll(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down")
	return nil
}

// registerPluginClasses wires every plugin.Class this gateway ships with.
// The dependency graph declared in each plugin's Metadata() is what the
// pipeline actually orders by; registration order here does not matter.
func registerPluginClasses(registry *plugin.Registry, cfg *config.Config, auditLogger audit.Logger) error {
	classes := map[string]plugin.Class{
		"security":      plugins.NewSecurityClass(),
		"rate_limiting": plugins.NewRateLimitClass(rateLimitConfig(cfg.RateLimit)),
		"validation":    plugins.NewValidationClass(knownMessageTypes()),
		"message_bus":   plugins.NewBusHostClass(),
		"encryption":    plugins.NewEncryptionClass(),
		"routing":       plugins.NewRoutingClass(cfg.Retry),
		"log_shipper":   plugins.NewLogShipperClass(auditLogger),
	}
	for name, class := range classes {
		if err := registry.RegisterClass(name, class); err != nil {
			return err
		}
	}
	return nil
}

// loadPlugins instantiates every registered class with its default
// configuration. A real deployment would source these maps from
// cfg-driven plugin settings; the gateway ships sane defaults for every
// plugin it registers.
func loadPlugins(registry *plugin.Registry, cfg *config.Config) error {
	names := []string{"security", "rate_limiting", "validation", "message_bus", "encryption", "routing", "log_shipper"}
	for _, name := range names {
		if _, err := registry.LoadPlugin(name, map[string]any{"enabled": true}); err != nil {
			return fmt.Errorf("loading plugin %q: %w", name, err)
		}
	}
	return nil
}

// initializePlugins calls Initialize on every loaded plugin with the
// shared handle (spec §9: "resolve by passing a single SharedServices
// handle"). Order does not matter here since SharedServices carries
// singletons rather than other plugins' instances.
func initializePlugins(ctx context.Context, registry *plugin.Registry, shared *plugin.SharedServices) error {
	for name, inst := range registry.Instances() {
		if err := inst.Initialize(ctx, shared); err != nil {
			return fmt.Errorf("initializing plugin %q: %w", name, err)
		}
	}
	return nil
}

// rateLimitConfig adapts the loaded config.RateLimitConfig to
// pkg/ratelimit's own Config, falling back to ratelimit.DefaultConfig's
// request budget when the operator left Requests unset.
func rateLimitConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	out := &ratelimit.Config{
		Requests:        cfg.Requests,
		Window:          cfg.Window,
		Strategy:        cfg.Strategy,
		Backend:         cfg.Backend,
		BurstSize:       cfg.BurstSize,
		CleanupInterval: cfg.CleanupInterval,
		RedisAddr:       cfg.RedisAddr,
	}
	if out.Requests <= 0 {
		def := ratelimit.DefaultConfig()
		out.Requests = def.Requests
		out.Window = def.Window
		out.Strategy = def.Strategy
		out.BurstSize = def.BurstSize
		out.CleanupInterval = def.CleanupInterval
	}
	return out
}

func knownMessageTypes() []string {
	return []string{"echo", "users", "admin", "logs", "conversation"}
}

// registerServices wires every gateway subsystem into the container as a
// named service with its declared dependencies, so StartAll/StopAll can
// drive the whole gateway through one lifecycle instead of the hand-ordered
// construction this replaced (spec §4.1).
func registerServices(ctx context.Context, c *container.Container, cfg *config.Config) error {
	if err := c.Register("database", func(*container.Container) (any, error) {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		return &databaseService{
			db: db,
			funcService: newFuncService(nil, func(context.Context) error {
				db.Close()
				return nil
			}),
		}, nil
	}, nil, true); err != nil {
		return err
	}

	if err := c.Register("core", func(cc *container.Container) (any, error) {
		dbInst, err := cc.Get("database")
		if err != nil {
			return nil, err
		}
		db := dbInst.(*databaseService).db

		auditLogger, err := audit.New(&audit.Config{})
		if err != nil {
			return nil, fmt.Errorf("initializing audit logger: %w", err)
		}
		limiter, err := ratelimit.New(rateLimitConfig(cfg.RateLimit))
		if err != nil {
			return nil, fmt.Errorf("initializing rate limiter: %w", err)
		}
		channels := session.NewChannelMap()
		sessionManager, err := session.NewManager(channels, cfg.TransportEncryption.SessionTimeout)
		if err != nil {
			return nil, fmt.Errorf("initializing session manager: %w", err)
		}
		sessionMW := session.NewMiddleware(cfg.TransportEncryption, sessionManager, logger.Log)

		messageBus := bus.New(logger.Log)
		if cfg.Bus.PersistenceEnabled {
			messageBus.SetPersistenceHook(bus.NewPostgresPersistence(db).Append)
		}

		return &coreService{
			funcService:    newFuncService(nil, nil),
			auditLogger:    auditLogger,
			limiter:        limiter,
			channels:       channels,
			sessionManager: sessionManager,
			sessionMW:      sessionMW,
			messageBus:     messageBus,
		}, nil
	}, []string{"database"}, true); err != nil {
		return err
	}

	if err := c.Register("plugins", func(cc *container.Container) (any, error) {
		dbInst, err := cc.Get("database")
		if err != nil {
			return nil, err
		}
		db := dbInst.(*databaseService).db
		coreInst, err := cc.Get("core")
		if err != nil {
			return nil, err
		}
		core := coreInst.(*coreService)

		registry := plugin.NewRegistry()
		if err := registerPluginClasses(registry, cfg, core.auditLogger); err != nil {
			return nil, fmt.Errorf("registering plugin classes: %w", err)
		}
		if err := loadPlugins(registry, cfg); err != nil {
			return nil, fmt.Errorf("loading plugins: %w", err)
		}

		svc := &pluginsService{registry: registry}
		svc.funcService = newFuncService(nil, func(ctx context.Context) error {
			if svc.pipeline == nil {
				return nil
			}
			svc.pipeline.Shutdown(ctx, func() context.Context {
				shutdownCtx, _ := context.WithTimeout(context.Background(), 5*time.Second)
				return shutdownCtx
			})
			return nil
		}).withInit(func(ctx context.Context) error {
			shared := &plugin.SharedServices{
				Config:  cfg,
				Logger:  logger.Log,
				DB:      db,
				Bus:     core.messageBus,
				Session: core.channels,
			}
			if err := initializePlugins(ctx, registry, shared); err != nil {
				return fmt.Errorf("initializing plugins: %w", err)
			}
			pipeline, err := plugin.NewPipeline(registry)
			if err != nil {
				return fmt.Errorf("building plugin pipeline: %w", err)
			}
			svc.pipeline = pipeline
			return nil
		})
		return svc, nil
	}, []string{"database", "core"}, true); err != nil {
		return err
	}

	if err := c.Register("adapters", func(cc *container.Container) (any, error) {
		dbInst, err := cc.Get("database")
		if err != nil {
			return nil, err
		}
		db := dbInst.(*databaseService).db
		coreInst, err := cc.Get("core")
		if err != nil {
			return nil, err
		}
		core := coreInst.(*coreService)
		pluginsInst, err := cc.Get("plugins")
		if err != nil {
			return nil, err
		}
		pl := pluginsInst.(*pluginsService)

		deps := &adapter.Dependencies{
			Config:      cfg,
			Logger:      logger.Log,
			Gateway:     pl.pipeline,
			RateLimiter: core.limiter,
			DB:          db,
			AuditLogger: core.auditLogger,
		}
		manager := adapter.NewManager(deps)
		manager.Register("request_reply", func(desc adapter.Descriptor) (adapter.Adapter, error) {
			return requestreply.New(fmt.Sprintf(":%d", cfg.HTTP.Port), core.sessionMW), nil
		})
		manager.Register("bidirectional", func(desc adapter.Descriptor) (adapter.Adapter, error) {
			return bidirectional.New(cfg.Adapters.Bidirectional.ListenAddr, cfg.Adapters.Bidirectional.MaxConnections, cfg.Adapters.Bidirectional.HeartbeatInterval), nil
		})
		manager.Register("ipc", func(desc adapter.Descriptor) (adapter.Adapter, error) {
			return ipc.New(cfg.Adapters.IPC.SocketPath, cfg.Adapters.IPC.FallbackAddr), nil
		})

		descriptors := []adapter.Descriptor{
			{ProtocolName: "request_reply", Enabled: cfg.Adapters.RequestReply.Enabled},
			{ProtocolName: "bidirectional", Enabled: cfg.Adapters.Bidirectional.Enabled},
			{ProtocolName: "ipc", Enabled: cfg.Adapters.IPC.Enabled},
		}
		return &adaptersService{
			manager:  manager,
			pipeline: pl.pipeline,
			funcService: newFuncService(
				func(ctx context.Context) error { return manager.StartAll(ctx, descriptors) },
				func(ctx context.Context) error { manager.StopAll(ctx); return nil },
			),
		}, nil
	}, []string{"database", "core", "plugins"}, true); err != nil {
		return err
	}

	if err := c.Register("scheduler", func(cc *container.Container) (any, error) {
		if !cfg.Scheduler.Enabled {
			return &schedulerService{funcService: newFuncService(nil, nil)}, nil
		}
		dbInst, err := cc.Get("database")
		if err != nil {
			return nil, err
		}
		db := dbInst.(*databaseService).db

		store := scheduler.NewStore(db)
		taskRegistry := scheduler.NewRegistry()
		taskRegistry.Register(tasks.NewLogCleanup(store, int(cfg.Scheduler.HistoryRetention.Hours()/24)))
		if err := taskRegistry.LoadUserTaskDirectory(cfg.Scheduler.TriggerDir); err != nil {
			return nil, fmt.Errorf("loading user task directory: %w", err)
		}

		parser := scheduler.NewParser(1000)
		executor := scheduler.NewExecutor(store, taskRegistry, cfg.Scheduler.LockTTL, cfg.Scheduler.TaskTimeout, logger.Log)
		sched := scheduler.New(store, parser, executor, cfg.Scheduler.TriggerDir, cfg.Scheduler.TickInterval, logger.Log)

		var taskCache cache.Cache
		if cfg.Cache.Enabled {
			tc, err := cache.New(cache.FromConfig(&cfg.Cache))
			if err != nil {
				return nil, fmt.Errorf("constructing scheduler task cache: %w", err)
			}
			taskCache = tc
		}
		api := scheduler.NewAPI(store, taskRegistry, parser, executor, sched, taskCache)

		return &schedulerService{
			store: store,
			sched: sched,
			api:   api,
			funcService: newFuncService(
				func(ctx context.Context) error { sched.Start(ctx); return nil },
				func(context.Context) error {
					sched.Stop(cfg.Scheduler.ShutdownTimeout)
					return api.Close()
				},
			).withInit(func(ctx context.Context) error {
				return store.VerifyTablesExist(ctx)
			}),
		}, nil
	}, []string{"database"}, cfg.Scheduler.Enabled); err != nil {
		return err
	}

	// adminServer mounts the scheduler admin surface on a plain, unencrypted
	// listener, deliberately separate from the session-encrypted
	// request-reply adapter (see pkg/httputil.CORS doc comment, DESIGN.md
	// "Open Question: CORS placement"). It always depends on "scheduler" so
	// its health endpoint can report that service's state even when the
	// scheduler itself is disabled.
	return c.Register("adminServer", func(cc *container.Container) (any, error) {
		schedInst, err := cc.Get("scheduler")
		if err != nil {
			return nil, err
		}
		sc := schedInst.(*schedulerService)

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			report := c.HealthCheck(r.Context())
			status := http.StatusOK
			if report.Summary.Unhealthy > 0 {
				status = http.StatusServiceUnavailable
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(report)
		})
		if sc.api != nil {
			sc.api.Mount(mux)
		}
		if cfg.Metrics.Enabled {
			path := cfg.Metrics.Path
			if path == "" {
				path = "/metrics"
			}
			mux.Handle(path, metrics.Handler())
		}

		var handler http.Handler = mux
		if cfg.HTTP.CORS.Enabled {
			handler = httputil.CORS(cfg.HTTP.CORS)(mux)
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port+1),
			Handler: h2c.NewHandler(handler, &http2.Server{}),
		}
		return &adminServerService{
			srv: srv,
			funcService: newFuncService(
				func(context.Context) error {
					go func() {
						logger.Log.Info("admin surface listening", "addr", srv.Addr)
						if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							logger.Log.Error("admin server failed", "error", err)
						}
					}()
					return nil
				},
				func(ctx context.Context) error {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				},
			),
		}, nil
	}, []string{"scheduler"}, true)
}
