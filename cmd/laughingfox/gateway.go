package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"laughingfox/internal/bus"
	"laughingfox/internal/channel"
	"laughingfox/internal/command"
	"laughingfox/internal/command/builtin"
	"laughingfox/internal/config"
	"laughingfox/internal/connection"
	"laughingfox/internal/correlation"
	"laughingfox/internal/credential"
	"laughingfox/internal/dispatch"
	"laughingfox/internal/health"
	"laughingfox/internal/metrics"
	"laughingfox/internal/msgstore"
	"laughingfox/internal/scheduler"
	"laughingfox/internal/security"
	"laughingfox/internal/storage"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// runGateway wires every component and blocks until ctx is cancelled, the
// session ends fatally or a scheduled restart fires. The returned code is
// the process exit code the caller should use.
func runGateway(ctx context.Context, cfg *config.Config) (int, error) {
	started := time.Now()

	records, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return 1, err
	}
	defer records.Close()

	creds := credential.NewStore(credential.StoreConfig{Path: cfg.Credentials.Path, Logger: logger})
	if err := creds.Load(); err != nil {
		return 1, err
	}
	bootstrap, err := credential.NewBootstrapper(ctx, cfg.Credentials.Bootstrap, logger)
	if err != nil {
		return 1, err
	}

	store := msgstore.New(msgstore.Config{
		SnapshotPath:  cfg.Store.SnapshotPath,
		CacheTTL:      cfg.Store.CacheTTL(),
		CacheCapacity: cfg.Store.CacheCapacity,
		Logger:        logger,
	})
	if n := store.Restore(); n > 0 {
		logger.Info("message store restored", "messages", n)
	}
	store.Start()
	defer store.Stop()

	tables := correlation.New(correlation.Config{EntryTTL: cfg.Correlation.EntryTTL()})

	registry, err := buildRegistry(cfg)
	if err != nil {
		return 1, err
	}

	admission := security.NewAdmission(security.AdmissionConfig{
		Config:  cfg.Admission,
		Admins:  cfg.General.Admins,
		Records: records,
		Logger:  logger,
	})

	inbound := bus.New(256, logger)
	events := bus.NewEventBus(logger)
	events.On(bus.EventStateChanged, func(e bus.Event) {
		logger.Info("connection state", "state", e.Payload)
	})
	events.On(bus.EventCredentials, func(e bus.Event) {
		logger.Debug("credentials event", "type", e.Type, "self", creds.Current().SelfID())
	})

	var limiter *connection.RateLimiter
	if cfg.Connection.SendRatePerMinute > 0 {
		limiter = connection.NewRateLimiter(cfg.Connection.SendBurst, float64(cfg.Connection.SendRatePerMinute))
	}

	manager := connection.NewManager(connection.Config{
		Protocol: channel.NewSidecar(channel.SidecarConfig{
			URL:     cfg.Connection.SidecarURL,
			Token:   cfg.Connection.SidecarToken,
			BotName: cfg.General.BotName,
			Logger:  logger,
		}),
		Credentials:    creds,
		Bootstrap:      bootstrap,
		Resolver:       store,
		Inbound:        inbound,
		Events:         events,
		Limiter:        limiter,
		ConnectTimeout: cfg.Connection.ConnectTimeout(),
		MaxAttempts:    cfg.Connection.MaxAttempts,
		BackoffUnit:    cfg.Connection.BackoffUnit(),
		RestartDelay:   cfg.Connection.RestartDelay(),
		Logger:         logger,
	})

	engine := dispatch.New(dispatch.Config{
		Client:    manager,
		Store:     store,
		Registry:  registry,
		Tables:    tables,
		Records:   records,
		Admission: admission,
		Config:    cfg,
		Events:    events,
		Self:      func() string { return creds.Current().SelfID() },
		Started:   started,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exitCode atomic.Int32
	sched := scheduler.New(scheduler.Config{Logger: logger})
	jobs := []scheduler.Job{
		scheduler.FlushJob(store, time.Duration(cfg.Store.FlushIntervalSeconds)*time.Second),
		scheduler.SweepJob(tables, time.Duration(cfg.Correlation.SweepIntervalSeconds)*time.Second, logger),
	}
	if cfg.General.RestartSchedule != "" {
		jobs = append(jobs, scheduler.RestartJob(cfg.General.RestartSchedule, func(code int) {
			exitCode.Store(int32(code))
			cancel()
		}, logger))
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return 1, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer inbound.Close()
		return manager.Run(gctx)
	})
	g.Go(func() error {
		return engine.Run(gctx, inbound.Subscribe())
	})
	if cfg.Health.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Host:       cfg.Health.Host,
			Port:       cfg.Health.Port,
			StatusFunc: func() health.Status {
				state := manager.State()
				st := health.Status{
					State:         state.String(),
					Healthy:       state != connection.Fatal,
					UptimeSeconds: metrics.Collector.Uptime().Seconds(),
					StoredMsgs:    store.Len(),
					Commands:      registry.Len(),
					RecentFaults:  len(events.Recent(bus.EventHandlerFault)),
				}
				if ev, ok := events.Last(bus.EventStateChanged); ok {
					st.StateSince = &ev.Timestamp
				}
				if limiter != nil {
					tokens := limiter.Available()
					st.SendTokens = &tokens
				}
				return st
			},
			Logger:     logger,
		})
		g.Go(func() error { return srv.Start(gctx) })
	}
	sched.Start(gctx)

	logger.Info("gateway started", "version", version, "commands", registry.Len(), "prefix", cfg.General.Prefix)

	runErr := g.Wait()
	logger.Info("shutting down gateway...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Stop()
		if err := store.Flush(); err != nil {
			logger.Error("final message store flush failed", "err", err)
		}
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
	}

	if runErr != nil {
		return 1, runErr
	}
	return int(exitCode.Load()), nil
}

// buildRegistry registers the built-in commands, applies the overrides
// manifest and freezes the result.
func buildRegistry(cfg *config.Config) (*command.Registry, error) {
	registry := command.NewRegistry(logger)
	if err := builtin.Register(registry); err != nil {
		return nil, err
	}
	manifest, err := command.LoadManifest(cfg.Commands.ManifestPath, logger)
	if err != nil {
		return nil, err
	}
	if err := registry.Apply(manifest); err != nil {
		return nil, fmt.Errorf("apply command manifest: %w", err)
	}
	registry.Freeze()
	return registry, nil
}
