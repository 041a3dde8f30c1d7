package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/archive"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/config"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/database"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/event"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/server"
)

// serve 按依赖顺序装配各组件，清理回调按相反的依赖顺序注册
func serve(ctx context.Context, cfg config.Config) error {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if cfg.DebugMode {
		level = slog.LevelDebug
	}
	loggerCallback := logger.Init(logger.Options{
		Path:   cfg.Logging.Path,
		Level:  level,
		MaxAge: cfg.Logging.MaxAgeDuration(),
	})
	logger.Debug("Application initializing...")

	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	fail := func(err error) error {
		logger.ErrorF("Error occured while starting broker, details: %v", err)
		_ = cleaner.Shutdown(context.Background())
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	evaluator, err := buildACL(ctx, cfg.ACL, store)
	if err != nil {
		return fail(err)
	}
	authenticator := buildAuthenticator(cfg.Auth)

	eventBus := bus.New(cfg.EventBus.Capacity)

	m := metrics.New(nil)
	m.RegisterRuntime()
	var metricsServer *metrics.Server
	if cfg.Metrics.Listen != "" {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, m)
		metricsServer.Start()
	}

	deps := broker.Dependencies{
		Clock:         clock.New(),
		ACL:           evaluator,
		Authenticator: authenticator,
		Bus:           eventBus,
		Metrics:       m,
	}
	if store != nil {
		deps.Store = store
	}
	manager, err := broker.New(broker.Options{
		MaxQoS:            mqtt.QoS(cfg.Broker.MaxQoS),
		OutboxSize:        cfg.Broker.OutboxSize,
		SessionExpiry:     cfg.Broker.SessionExpiryDuration(),
		SweepInterval:     cfg.Broker.SweepIntervalDuration(),
		BusPublishTimeout: cfg.Broker.BusPublishTimeoutDuration(),
	}, deps)
	if err != nil {
		return fail(err)
	}
	if err := manager.Restore(ctx); err != nil {
		return fail(err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	go manager.Run(runCtx)

	bridgeSub, err := eventBus.Subscribe("bridge", 0)
	if err != nil {
		cancelRun()
		return fail(err)
	}
	go manager.RunBridge(runCtx, bridgeSub)

	archiver, err := archive.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, archive.ErrDisabled):
		archiver = nil
	case err != nil:
		logger.WarnF("InfluxDB archive disabled, details: %v", err)
		archiver = nil
	default:
		archiveSub, err := eventBus.Subscribe("influxdb", 0)
		if err != nil {
			cancelRun()
			return fail(err)
		}
		go archiver.Run(runCtx, archiveSub)
	}

	srv := server.New(manager, server.OptionsFromConfig(cfg.Broker))
	if _, err := srv.Listen(cfg.Broker.Listen); err != nil {
		cancelRun()
		return fail(fmt.Errorf("mqtt listen %s: %w", cfg.Broker.Listen, err))
	}
	if cfg.Broker.WebSocketListen != "" {
		if _, err := srv.ListenWebSocket(cfg.Broker.WebSocketListen); err != nil {
			cancelRun()
			_ = srv.Shutdown(context.Background())
			return fail(fmt.Errorf("websocket listen %s: %w", cfg.Broker.WebSocketListen, err))
		}
	}

	cleaner.Add(server.NewShutdownCallback(srv))
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		cancelRun()
		return nil
	}))
	cleaner.Add(broker.NewDrainCallback(manager))
	cleaner.Add(bus.NewCloseCallback(eventBus))
	if archiver != nil {
		cleaner.Add(archiver)
	}
	if store != nil {
		cleaner.Add(database.NewCloseCallback(store))
	}
	if metricsServer != nil {
		cleaner.Add(metricsServer)
	}

	logger.InfoF("%s started", cfg.AppName)
	<-cleaner.Done()
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (database.Store, error) {
	switch cfg.Persistence.Backend {
	case "mongo":
		return database.ConnectDatabase(ctx, cfg.Database, cfg.AppName)
	case "badger":
		return database.OpenBadger(database.BadgerOptions{
			Dir:      cfg.Persistence.BadgerDir,
			InMemory: cfg.Persistence.BadgerInMemory,
		})
	default:
		logger.Warn("Persistence disabled, sessions and retained messages are kept in memory only")
		return nil, nil
	}
}

func buildACL(ctx context.Context, cfg config.ACL, store database.Store) (*acl.Evaluator, error) {
	policy, err := acl.ParsePermission(cfg.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	var rules []acl.Rule
	if cfg.RulesFile != "" {
		fileRules, err := acl.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	if cfg.LoadFromDatabase && store != nil {
		dbRules, err := store.LoadACLRules(ctx)
		if err != nil {
			return nil, fmt.Errorf("load acl rules from database: %w", err)
		}
		rules = append(rules, dbRules...)
	}
	logger.InfoF("ACL loaded %d rules, default policy %s", len(rules), policy)
	return acl.NewEvaluator(acl.Options{
		DefaultPolicy: policy,
		CacheSize:     cfg.CacheSize,
		CacheTTL:      cfg.CacheTTLDuration(),
	}, rules)
}

func buildAuthenticator(cfg config.Auth) auth.Authenticator {
	var authenticator auth.Authenticator
	switch cfg.Mode {
	case "static":
		users := make(map[string]string, len(cfg.Users))
		for _, user := range cfg.Users {
			users[user.Username] = user.PasswordHash
		}
		authenticator = auth.NewStaticAuthenticator(users)
	case "jwt":
		authenticator = auth.NewJWTAuthenticator(cfg.JWTSecret)
	default:
		authenticator = auth.AllowAnonymous{}
	}
	if cfg.TrustClientCerts {
		authenticator = &auth.CertificateAuthenticator{Next: authenticator}
	}
	return authenticator
}
