// Vitalwatchd is the vitalwatch alert evaluation daemon.
//
// It evaluates user alert rules, detects anomalies against personal baselines,
// scores health risk and dispatches notifications on two scheduler tiers. An
// admin API is served over HTTP.
//
// Configuration is loaded from an optional YAML file and VITALWATCH_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	vitalwatchd
//
//	# Start with a config file and NATS
//	VITALWATCH_NATS_ENABLED=true vitalwatchd -config /etc/vitalwatch/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/anomaly"
	"github.com/fyrsmithlabs/vitalwatch/internal/baseline"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
	"github.com/fyrsmithlabs/vitalwatch/internal/dispatch"
	"github.com/fyrsmithlabs/vitalwatch/internal/engine"
	vwhttp "github.com/fyrsmithlabs/vitalwatch/internal/http"
	"github.com/fyrsmithlabs/vitalwatch/internal/ingest"
	"github.com/fyrsmithlabs/vitalwatch/internal/logging"
	"github.com/fyrsmithlabs/vitalwatch/internal/risk"
	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
	"github.com/fyrsmithlabs/vitalwatch/internal/telemetry"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("VITALWATCH_CONFIG"), "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  vitalwatchd [-config file]   Start the vitalwatch daemon\n")
			fmt.Fprintf(os.Stderr, "  vitalwatchd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("vitalwatchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects to NATS when enabled
//  4. Builds stores, evaluators and the dispatcher
//  5. Starts the rule watcher, snapshot subscriber and scheduler
//  6. Serves the admin API
//
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if degraded, terr := tel.Degraded(); degraded {
		zl.Warn("telemetry degraded, continuing without export", zap.Error(terr))
	}

	zl.Info("Starting vitalwatchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("fast_interval", cfg.Scheduler.FastInterval.Duration()),
		zap.Duration("slow_interval", cfg.Scheduler.SlowInterval.Duration()),
		zap.Bool("nats_enabled", cfg.NATS.Enabled))

	deps, err := initDependencies(cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svc, err := initServices(cfg, deps, tel, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := svc.start(ctx, cfg, deps, zl); err != nil {
		svc.stop(zl)
		return err
	}
	defer svc.stop(zl)

	srv, err := vwhttp.NewServer(svc.ruleStore, svc.runner, svc.dispatcher, zl, &vwhttp.Config{
		Host:            "",
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	zl.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	return srv.Start(ctx)
}

// initLogger builds the structured logger from the observability section.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	lvl, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	lc.Level = lvl
	lc.Format = cfg.Observability.LogFormat
	lc.Fields["version"] = version
	return logging.NewLogger(lc, nil)
}

// dependencies holds infrastructure connections.
type dependencies struct {
	natsConn *nats.Conn
	js       nats.JetStreamContext
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		_ = d.natsConn.Drain()
	}
}

// initDependencies connects to NATS when enabled.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	if !cfg.NATS.Enabled {
		return &dependencies{}, nil
	}

	opts := []nats.Option{
		nats.Name("vitalwatchd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if cfg.NATS.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.NATS.Token.Value()))
	}
	nc, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &dependencies{natsConn: nc, js: js}, nil
}

// services holds the evaluation pipeline.
type services struct {
	vitalsStore *vitals.MemoryStore
	ruleStore   *rules.MemoryStore
	cache       *baseline.Cache
	dispatcher  *dispatch.Dispatcher
	runner      *engine.Runner
	scheduler   *engine.Scheduler

	watcher    *rules.Watcher
	subscriber *ingest.Subscriber
}

// initServices builds stores, evaluators, the dispatcher and the scheduler.
func initServices(cfg *config.Config, deps *dependencies, tel *telemetry.Telemetry, logger *zap.Logger) (*services, error) {
	dcfg, err := dispatch.ConfigFrom(cfg.Dispatch)
	if err != nil {
		return nil, err
	}

	cooldowns, deliverer, err := initDispatchBackends(cfg, dcfg, deps, logger)
	if err != nil {
		return nil, err
	}
	dispatcher, err := dispatch.New(dcfg, cooldowns, deliverer, dispatch.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	categories, err := risk.FromConfig(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("invalid risk configuration: %w", err)
	}

	svc := &services{
		vitalsStore: vitals.NewMemoryStore(),
		ruleStore:   rules.NewMemoryStore(nil),
		cache:       baseline.NewCache(cfg.Baseline.CacheSize, cfg.Baseline.CacheTTL.Duration()),
		dispatcher:  dispatcher,
	}

	svc.runner, err = engine.NewRunner(engine.ConfigFrom(cfg), engine.Deps{
		Source:     svc.vitalsStore,
		Rules:      svc.ruleStore,
		Detector:   newDetector(cfg),
		Categories: categories,
		Dispatcher: dispatcher,
		Cache:      svc.cache,
	}, engine.WithLogger(logger), engine.WithTelemetry(tel))
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	svc.scheduler, err = engine.NewScheduler(svc.runner, svc.vitalsStore, logger,
		engine.WithIntervals(cfg.Scheduler.FastInterval.Duration(), cfg.Scheduler.SlowInterval.Duration()),
		engine.WithMaxConcurrentUsers(cfg.Scheduler.MaxConcurrentUsers),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return svc, nil
}

// initDispatchBackends picks JetStream-backed cooldowns and delivery jobs when
// NATS is connected, in-memory cooldowns and log-only delivery otherwise.
func initDispatchBackends(cfg *config.Config, dcfg dispatch.Config, deps *dependencies, logger *zap.Logger) (dispatch.CooldownStore, dispatch.Deliverer, error) {
	if deps.js == nil {
		return dispatch.NewMemoryCooldownStore(), logDeliverer(logger), nil
	}

	var ttl time.Duration
	for _, p := range []alert.Priority{alert.PriorityHigh, alert.PriorityMedium, alert.PriorityLow} {
		ttl = max(ttl, dcfg.Cooldown(p))
	}
	cooldowns, err := dispatch.NewKVCooldownStore(deps.js, cfg.NATS.CooldownBucket, ttl)
	if err != nil {
		return nil, nil, err
	}
	deliverer, err := dispatch.NewNATSDeliverer(deps.js, cfg.NATS.DeliveryStream, cfg.NATS.DeliverySubject, nil)
	if err != nil {
		return nil, nil, err
	}
	return cooldowns, deliverer, nil
}

// logDeliverer accepts every delivery and logs it. Used when no broker is
// configured.
func logDeliverer(logger *zap.Logger) dispatch.Deliverer {
	return dispatch.DelivererFunc(func(ctx context.Context, d dispatch.Delivery) (dispatch.Receipt, error) {
		if err := ctx.Err(); err != nil {
			return dispatch.Receipt{}, err
		}
		logger.Info("notification",
			zap.String("user.id", d.UserID),
			zap.String("channel", string(d.Channel)),
			zap.Stringer("priority", d.Priority),
			zap.String("title", d.Title))
		return dispatch.Receipt{Accepted: true}, nil
	})
}

func newDetector(cfg *config.Config) *anomaly.Detector {
	opts := []anomaly.Option{
		anomaly.WithMinPoints(cfg.Baseline.MinPoints),
		anomaly.WithDefaults(anomaly.Thresholds{
			Moderate: cfg.Anomaly.Moderate,
			Severe:   cfg.Anomaly.Severe,
		}),
	}
	for metric, t := range cfg.Anomaly.Overrides {
		opts = append(opts, anomaly.WithOverride(metric, anomaly.Thresholds{Moderate: t.Moderate, Severe: t.Severe}))
	}
	return anomaly.NewDetector(opts...)
}

// start loads seed rules and launches the background components.
func (s *services) start(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) error {
	if path := cfg.Rules.SeedFile; path != "" {
		if cfg.Rules.WatchSeedFile {
			w, err := rules.NewWatcher(path, s.ruleStore, logger)
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("failed to load seed rules: %w", err)
			}
			s.watcher = w
		} else {
			seed, err := rules.LoadFile(path)
			if err != nil {
				return fmt.Errorf("failed to load seed rules: %w", err)
			}
			res, err := s.ruleStore.ApplySeed(ctx, seed)
			if err != nil {
				return fmt.Errorf("failed to apply seed rules: %w", err)
			}
			logger.Info("seed rules applied",
				zap.Int("added", res.Added),
				zap.Int("updated", res.Updated),
				zap.Int("removed", res.Removed))
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if deps.natsConn != nil {
		sub, err := ingest.NewSubscriber(deps.natsConn, cfg.NATS.SnapshotSubject, s.vitalsStore,
			ingest.WithInvalidator(s.cache),
			ingest.WithTrigger(s.scheduler),
			ingest.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := sub.Start(ctx); err != nil {
			return fmt.Errorf("failed to start snapshot subscriber: %w", err)
		}
		s.subscriber = sub
	}
	return nil
}

// stop halts background components in reverse start order.
func (s *services) stop(logger *zap.Logger) {
	if s.subscriber != nil {
		if err := s.subscriber.Stop(); err != nil {
			logger.Warn("snapshot subscriber stop failed", zap.Error(err))
		}
	}
	if err := s.scheduler.Stop(); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
}
