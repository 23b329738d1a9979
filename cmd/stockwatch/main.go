// Package main is the entry point for the stockwatch service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"stockwatch/internal/breaker"
	"stockwatch/internal/cleaner"
	"stockwatch/internal/config"
	"stockwatch/internal/mailer"
	"stockwatch/internal/metrics"
	"stockwatch/internal/models"
	"stockwatch/internal/notify"
	"stockwatch/internal/poller"
	"stockwatch/internal/registry"
	"stockwatch/internal/scheduler"
	"stockwatch/internal/server"
	"stockwatch/internal/store"
	"stockwatch/internal/upstream"
)

func main() {
	// Determine config path
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/config/config.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stockwatch",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("log_level", cfg.App.LogLevel),
		zap.Ints("models", cfg.ModelIDs()),
	)

	// Open database
	db, err := store.NewSQLiteStore(cfg.Store.DBPath, cfg.Store.DebounceWindow.Duration, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}

	// Initialize Prometheus metrics
	promRegistry := prometheus.NewRegistry()
	m := metrics.NewMetrics(promRegistry)

	// Start metrics/health server
	metricsServer := metrics.NewServer(
		cfg.Metrics.Port,
		cfg.Metrics.Path,
		cfg.Health.LivenessPath,
		cfg.Health.ReadinessPath,
		promRegistry,
	)
	metricsServer.UpdateHealthCheck("database", "ok")

	// Create components
	b := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout.Duration, cfg.Breaker.LogInterval.Duration, logger)
	fetcher := upstream.NewClient(cfg.Upstream.URL, &http.Client{Timeout: cfg.Upstream.Timeout.Duration}, logger)
	p := poller.New(fetcher, b, db, cfg.ModelIDs(), cfg.Upstream.Timeout.Duration, logger)

	reg := registry.NewRegistry(cfg.Stream.MaxConnections, cfg.Stream.PingTimeout.Duration, cfg.Stream.SendBuffer, logger)
	broadcaster := registry.NewBroadcaster(reg, logger)
	snapshot := store.NewSnapshotDiff()

	queue := notify.NewQueue(db, cfg.Notifications.Cooldown.Duration, cfg.Notifications.RearmWindow.Duration,
		cfg.Notifications.MaxAttempts, cfg.Notifications.NotifyOutOfStock, logger)
	limiter := notify.NewTieredLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	relay := mailer.NewRelay(cfg.Mailer.URL, cfg.Mailer.From, cfg.MailerAuthToken, cfg.Mailer.Headers,
		&http.Client{Timeout: cfg.Mailer.Timeout.Duration}, logger)
	batcher := notify.NewBatcher(db, relay, limiter, notify.BatcherConfig{
		SendTimeout:    cfg.Digest.SendTimeout.Duration,
		RunBudget:      cfg.Digest.RunBudget.Duration,
		InterUserDelay: cfg.Digest.InterUserDelay.Duration,
		RateLimitPause: cfg.Digest.RateLimitPause.Duration,
		MaxAttempts:    cfg.Notifications.MaxAttempts,
	}, logger)

	c := cleaner.NewCleaner(db, cfg.Retention.CleanupInterval.Duration, cfg.Retention.RetentionPeriod.Duration,
		cfg.Notifications.MaxAttempts, m, logger)

	apiServer := server.New(cfg, p, queue, batcher, limiter, b, reg, broadcaster, snapshot, db, m, logger)

	// Create context with cancellation for shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Use errgroup for goroutine lifecycle
	g, gCtx := errgroup.WithContext(ctx)

	// Start metrics server
	g.Go(func() error {
		logger.Info("starting metrics server", zap.Int("port", cfg.Metrics.Port))
		return metricsServer.Start()
	})

	// Start API server
	g.Go(func() error {
		metricsServer.UpdateHealthCheck("api", "ok")
		return apiServer.Start()
	})

	// Start connection sweeper
	g.Go(func() error {
		logger.Info("starting connection sweeper",
			zap.Duration("interval", cfg.Stream.SweepInterval.Duration),
		)
		reg.Run(gCtx, cfg.Stream.SweepInterval.Duration, func(evicted int) {
			m.SweepEvictionsTotal.Add(float64(evicted))
			m.StreamConnections.Set(float64(reg.Count()))
		})
		return nil
	})

	// Start cleaner
	if cfg.Retention.Enabled {
		g.Go(func() error {
			logger.Info("starting cleaner",
				zap.Duration("interval", cfg.Retention.CleanupInterval.Duration),
				zap.Duration("retention", cfg.Retention.RetentionPeriod.Duration),
			)
			c.Start(gCtx)
			return nil
		})
	}

	// Start scheduler
	if cfg.Scheduler.Enabled {
		pollJob := func(jobCtx context.Context) {
			report := p.PollAll(jobCtx)
			m.RecordPollReport(report)
			m.SetBreakerState(b.Status().State)
			for _, event := range report.Events() {
				m.BroadcastsTotal.Add(float64(broadcaster.Broadcast(event)))
				created, enqueueErr := queue.Enqueue(event)
				if enqueueErr != nil {
					logger.Error("scheduled fan-out failed", zap.Error(enqueueErr))
					continue
				}
				m.NotificationsEnqueuedTotal.Add(float64(created))
			}
		}
		digestJob := func(jobCtx context.Context) {
			started := time.Now()
			summary := batcher.RunBatch(jobCtx, cfg.Digest.BatchSize)
			m.RecordDigestSummary(summary, time.Since(started))
			logDigestOutcome(logger, summary)
		}

		sched, schedErr := scheduler.New(cfg.Scheduler.PollSpec, cfg.Scheduler.DigestSpec, pollJob, digestJob, logger)
		if schedErr != nil {
			logger.Fatal("failed to configure scheduler", zap.Error(schedErr))
		}
		g.Go(func() error {
			sched.Start(gCtx)
			return nil
		})
	}

	// Mark as ready
	metricsServer.SetReady(true)
	logger.Info("stockwatch is ready",
		zap.Int("api_port", cfg.Server.Port),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-gCtx.Done():
		logger.Info("context cancelled")
	}

	// Graceful shutdown sequence
	logger.Info("starting graceful shutdown")
	metricsServer.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	// Wait for all goroutines
	if err := g.Wait(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("stockwatch shutdown complete")
}

// logDigestOutcome gives scheduled digest runs the same visibility a manual
// trigger response would provide.
func logDigestOutcome(logger *zap.Logger, summary *models.DigestSummary) {
	if summary.UsersTotal == 0 {
		return
	}
	logger.Info("scheduled digest run",
		zap.Int("users_total", summary.UsersTotal),
		zap.Int("users_sent", summary.UsersSent),
		zap.Int("users_failed", summary.UsersFailed),
		zap.Int("users_rate_limited", summary.UsersRateLimited),
		zap.Float64("user_success_rate", summary.UserSuccessRate()),
	)
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}
