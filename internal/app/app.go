// Package app provides the top-level application lifecycle for the
// trailing-stop service. It wires together all dependencies (store, price
// feed, schedulers, notifications, blob storage), selects the scheduling path
// once at startup, recovers in-flight positions, and runs the long-lived
// goroutines until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "trailstop/internal/blob/s3"
	"trailstop/internal/bootstrap"
	"trailstop/internal/config"
	"trailstop/internal/domain"
	"trailstop/internal/scheduler"
	"trailstop/internal/server"
	"trailstop/internal/server/handler"
	"trailstop/internal/server/ws"
	"trailstop/internal/service"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// scheduling path, re-registers every non-terminal position, starts the
// monitoring and server goroutines, and blocks until the context is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	startedAt := time.Now()

	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
	)
	a.logger.DebugContext(ctx, "effective configuration",
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	runner := scheduler.NewRunner(
		deps.PositionStore,
		deps.PriceSource,
		deps.Notifier,
		deps.SignalBus,
		a.logger,
	)

	// The scheduling path is chosen exactly once per process. Positions
	// created later follow whatever path was selected here; mixing paths
	// within one process is not supported.
	var (
		sched  domain.Scheduler
		queue  *scheduler.QueueScheduler
		poller *scheduler.PollerScheduler
	)
	if deps.JobRegistry != nil && deps.LockManager != nil {
		queue = scheduler.NewQueueScheduler(
			deps.JobRegistry,
			deps.LockManager,
			runner,
			scheduler.QueueConfig{
				Interval:    a.cfg.Monitor.Interval.Duration,
				Workers:     a.cfg.Monitor.Workers,
				MaxAttempts: a.cfg.Monitor.MaxAttempts,
				LockTTL:     a.cfg.Monitor.LockTTL.Duration,
				ClaimBatch:  a.cfg.Monitor.ClaimBatch,
			},
			a.logger,
		)
		sched = queue
	} else {
		a.logger.WarnContext(ctx, "durable job queue unavailable, falling back to in-process polling",
			slog.Duration("interval", a.cfg.Monitor.Interval.Duration),
		)
		poller = scheduler.NewPollerScheduler(runner, a.cfg.Monitor.Interval.Duration, a.logger)
		sched = poller
	}
	a.logger.InfoContext(ctx, "scheduler selected", slog.String("path", sched.Name()))

	// Re-register every position the previous process was still monitoring.
	boot := bootstrap.New(deps.PositionStore, sched, a.logger)
	recovered, err := boot.Recover(ctx)
	if err != nil {
		// Partial recovery is survivable; the unregistered positions are
		// reported and can be re-registered by a restart.
		a.logger.ErrorContext(ctx, "recovery incomplete",
			slog.Int("recovered", recovered),
			slog.String("error", err.Error()),
		)
	} else {
		a.logger.InfoContext(ctx, "recovery complete", slog.Int("recovered", recovered))
	}

	g, ctx := errgroup.WithContext(ctx)

	if queue != nil {
		g.Go(func() error {
			return queue.Run(ctx)
		})
	}
	if poller != nil {
		defer poller.Stop()
		// The poller runs its own goroutines; keep the group alive until
		// shutdown.
		g.Go(func() error {
			<-ctx.Done()
			return ctx.Err()
		})
	}

	// WebSocket hub needs the cross-process event bus; without Redis there
	// is nothing to subscribe to.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	// Terminal-position archiver.
	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		archiver := s3blob.NewArchiver(deps.BlobWriter, deps.PositionStore, retention, a.logger)
		g.Go(func() error {
			return archiver.RunLoop(ctx, a.cfg.Archive.SweepInterval.Duration)
		})
	}

	// HTTP API server.
	if a.cfg.Server.Enabled {
		positionSvc := service.NewPositionService(
			deps.PositionStore, sched, deps.Notifier, deps.SignalBus, a.logger,
		)

		// On the queue path the registry doubles as the health endpoint's
		// depth gauge.
		queueStats, _ := deps.JobRegistry.(handler.QueueStats)

		srv := server.NewServer(
			server.Config{
				Port:        a.cfg.Server.Port,
				CORSOrigins: a.cfg.Server.CORSOrigins,
				APIKey:      a.cfg.Server.APIKey,
			},
			server.Handlers{
				Health:    handler.NewHealthHandler(sched.Name(), queueStats, startedAt),
				Positions: handler.NewPositionHandler(positionSvc, a.logger),
			},
			hub,
			a.logger,
		)

		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
