package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"trailstop/internal/domain"
)

// JobRegistry is the durable recurring-job store behind the queue scheduler.
// The Redis implementation lives in internal/cache/redis.
type JobRegistry interface {
	Add(ctx context.Context, stateKey string, due time.Time) error
	Remove(ctx context.Context, stateKey string) error
	Claim(ctx context.Context, now time.Time, limit int, interval time.Duration) ([]string, error)
}

// QueueConfig tunes the queue scheduling path.
type QueueConfig struct {
	// Interval between two ticks of the same position.
	Interval time.Duration
	// Workers is the size of the tick worker pool.
	Workers int
	// MaxAttempts bounds retries of a failing tick before the position is
	// moved to error and unscheduled.
	MaxAttempts int
	// LockTTL is the per-key lease duration. It bounds how long a crashed
	// worker can block other ticks for the same key.
	LockTTL time.Duration
	// ClaimBatch caps how many due keys one dispatch cycle hands out.
	ClaimBatch int
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Interval <= 0 {
		c.Interval = 2500 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 100
	}
	return c
}

// QueueScheduler is the primary monitoring path: one durable recurring job
// per non-terminal state key, executed by a bounded pool of workers. Tick
// execution is at-least-once per period; the decision engine's idempotence
// makes duplicate ticks safe, and a per-key lease keeps overlapping ticks for
// the same key from running concurrently.
type QueueScheduler struct {
	registry JobRegistry
	locks    domain.LockManager
	runner   *Runner
	cfg      QueueConfig
	keys     chan string
	logger   *slog.Logger
}

// NewQueueScheduler creates a QueueScheduler. Run must be called to start the
// dispatcher and worker pool.
func NewQueueScheduler(
	registry JobRegistry,
	locks domain.LockManager,
	runner *Runner,
	cfg QueueConfig,
	logger *slog.Logger,
) *QueueScheduler {
	cfg = cfg.withDefaults()
	return &QueueScheduler{
		registry: registry,
		locks:    locks,
		runner:   runner,
		cfg:      cfg,
		keys:     make(chan string, cfg.ClaimBatch),
		logger:   logger.With(slog.String("component", "queue_scheduler")),
	}
}

// Name identifies the scheduling path for logs.
func (s *QueueScheduler) Name() string { return "queue" }

// Schedule registers a recurring monitoring job, due immediately.
// Re-registering an existing key only moves its due time, so recovery can
// blindly re-register everything it finds in the store.
func (s *QueueScheduler) Schedule(ctx context.Context, stateKey string) error {
	return s.registry.Add(ctx, stateKey, time.Now())
}

// Unschedule removes the recurring job for the state key.
func (s *QueueScheduler) Unschedule(ctx context.Context, stateKey string) error {
	return s.registry.Remove(ctx, stateKey)
}

// Run starts the dispatcher and the worker pool and blocks until the context
// is cancelled. Tick-level failures never propagate out of Run; one broken
// position must not take down monitoring for any other.
func (s *QueueScheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "queue scheduler starting",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("workers", s.cfg.Workers),
		slog.Int("max_attempts", s.cfg.MaxAttempts),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.dispatch(ctx)
	})

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		s.logger.Info("queue scheduler stopped")
		return nil
	}
	return err
}

// dispatch polls the registry for due keys and hands them to the workers.
// The poll period is a fraction of the tick interval so due keys are picked
// up promptly without hammering the broker.
func (s *QueueScheduler) dispatch(ctx context.Context) error {
	poll := s.cfg.Interval / 4
	if poll > 500*time.Millisecond {
		poll = 500 * time.Millisecond
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		due, err := s.registry.Claim(ctx, time.Now(), s.cfg.ClaimBatch, s.cfg.Interval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Broker hiccup: claimed nothing, keys stay due; next poll retries.
			s.logger.WarnContext(ctx, "claim failed",
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, key := range due {
			select {
			case s.keys <- key:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// work consumes claimed keys and executes ticks until the context ends.
func (s *QueueScheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-s.keys:
			s.runTick(ctx, key)
		}
	}
}

// runTick executes one tick under the per-key lease, retrying transient
// failures with bounded exponential backoff. Retry exhaustion is
// position-fatal: the position moves to error and is unscheduled.
func (s *QueueScheduler) runTick(ctx context.Context, stateKey string) {
	unlock, err := s.locks.Acquire(ctx, stateKey, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			// Another tick for this key is still in flight; this period's
			// evaluation is skipped, the next claim retries.
			s.logger.DebugContext(ctx, "tick lease held, skipping",
				slog.String("state_key", stateKey),
			)
			return
		}
		s.logger.WarnContext(ctx, "tick lease unavailable",
			slog.String("state_key", stateKey),
			slog.String("error", err.Error()),
		)
		return
	}
	defer unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = s.cfg.Interval

	// Each attempt carries a deadline matching the lease: a hung store or
	// price call must not hold the worker (and the lease) past the TTL.
	operation := func() (bool, error) {
		tickCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL)
		defer cancel()
		return s.runner.Tick(tickCtx, stateKey)
	}

	terminal, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.WarnContext(ctx, "tick failed, retrying",
				slog.String("state_key", stateKey),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a broken position; the job stays registered and
			// the next process picks it up.
			return
		}
		failCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL)
		s.runner.Fail(failCtx, stateKey, err)
		cancel()
		if remErr := s.Unschedule(ctx, stateKey); remErr != nil {
			s.logger.WarnContext(ctx, "unschedule after failure",
				slog.String("state_key", stateKey),
				slog.String("error", remErr.Error()),
			)
		}
		return
	}

	if terminal {
		if remErr := s.Unschedule(ctx, stateKey); remErr != nil {
			s.logger.WarnContext(ctx, "unschedule terminal position",
				slog.String("state_key", stateKey),
				slog.String("error", remErr.Error()),
			)
		}
	}
}

// Compile-time interface check.
var _ domain.Scheduler = (*QueueScheduler)(nil)
