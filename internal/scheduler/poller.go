package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trailstop/internal/domain"
)

// PollerScheduler is the degraded fallback path: one goroutine with a
// language-level timer per state key, no external broker, no durability
// beyond the position store. It runs the identical tick logic as the queue
// path but deliberately does not retry: the first tick error moves the
// position to error and stops its timer.
// defaultPollTickTimeout bounds a single poller tick, store calls included.
const defaultPollTickTimeout = 10 * time.Second

type PollerScheduler struct {
	runner      *Runner
	interval    time.Duration
	tickTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewPollerScheduler creates a PollerScheduler. Timers run until Stop is
// called or the position reaches a terminal status.
func NewPollerScheduler(runner *Runner, interval time.Duration, logger *slog.Logger) *PollerScheduler {
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}
	base, stop := context.WithCancel(context.Background())
	return &PollerScheduler{
		runner:      runner,
		interval:    interval,
		tickTimeout: defaultPollTickTimeout,
		logger:      logger.With(slog.String("component", "poller_scheduler")),
		cancels:     make(map[string]context.CancelFunc),
		base:        base,
		stop:        stop,
	}
}

// Name identifies the scheduling path for logs.
func (s *PollerScheduler) Name() string { return "poller" }

// Schedule starts a polling goroutine for the state key. Scheduling an
// already registered key is a no-op.
func (s *PollerScheduler) Schedule(_ context.Context, stateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base.Err() != nil {
		return domain.ErrSchedulerUnavailable
	}
	if _, exists := s.cancels[stateKey]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(s.base)
	s.cancels[stateKey] = cancel

	s.wg.Add(1)
	go s.poll(ctx, stateKey)

	return nil
}

// Unschedule stops the polling goroutine for the state key. Unknown keys are
// a no-op.
func (s *PollerScheduler) Unschedule(_ context.Context, stateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(stateKey)
	return nil
}

// remove cancels and forgets a key. Caller holds s.mu.
func (s *PollerScheduler) remove(stateKey string) {
	if cancel, ok := s.cancels[stateKey]; ok {
		cancel()
		delete(s.cancels, stateKey)
	}
}

// Stop cancels every timer and waits for in-flight ticks to finish. A tick
// already running when Stop is called completes; cancellation is
// cooperative, not preemptive.
func (s *PollerScheduler) Stop() {
	s.stop()

	s.mu.Lock()
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("poller scheduler stopped")
}

// poll runs the per-key timer loop. A tick error here is not retried: this
// path is a degraded mode, so it logs, marks the position as errored, and
// cancels its own timer.
func (s *PollerScheduler) poll(ctx context.Context, stateKey string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
		terminal, err := s.runner.Tick(tickCtx, stateKey)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.ErrorContext(ctx, "poller tick failed, abandoning position",
				slog.String("state_key", stateKey),
				slog.String("error", err.Error()),
			)
			failCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
			s.runner.Fail(failCtx, stateKey, err)
			cancel()
			terminal = true
		}

		if terminal {
			s.mu.Lock()
			s.remove(stateKey)
			s.mu.Unlock()
			return
		}
	}
}

// Compile-time interface check.
var _ domain.Scheduler = (*PollerScheduler)(nil)
