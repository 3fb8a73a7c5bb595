// Package bootstrap restores monitoring after a process restart: every
// position that is still non-terminal in the store is re-registered with the
// scheduling path selected for this process. Registration is idempotent on
// both paths, so recovering on top of jobs that survived in the broker is
// safe.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trailstop/internal/domain"
)

// Bootstrapper re-registers all non-terminal positions with a scheduler.
type Bootstrapper struct {
	store  domain.PositionStore
	sched  domain.Scheduler
	logger *slog.Logger
}

// New creates a Bootstrapper for the given store and scheduler.
func New(store domain.PositionStore, sched domain.Scheduler, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{
		store:  store,
		sched:  sched,
		logger: logger.With(slog.String("component", "bootstrap")),
	}
}

// Recover loads every position with a non-terminal status and schedules it.
// It returns the number of positions registered. Individual schedule failures
// are collected rather than aborting the sweep: one unschedulable position
// must not leave the rest unmonitored.
func (b *Bootstrapper) Recover(ctx context.Context) (int, error) {
	positions, err := b.store.ListByStatus(ctx, domain.NonTerminalStatuses())
	if err != nil {
		return 0, fmt.Errorf("bootstrap: list non-terminal positions: %w", err)
	}

	var errs []error
	registered := 0
	for _, pos := range positions {
		if err := b.sched.Schedule(ctx, pos.StateKey); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap: schedule %s: %w", pos.StateKey, err))
			continue
		}
		registered++
	}

	b.logger.InfoContext(ctx, "recovery complete",
		slog.String("scheduler", b.sched.Name()),
		slog.Int("found", len(positions)),
		slog.Int("registered", registered),
	)

	if len(errs) > 0 {
		return registered, errors.Join(errs...)
	}
	return registered, nil
}
