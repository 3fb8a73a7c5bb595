// Package scheduler contains the two monitoring paths of the engine: the
// durable Redis-queue path executed by a bounded worker pool, and the
// in-process poller used when the queue broker is unreachable at startup.
// Both paths run the identical per-tick algorithm in Runner; they differ only
// in how ticks are dispatched and how tick failures are handled.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"trailstop/internal/domain"
	"trailstop/internal/engine"
)

// EventSink receives a status-transition event after it has been persisted.
// Delivery is fire-and-forget: implementations must never block a tick and
// their failures are logged and swallowed.
type EventSink interface {
	PositionEvent(ctx context.Context, evt domain.StatusEvent)
}

// Runner executes the shared per-tick algorithm: load state, fetch price, run
// the decision engine, persist, and announce transitions. Both schedulers
// delegate every tick to the same Runner instance.
type Runner struct {
	store  domain.PositionStore
	prices domain.PriceSource
	events EventSink
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewRunner creates a Runner. events and bus may be nil; transitions are then
// only logged.
func NewRunner(
	store domain.PositionStore,
	prices domain.PriceSource,
	events EventSink,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		store:  store,
		prices: prices,
		events: events,
		bus:    bus,
		logger: logger.With(slog.String("component", "tick")),
	}
}

// Tick runs one evaluation for the given state key. It returns terminal=true
// when the position needs no further monitoring (reached or already in a
// terminal status, or the record is gone). A non-nil error is a transient
// infrastructure failure: the position's status has NOT been changed and the
// caller decides whether to retry (queue path) or give up (poller path).
func (r *Runner) Tick(ctx context.Context, stateKey string) (terminal bool, err error) {
	pos, found, err := r.store.Get(ctx, stateKey)
	if err != nil {
		return false, fmt.Errorf("tick %s: load state: %w", stateKey, err)
	}
	if !found {
		// The record is gone; keep monitoring nothing.
		r.logger.WarnContext(ctx, "tick for unknown position, dropping",
			slog.String("state_key", stateKey),
		)
		return true, nil
	}
	if pos.Status.Terminal() {
		return true, nil
	}

	price, err := r.prices.LastPrice(ctx, pos.Symbol)
	if err != nil {
		return false, fmt.Errorf("tick %s: %w", stateKey, err)
	}

	next, action := engine.Evaluate(pos, price, time.Now())
	if action == engine.ActionNone && next.Status == pos.Status {
		return false, nil
	}

	applied, err := r.store.UpdateIfMonitored(ctx, next)
	if err != nil {
		// Storage hiccup: the evaluation is idempotent, so the caller can
		// safely re-run the whole tick.
		return false, fmt.Errorf("tick %s: persist state: %w", stateKey, err)
	}
	if !applied {
		// The row went terminal between our read and write, most likely a
		// cancel. The stored status wins; this tick's result is discarded.
		r.logger.InfoContext(ctx, "tick superseded by concurrent transition",
			slog.String("state_key", stateKey),
			slog.String("symbol", pos.Symbol),
		)
		return true, nil
	}

	r.logger.InfoContext(ctx, "tick applied",
		slog.String("state_key", stateKey),
		slog.String("symbol", pos.Symbol),
		slog.String("action", string(action)),
		slog.Float64("price", price),
		slog.Float64("trigger_price", next.TriggerPrice),
	)

	if next.Status != pos.Status {
		r.announce(ctx, domain.StatusEvent{
			StateKey:  stateKey,
			Symbol:    pos.Symbol,
			OldStatus: pos.Status,
			NewStatus: next.Status,
			Price:     price,
			At:        time.Now().UTC(),
		})
	}

	return next.Status.Terminal(), nil
}

// Fail transitions a position to the terminal error status after the
// scheduling path has exhausted its failure budget. A position that is
// already terminal is left untouched, so a cancel racing a failing tick can
// never be overwritten.
func (r *Runner) Fail(ctx context.Context, stateKey string, cause error) {
	pos, found, err := r.store.Get(ctx, stateKey)
	if err != nil {
		r.logger.ErrorContext(ctx, "cannot load position to mark error",
			slog.String("state_key", stateKey),
			slog.String("error", err.Error()),
		)
		return
	}
	if !found || pos.Status.Terminal() {
		return
	}

	old := pos.Status
	pos.Status = domain.StatusError
	pos.ErrorMessage = cause.Error()

	applied, err := r.store.UpdateIfMonitored(ctx, pos)
	if err != nil {
		r.logger.ErrorContext(ctx, "cannot persist error status",
			slog.String("state_key", stateKey),
			slog.String("error", err.Error()),
		)
		return
	}
	if !applied {
		// Someone else (a cancel, a concurrent tick) already finished the
		// position; leave their terminal status in place.
		return
	}

	r.logger.ErrorContext(ctx, "position moved to error",
		slog.String("state_key", stateKey),
		slog.String("symbol", pos.Symbol),
		slog.String("cause", cause.Error()),
	)

	r.announce(ctx, domain.StatusEvent{
		StateKey:  stateKey,
		Symbol:    pos.Symbol,
		OldStatus: old,
		NewStatus: domain.StatusError,
		At:        time.Now().UTC(),
	})
}

// announce hands a transition to the notification sink and the signal bus.
// Neither may fail a tick; errors are logged and swallowed.
func (r *Runner) announce(ctx context.Context, evt domain.StatusEvent) {
	if r.events != nil {
		r.events.PositionEvent(ctx, evt)
	}
	if r.bus != nil {
		payload, err := json.Marshal(evt)
		if err == nil {
			err = r.bus.Publish(ctx, domain.EventChannel, payload)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "publish event failed",
				slog.String("state_key", evt.StateKey),
				slog.String("error", err.Error()),
			)
		}
	}
}
