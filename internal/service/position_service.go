// Package service exposes the position lifecycle operations consumed by the
// API layer: create, cancel, get, and list. It owns validation and the
// create-then-register sequence; per-tick decisions live in the engine.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trailstop/internal/domain"
	"trailstop/internal/scheduler"
)

// CreateSpec is the caller-provided description of a new trailing stop.
type CreateSpec struct {
	Symbol          string      `json:"symbol"`
	Side            domain.Side `json:"side"`
	EntryPrice      float64     `json:"entry_price"`
	Quantity        float64     `json:"quantity"`
	TrailingPercent float64     `json:"trailing_percent"`
	ActivationPrice *float64    `json:"activation_price,omitempty"`
	Strategy        string      `json:"strategy,omitempty"`
}

// Validate checks the spec before any state is created. The engine itself
// computes degenerate trigger prices for out-of-range trailing percents, so
// rejecting them is the creator's job.
func (s CreateSpec) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", domain.ErrInvalidPosition)
	}
	if !s.Side.Valid() {
		return fmt.Errorf("%w: side must be %q or %q", domain.ErrInvalidPosition, domain.SideBuy, domain.SideSell)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry price must be positive", domain.ErrInvalidPosition)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidPosition)
	}
	if s.TrailingPercent <= 0 || s.TrailingPercent >= 100 {
		return fmt.Errorf("%w: trailing percent must be in (0, 100)", domain.ErrInvalidPosition)
	}
	if s.ActivationPrice != nil && *s.ActivationPrice <= 0 {
		return fmt.Errorf("%w: activation price must be positive", domain.ErrInvalidPosition)
	}
	return nil
}

// PositionService manages trailing-stop positions on behalf of the API layer.
type PositionService struct {
	store  domain.PositionStore
	sched  domain.Scheduler
	events scheduler.EventSink
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPositionService creates a PositionService with all required
// dependencies. events and bus may be nil.
func NewPositionService(
	store domain.PositionStore,
	sched domain.Scheduler,
	events scheduler.EventSink,
	bus domain.SignalBus,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		store:  store,
		sched:  sched,
		events: events,
		bus:    bus,
		logger: logger.With(slog.String("component", "position_service")),
	}
}

// Create validates the spec, persists the new position, and registers it with
// the scheduler. A position with an activation price starts in
// pending_activation; without one it starts active with the extreme seeded to
// the entry price.
func (s *PositionService) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	pos := domain.Position{
		StateKey:        uuid.New().String(),
		Symbol:          spec.Symbol,
		Side:            spec.Side,
		EntryPrice:      spec.EntryPrice,
		Quantity:        spec.Quantity,
		TrailingPercent: spec.TrailingPercent,
		ActivationPrice: spec.ActivationPrice,
		Strategy:        spec.Strategy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if spec.ActivationPrice != nil {
		pos.Status = domain.StatusPendingActivation
	} else {
		pos.Status = domain.StatusActive
		pos.ExtremePrice = spec.EntryPrice
		pos.TriggerPrice = pos.StopDistance(spec.EntryPrice)
	}

	if err := s.store.Upsert(ctx, pos); err != nil {
		return "", fmt.Errorf("position_service: create %s: %w", pos.StateKey, err)
	}

	if err := s.sched.Schedule(ctx, pos.StateKey); err != nil {
		// The record exists but nothing monitors it, which would silently
		// violate the one-scheduler invariant. Surface it as a failed create
		// and leave an errored record behind for the operator.
		pos.Status = domain.StatusError
		pos.ErrorMessage = fmt.Sprintf("schedule failed: %v", err)
		if upErr := s.store.Upsert(ctx, pos); upErr != nil {
			s.logger.ErrorContext(ctx, "cannot record schedule failure",
				slog.String("state_key", pos.StateKey),
				slog.String("error", upErr.Error()),
			)
		}
		return "", fmt.Errorf("position_service: schedule %s: %w", pos.StateKey, err)
	}

	s.logger.InfoContext(ctx, "position created",
		slog.String("state_key", pos.StateKey),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.String("status", string(pos.Status)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("trailing_percent", pos.TrailingPercent),
	)

	return pos.StateKey, nil
}

// Cancel transitions a position to cancelled and removes its monitoring job.
// Cancellation always succeeds locally when the store accepts it, regardless
// of scheduler health: a tick that observes the cancelled status on its next
// read exits on its own.
func (s *PositionService) Cancel(ctx context.Context, stateKey string) error {
	prev, found, err := s.store.Get(ctx, stateKey)
	if err != nil {
		return fmt.Errorf("position_service: cancel %s: %w", stateKey, err)
	}
	if !found {
		return fmt.Errorf("position_service: cancel %s: %w", stateKey, domain.ErrNotFound)
	}

	pos, err := s.store.MarkCancelled(ctx, stateKey)
	if err != nil {
		return fmt.Errorf("position_service: cancel %s: %w", stateKey, err)
	}

	if err := s.sched.Unschedule(ctx, stateKey); err != nil {
		s.logger.WarnContext(ctx, "unschedule after cancel failed",
			slog.String("state_key", stateKey),
			slog.String("error", err.Error()),
		)
	}

	evt := domain.StatusEvent{
		StateKey:  stateKey,
		Symbol:    pos.Symbol,
		OldStatus: prev.Status,
		NewStatus: domain.StatusCancelled,
		At:        time.Now().UTC(),
	}
	if s.events != nil {
		s.events.PositionEvent(ctx, evt)
	}
	if s.bus != nil {
		if payload, mErr := json.Marshal(evt); mErr == nil {
			if pubErr := s.bus.Publish(ctx, domain.EventChannel, payload); pubErr != nil {
				s.logger.WarnContext(ctx, "publish cancel event failed",
					slog.String("state_key", stateKey),
					slog.String("error", pubErr.Error()),
				)
			}
		}
	}

	s.logger.InfoContext(ctx, "position cancelled",
		slog.String("state_key", stateKey),
		slog.String("symbol", pos.Symbol),
	)
	return nil
}

// Get returns the position for the given state key, or domain.ErrNotFound.
func (s *PositionService) Get(ctx context.Context, stateKey string) (domain.Position, error) {
	pos, found, err := s.store.Get(ctx, stateKey)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %s: %w", stateKey, err)
	}
	if !found {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

// ListActive returns every position that is still being monitored
// (pending_activation or active). Used by dashboards.
func (s *PositionService) ListActive(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.store.ListByStatus(ctx, domain.NonTerminalStatuses())
	if err != nil {
		return nil, fmt.Errorf("position_service: list active: %w", err)
	}
	return positions, nil
}
