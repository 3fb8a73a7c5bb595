package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailstop/internal/domain"
)

type fakeStore struct {
	positions map[string]domain.Position
	upsertErr error
}

func newFakeStore(positions ...domain.Position) *fakeStore {
	s := &fakeStore{positions: make(map[string]domain.Position)}
	for _, p := range positions {
		s.positions[p.StateKey] = p
	}
	return s
}

func (s *fakeStore) Upsert(_ context.Context, pos domain.Position) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.positions[pos.StateKey] = pos
	return nil
}

func (s *fakeStore) UpdateIfMonitored(_ context.Context, pos domain.Position) (bool, error) {
	if s.upsertErr != nil {
		return false, s.upsertErr
	}
	cur, ok := s.positions[pos.StateKey]
	if !ok || cur.Status.Terminal() {
		return false, nil
	}
	s.positions[pos.StateKey] = pos
	return true, nil
}

func (s *fakeStore) Get(_ context.Context, stateKey string) (domain.Position, bool, error) {
	pos, ok := s.positions[stateKey]
	return pos, ok, nil
}

func (s *fakeStore) ListByStatus(_ context.Context, statuses []domain.Status) ([]domain.Position, error) {
	var out []domain.Position
	for _, pos := range s.positions {
		for _, st := range statuses {
			if pos.Status == st {
				out = append(out, pos)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) MarkCancelled(_ context.Context, stateKey string) (domain.Position, error) {
	pos, ok := s.positions[stateKey]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if pos.Status.Terminal() {
		return domain.Position{}, domain.ErrTerminal
	}
	pos.Status = domain.StatusCancelled
	s.positions[stateKey] = pos
	return pos, nil
}

func (s *fakeStore) ListTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

type fakeScheduler struct {
	scheduled   []string
	unscheduled []string
	scheduleErr error
}

func (f *fakeScheduler) Schedule(_ context.Context, stateKey string) error {
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled = append(f.scheduled, stateKey)
	return nil
}

func (f *fakeScheduler) Unschedule(_ context.Context, stateKey string) error {
	f.unscheduled = append(f.unscheduled, stateKey)
	return nil
}

func (f *fakeScheduler) Name() string { return "fake" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validSpec() CreateSpec {
	return CreateSpec{
		Symbol:          "ETHUSDT",
		Side:            domain.SideSell,
		EntryPrice:      2000,
		Quantity:        0.5,
		TrailingPercent: 3,
	}
}

func TestCreateSpecValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateSpec)
	}{
		{"missing symbol", func(s *CreateSpec) { s.Symbol = "" }},
		{"bad side", func(s *CreateSpec) { s.Side = "short" }},
		{"zero entry price", func(s *CreateSpec) { s.EntryPrice = 0 }},
		{"negative quantity", func(s *CreateSpec) { s.Quantity = -1 }},
		{"zero trailing percent", func(s *CreateSpec) { s.TrailingPercent = 0 }},
		{"trailing percent at 100", func(s *CreateSpec) { s.TrailingPercent = 100 }},
		{"negative activation price", func(s *CreateSpec) {
			bad := -5.0
			s.ActivationPrice = &bad
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			assert.ErrorIs(t, spec.Validate(), domain.ErrInvalidPosition)
		})
	}

	assert.NoError(t, validSpec().Validate())
}

func TestCreateStartsActiveWithoutActivationPrice(t *testing.T) {
	store := newFakeStore()
	sched := &fakeScheduler{}
	svc := NewPositionService(store, sched, nil, nil, testLogger())

	stateKey, err := svc.Create(context.Background(), validSpec())
	require.NoError(t, err)
	require.NotEmpty(t, stateKey)

	pos, ok := store.positions[stateKey]
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Equal(t, 2000.0, pos.ExtremePrice)
	assert.InDelta(t, 1940.0, pos.TriggerPrice, 1e-9)
	assert.Equal(t, []string{stateKey}, sched.scheduled)
}

func TestCreateStartsPendingWithActivationPrice(t *testing.T) {
	store := newFakeStore()
	sched := &fakeScheduler{}
	svc := NewPositionService(store, sched, nil, nil, testLogger())

	spec := validSpec()
	activation := 2100.0
	spec.ActivationPrice = &activation

	stateKey, err := svc.Create(context.Background(), spec)
	require.NoError(t, err)

	pos := store.positions[stateKey]
	assert.Equal(t, domain.StatusPendingActivation, pos.Status)
	assert.Zero(t, pos.ExtremePrice, "extreme is seeded at activation, not creation")
	assert.Zero(t, pos.TriggerPrice)
	assert.Equal(t, []string{stateKey}, sched.scheduled)
}

func TestCreateScheduleFailureLeavesErroredRecord(t *testing.T) {
	store := newFakeStore()
	sched := &fakeScheduler{scheduleErr: errors.New("broker down")}
	svc := NewPositionService(store, sched, nil, nil, testLogger())

	_, err := svc.Create(context.Background(), validSpec())
	require.Error(t, err)

	// The record must exist, but flagged so the operator can see nothing
	// monitors it.
	require.Len(t, store.positions, 1)
	for _, pos := range store.positions {
		assert.Equal(t, domain.StatusError, pos.Status)
		assert.Contains(t, pos.ErrorMessage, "schedule failed")
	}
}

func TestCancelActivePosition(t *testing.T) {
	store := newFakeStore(domain.Position{
		StateKey: "k1",
		Symbol:   "ETHUSDT",
		Status:   domain.StatusActive,
	})
	sched := &fakeScheduler{}
	svc := NewPositionService(store, sched, nil, nil, testLogger())

	require.NoError(t, svc.Cancel(context.Background(), "k1"))
	assert.Equal(t, domain.StatusCancelled, store.positions["k1"].Status)
	assert.Equal(t, []string{"k1"}, sched.unscheduled)
}

func TestCancelUnknownPosition(t *testing.T) {
	svc := NewPositionService(newFakeStore(), &fakeScheduler{}, nil, nil, testLogger())
	err := svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelTerminalPosition(t *testing.T) {
	store := newFakeStore(domain.Position{
		StateKey: "k1",
		Status:   domain.StatusTriggered,
	})
	sched := &fakeScheduler{}
	svc := NewPositionService(store, sched, nil, nil, testLogger())

	err := svc.Cancel(context.Background(), "k1")
	assert.ErrorIs(t, err, domain.ErrTerminal)
	assert.Equal(t, domain.StatusTriggered, store.positions["k1"].Status)
	assert.Empty(t, sched.unscheduled)
}

func TestGetAndListActive(t *testing.T) {
	store := newFakeStore(
		domain.Position{StateKey: "a", Status: domain.StatusActive},
		domain.Position{StateKey: "b", Status: domain.StatusPendingActivation},
		domain.Position{StateKey: "c", Status: domain.StatusTriggered},
	)
	svc := NewPositionService(store, &fakeScheduler{}, nil, nil, testLogger())

	pos, err := svc.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", pos.StateKey)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	active, err := svc.ListActive(context.Background())
	require.NoError(t, err)
	keys := make([]string, 0, len(active))
	for _, p := range active {
		keys = append(keys, p.StateKey)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}
