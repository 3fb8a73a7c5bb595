package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailstop/internal/domain"
)

// memStore is an in-memory PositionStore for tests.
type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	upserts   int
	getErr    error
	upsertErr error
}

func newMemStore(positions ...domain.Position) *memStore {
	m := &memStore{positions: make(map[string]domain.Position)}
	for _, p := range positions {
		m.positions[p.StateKey] = p
	}
	return m
}

func (m *memStore) Upsert(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	m.positions[pos.StateKey] = pos
	return nil
}

func (m *memStore) UpdateIfMonitored(_ context.Context, pos domain.Position) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	cur, ok := m.positions[pos.StateKey]
	if !ok || cur.Status.Terminal() {
		return false, nil
	}
	m.upserts++
	m.positions[pos.StateKey] = pos
	return true, nil
}

func (m *memStore) Get(_ context.Context, stateKey string) (domain.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Position{}, false, m.getErr
	}
	pos, ok := m.positions[stateKey]
	return pos, ok, nil
}

func (m *memStore) ListByStatus(_ context.Context, statuses []domain.Status) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		for _, st := range statuses {
			if pos.Status == st {
				out = append(out, pos)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MarkCancelled(_ context.Context, stateKey string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[stateKey]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if pos.Status.Terminal() {
		return domain.Position{}, domain.ErrTerminal
	}
	pos.Status = domain.StatusCancelled
	m.positions[stateKey] = pos
	return pos, nil
}

func (m *memStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if pos.Status.Terminal() && pos.UpdatedAt.Before(before) {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memStore) get(stateKey string) domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[stateKey]
}

func (m *memStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// stubPrices returns a fixed price, or a fixed error.
type stubPrices struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (s *stubPrices) LastPrice(context.Context, string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.price, nil
}

func (s *stubPrices) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureSink records delivered status events.
type captureSink struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (c *captureSink) PositionEvent(_ context.Context, evt domain.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) all() []domain.StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.StatusEvent, len(c.events))
	copy(out, c.events)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activePosition(stateKey string) domain.Position {
	return domain.Position{
		StateKey:        stateKey,
		Symbol:          "BTCUSDT",
		Side:            domain.SideSell,
		EntryPrice:      100,
		Quantity:        1,
		TrailingPercent: 5,
		ExtremePrice:    100,
		TriggerPrice:    95,
		Status:          domain.StatusActive,
	}
}

func TestTickActivatesPendingPosition(t *testing.T) {
	activation := 100.0
	pos := activePosition("k1")
	pos.Status = domain.StatusPendingActivation
	pos.ActivationPrice = &activation
	pos.ExtremePrice = 0
	pos.TriggerPrice = 0

	store := newMemStore(pos)
	sink := &captureSink{}
	runner := NewRunner(store, &stubPrices{price: 101}, sink, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, terminal)

	got := store.get("k1")
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 101.0, got.ExtremePrice)
	assert.InDelta(t, 95.95, got.TriggerPrice, 1e-9)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusPendingActivation, events[0].OldStatus)
	assert.Equal(t, domain.StatusActive, events[0].NewStatus)
}

func TestTickAdjustsExtremeWithoutEvent(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	sink := &captureSink{}
	runner := NewRunner(store, &stubPrices{price: 110}, sink, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, terminal)

	got := store.get("k1")
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 110.0, got.ExtremePrice)
	assert.InDelta(t, 104.5, got.TriggerPrice, 1e-9)
	assert.Empty(t, sink.all())
}

func TestTickTriggersAndReportsTerminal(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	sink := &captureSink{}
	runner := NewRunner(store, &stubPrices{price: 94}, sink, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, terminal)

	got := store.get("k1")
	assert.Equal(t, domain.StatusTriggered, got.Status)
	require.NotNil(t, got.TriggeredAt)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusTriggered, events[0].NewStatus)
	assert.Equal(t, 94.0, events[0].Price)
}

func TestTickMissingPositionIsTerminal(t *testing.T) {
	runner := NewRunner(newMemStore(), &stubPrices{price: 100}, nil, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "gone")
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestTickTerminalPositionIsLeftAlone(t *testing.T) {
	pos := activePosition("k1")
	pos.Status = domain.StatusCancelled
	store := newMemStore(pos)
	prices := &stubPrices{price: 1}
	runner := NewRunner(store, prices, nil, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Zero(t, prices.callCount(), "terminal positions must not hit the price feed")
	assert.Zero(t, store.upsertCount())
}

func TestTickPriceErrorLeavesStateUntouched(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	runner := NewRunner(store, &stubPrices{err: errors.New("feed down")}, nil, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "k1")
	require.Error(t, err)
	assert.False(t, terminal)
	assert.Equal(t, domain.StatusActive, store.get("k1").Status)
	assert.Zero(t, store.upsertCount())
}

func TestTickSkipsPersistOnNoop(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	// Price between trigger and extreme: no adjustment, no trigger.
	runner := NewRunner(store, &stubPrices{price: 97}, nil, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, terminal)
	assert.Zero(t, store.upsertCount())
}

func TestFailMarksErrorStatus(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	sink := &captureSink{}
	runner := NewRunner(store, &stubPrices{}, sink, nil, testLogger())

	runner.Fail(context.Background(), "k1", errors.New("retries exhausted"))

	got := store.get("k1")
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, "retries exhausted", got.ErrorMessage)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.StatusError, events[0].NewStatus)
}

// cancelDuringFetch simulates an operator cancel landing while the tick is
// waiting on the price feed.
type cancelDuringFetch struct {
	store    *memStore
	stateKey string
	price    float64
}

func (c *cancelDuringFetch) LastPrice(ctx context.Context, _ string) (float64, error) {
	if _, err := c.store.MarkCancelled(ctx, c.stateKey); err != nil {
		return 0, err
	}
	return c.price, nil
}

func TestTickNeverResurrectsConcurrentCancel(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	sink := &captureSink{}
	// The price would trigger the stop, but the cancel that landed mid-tick
	// must win.
	prices := &cancelDuringFetch{store: store, stateKey: "k1", price: 94}
	runner := NewRunner(store, prices, sink, nil, testLogger())

	terminal, err := runner.Tick(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, terminal)

	got := store.get("k1")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Nil(t, got.TriggeredAt)
	assert.Empty(t, sink.all(), "a superseded tick must not announce a transition")
}

// staleReadStore serves an outdated snapshot from Get while the backing store
// has already moved on.
type staleReadStore struct {
	*memStore
	stale domain.Position
}

func (s *staleReadStore) Get(context.Context, string) (domain.Position, bool, error) {
	return s.stale, true, nil
}

func TestFailYieldsToConcurrentCancel(t *testing.T) {
	cancelled := activePosition("k1")
	cancelled.Status = domain.StatusCancelled
	store := &staleReadStore{memStore: newMemStore(cancelled), stale: activePosition("k1")}
	sink := &captureSink{}
	runner := NewRunner(store, &stubPrices{}, sink, nil, testLogger())

	runner.Fail(context.Background(), "k1", errors.New("retries exhausted"))

	got := store.get("k1")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, sink.all())
}

func TestFailNeverOverwritesTerminalStatus(t *testing.T) {
	pos := activePosition("k1")
	pos.Status = domain.StatusCancelled
	store := newMemStore(pos)
	runner := NewRunner(store, &stubPrices{}, nil, nil, testLogger())

	runner.Fail(context.Background(), "k1", errors.New("late failure"))

	assert.Equal(t, domain.StatusCancelled, store.get("k1").Status)
	assert.Empty(t, store.get("k1").ErrorMessage)
}
