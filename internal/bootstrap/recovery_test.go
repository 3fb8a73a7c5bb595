package bootstrap

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

// listStore serves a canned ListByStatus response and records the queried
// statuses.
type listStore struct {
	positions []domain.Position
	listErr   error
	queried   []domain.Status
}

func (s *listStore) Upsert(context.Context, domain.Position) error { return nil }

func (s *listStore) UpdateIfMonitored(context.Context, domain.Position) (bool, error) {
	return false, nil
}

func (s *listStore) Get(context.Context, string) (domain.Position, bool, error) {
	return domain.Position{}, false, nil
}

func (s *listStore) ListByStatus(_ context.Context, statuses []domain.Status) ([]domain.Position, error) {
	s.queried = statuses
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.positions, nil
}

func (s *listStore) MarkCancelled(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (s *listStore) ListTerminalBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

// countingScheduler records scheduled keys and can fail selected ones.
type countingScheduler struct {
	scheduled []string
	failKeys  map[string]bool
}

func (c *countingScheduler) Schedule(_ context.Context, stateKey string) error {
	if c.failKeys[stateKey] {
		return errors.New("broker unavailable")
	}
	c.scheduled = append(c.scheduled, stateKey)
	return nil
}

func (c *countingScheduler) Unschedule(context.Context, string) error { return nil }

func (c *countingScheduler) Name() string { return "counting" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecoverRegistersEveryNonTerminalPosition(t *testing.T) {
	store := &listStore{positions: []domain.Position{
		{StateKey: "a", Status: domain.StatusActive},
		{StateKey: "b", Status: domain.StatusPendingActivation},
		{StateKey: "c", Status: domain.StatusActive},
	}}
	sched := &countingScheduler{}

	registered, err := New(store, sched, testLogger()).Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, registered)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sched.scheduled)
	assert.ElementsMatch(t, domain.NonTerminalStatuses(), store.queried,
		"recovery must only consider statuses that can still transition")
}

func TestRecoverContinuesPastScheduleFailures(t *testing.T) {
	store := &listStore{positions: []domain.Position{
		{StateKey: "a", Status: domain.StatusActive},
		{StateKey: "b", Status: domain.StatusActive},
		{StateKey: "c", Status: domain.StatusActive},
	}}
	sched := &countingScheduler{failKeys: map[string]bool{"b": true}}

	registered, err := New(store, sched, testLogger()).Recover(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, registered)
	assert.ElementsMatch(t, []string{"a", "c"}, sched.scheduled)
}

func TestRecoverListFailure(t *testing.T) {
	store := &listStore{listErr: errors.New("db down")}
	sched := &countingScheduler{}

	registered, err := New(store, sched, testLogger()).Recover(context.Background())
	require.Error(t, err)
	assert.Zero(t, registered)
	assert.Empty(t, sched.scheduled)
}

func TestRecoverEmptyStore(t *testing.T) {
	registered, err := New(&listStore{}, &countingScheduler{}, testLogger()).Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, registered)
}
