package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailstop/internal/domain"
)

func TestPollerTriggersAndStopsItself(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	sink := &captureSink{}
	runner := NewRunner(store, &stubPrices{price: 90}, sink, nil, testLogger())
	sched := NewPollerScheduler(runner, 10*time.Millisecond, testLogger())
	defer sched.Stop()

	require.NoError(t, sched.Schedule(context.Background(), "k1"))

	require.Eventually(t, func() bool {
		return store.get("k1").Status == domain.StatusTriggered
	}, 2*time.Second, 5*time.Millisecond)

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.StatusTriggered, events[0].NewStatus)
}

func TestPollerErrorIsPositionFatal(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	prices := &stubPrices{err: errors.New("feed down")}
	runner := NewRunner(store, prices, nil, nil, testLogger())
	sched := NewPollerScheduler(runner, 10*time.Millisecond, testLogger())
	defer sched.Stop()

	require.NoError(t, sched.Schedule(context.Background(), "k1"))

	require.Eventually(t, func() bool {
		return store.get("k1").Status == domain.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	// No retry on this path: exactly one price call fails the position.
	calls := prices.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, prices.callCount(), "errored position must not be polled again")
}

func TestPollerBoundsHungStoreCalls(t *testing.T) {
	store := &blockingStore{memStore: newMemStore(activePosition("k1"))}
	runner := NewRunner(store, &stubPrices{price: 90}, nil, nil, testLogger())
	sched := NewPollerScheduler(runner, 10*time.Millisecond, testLogger())
	sched.tickTimeout = 30 * time.Millisecond
	defer sched.Stop()

	require.NoError(t, sched.Schedule(context.Background(), "k1"))

	// The first tick runs into the deadline against the hung store, fails the
	// position and unwinds its own timer instead of blocking forever.
	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		_, ok := sched.cancels["k1"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollerScheduleIsIdempotent(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	prices := &stubPrices{price: 97} // no-op ticks keep the timer alive
	runner := NewRunner(store, prices, nil, nil, testLogger())
	sched := NewPollerScheduler(runner, 10*time.Millisecond, testLogger())
	defer sched.Stop()

	require.NoError(t, sched.Schedule(context.Background(), "k1"))
	require.NoError(t, sched.Schedule(context.Background(), "k1"))

	require.Eventually(t, func() bool {
		return prices.callCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	// A second timer would roughly double the call rate; give one timer's
	// worth of slack on top.
	require.NoError(t, sched.Unschedule(context.Background(), "k1"))
	calls := prices.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, prices.callCount(), calls+1)
}

func TestPollerUnscheduleStopsPolling(t *testing.T) {
	store := newMemStore(activePosition("k1"))
	prices := &stubPrices{price: 97}
	runner := NewRunner(store, prices, nil, nil, testLogger())
	sched := NewPollerScheduler(runner, 10*time.Millisecond, testLogger())
	defer sched.Stop()

	require.NoError(t, sched.Schedule(context.Background(), "k1"))
	require.Eventually(t, func() bool {
		return prices.callCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Unschedule(context.Background(), "k1"))
	calls := prices.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, prices.callCount(), calls+1, "in-flight tick may finish, nothing more")
}

func TestPollerScheduleAfterStop(t *testing.T) {
	runner := NewRunner(newMemStore(), &stubPrices{price: 100}, nil, nil, testLogger())
	sched := NewPollerScheduler(runner, 10*time.Millisecond, testLogger())
	sched.Stop()

	err := sched.Schedule(context.Background(), "k1")
	assert.ErrorIs(t, err, domain.ErrSchedulerUnavailable)
}
