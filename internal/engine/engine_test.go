package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailstop/internal/domain"
)

func ptr(f float64) *float64 { return &f }

func sellPos(extreme, pct float64) domain.Position {
	return domain.Position{
		StateKey:        "k1",
		Symbol:          "BTCUSDT",
		Side:            domain.SideSell,
		EntryPrice:      90,
		Quantity:        1,
		TrailingPercent: pct,
		ExtremePrice:    extreme,
		TriggerPrice:    extreme * (1 - pct/100),
		Status:          domain.StatusActive,
	}
}

func buyPos(extreme, pct float64) domain.Position {
	return domain.Position{
		StateKey:        "k2",
		Symbol:          "ETHUSDT",
		Side:            domain.SideBuy,
		EntryPrice:      110,
		Quantity:        2,
		TrailingPercent: pct,
		ExtremePrice:    extreme,
		TriggerPrice:    extreme * (1 + pct/100),
		Status:          domain.StatusActive,
	}
}

func TestActivationBoundarySell(t *testing.T) {
	now := time.Now()
	pos := domain.Position{
		StateKey:        "k",
		Side:            domain.SideSell,
		TrailingPercent: 5,
		ActivationPrice: ptr(100),
		Status:          domain.StatusPendingActivation,
	}

	// Just below the activation price: stays pending.
	got, action := Evaluate(pos, 99.99, now)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, domain.StatusPendingActivation, got.Status)
	assert.Zero(t, got.ExtremePrice)

	// Exactly at the activation price: activates and seeds the extreme.
	got, action = Evaluate(pos, 100.00, now)
	assert.Equal(t, ActionActivated, action)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 100.00, got.ExtremePrice)
	assert.InDelta(t, 95.0, got.TriggerPrice, 1e-9)
}

func TestActivationBoundaryBuy(t *testing.T) {
	pos := domain.Position{
		StateKey:        "k",
		Side:            domain.SideBuy,
		TrailingPercent: 5,
		ActivationPrice: ptr(100),
		Status:          domain.StatusPendingActivation,
	}

	got, action := Evaluate(pos, 100.01, time.Now())
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, domain.StatusPendingActivation, got.Status)

	got, action = Evaluate(pos, 100.00, time.Now())
	assert.Equal(t, ActionActivated, action)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 100.00, got.ExtremePrice)
	assert.InDelta(t, 105.0, got.TriggerPrice, 1e-9)
}

func TestTriggerBoundarySell(t *testing.T) {
	now := time.Now()
	pos := sellPos(100, 5)
	require.InDelta(t, 95.0, pos.TriggerPrice, 1e-9)

	// Just above the trigger: still active, nothing moves.
	got, action := Evaluate(pos, 95.01, now)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 100.0, got.ExtremePrice)

	// Exactly at the trigger: triggers and stamps the time.
	got, action = Evaluate(pos, 95.00, now)
	assert.Equal(t, ActionTriggered, action)
	assert.Equal(t, domain.StatusTriggered, got.Status)
	require.NotNil(t, got.TriggeredAt)
	assert.WithinDuration(t, now.UTC(), *got.TriggeredAt, time.Second)
}

func TestTriggerBoundaryBuy(t *testing.T) {
	pos := buyPos(100, 5)
	require.InDelta(t, 105.0, pos.TriggerPrice, 1e-9)

	got, action := Evaluate(pos, 104.99, time.Now())
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, domain.StatusActive, got.Status)

	got, action = Evaluate(pos, 105.00, time.Now())
	assert.Equal(t, ActionTriggered, action)
	assert.Equal(t, domain.StatusTriggered, got.Status)
	require.NotNil(t, got.TriggeredAt)
}

func TestExtremeMonotonicity(t *testing.T) {
	now := time.Now()

	t.Run("sell tracks highest", func(t *testing.T) {
		pos := sellPos(100, 5)

		// Better price moves the extreme and the trigger.
		got, action := Evaluate(pos, 110, now)
		assert.Equal(t, ActionAdjusted, action)
		assert.Equal(t, 110.0, got.ExtremePrice)
		assert.InDelta(t, 104.5, got.TriggerPrice, 1e-9)

		// A worse (but non-triggering) price changes nothing.
		again, action := Evaluate(got, 108, now)
		assert.Equal(t, ActionNone, action)
		assert.Equal(t, got.ExtremePrice, again.ExtremePrice)
		assert.Equal(t, got.TriggerPrice, again.TriggerPrice)
	})

	t.Run("buy tracks lowest", func(t *testing.T) {
		pos := buyPos(100, 5)

		got, action := Evaluate(pos, 90, now)
		assert.Equal(t, ActionAdjusted, action)
		assert.Equal(t, 90.0, got.ExtremePrice)
		assert.InDelta(t, 94.5, got.TriggerPrice, 1e-9)

		again, action := Evaluate(got, 92, now)
		assert.Equal(t, ActionNone, action)
		assert.Equal(t, got.ExtremePrice, again.ExtremePrice)
	})
}

func TestEvaluateIdempotent(t *testing.T) {
	now := time.Now()
	pos := sellPos(100, 5)

	once, action1 := Evaluate(pos, 110, now)
	twice, action2 := Evaluate(once, 110, now)

	assert.Equal(t, ActionAdjusted, action1)
	assert.Equal(t, ActionNone, action2)
	assert.Equal(t, once.ExtremePrice, twice.ExtremePrice)
	assert.Equal(t, once.TriggerPrice, twice.TriggerPrice)
	assert.Equal(t, once.Status, twice.Status)
}

func TestTriggerDerivedFromExtreme(t *testing.T) {
	now := time.Now()
	prices := []float64{100, 101, 99, 103, 102.5, 104, 103.9}

	pos := sellPos(100, 2)
	for _, price := range prices {
		pos, _ = Evaluate(pos, price, now)
		if pos.Status != domain.StatusActive {
			break
		}
		assert.InDelta(t, pos.StopDistance(pos.ExtremePrice), pos.TriggerPrice, 1e-9,
			"trigger must re-derive from extreme after every tick")
	}
}

func TestTerminalIsFrozen(t *testing.T) {
	now := time.Now()
	for _, status := range []domain.Status{
		domain.StatusTriggered, domain.StatusCancelled, domain.StatusError,
	} {
		pos := sellPos(100, 5)
		pos.Status = status

		for _, price := range []float64{0.0001, 1e9, 95, 100} {
			got, action := Evaluate(pos, price, now)
			assert.Equal(t, ActionNone, action)
			assert.Equal(t, pos, got, "terminal position must not change at price %v", price)
		}
	}
}
