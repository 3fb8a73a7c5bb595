// Package domain defines the core types of the trailing-stop engine and the
// interfaces its collaborators (store, schedulers, price feed, caches) must
// implement. It has no dependencies on any concrete infrastructure.
package domain

import "time"

// Side is the direction of the tracked position. It determines which way the
// stop trails: a sell stop trails below a rising price, a buy stop trails
// above a falling price.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status is the lifecycle state of a trailing-stop position.
type Status string

const (
	StatusPendingActivation Status = "pending_activation"
	StatusActive            Status = "active"
	StatusTriggered         Status = "triggered"
	StatusCancelled         Status = "cancelled"
	StatusError             Status = "error"
)

// Terminal reports whether the status has no outgoing transitions. Once a
// position reaches a terminal status, no field other than audit metadata is
// ever mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusTriggered, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses lists the statuses a position can still move out of.
// The recovery bootstrapper queries the store with exactly this set.
func NonTerminalStatuses() []Status {
	return []Status{StatusPendingActivation, StatusActive}
}

// Position is one tracked trailing stop, keyed by StateKey. The record in the
// position store is the single source of truth; in-memory copies are working
// data for a single tick only.
type Position struct {
	StateKey        string   `json:"state_key"`
	Symbol          string   `json:"symbol"`
	Side            Side     `json:"side"`
	EntryPrice      float64  `json:"entry_price"`
	Quantity        float64  `json:"quantity"`
	TrailingPercent float64  `json:"trailing_percent"`
	ActivationPrice *float64 `json:"activation_price,omitempty"`

	// ExtremePrice is the best price seen since activation: the highest for a
	// sell stop, the lowest for a buy stop. It never regresses while the
	// position is active.
	ExtremePrice float64 `json:"extreme_price"`

	// TriggerPrice is always derived from ExtremePrice and TrailingPercent.
	TriggerPrice float64 `json:"trigger_price"`

	Status       Status     `json:"status"`
	Strategy     string     `json:"strategy,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	TriggeredAt  *time.Time `json:"triggered_at,omitempty"`

	// Order references are written by the order-execution collaborator after
	// a trigger; this engine never mutates them.
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StopDistance computes the trigger price for the given extreme price under
// this position's side and trailing percent: below the extreme for a sell
// stop, above it for a buy stop.
func (p Position) StopDistance(extreme float64) float64 {
	if p.Side == SideBuy {
		return extreme * (1 + p.TrailingPercent/100)
	}
	return extreme * (1 - p.TrailingPercent/100)
}

// Improves reports whether price is strictly more favorable than the current
// extreme: higher for a sell stop, lower for a buy stop.
func (p Position) Improves(price float64) bool {
	if p.Side == SideBuy {
		return price < p.ExtremePrice
	}
	return price > p.ExtremePrice
}

// CrossedTrigger reports whether price has crossed the trigger price in the
// adverse direction. Touching the trigger exactly counts as a cross.
func (p Position) CrossedTrigger(price float64) bool {
	if p.Side == SideBuy {
		return price >= p.TriggerPrice
	}
	return price <= p.TriggerPrice
}

// CrossedActivation reports whether price has reached the activation price in
// the expected direction. A position without an activation price is activated
// by its creator and never passes through pending_activation.
func (p Position) CrossedActivation(price float64) bool {
	if p.ActivationPrice == nil {
		return true
	}
	if p.Side == SideBuy {
		return price <= *p.ActivationPrice
	}
	return price >= *p.ActivationPrice
}
