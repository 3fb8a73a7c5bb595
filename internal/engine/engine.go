// Package engine implements the trailing-stop decision logic as a pure
// function over (persisted state, current price). Both scheduling paths run
// exactly this function on every tick; it performs no I/O and is idempotent
// for identical inputs, which makes duplicate or out-of-order ticks for the
// same key safe.
package engine

import (
	"time"

	"trailstop/internal/domain"
)

// Action tags what a single evaluation did to the position.
type Action string

const (
	// ActionNone: nothing changed.
	ActionNone Action = "no-op"
	// ActionActivated: pending_activation crossed its activation price.
	ActionActivated Action = "activated"
	// ActionAdjusted: the extreme price improved and the trigger moved.
	ActionAdjusted Action = "adjusted"
	// ActionTriggered: price crossed the trigger in the adverse direction.
	ActionTriggered Action = "triggered"
)

// Evaluate applies one tick of trailing-stop logic. It never mutates a
// terminal position, only improves the extreme price, and derives the trigger
// price from the extreme on every change, so applying it twice with the same
// price yields the same result.
func Evaluate(pos domain.Position, price float64, now time.Time) (domain.Position, Action) {
	if pos.Status.Terminal() {
		return pos, ActionNone
	}

	switch pos.Status {
	case domain.StatusPendingActivation:
		if !pos.CrossedActivation(price) {
			return pos, ActionNone
		}
		// Seed the extreme with the activation tick's price. The trigger is
		// a full trailing distance away, so activation can never trigger on
		// the same tick.
		pos.Status = domain.StatusActive
		pos.ExtremePrice = price
		pos.TriggerPrice = pos.StopDistance(price)
		return pos, ActionActivated

	case domain.StatusActive:
		if pos.Improves(price) {
			pos.ExtremePrice = price
			pos.TriggerPrice = pos.StopDistance(price)
			return pos, ActionAdjusted
		}
		if pos.CrossedTrigger(price) {
			pos.Status = domain.StatusTriggered
			t := now.UTC()
			pos.TriggeredAt = &t
			return pos, ActionTriggered
		}
		return pos, ActionNone

	default:
		// Unknown status is malformed state; surface it as position-fatal.
		pos.ErrorMessage = "unknown status " + string(pos.Status)
		pos.Status = domain.StatusError
		return pos, ActionNone
	}
}
