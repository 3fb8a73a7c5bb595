package domain

import "time"

// EventChannel is the pub/sub channel on which position lifecycle events are
// published for dashboards and the WebSocket hub.
const EventChannel = "positions"

// StatusEvent describes one status transition of a position. It is published
// on the signal bus and handed to the notification sink after the transition
// has been persisted.
type StatusEvent struct {
	StateKey  string    `json:"state_key"`
	Symbol    string    `json:"symbol"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	Price     float64   `json:"price"`
	At        time.Time `json:"at"`
}
