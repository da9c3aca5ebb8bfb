package events

import "time"

// Event enumerates high-level topics inside the trading assistant.
type Event string

const (
	EventCycleStarted    Event = "cycle.started"
	EventCycleFinished   Event = "cycle.finished"
	EventSignalScored    Event = "signal.scored"
	EventOrderPlaced     Event = "order.placed"
	EventOrderModified   Event = "order.modified"
	EventOrderRejected   Event = "order.rejected"
	EventOrderFilled     Event = "order.filled"
	EventPositionClosed  Event = "position.closed"
	EventCapitalUpdated  Event = "capital.updated"
	EventRiskPaused      Event = "risk.paused"
	EventSettingsChanged Event = "settings.changed"
	EventPriceTick       Event = "price.tick"
)

// All lists every topic, e.g. for a stream that forwards everything.
var All = []Event{
	EventCycleStarted, EventCycleFinished, EventSignalScored,
	EventOrderPlaced, EventOrderModified, EventOrderRejected, EventOrderFilled,
	EventPositionClosed, EventCapitalUpdated, EventRiskPaused, EventSettingsChanged,
	EventPriceTick,
}

// Message is one published payload tagged with its topic.
type Message struct {
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}
