package domain

import "time"

// EventKind identifies audit stream events.
type EventKind string

const (
	EventExecution         EventKind = "execution"
	EventImbalanceOpened   EventKind = "imbalance_opened"
	EventImbalanceResolved EventKind = "imbalance_resolved"
	EventOperatorAlert     EventKind = "operator_alert"
)

// AlertSeverity grades operator alerts.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// OperatorAlert asks a human to look at something automation gave up on.
type OperatorAlert struct {
	Severity AlertSeverity `json:"severity"`
	Symbol   Symbol        `json:"symbol"`
	Venue    VenueID       `json:"venue,omitempty"`
	Asset    string        `json:"asset,omitempty"`
	Message  string        `json:"message"`
}

// Event is a single audit stream entry. Exactly one payload field is set.
type Event struct {
	Kind      EventKind          `json:"kind"`
	Time      time.Time          `json:"ts"`
	Execution *ExecutionResult   `json:"execution,omitempty"`
	Imbalance *PositionImbalance `json:"imbalance,omitempty"`
	Alert     *OperatorAlert     `json:"alert,omitempty"`
}

// EventRecord is an event with its journal index.
type EventRecord struct {
	Index uint64 `json:"index"`
	Event Event  `json:"event"`
}

// NewExecutionEvent wraps an execution result.
func NewExecutionEvent(r ExecutionResult, at time.Time) Event {
	return Event{Kind: EventExecution, Time: at, Execution: &r}
}

// NewImbalanceEvent wraps an imbalance transition.
func NewImbalanceEvent(kind EventKind, p PositionImbalance, at time.Time) Event {
	return Event{Kind: kind, Time: at, Imbalance: &p}
}

// NewAlertEvent wraps an operator alert.
func NewAlertEvent(a OperatorAlert, at time.Time) Event {
	return Event{Kind: EventOperatorAlert, Time: at, Alert: &a}
}
