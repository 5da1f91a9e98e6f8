// Package runner contains the connection state machine that ties the relay
// transport, the local runtime prober, and the request multiplexer together,
// and the event surface through which a UI layer observes them.
package runner

import "time"

// Status is the externally visible connection state.
//
// StatusError is a transient annotation on the disconnected state: it marks
// that the last attempt failed, and never blocks a new Connect.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Event is a notification published to observers.
type Event interface {
	isEvent()
}

// StatusEvent reports a connection status transition.
type StatusEvent struct {
	At     time.Time
	Status Status
	// Err carries the failure message when Status is StatusError.
	Err string
}

func (StatusEvent) isEvent() {}

// ModelsEvent reports the current model set after a probe changed it. The
// list is replaced wholesale, never diffed.
type ModelsEvent struct {
	At     time.Time
	Models []string
}

func (ModelsEvent) isEvent() {}

// LogEvent reports a new activity log entry.
type LogEvent struct {
	Entry LogEntry
}

func (LogEvent) isEvent() {}
