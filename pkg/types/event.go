package types

import "time"

// StreamEventType defines the type of event pushed over a session log stream.
type StreamEventType string

const (
	EventTypeLogLine StreamEventType = "log_line" // EventTypeLogLine carries one session activity line.
	EventTypeStatus  StreamEventType = "status"   // EventTypeStatus carries the session's running flag and counter.
	EventTypeError   StreamEventType = "error"    // EventTypeError reports a problem with the stream itself.
)

// StreamEvent is one websocket message of a session log stream.
type StreamEvent struct {
	// Type indicates the kind of event
	Type StreamEventType `json:"type"`

	// SessionID is the session the event belongs to
	SessionID string `json:"session_id"`

	// Line is set for log line events
	Line string `json:"line,omitempty"`

	// Running and Count are set for status events. Both are always
	// encoded so a stopped session reads as running=false, count=0.
	Running bool `json:"running"`
	Count   int  `json:"count"`

	// Error is set for error events
	Error string `json:"error,omitempty"`

	// Timestamp is when the event was produced
	Timestamp time.Time `json:"timestamp"`
}

// NewLogLineEvent creates a log line event.
func NewLogLineEvent(sessionID, line string) StreamEvent {
	return StreamEvent{
		Type:      EventTypeLogLine,
		SessionID: sessionID,
		Line:      line,
		Timestamp: time.Now(),
	}
}

// NewStatusEvent creates a status event.
func NewStatusEvent(sessionID string, running bool, count int) StreamEvent {
	return StreamEvent{
		Type:      EventTypeStatus,
		SessionID: sessionID,
		Running:   running,
		Count:     count,
		Timestamp: time.Now(),
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(sessionID string, err error) StreamEvent {
	return StreamEvent{
		Type:      EventTypeError,
		SessionID: sessionID,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
}

// IsTerminal reports whether the stream ends after this event.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventTypeError || (e.Type == EventTypeStatus && !e.Running)
}
