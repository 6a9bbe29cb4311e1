// Package event carries session lifecycle notifications from the watcher and
// registry to whoever subscribes, without either side knowing the other.
package event

import (
	"time"

	"github.com/joescharf/lanes/internal/models"
)

// Event is implemented by every published event.
type Event interface {
	// EventType returns the "category.action" identifier.
	EventType() string
	Timestamp() time.Time
	SessionID() string
}

// Event type identifiers.
const (
	TypeStateChange = "session.state_changed"
	TypeActivity    = "session.activity"
)

type baseEvent struct {
	eventType string
	sessionID string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) SessionID() string    { return e.sessionID }

// Reason says why a state changed.
type Reason string

const (
	ReasonManual   Reason = "manual"
	ReasonDetected Reason = "detected"
)

// StateChangeEvent is published after a transition has been persisted.
type StateChangeEvent struct {
	baseEvent
	From   models.SessionState
	To     models.SessionState
	Reason Reason
}

// NewStateChangeEvent creates a StateChangeEvent.
func NewStateChangeEvent(sessionID string, from, to models.SessionState, reason Reason, at time.Time) StateChangeEvent {
	return StateChangeEvent{
		baseEvent: baseEvent{eventType: TypeStateChange, sessionID: sessionID, timestamp: at},
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// ActivityType classifies an ActivityEvent.
type ActivityType string

const (
	ActivityFileChange      ActivityType = "file_change"
	ActivityToolOutput      ActivityType = "tool_output"
	ActivityVcs             ActivityType = "vcs_activity"
	ActivityChecklistUpdate ActivityType = "checklist_update"
)

// ActivityEvent is published by a watcher for each settled filesystem change.
type ActivityEvent struct {
	baseEvent
	Type    ActivityType
	Details map[string]string
}

// NewActivityEvent creates an ActivityEvent.
func NewActivityEvent(sessionID string, typ ActivityType, details map[string]string, at time.Time) ActivityEvent {
	return ActivityEvent{
		baseEvent: baseEvent{eventType: TypeActivity, sessionID: sessionID, timestamp: at},
		Type:      typ,
		Details:   details,
	}
}
