package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StatePlanning    SessionState = "PLANNING"
	StateWorking     SessionState = "WORKING"
	StateNeedsInput  SessionState = "NEEDS_INPUT"
	StateReviewReady SessionState = "REVIEW_READY"
	StatePaused      SessionState = "PAUSED"
	StateCompleted   SessionState = "COMPLETED"
)

// AllStates lists every lifecycle state in display order.
var AllStates = []SessionState{
	StatePlanning,
	StateWorking,
	StateNeedsInput,
	StateReviewReady,
	StatePaused,
	StateCompleted,
}

// Valid reports whether s is one of the known lifecycle states.
func (s SessionState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition can leave s.
func (s SessionState) Terminal() bool {
	return s == StateCompleted
}

// ParseState converts user input such as "needs-input" or "review_ready" into a SessionState.
func ParseState(v string) (SessionState, error) {
	s := SessionState(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), "-", "_")))
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", v)
	}
	return s, nil
}

// StateSource records who decides a session's state: automatic detection
// or an explicit manual assignment.
type StateSource interface {
	isStateSource()
	String() string
}

// Automatic means the detection engine drives the session state.
type Automatic struct{}

// Manual pins the session to State until the override is cleared.
type Manual struct {
	State SessionState
}

func (Automatic) isStateSource() {}
func (Manual) isStateSource()    {}

func (Automatic) String() string { return "automatic" }
func (m Manual) String() string  { return "manual(" + string(m.State) + ")" }

// OverrideState returns the pinned state when src is a manual override.
func OverrideState(src StateSource) (SessionState, bool) {
	if m, ok := src.(Manual); ok {
		return m.State, true
	}
	return "", false
}

// Session is a persisted unit of work, optionally bound to one checkout.
type Session struct {
	ID              string
	ProjectID       string
	ParentSessionID string
	Name            string
	State           SessionState
	Source          StateSource
	BranchRef       string
	CheckoutPath    string
	Metadata        map[string]string
	Archived        bool
	ArchivedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// Version counts stored updates. A write based on an older version
	// fails with ErrConflict.
	Version int64
}

// HasCheckout reports whether a checkout is attached to the session.
func (s *Session) HasCheckout() bool {
	return s.CheckoutPath != ""
}

// IsManual reports whether the session state is pinned by a manual override.
func (s *Session) IsManual() bool {
	_, ok := OverrideState(s.Source)
	return ok
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Metadata = CopyMetadata(s.Metadata)
	if s.ArchivedAt != nil {
		t := *s.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

// CopyMetadata returns a copy of m; a nil map yields an empty one.
func CopyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SessionHistoryEntry is one append-only transition record.
type SessionHistoryEntry struct {
	Seq       int64
	SessionID string
	FromState SessionState // empty for the first entry
	ToState   SessionState
	Note      string
	CreatedAt time.Time
}

// SessionStats summarizes sessions, optionally scoped to a project.
type SessionStats struct {
	Total    int
	Active   int
	Archived int
	ByState  map[SessionState]int
}
