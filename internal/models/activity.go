package models

import "time"

// ChecklistCompletion is a completed/total ratio parsed from checklist files.
type ChecklistCompletion struct {
	Completed int
	Total     int
}

// Complete reports whether every item is done.
func (c ChecklistCompletion) Complete() bool {
	return c.Total > 0 && c.Completed == c.Total
}

// ActivityRecord is the ephemeral activity summary of one watched session.
// It is owned by that session's watcher; readers get copies.
type ActivityRecord struct {
	StartedAt              time.Time
	LastFileChangeAt       time.Time
	LastToolOutputAt       time.Time
	LastVcsActivityAt      time.Time
	FileChangeCount        int
	HasOpenQuestion        bool
	HasCompletionIndicator bool
	Checklist              *ChecklistCompletion
}

// LastActivity returns the most recent of the file, tool-output and VCS
// timestamps; the zero time if none has been seen.
func (r ActivityRecord) LastActivity() time.Time {
	last := r.LastFileChangeAt
	if r.LastToolOutputAt.After(last) {
		last = r.LastToolOutputAt
	}
	if r.LastVcsActivityAt.After(last) {
		last = r.LastVcsActivityAt
	}
	return last
}

// HasVcsActivity reports whether any VCS metadata change was observed.
func (r ActivityRecord) HasVcsActivity() bool {
	return !r.LastVcsActivityAt.IsZero()
}

// ChecklistComplete reports whether a parsed checklist is fully done.
func (r ActivityRecord) ChecklistComplete() bool {
	return r.Checklist != nil && r.Checklist.Complete()
}
