// Package detect maps a session's observed activity to a lifecycle state.
package detect

import (
	"slices"
	"time"

	"github.com/joescharf/lanes/internal/models"
)

// Config holds the detection thresholds.
type Config struct {
	PauseTimeout       time.Duration
	RecentActivity     time.Duration
	PlanningWindow     time.Duration
	PlanningMaxChanges int
	WorkingMinChanges  int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		PauseTimeout:       15 * time.Minute,
		RecentActivity:     5 * time.Minute,
		PlanningWindow:     5 * time.Minute,
		PlanningMaxChanges: 5,
		WorkingMinChanges:  5,
	}
}

// Input is everything Determine looks at.
type Input struct {
	Activity  models.ActivityRecord
	Source    models.StateSource
	CreatedAt time.Time // session creation, the baseline before any activity
	Now       time.Time
}

// Determine returns the lifecycle state for in. Rules apply in strict
// order and the first match wins:
//
//  1. manual override
//  2. COMPLETED: checklist fully done and a completion indicator seen
//  3. NEEDS_INPUT: open question, not yet paused, no file change after the last tool output
//  4. REVIEW_READY: checklist fully done, or completion indicator without an open question
//  5. PAUSED: idle for at least PauseTimeout
//  6. WORKING: recent activity with enough changes or any VCS activity, no open question
//  7. PLANNING: young session, few changes, no VCS activity
//  8. PAUSED
func Determine(cfg Config, in Input) models.SessionState {
	return Candidates(cfg, in)[0]
}

// Candidates returns the state of every rule that matches in, in rule order,
// without duplicates. The first element is what Determine returns; the rest
// let a caller fall back when the winning state is not reachable from the
// current one. The final PAUSED rule only applies when nothing else matched.
func Candidates(cfg Config, in Input) []models.SessionState {
	if state, ok := models.OverrideState(in.Source); ok {
		return []models.SessionState{state}
	}

	a := in.Activity
	last := a.LastActivity()
	if last.IsZero() {
		last = in.CreatedAt
	}
	elapsed := in.Now.Sub(last)
	checklistDone := a.ChecklistComplete()

	rules := []struct {
		state   models.SessionState
		matches bool
	}{
		{models.StateCompleted, checklistDone && a.HasCompletionIndicator},
		{models.StateNeedsInput, a.HasOpenQuestion && elapsed < cfg.PauseTimeout && !a.LastFileChangeAt.After(a.LastToolOutputAt)},
		{models.StateReviewReady, checklistDone || (a.HasCompletionIndicator && !a.HasOpenQuestion)},
		{models.StatePaused, elapsed >= cfg.PauseTimeout},
		{models.StateWorking, elapsed < cfg.RecentActivity &&
			(a.FileChangeCount > cfg.WorkingMinChanges || a.HasVcsActivity()) &&
			!a.HasOpenQuestion},
		{models.StatePlanning, in.Now.Sub(in.CreatedAt) < cfg.PlanningWindow &&
			a.FileChangeCount < cfg.PlanningMaxChanges &&
			!a.HasVcsActivity()},
	}

	var out []models.SessionState
	for _, r := range rules {
		if r.matches && !slices.Contains(out, r.state) {
			out = append(out, r.state)
		}
	}
	if len(out) == 0 {
		out = append(out, models.StatePaused)
	}
	return out
}
