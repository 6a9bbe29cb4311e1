package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/lanes/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func checklist(done, total int) *models.ChecklistCompletion {
	return &models.ChecklistCompletion{Completed: done, Total: total}
}

func TestDetermine(t *testing.T) {
	cfg := DefaultConfig()
	old := now.Add(-time.Hour)

	tests := []struct {
		name string
		in   Input
		want models.SessionState
	}{
		{
			name: "manual override beats fresh activity",
			in: Input{
				Activity:  models.ActivityRecord{FileChangeCount: 50, LastFileChangeAt: now},
				Source:    models.Manual{State: models.StateCompleted},
				CreatedAt: old,
			},
			want: models.StateCompleted,
		},
		{
			name: "completed needs checklist and indicator",
			in: Input{
				Activity: models.ActivityRecord{
					LastToolOutputAt:       now,
					Checklist:              checklist(3, 3),
					HasCompletionIndicator: true,
					HasOpenQuestion:        true,
				},
				CreatedAt: old,
			},
			want: models.StateCompleted,
		},
		{
			name: "unanswered question",
			in: Input{
				Activity: models.ActivityRecord{
					LastFileChangeAt: now.Add(-2 * time.Minute),
					LastToolOutputAt: now.Add(-2 * time.Minute),
					HasOpenQuestion:  true,
					FileChangeCount:  20,
				},
				CreatedAt: old,
			},
			want: models.StateNeedsInput,
		},
		{
			name: "question answered by a later edit",
			in: Input{
				Activity: models.ActivityRecord{
					LastToolOutputAt: now.Add(-3 * time.Minute),
					LastFileChangeAt: now.Add(-1 * time.Minute),
					HasOpenQuestion:  true,
					FileChangeCount:  20,
				},
				CreatedAt: old,
			},
			want: models.StatePaused,
		},
		{
			name: "stale question pauses",
			in: Input{
				Activity: models.ActivityRecord{
					LastToolOutputAt: now.Add(-20 * time.Minute),
					LastFileChangeAt: now.Add(-20 * time.Minute),
					HasOpenQuestion:  true,
				},
				CreatedAt: old,
			},
			want: models.StatePaused,
		},
		{
			name: "checklist complete without indicator",
			in: Input{
				Activity:  models.ActivityRecord{LastFileChangeAt: now, Checklist: checklist(4, 4)},
				CreatedAt: old,
			},
			want: models.StateReviewReady,
		},
		{
			name: "indicator without question",
			in: Input{
				Activity:  models.ActivityRecord{LastToolOutputAt: now, HasCompletionIndicator: true},
				CreatedAt: old,
			},
			want: models.StateReviewReady,
		},
		{
			name: "review ready beats pause",
			in: Input{
				Activity:  models.ActivityRecord{LastFileChangeAt: old, Checklist: checklist(1, 1)},
				CreatedAt: old,
			},
			want: models.StateReviewReady,
		},
		{
			name: "empty checklist is not complete",
			in: Input{
				Activity:  models.ActivityRecord{LastFileChangeAt: now, FileChangeCount: 10, Checklist: checklist(0, 0)},
				CreatedAt: old,
			},
			want: models.StateWorking,
		},
		{
			name: "vcs activity counts as working",
			in: Input{
				Activity:  models.ActivityRecord{LastVcsActivityAt: now.Add(-time.Minute), FileChangeCount: 1},
				CreatedAt: old,
			},
			want: models.StateWorking,
		},
		{
			name: "young quiet session is planning",
			in: Input{
				Activity:  models.ActivityRecord{LastFileChangeAt: now, FileChangeCount: 2},
				CreatedAt: now.Add(-time.Minute),
			},
			want: models.StatePlanning,
		},
		{
			name: "brand new session without activity",
			in:   Input{CreatedAt: now},
			want: models.StatePlanning,
		},
		{
			name: "old session with a trickle of changes falls back to paused",
			in: Input{
				Activity:  models.ActivityRecord{LastFileChangeAt: now, FileChangeCount: 3},
				CreatedAt: old,
			},
			want: models.StatePaused,
		},
		{
			name: "exactly five changes is not working",
			in: Input{
				Activity:  models.ActivityRecord{LastFileChangeAt: now, FileChangeCount: 5},
				CreatedAt: now.Add(-time.Minute),
			},
			want: models.StatePaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Now = now
			if tt.in.Source == nil {
				tt.in.Source = models.Automatic{}
			}
			assert.Equal(t, tt.want, Determine(cfg, tt.in))
		})
	}
}

func TestDetermine_WorkingAgesIntoPaused(t *testing.T) {
	cfg := DefaultConfig()
	in := Input{
		Activity:  models.ActivityRecord{FileChangeCount: 10, LastFileChangeAt: now},
		Source:    models.Automatic{},
		CreatedAt: now.Add(-time.Hour),
		Now:       now,
	}
	assert.Equal(t, models.StateWorking, Determine(cfg, in))

	in.Now = now.Add(cfg.PauseTimeout + time.Second)
	assert.Equal(t, models.StatePaused, Determine(cfg, in))
}

func TestDetermine_NilSourceIsAutomatic(t *testing.T) {
	in := Input{CreatedAt: now, Now: now}
	assert.Equal(t, models.StatePlanning, Determine(DefaultConfig(), in))
}

func TestCandidates(t *testing.T) {
	cfg := DefaultConfig()

	done := Input{
		Activity: models.ActivityRecord{
			Checklist:              checklist(3, 3),
			HasCompletionIndicator: true,
			LastToolOutputAt:       now,
		},
		Source:    models.Automatic{},
		CreatedAt: now.Add(-time.Hour),
		Now:       now,
	}
	assert.Equal(t, []models.SessionState{models.StateCompleted, models.StateReviewReady}, Candidates(cfg, done))
	assert.Equal(t, models.StateCompleted, Determine(cfg, done))

	idle := Input{Source: models.Automatic{}, CreatedAt: now.Add(-time.Hour), Now: now}
	assert.Equal(t, []models.SessionState{models.StatePaused}, Candidates(cfg, idle))

	pinned := done
	pinned.Source = models.Manual{State: models.StateWorking}
	assert.Equal(t, []models.SessionState{models.StateWorking}, Candidates(cfg, pinned))
}

func TestCanTransition(t *testing.T) {
	valid := [][2]models.SessionState{
		{models.StatePlanning, models.StateWorking},
		{models.StateWorking, models.StateNeedsInput},
		{models.StateWorking, models.StateReviewReady},
		{models.StateNeedsInput, models.StatePaused},
		{models.StateReviewReady, models.StateCompleted},
		{models.StatePaused, models.StatePlanning},
		{models.StatePaused, models.StateReviewReady},
	}
	for _, e := range valid {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
		assert.NoError(t, ValidateTransition(e[0], e[1]))
	}

	invalid := [][2]models.SessionState{
		{models.StateCompleted, models.StateWorking},
		{models.StateCompleted, models.StatePaused},
		{models.StateWorking, models.StatePlanning},
		{models.StatePlanning, models.StateCompleted},
		{models.StatePaused, models.StateCompleted},
		{models.StateWorking, models.StateWorking},
	}
	for _, e := range invalid {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
		err := ValidateTransition(e[0], e[1])
		var te *models.TransitionError
		if assert.ErrorAs(t, err, &te) {
			assert.Equal(t, e[0], te.From)
			assert.Equal(t, e[1], te.To)
		}
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	}
}

func TestPausedReachableFromEveryActiveState(t *testing.T) {
	for _, s := range models.AllStates {
		if s.Terminal() || s == models.StatePaused {
			continue
		}
		assert.True(t, CanTransition(s, models.StatePaused), s)
		assert.True(t, CanTransition(models.StatePaused, s), s)
	}
	assert.Empty(t, NextStates(models.StateCompleted))
}
