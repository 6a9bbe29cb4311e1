package detect

import "github.com/joescharf/lanes/internal/models"

var transitions = map[models.SessionState][]models.SessionState{
	models.StatePlanning:    {models.StateWorking, models.StateNeedsInput, models.StateReviewReady, models.StatePaused},
	models.StateWorking:     {models.StateNeedsInput, models.StateReviewReady, models.StatePaused, models.StateCompleted},
	models.StateNeedsInput:  {models.StateWorking, models.StateReviewReady, models.StatePaused, models.StateCompleted},
	models.StateReviewReady: {models.StateWorking, models.StateNeedsInput, models.StatePaused, models.StateCompleted},
	models.StatePaused:      {models.StatePlanning, models.StateWorking, models.StateNeedsInput, models.StateReviewReady},
	models.StateCompleted:   nil,
}

// CanTransition reports whether the lifecycle allows moving from -> to.
// Self-edges are not transitions.
func CanTransition(from, to models.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *models.TransitionError for a rejected edge.
func ValidateTransition(from, to models.SessionState) error {
	if !CanTransition(from, to) {
		return &models.TransitionError{From: from, To: to}
	}
	return nil
}

// NextStates lists the states reachable from s in one step.
func NextStates(s models.SessionState) []models.SessionState {
	return append([]models.SessionState(nil), transitions[s]...)
}
