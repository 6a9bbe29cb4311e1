package store

import (
	"context"

	"github.com/joescharf/lanes/internal/models"
)

// SessionFilter specifies filters for listing sessions.
type SessionFilter struct {
	ProjectID       string
	States          []models.SessionState
	IncludeArchived bool
	Limit           int
}

// Store defines the persistence interface for lanes.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session, entry *models.SessionHistoryEntry) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	FindSessionsByPrefix(ctx context.Context, prefix string) ([]*models.Session, error)
	GetSessionByCheckoutPath(ctx context.Context, path string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	// UpdateSession writes s if it is still at the stored version, else
	// returns models.ErrConflict.
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// ApplyTransition persists the session and appends entry in one
	// transaction, with the same version check as UpdateSession.
	ApplyTransition(ctx context.Context, s *models.Session, entry *models.SessionHistoryEntry) error

	// History
	ListHistory(ctx context.Context, sessionID string) ([]*models.SessionHistoryEntry, error)

	// Stats
	SessionStats(ctx context.Context, projectID string) (*models.SessionStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
