package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/lanes/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent watcher and CLI writes.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, project_id, parent_session_id, name, state, state_source, branch_ref, checkout_path, metadata, archived, archived_at, created_at, updated_at, version`

const (
	sourceAutomatic = "automatic"
	sourceManual    = "manual"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nullString stores empty strings as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sourceColumn(src models.StateSource) string {
	if _, ok := models.OverrideState(src); ok {
		return sourceManual
	}
	return sourceAutomatic
}

func sourceFromColumn(col string, state models.SessionState) models.StateSource {
	if col == sourceManual {
		return models.Manual{State: state}
	}
	return models.Automatic{}
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	s := &models.Session{}
	var parentID, branchRef, checkoutPath sql.NullString
	var state, source, metadata string
	var archivedAt sql.NullTime

	err := row.Scan(&s.ID, &s.ProjectID, &parentID, &s.Name, &state, &source,
		&branchRef, &checkoutPath, &metadata, &s.Archived, &archivedAt,
		&s.CreatedAt, &s.UpdatedAt, &s.Version)
	if err != nil {
		return nil, err
	}

	s.ParentSessionID = parentID.String
	s.BranchRef = branchRef.String
	s.CheckoutPath = checkoutPath.String
	s.State = models.SessionState(state)
	s.Source = sourceFromColumn(source, s.State)
	if archivedAt.Valid {
		t := archivedAt.Time
		s.ArchivedAt = &t
	}
	s.Metadata = map[string]string{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for session %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) scanSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func insertHistory(ctx context.Context, ex execer, entry *models.SessionHistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO session_history (session_id, from_state, to_state, note, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.SessionID, nullString(string(entry.FromState)), string(entry.ToState),
		nullString(entry.Note), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}
	return nil
}

// updateSession writes sess if the stored row is still at sess.Version and
// bumps the version. A row that moved on since it was read yields
// models.ErrConflict and is left untouched.
func updateSession(ctx context.Context, ex execer, sess *models.Session) error {
	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC()

	res, err := ex.ExecContext(ctx,
		`UPDATE sessions SET name=?, parent_session_id=?, state=?, state_source=?, branch_ref=?, checkout_path=?, metadata=?, archived=?, archived_at=?, updated_at=?, version=version+1
		WHERE id=? AND version=?`,
		sess.Name, nullString(sess.ParentSessionID), string(sess.State), sourceColumn(sess.Source),
		nullString(sess.BranchRef), nullString(sess.CheckoutPath), metadata,
		boolToInt(sess.Archived), sess.ArchivedAt, updatedAt, sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var stored int64
		err := ex.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = ?`, sess.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", models.ErrSessionNotFound, sess.ID)
		}
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return fmt.Errorf("%w: %s at version %d, stored %d", models.ErrConflict, sess.ID, sess.Version, stored)
	}
	sess.UpdatedAt = updatedAt
	sess.Version++
	return nil
}

// CreateSession inserts sess and, when entry is non-nil, its first history
// entry in the same transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session, entry *models.SessionHistoryEntry) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.State == "" {
		sess.State = models.StatePlanning
	}
	if sess.Source == nil {
		sess.Source = models.Automatic{}
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.Version = 0

	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		sess.ID, sess.ProjectID, nullString(sess.ParentSessionID), sess.Name,
		string(sess.State), sourceColumn(sess.Source),
		nullString(sess.BranchRef), nullString(sess.CheckoutPath), metadata,
		boolToInt(sess.Archived), sess.ArchivedAt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if entry != nil {
		entry.SessionID = sess.ID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// FindSessionsByPrefix returns sessions whose id starts with prefix,
// case-insensitively.
func (s *SQLiteStore) FindSessionsByPrefix(ctx context.Context, prefix string) ([]*models.Session, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" || strings.ContainsAny(prefix, "%_") {
		return nil, nil
	}
	return s.scanSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? ORDER BY created_at, id`,
		prefix+"%")
}

// GetSessionByCheckoutPath returns the newest live session bound to path.
func (s *SQLiteStore) GetSessionByCheckoutPath(ctx context.Context, path string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE checkout_path = ? AND archived = 0
		ORDER BY created_at DESC, id DESC LIMIT 1`, path)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no session at %s", models.ErrSessionNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("get session by checkout path: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if !filter.IncludeArchived {
		conditions = append(conditions, "archived = 0")
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "state IN ("+strings.Join(placeholders, ",")+")")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.scanSessions(ctx, query, args...)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	return updateSession(ctx, s.db, sess)
}

// ApplyTransition persists sess and appends entry atomically. Like
// UpdateSession it fails with models.ErrConflict when the session changed
// since it was read, so entry always follows the stored state.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, sess *models.Session, entry *models.SessionHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateSession(ctx, tx, sess); err != nil {
		return err
	}
	entry.SessionID = sess.ID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = sess.UpdatedAt
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its history.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return nil
}

// --- History ---

func (s *SQLiteStore) ListHistory(ctx context.Context, sessionID string) ([]*models.SessionHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_id, from_state, to_state, note, created_at
		FROM session_history WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.SessionHistoryEntry
	for rows.Next() {
		e := &models.SessionHistoryEntry{}
		var from, note sql.NullString
		var to string
		if err := rows.Scan(&e.Seq, &e.SessionID, &from, &to, &note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.FromState = models.SessionState(from.String)
		e.ToState = models.SessionState(to)
		e.Note = note.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Stats ---

func (s *SQLiteStore) SessionStats(ctx context.Context, projectID string) (*models.SessionStats, error) {
	query := `SELECT state, archived, COUNT(*) FROM sessions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` GROUP BY state, archived`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &models.SessionStats{ByState: make(map[models.SessionState]int)}
	for rows.Next() {
		var state string
		var archived bool
		var n int
		if err := rows.Scan(&state, &archived, &n); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		stats.Total += n
		if archived {
			stats.Archived += n
			continue
		}
		stats.Active += n
		stats.ByState[models.SessionState(state)] += n
	}
	return stats, rows.Err()
}
