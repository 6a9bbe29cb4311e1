// Package registry owns the persisted sessions: creation, validated state
// transitions with history, manual overrides, forks and archival.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/lanes/internal/detect"
	"github.com/joescharf/lanes/internal/event"
	"github.com/joescharf/lanes/internal/keylock"
	"github.com/joescharf/lanes/internal/logging"
	"github.com/joescharf/lanes/internal/models"
	"github.com/joescharf/lanes/internal/store"
)

const (
	noteCreated  = "created"
	noteDetected = "detected"

	maxConflictRetries = 5
)

// Registry serializes writes per session id. Reads go straight to the store.
type Registry struct {
	store  store.Store
	bus    *event.Bus
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes state changes on bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source used for event and archive timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry backed by st.
func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store: st,
		locks: keylock.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).With("component", "registry")
	return r
}

// Patch holds the fields Update may change. Nil pointers are left alone.
// Metadata keys are merged; an empty value removes the key.
type Patch struct {
	Name         *string
	BranchRef    *string
	CheckoutPath *string
	Metadata     map[string]string
	State        *models.SessionState
	Note         string
}

// CreateSession stores a new PLANNING session with its first history entry.
func (r *Registry) CreateSession(ctx context.Context, projectID, name string, metadata map[string]string) (*models.Session, error) {
	sess := &models.Session{
		ProjectID: projectID,
		Name:      name,
		State:     models.StatePlanning,
		Source:    models.Automatic{},
		Metadata:  models.CopyMetadata(metadata),
	}
	entry := &models.SessionHistoryEntry{ToState: models.StatePlanning, Note: noteCreated}
	if err := r.store.CreateSession(ctx, sess, entry); err != nil {
		return nil, err
	}
	r.logger.Info("session created", "session_id", sess.ID, "project", projectID, "name", name)
	return sess, nil
}

// Get returns the session with id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	return r.store.GetSession(ctx, id)
}

// Resolve returns the session whose id is idOrPrefix or uniquely starts with it.
func (r *Registry) Resolve(ctx context.Context, idOrPrefix string) (*models.Session, error) {
	sess, err := r.store.GetSession(ctx, idOrPrefix)
	if err == nil {
		return sess, nil
	}
	matches, ferr := r.store.FindSessionsByPrefix(ctx, idOrPrefix)
	if ferr != nil {
		return nil, ferr
	}
	switch len(matches) {
	case 0:
		return nil, err
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d sessions", models.ErrAmbiguousID, idOrPrefix, len(matches))
	}
}

// List returns sessions matching filter. Archived sessions are excluded
// unless filter.IncludeArchived is set.
func (r *Registry) List(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error) {
	return r.store.ListSessions(ctx, filter)
}

// UpdateState moves the session to state and pins it there until
// ClearOverride is called.
func (r *Registry) UpdateState(ctx context.Context, id string, state models.SessionState, note string) (*models.Session, error) {
	unlock := r.locks.Lock(id)
	sess, ev, err := r.transition(ctx, id, state, note)
	unlock()
	if err != nil {
		return nil, err
	}
	r.publish(ev)
	return sess, nil
}

// transition validates and persists a manual move. Callers hold the session lock.
func (r *Registry) transition(ctx context.Context, id string, state models.SessionState, note string) (*models.Session, event.Event, error) {
	var sess *models.Session
	var from models.SessionState
	err := r.retryOnConflict(id, func() error {
		var err error
		if sess, err = r.store.GetSession(ctx, id); err != nil {
			return err
		}
		from = sess.State
		if err := detect.ValidateTransition(from, state); err != nil {
			return err
		}
		sess.State = state
		sess.Source = models.Manual{State: state}
		entry := &models.SessionHistoryEntry{FromState: from, ToState: state, Note: note}
		return r.store.ApplyTransition(ctx, sess, entry)
	})
	if err != nil {
		return nil, nil, err
	}

	r.logger.Info("state changed", "session_id", id, "from", from, "to", state, "reason", event.ReasonManual)
	return sess, event.NewStateChangeEvent(id, from, state, event.ReasonManual, r.now()), nil
}

// retryOnConflict runs fn again, up to maxConflictRetries times, while it
// fails because another writer changed the session between its read and
// its write. fn must re-read the session.
func (r *Registry) retryOnConflict(id string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, models.ErrConflict) || attempt == maxConflictRetries {
			return err
		}
		r.logger.Debug("session changed underneath, retrying", "session_id", id, "attempt", attempt)
	}
}

// ApplyDetected moves an automatic session to the first of candidates it can
// reach. Candidates are in precedence order; one equal to the current state
// ends the search without a change, one whose edge is not allowed is passed
// over. It reports false without error when the session is pinned, archived,
// nothing is reachable, or another writer changed the session meanwhile.
func (r *Registry) ApplyDetected(ctx context.Context, id string, candidates ...models.SessionState) (*models.Session, bool, error) {
	unlock := r.locks.Lock(id)
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		unlock()
		return nil, false, err
	}
	if sess.Archived || sess.IsManual() {
		unlock()
		return sess, false, nil
	}

	from := sess.State
	log := r.logger.With("session_id", id, "from", from)
	state, ok := pickReachable(from, candidates)
	if !ok {
		unlock()
		if len(candidates) > 0 && candidates[0] != from {
			log.Debug("detected transition not allowed, skipping", "to", candidates[0])
		}
		return sess, false, nil
	}
	if state != candidates[0] {
		log.Debug("detected state not reachable, falling back", "detected", candidates[0], "to", state)
	}

	sess.State = state
	entry := &models.SessionHistoryEntry{FromState: from, ToState: state, Note: noteDetected}
	err = r.store.ApplyTransition(ctx, sess, entry)
	unlock()
	if errors.Is(err, models.ErrConflict) {
		log.Debug("session changed underneath, skipping detected transition", "to", state)
		return sess, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	log.Info("state changed", "to", state, "reason", event.ReasonDetected)
	r.publish(event.NewStateChangeEvent(id, from, state, event.ReasonDetected, r.now()))
	return sess, true, nil
}

// pickReachable returns the first candidate allowed from the current state.
// It stops at a candidate equal to current.
func pickReachable(current models.SessionState, candidates []models.SessionState) (models.SessionState, bool) {
	for _, c := range candidates {
		if c == current {
			return "", false
		}
		if detect.CanTransition(current, c) {
			return c, true
		}
	}
	return "", false
}

// ClearOverride hands the session back to automatic detection.
func (r *Registry) ClearOverride(ctx context.Context, id string) (*models.Session, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var sess *models.Session
	cleared := false
	err := r.retryOnConflict(id, func() error {
		var err error
		if sess, err = r.store.GetSession(ctx, id); err != nil {
			return err
		}
		if !sess.IsManual() {
			return nil
		}
		sess.Source = models.Automatic{}
		cleared = true
		return r.store.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	if cleared {
		r.logger.Info("override cleared", "session_id", id, "state", sess.State)
	}
	return sess, nil
}

// Update merges p into the session. A state change is validated and recorded
// exactly as UpdateState does; nothing is written if it is rejected.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (*models.Session, error) {
	unlock := r.locks.Lock(id)
	sess, ev, err := r.update(ctx, id, p)
	unlock()
	if err != nil {
		return nil, err
	}
	if ev != nil {
		r.publish(ev)
	}
	return sess, nil
}

func (r *Registry) update(ctx context.Context, id string, p Patch) (*models.Session, event.Event, error) {
	var sess *models.Session
	var from models.SessionState
	err := r.retryOnConflict(id, func() error {
		var err error
		if sess, err = r.store.GetSession(ctx, id); err != nil {
			return err
		}
		from = sess.State
		if p.State != nil {
			if err := detect.ValidateTransition(from, *p.State); err != nil {
				return err
			}
		}
		applyPatch(sess, p)
		if p.State == nil {
			return r.store.UpdateSession(ctx, sess)
		}
		sess.State = *p.State
		sess.Source = models.Manual{State: *p.State}
		entry := &models.SessionHistoryEntry{FromState: from, ToState: *p.State, Note: p.Note}
		return r.store.ApplyTransition(ctx, sess, entry)
	})
	if err != nil {
		return nil, nil, err
	}

	if p.State == nil {
		r.logger.Debug("session updated", "session_id", id)
		return sess, nil, nil
	}
	r.logger.Info("state changed", "session_id", id, "from", from, "to", sess.State, "reason", event.ReasonManual)
	return sess, event.NewStateChangeEvent(id, from, sess.State, event.ReasonManual, r.now()), nil
}

// applyPatch merges the non-state fields of p into sess.
func applyPatch(sess *models.Session, p Patch) {
	if p.Name != nil {
		sess.Name = *p.Name
	}
	if p.BranchRef != nil {
		sess.BranchRef = *p.BranchRef
	}
	if p.CheckoutPath != nil {
		sess.CheckoutPath = *p.CheckoutPath
	}
	for k, v := range p.Metadata {
		if v == "" {
			delete(sess.Metadata, k)
			continue
		}
		if sess.Metadata == nil {
			sess.Metadata = map[string]string{}
		}
		sess.Metadata[k] = v
	}
}

// Archive soft-deletes the session. Its history is kept.
func (r *Registry) Archive(ctx context.Context, id string) (*models.Session, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var sess *models.Session
	archived := false
	err := r.retryOnConflict(id, func() error {
		var err error
		if sess, err = r.store.GetSession(ctx, id); err != nil {
			return err
		}
		if sess.Archived {
			return nil
		}
		now := r.now().UTC()
		sess.Archived = true
		sess.ArchivedAt = &now
		archived = true
		return r.store.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	if archived {
		r.logger.Info("session archived", "session_id", id)
	}
	return sess, nil
}

// Delete removes the session and its history permanently.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()
	if err := r.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	r.logger.Info("session deleted", "session_id", id)
	return nil
}

// History returns the session's transitions, oldest first.
func (r *Registry) History(ctx context.Context, id string) ([]*models.SessionHistoryEntry, error) {
	if _, err := r.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return r.store.ListHistory(ctx, id)
}

// Stats counts sessions, across all projects when projectID is empty.
func (r *Registry) Stats(ctx context.Context, projectID string) (*models.SessionStats, error) {
	return r.store.SessionStats(ctx, projectID)
}

// Fork creates a PLANNING child of parentID that inherits its project and
// metadata. The child has no branch or checkout until one is attached.
func (r *Registry) Fork(ctx context.Context, parentID, name string) (*models.Session, error) {
	parent, err := r.store.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = parent.Name + " (fork)"
	}

	child := &models.Session{
		ProjectID:       parent.ProjectID,
		ParentSessionID: parent.ID,
		Name:            name,
		State:           models.StatePlanning,
		Source:          models.Automatic{},
		Metadata:        models.CopyMetadata(parent.Metadata),
	}
	entry := &models.SessionHistoryEntry{ToState: models.StatePlanning, Note: "forked from " + parent.ID}
	if err := r.store.CreateSession(ctx, child, entry); err != nil {
		return nil, err
	}
	r.logger.Info("session forked", "session_id", child.ID, "parent", parent.ID)
	return child, nil
}

func (r *Registry) publish(e event.Event) {
	if r.bus != nil && e != nil {
		r.bus.Publish(e)
	}
}
