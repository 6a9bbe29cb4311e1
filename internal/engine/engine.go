// Package engine ties the repository gateway, session registry, activity
// watchers and state detection into the session lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/lanes/internal/detect"
	"github.com/joescharf/lanes/internal/event"
	"github.com/joescharf/lanes/internal/git"
	"github.com/joescharf/lanes/internal/logging"
	"github.com/joescharf/lanes/internal/models"
	"github.com/joescharf/lanes/internal/registry"
	"github.com/joescharf/lanes/internal/store"
	"github.com/joescharf/lanes/internal/watcher"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultConcurrency = 4

	streamBuffer = 256
)

// Config tunes detection and background work.
type Config struct {
	Detect      detect.Config
	Interval    time.Duration
	Concurrency int
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Detect:      detect.DefaultConfig(),
		Interval:    DefaultInterval,
		Concurrency: DefaultConcurrency,
	}
}

// Engine runs session lifecycle operations. Without a watcher manager it
// manages checkouts and sessions only, which is what one-shot CLI commands
// need; Run requires one.
type Engine struct {
	gateway  *git.Gateway
	registry *registry.Registry
	watchers *watcher.Manager
	bus      *event.Bus
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWatchers attaches activity watchers to sessions with a checkout.
func WithWatchers(m *watcher.Manager) Option {
	return func(e *Engine) { e.watchers = m }
}

// WithBus sets the bus Run listens on for activity events.
func WithBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithConfig replaces the default engine settings.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source used for detection.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine over gw and reg.
func New(gw *git.Gateway, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		gateway:  gw,
		registry: reg,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Interval <= 0 {
		e.cfg.Interval = DefaultInterval
	}
	if e.cfg.Concurrency <= 0 {
		e.cfg.Concurrency = DefaultConcurrency
	}
	e.logger = logging.OrNop(e.logger).With("component", "engine")
	return e
}

// StartOptions describes a new session and its checkout.
type StartOptions struct {
	ProjectID         string
	Name              string
	Metadata          map[string]string
	RepoPath          string
	Branch            string
	BaseBranch        string
	TargetPath        string
	UseExistingBranch bool
}

// StartSession creates the checkout, then the session bound to it. If the
// session cannot be stored the checkout is removed again.
func (e *Engine) StartSession(ctx context.Context, opts StartOptions) (*models.Session, error) {
	path, err := e.gateway.CreateCheckout(ctx, git.CreateOptions{
		RepoPath:          opts.RepoPath,
		Branch:            opts.Branch,
		BaseBranch:        opts.BaseBranch,
		TargetPath:        opts.TargetPath,
		UseExistingBranch: opts.UseExistingBranch,
	})
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = opts.Branch
	}
	sess, err := e.bind(ctx, path, opts.Branch, func() (*models.Session, error) {
		return e.registry.CreateSession(ctx, opts.ProjectID, name, opts.Metadata)
	})
	if err != nil {
		return nil, err
	}
	e.attach(sess)
	return sess, nil
}

// ForkSession forks the session and, when the parent has a checkout, forks
// that checkout onto branch. An empty branch gets the next free fork name.
func (e *Engine) ForkSession(ctx context.Context, parentID, name, branch, targetPath string) (*models.Session, error) {
	parent, err := e.registry.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.HasCheckout() {
		return e.registry.Fork(ctx, parent.ID, name)
	}

	if branch == "" {
		existing, err := e.gateway.Branches(ctx, parent.CheckoutPath)
		if err != nil {
			return nil, fmt.Errorf("fork session: %w", err)
		}
		base := parent.BranchRef
		if base == "" {
			base = git.SanitizeName(parent.Name)
		}
		branch = git.ForkName(base, existing)
	}

	path, err := e.gateway.ForkCheckout(ctx, parent.CheckoutPath, branch, targetPath)
	if err != nil {
		return nil, err
	}
	child, err := e.bind(ctx, path, branch, func() (*models.Session, error) {
		return e.registry.Fork(ctx, parent.ID, name)
	})
	if err != nil {
		return nil, err
	}
	e.attach(child)
	return child, nil
}

// bind creates a session and records path and branch on it, removing the
// checkout and the half-made session when either step fails.
func (e *Engine) bind(ctx context.Context, path, branch string, create func() (*models.Session, error)) (*models.Session, error) {
	sess, err := create()
	if err != nil {
		e.discardCheckout(ctx, path)
		return nil, err
	}
	updated, err := e.registry.Update(ctx, sess.ID, registry.Patch{BranchRef: &branch, CheckoutPath: &path})
	if err != nil {
		if derr := e.registry.Delete(ctx, sess.ID); derr != nil {
			e.logger.Warn("rollback: delete session failed", "session_id", sess.ID, "error", derr)
		}
		e.discardCheckout(ctx, path)
		return nil, err
	}
	return updated, nil
}

func (e *Engine) discardCheckout(ctx context.Context, path string) {
	if err := e.gateway.DeleteCheckout(ctx, path, true); err != nil {
		e.logger.Warn("rollback: delete checkout failed", "path", path, "error", err)
	}
}

// RemoveSession stops the session's watcher, deletes its checkout and
// archives it. A checkout that is already gone is not an error.
func (e *Engine) RemoveSession(ctx context.Context, id string, force bool) (*models.Session, error) {
	sess, err := e.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Detach(sess.ID)

	if sess.HasCheckout() {
		if err := e.gateway.DeleteCheckout(ctx, sess.CheckoutPath, force); err != nil && !errors.Is(err, git.ErrCheckoutNotFound) {
			return nil, err
		}
		empty := ""
		if _, err := e.registry.Update(ctx, sess.ID, registry.Patch{CheckoutPath: &empty}); err != nil {
			return nil, err
		}
	}
	return e.registry.Archive(ctx, sess.ID)
}

// Attach starts watching the session's checkout.
func (e *Engine) Attach(ctx context.Context, id string) error {
	if e.watchers == nil {
		return errors.New("attach: engine has no watcher manager")
	}
	sess, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sess.HasCheckout() {
		return fmt.Errorf("attach: session %s has no checkout", sess.ID)
	}
	return e.watchers.Start(sess.ID, sess.CheckoutPath)
}

func (e *Engine) attach(sess *models.Session) {
	if e.watchers == nil || !sess.HasCheckout() {
		return
	}
	if err := e.watchers.Start(sess.ID, sess.CheckoutPath); err != nil {
		e.logger.Warn("watcher not started", "session_id", sess.ID, "path", sess.CheckoutPath, "error", err)
	}
}

// Detach stops watching the session. It is a no-op when nothing is watched.
func (e *Engine) Detach(id string) {
	if e.watchers != nil {
		e.watchers.Stop(id)
	}
}

// Evaluate runs detection for a watched session and applies the result.
// It reports whether the session changed state.
func (e *Engine) Evaluate(ctx context.Context, id string) (bool, error) {
	if e.watchers == nil {
		return false, nil
	}
	rec, ok := e.watchers.Activity(id)
	if !ok {
		return false, nil
	}
	sess, err := e.registry.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.IsManual() || sess.Archived {
		return false, nil
	}

	candidates := detect.Candidates(e.cfg.Detect, detect.Input{
		Activity:  rec,
		Source:    sess.Source,
		CreatedAt: sess.CreatedAt,
		Now:       e.now(),
	})
	_, changed, err := e.registry.ApplyDetected(ctx, id, candidates...)
	return changed, err
}

// EvaluateAll runs Evaluate for every watched session. Sessions that no
// longer exist stop being watched.
func (e *Engine) EvaluateAll(ctx context.Context) {
	if e.watchers == nil {
		return
	}
	for _, id := range e.watchers.Watching() {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.Evaluate(ctx, id); err != nil {
			if errors.Is(err, models.ErrSessionNotFound) {
				e.watchers.Stop(id)
				continue
			}
			e.logger.Warn("evaluate failed", "session_id", id, "error", err)
		}
	}
}

// Sync makes the watched set match the live sessions that have a checkout.
func (e *Engine) Sync(ctx context.Context) error {
	if e.watchers == nil {
		return errors.New("sync: engine has no watcher manager")
	}
	sessions, err := e.registry.List(ctx, store.SessionFilter{})
	if err != nil {
		return err
	}

	want := make(map[string]*models.Session, len(sessions))
	for _, s := range sessions {
		if s.HasCheckout() {
			want[s.ID] = s
		}
	}
	for _, id := range e.watchers.Watching() {
		if _, ok := want[id]; !ok {
			e.watchers.Stop(id)
		}
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, s := range want {
		if path, ok := e.watchers.Path(s.ID); ok && path == s.CheckoutPath {
			continue
		}
		g.Go(func() error {
			e.attach(s)
			return nil
		})
	}
	return g.Wait()
}

// Run restores watchers for every live session, then re-evaluates sessions
// on each activity event and on every interval tick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.watchers == nil || e.bus == nil {
		return errors.New("run: engine needs a watcher manager and a bus")
	}
	defer e.watchers.StopAll()

	if err := e.Sync(ctx); err != nil {
		return fmt.Errorf("restore watchers: %w", err)
	}
	e.logger.Info("engine running", "watching", len(e.watchers.Watching()), "interval", e.cfg.Interval)

	activity := e.bus.Stream(ctx, streamBuffer, event.TypeActivity)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return nil
		case ev, ok := <-activity:
			if !ok {
				return nil
			}
			if _, err := e.Evaluate(ctx, ev.SessionID()); err != nil && ctx.Err() == nil {
				e.logger.Warn("evaluate failed", "session_id", ev.SessionID(), "error", err)
			}
		case <-ticker.C:
			if err := e.Sync(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("sync failed", "error", err)
			}
			e.EvaluateAll(ctx)
		}
	}
}

// SessionStatus is one row of Status.
type SessionStatus struct {
	Session  *models.Session
	Checkout *git.Checkout
	Activity *models.ActivityRecord
	Err      error
}

// Status reports checkout status for the live sessions of projectID, or all
// projects when it is empty. Per-session failures are reported in Err.
func (e *Engine) Status(ctx context.Context, projectID string) ([]SessionStatus, error) {
	sessions, err := e.registry.List(ctx, store.SessionFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	results := make([]SessionStatus, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, s := range sessions {
		results[i].Session = s
		if e.watchers != nil {
			if rec, ok := e.watchers.Activity(s.ID); ok {
				results[i].Activity = &rec
			}
		}
		if !s.HasCheckout() {
			continue
		}
		g.Go(func() error {
			co, err := e.gateway.GetStatus(gctx, s.CheckoutPath)
			results[i].Checkout = co
			results[i].Err = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
