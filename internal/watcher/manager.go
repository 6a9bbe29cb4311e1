package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/joescharf/lanes/internal/classify"
	"github.com/joescharf/lanes/internal/logging"
	"github.com/joescharf/lanes/internal/models"
)

// Manager runs one watch per session.
type Manager struct {
	cfg *settings

	mu      sync.Mutex
	watches map[string]*watch
}

func compileBaseGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// NewManager validates opts and returns an idle Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.IgnoreDirs == nil {
		opts.IgnoreDirs = DefaultIgnoreDirs
	}
	if opts.IgnoreFiles == nil {
		opts.IgnoreFiles = DefaultIgnoreFiles
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cfg := &settings{
		debounce: opts.Debounce,
		matcher:  opts.Matcher,
		bus:      opts.Bus,
		logger:   logging.OrNop(opts.Logger).With("component", "watcher"),
		now:      opts.Now,
	}
	if cfg.matcher == nil {
		m, err := classify.NewMatcher(nil, nil)
		if err != nil {
			return nil, err
		}
		cfg.matcher = m
	}
	var err error
	if cfg.ignoreDirs, err = compileBaseGlobs(opts.IgnoreDirs); err != nil {
		return nil, err
	}
	if cfg.ignoreFiles, err = compileBaseGlobs(opts.IgnoreFiles); err != nil {
		return nil, err
	}

	return &Manager{cfg: cfg, watches: make(map[string]*watch)}, nil
}

// Start begins observing path for sessionID after an initial scan of the
// tree. Starting a session that is already watched at the same path is a
// no-op; a different path replaces the old watch.
func (m *Manager) Start(sessionID, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}

	m.mu.Lock()
	if existing, ok := m.watches[sessionID]; ok && existing.root == abs {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// The initial scan runs without holding the manager lock.
	w, err := startWatch(sessionID, abs, m.cfg)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	m.mu.Lock()
	old, ok := m.watches[sessionID]
	if ok && old.root == abs {
		m.mu.Unlock()
		w.stop()
		return nil
	}
	m.watches[sessionID] = w
	m.mu.Unlock()

	if ok {
		old.stop()
	}
	return nil
}

// Stop detaches the session's watch and cancels its pending work. Stopping
// an unknown or already stopped session does nothing.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	delete(m.watches, sessionID)
	m.mu.Unlock()

	if ok {
		w.stop()
	}
}

// StopAll stops every watch.
func (m *Manager) StopAll() {
	m.mu.Lock()
	watches := m.watches
	m.watches = make(map[string]*watch)
	m.mu.Unlock()

	for _, w := range watches {
		w.stop()
	}
}

// Activity returns a copy of the session's activity record.
func (m *Manager) Activity(sessionID string) (models.ActivityRecord, bool) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	m.mu.Unlock()

	if !ok {
		return models.ActivityRecord{}, false
	}
	return w.snapshot(), true
}

// Watching lists the watched session ids in sorted order.
func (m *Manager) Watching() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Path returns the directory watched for sessionID.
func (m *Manager) Path(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[sessionID]
	if !ok {
		return "", false
	}
	return w.root, true
}
