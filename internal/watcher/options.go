// Package watcher keeps an activity record per session by observing the
// session's checkout directory.
package watcher

import (
	"errors"
	"log/slog"
	"time"

	"github.com/joescharf/lanes/internal/classify"
	"github.com/joescharf/lanes/internal/event"
)

// ErrPathNotFound is returned by Start when the directory does not exist.
var ErrPathNotFound = errors.New("path not found")

// DefaultDebounce is the quiet period a path needs before it is processed.
const DefaultDebounce = 500 * time.Millisecond

// DefaultIgnoreDirs match directory base names that are never watched.
var DefaultIgnoreDirs = []string{
	"node_modules", "vendor", "dist", "build", "target", "out",
	"__pycache__", ".venv", "venv", ".tox", ".cache", ".next",
	".pytest_cache", ".mypy_cache", ".idea", "coverage", "*.egg-info",
}

// DefaultIgnoreFiles match editor and OS scratch files.
var DefaultIgnoreFiles = []string{
	"*.swp", "*.swx", "*~", ".#*", ".ds_store", "4913",
}

const (
	maxToolOutputRead = 64 << 10
	maxChecklistRead  = 1 << 20
)

// Options configures a Manager.
type Options struct {
	Debounce    time.Duration
	IgnoreDirs  []string
	IgnoreFiles []string
	Matcher     *classify.Matcher
	Bus         *event.Bus
	Logger      *slog.Logger
	Now         func() time.Time
}
