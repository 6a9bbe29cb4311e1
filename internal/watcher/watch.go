package watcher

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/joescharf/lanes/internal/classify"
	"github.com/joescharf/lanes/internal/event"
	"github.com/joescharf/lanes/internal/models"
)

// settings is the compiled, shared configuration of every watch.
type settings struct {
	debounce    time.Duration
	ignoreDirs  []glob.Glob
	ignoreFiles []glob.Glob
	matcher     *classify.Matcher
	bus         *event.Bus
	logger      *slog.Logger
	now         func() time.Time
}

func matchBase(globs []glob.Glob, name string) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, g := range globs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// watch observes one session's checkout.
type watch struct {
	sessionID string
	root      string
	vcsDir    string
	cfg       *settings
	logger    *slog.Logger

	fsw  *fsnotify.Watcher
	deb  *debouncer
	done chan struct{}

	mu         sync.Mutex
	stopped    bool
	record     models.ActivityRecord
	checklists map[string]models.ChecklistCompletion
}

// resolveVcsDir returns the git directory of the checkout at root: the .git
// directory itself, or the directory a worktree's .git file points to.
func resolveVcsDir(root string) string {
	dotGit := filepath.Join(root, ".git")
	fi, err := os.Lstat(dotGit)
	if err != nil {
		return ""
	}
	if fi.IsDir() {
		return dotGit
	}
	data, err := os.ReadFile(dotGit)
	if err != nil {
		return ""
	}
	gitdir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return ""
	}
	gitdir = strings.TrimSpace(gitdir)
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(root, gitdir)
	}
	return filepath.Clean(gitdir)
}

func startWatch(sessionID, root string, cfg *settings) (*watch, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watch{
		sessionID:  sessionID,
		root:       root,
		vcsDir:     resolveVcsDir(root),
		cfg:        cfg,
		logger:     cfg.logger.With("session_id", sessionID, "path", root),
		fsw:        fsw,
		deb:        newDebouncer(cfg.debounce),
		done:       make(chan struct{}),
		checklists: make(map[string]models.ChecklistCompletion),
	}
	w.record.StartedAt = cfg.now()

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if w.vcsDir != "" {
		// Only the top of the git dir and its reflogs: HEAD, index, ORIG_HEAD,
		// COMMIT_EDITMSG, logs/HEAD.
		for _, dir := range []string{w.vcsDir, filepath.Join(w.vcsDir, "logs")} {
			if err := fsw.Add(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("cannot watch git metadata", "dir", dir, "error", err)
			}
		}
	}

	w.initialScan()

	go w.loop()
	w.logger.Debug("watch started", "vcs_dir", w.vcsDir)
	return w, nil
}

// skipDir reports whether a directory under root is never watched.
func (w *watch) skipDir(path string) bool {
	if path == w.root {
		return false
	}
	if filepath.Base(path) == ".git" {
		return true
	}
	return matchBase(w.cfg.ignoreDirs, path)
}

func (w *watch) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.skipDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("cannot watch directory", "dir", path, "error", err)
		}
		return nil
	})
}

// initialScan seeds the record from checklist and tool-output files already
// on disk. It counts no file changes.
func (w *watch) initialScan() {
	var (
		latestTool    string
		latestToolMod time.Time
	)

	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.skipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if w.cfg.matcher.IsChecklistPath(rel) {
			if text, err := readTail(path, maxChecklistRead); err != nil {
				w.logger.Warn("skipping unreadable checklist", "file", rel, "error", err)
			} else {
				w.checklists[rel] = classify.ParseChecklistCompletion(text)
			}
		}
		if w.cfg.matcher.IsToolOutputPath(rel) {
			if info, err := d.Info(); err == nil && info.ModTime().After(latestToolMod) {
				latestTool, latestToolMod = path, info.ModTime()
			}
		}
		return nil
	})

	var toolText string
	if latestTool != "" {
		text, err := readTail(latestTool, maxToolOutputRead)
		if err != nil {
			w.logger.Warn("skipping unreadable tool output", "file", latestTool, "error", err)
			latestTool = ""
		}
		toolText = text
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.record.Checklist = w.aggregateChecklists()
	if latestTool != "" {
		w.record.LastToolOutputAt = latestToolMod
		w.record.HasOpenQuestion = classify.ContainsOpenQuestion(toolText)
		w.record.HasCompletionIndicator = classify.ContainsCompletionIndicator(toolText)
	}
}

func (w *watch) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *watch) inVcsDir(path string) bool {
	return w.vcsDir != "" && (path == w.vcsDir || strings.HasPrefix(path, w.vcsDir+string(filepath.Separator)))
}

func (w *watch) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	if w.inVcsDir(ev.Name) {
		if strings.HasSuffix(ev.Name, ".lock") {
			return
		}
		rel, _ := filepath.Rel(w.vcsDir, ev.Name)
		key := "\x00vcs/" + filepath.ToSlash(rel)
		w.deb.Trigger(key, func() { w.settleVcs(rel) })
		return
	}

	if matchBase(w.cfg.ignoreFiles, ev.Name) {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if !w.skipDir(ev.Name) {
				if err := w.addRecursive(ev.Name); err != nil {
					w.logger.Warn("cannot watch new directory", "dir", ev.Name, "error", err)
				}
			}
			return
		}
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	w.deb.Trigger(rel, func() { w.settle(ev.Name, rel) })
}

func (w *watch) settleVcs(rel string) {
	now := w.cfg.now()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.record.LastVcsActivityAt = now
	w.mu.Unlock()

	w.publish(event.ActivityVcs, map[string]string{"path": filepath.ToSlash(rel)}, now)
}

// settle processes one debounced change. File reads happen outside the lock;
// nothing is recorded once the watch is stopped.
func (w *watch) settle(abs, rel string) {
	if w.isStopped() {
		return
	}

	_, statErr := os.Stat(abs)
	deleted := errors.Is(statErr, fs.ErrNotExist)
	isTool := w.cfg.matcher.IsToolOutputPath(rel)
	isChecklist := w.cfg.matcher.IsChecklistPath(rel)

	var toolText, checklistText string
	var toolErr, checklistErr error
	if !deleted && isTool {
		if toolText, toolErr = readTail(abs, maxToolOutputRead); toolErr != nil {
			w.logger.Warn("skipping unreadable tool output", "file", rel, "error", toolErr)
		}
	}
	if !deleted && isChecklist {
		if checklistText, checklistErr = readTail(abs, maxChecklistRead); checklistErr != nil {
			w.logger.Warn("skipping unreadable checklist", "file", rel, "error", checklistErr)
		}
	}

	now := w.cfg.now()
	slashRel := filepath.ToSlash(rel)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if !deleted {
		w.record.FileChangeCount++
	}
	w.record.LastFileChangeAt = now

	toolUpdated := false
	if isTool && !deleted && toolErr == nil {
		w.record.LastToolOutputAt = now
		w.record.HasOpenQuestion = classify.ContainsOpenQuestion(toolText)
		w.record.HasCompletionIndicator = classify.ContainsCompletionIndicator(toolText)
		toolUpdated = true
	}
	checklistUpdated := false
	if isChecklist && (deleted || checklistErr == nil) {
		if deleted {
			delete(w.checklists, rel)
		} else {
			w.checklists[rel] = classify.ParseChecklistCompletion(checklistText)
		}
		w.record.Checklist = w.aggregateChecklists()
		checklistUpdated = true
	}
	rec := w.record
	w.mu.Unlock()

	op := "write"
	if deleted {
		op = "remove"
	}
	w.publish(event.ActivityFileChange, map[string]string{"path": slashRel, "op": op}, now)
	if toolUpdated {
		w.publish(event.ActivityToolOutput, map[string]string{
			"path":          slashRel,
			"open_question": strconv.FormatBool(rec.HasOpenQuestion),
			"completion":    strconv.FormatBool(rec.HasCompletionIndicator),
		}, now)
	}
	if checklistUpdated {
		details := map[string]string{"path": slashRel}
		if rec.Checklist != nil {
			details["completed"] = strconv.Itoa(rec.Checklist.Completed)
			details["total"] = strconv.Itoa(rec.Checklist.Total)
		}
		w.publish(event.ActivityChecklistUpdate, details, now)
	}
}

// aggregateChecklists sums every checklist file; nil when there are none.
// Callers hold w.mu.
func (w *watch) aggregateChecklists() *models.ChecklistCompletion {
	if len(w.checklists) == 0 {
		return nil
	}
	var total models.ChecklistCompletion
	for _, c := range w.checklists {
		total.Completed += c.Completed
		total.Total += c.Total
	}
	return &total
}

func (w *watch) publish(typ event.ActivityType, details map[string]string, at time.Time) {
	if w.cfg.bus == nil {
		return
	}
	w.cfg.bus.Publish(event.NewActivityEvent(w.sessionID, typ, details, at))
}

func (w *watch) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// snapshot returns a copy of the activity record.
func (w *watch) snapshot() models.ActivityRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := w.record
	if rec.Checklist != nil {
		c := *rec.Checklist
		rec.Checklist = &c
	}
	return rec
}

// stop cancels pending debounce timers and detaches from the filesystem.
// It is safe to call more than once.
func (w *watch) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.deb.Stop()
	close(w.done)
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("close watcher", "error", err)
	}
	w.logger.Debug("watch stopped")
}

// readTail returns at most max bytes from the end of the file.
func readTail(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.New("is a directory")
	}
	if info.Size() > max {
		if _, err := f.Seek(info.Size()-max, io.SeekStart); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
