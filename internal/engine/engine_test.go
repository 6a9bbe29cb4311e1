package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lanes/internal/event"
	"github.com/joescharf/lanes/internal/git"
	"github.com/joescharf/lanes/internal/models"
	"github.com/joescharf/lanes/internal/registry"
	"github.com/joescharf/lanes/internal/store"
	"github.com/joescharf/lanes/internal/watcher"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
	return string(out)
}

// newTestRepo returns a repo at <tmp>/project/main with one commit on main.
func newTestRepo(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	repo := filepath.Join(root, "project", "main")
	require.NoError(t, os.MkdirAll(repo, 0755))
	runGit(t, repo, "init")
	runGit(t, repo, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, repo, "config", "user.email", "test@test.com")
	runGit(t, repo, "config", "user.name", "Test")
	runGit(t, repo, "commit", "--allow-empty", "-m", "init")
	return repo
}

type fixture struct {
	store    *store.SQLiteStore
	registry *registry.Registry
	gateway  *git.Gateway
	bus      *event.Bus
	watchers *watcher.Manager
	engine   *Engine
	offset   atomic.Int64
}

func (f *fixture) advance(d time.Duration) { f.offset.Add(int64(d)) }

func (f *fixture) now() time.Time {
	return time.Now().Add(time.Duration(f.offset.Load()))
}

func newFixture(t *testing.T, withWatchers bool) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "lanes.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, bus: event.NewBus(nil), gateway: git.NewGateway()}
	f.registry = registry.New(st, registry.WithBus(f.bus))

	opts := []Option{
		WithBus(f.bus),
		WithClock(f.now),
		WithConfig(Config{Detect: DefaultConfig().Detect, Interval: 50 * time.Millisecond, Concurrency: 2}),
	}
	if withWatchers {
		f.watchers, err = watcher.NewManager(watcher.Options{Debounce: 50 * time.Millisecond, Bus: f.bus})
		require.NoError(t, err)
		t.Cleanup(f.watchers.StopAll)
		opts = append(opts, WithWatchers(f.watchers))
	}
	f.engine = New(f.gateway, f.registry, opts...)
	return f
}

func TestStartSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	repo := newTestRepo(t)

	sess, err := f.engine.StartSession(ctx, StartOptions{
		ProjectID: "proj",
		RepoPath:  repo,
		Branch:    "feature/login",
		Metadata:  map[string]string{"ticket": "7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "feature/login", sess.Name)
	assert.Equal(t, "feature/login", sess.BranchRef)
	assert.Equal(t, filepath.Join(filepath.Dir(repo), "feature-login"), sess.CheckoutPath)
	assert.Equal(t, models.StatePlanning, sess.State)
	assert.DirExists(t, sess.CheckoutPath)

	stored, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.CheckoutPath, stored.CheckoutPath)
	assert.Equal(t, "7", stored.Metadata["ticket"])
}

func TestStartSession_FailedCheckoutCreatesNoSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, StartOptions{ProjectID: "proj", RepoPath: t.TempDir(), Branch: "x"})
	assert.ErrorIs(t, err, git.ErrRepositoryNotFound)

	repo := newTestRepo(t)
	runGit(t, repo, "branch", "taken")
	_, err = f.engine.StartSession(ctx, StartOptions{ProjectID: "proj", RepoPath: repo, Branch: "taken"})
	assert.ErrorIs(t, err, git.ErrBranchExists)

	sessions, err := f.registry.List(ctx, store.SessionFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestForkSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	repo := newTestRepo(t)

	parent, err := f.engine.StartSession(ctx, StartOptions{
		ProjectID: "proj",
		Name:      "search",
		RepoPath:  repo,
		Branch:    "search",
		Metadata:  map[string]string{"feature": "x"},
	})
	require.NoError(t, err)
	runGit(t, parent.CheckoutPath, "commit", "--allow-empty", "-m", "parent work")

	child, err := f.engine.ForkSession(ctx, parent.ID, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentSessionID)
	assert.Equal(t, "search-fork-1", child.BranchRef)
	assert.Equal(t, models.StatePlanning, child.State)
	assert.Equal(t, map[string]string{"feature": "x"}, child.Metadata)
	assert.DirExists(t, child.CheckoutPath)

	// The fork starts from the parent's branch tip.
	parentHead := runGit(t, parent.CheckoutPath, "rev-parse", "HEAD")
	childHead := runGit(t, child.CheckoutPath, "rev-parse", "HEAD")
	assert.Equal(t, parentHead, childHead)

	second, err := f.engine.ForkSession(ctx, parent.ID, "again", "", "")
	require.NoError(t, err)
	assert.Equal(t, "search-fork-2", second.BranchRef)
	assert.Equal(t, "again", second.Name)

	nested, err := f.engine.ForkSession(ctx, child.ID, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "search-fork-1.1", nested.BranchRef)
}

func TestForkSession_WithoutCheckout(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	parent, err := f.registry.CreateSession(ctx, "proj", "idea", nil)
	require.NoError(t, err)

	child, err := f.engine.ForkSession(ctx, parent.ID, "idea 2", "", "")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentSessionID)
	assert.False(t, child.HasCheckout())

	_, err = f.engine.ForkSession(ctx, "missing", "", "", "")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRemoveSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	repo := newTestRepo(t)

	sess, err := f.engine.StartSession(ctx, StartOptions{ProjectID: "proj", RepoPath: repo, Branch: "cleanup"})
	require.NoError(t, err)
	assert.Contains(t, f.watchers.Watching(), sess.ID)
	path := sess.CheckoutPath

	removed, err := f.engine.RemoveSession(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.True(t, removed.Archived)
	assert.Empty(t, removed.CheckoutPath)
	assert.Equal(t, "cleanup", removed.BranchRef)
	assert.NoDirExists(t, path)
	assert.NotContains(t, f.watchers.Watching(), sess.ID)

	again, err := f.engine.RemoveSession(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.True(t, again.Archived)

	history, err := f.registry.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestRemoveSession_DirtyNeedsForce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	repo := newTestRepo(t)

	sess, err := f.engine.StartSession(ctx, StartOptions{ProjectID: "proj", RepoPath: repo, Branch: "dirty"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sess.CheckoutPath, "wip.txt"), []byte("x"), 0644))

	_, err = f.engine.RemoveSession(ctx, sess.ID, false)
	require.Error(t, err)
	stored, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Archived)
	assert.NotEmpty(t, stored.CheckoutPath)

	_, err = f.engine.RemoveSession(ctx, sess.ID, true)
	require.NoError(t, err)
}

func TestEvaluate_DetectsAndAges(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	repo := newTestRepo(t)

	sess, err := f.engine.StartSession(ctx, StartOptions{ProjectID: "proj", RepoPath: repo, Branch: "busy"})
	require.NoError(t, err)

	runGit(t, sess.CheckoutPath, "commit", "--allow-empty", "-m", "progress")
	require.Eventually(t, func() bool {
		rec, ok := f.watchers.Activity(sess.ID)
		return ok && rec.HasVcsActivity()
	}, 3*time.Second, 20*time.Millisecond)

	changed, err := f.engine.Evaluate(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	got, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWorking, got.State)

	f.advance(20 * time.Minute)
	changed, err = f.engine.Evaluate(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	got, err = f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, got.State)

	history, err := f.registry.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "detected", history[2].Note)
}

func TestEvaluate_ManualSessionIsLeftAlone(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	repo := newTestRepo(t)

	sess, err := f.engine.StartSession(ctx, StartOptions{ProjectID: "proj", RepoPath: repo, Branch: "pinned"})
	require.NoError(t, err)
	_, err = f.registry.UpdateState(ctx, sess.ID, models.StateNeedsInput, "waiting on design")
	require.NoError(t, err)

	f.advance(time.Hour)
	changed, err := f.engine.Evaluate(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNeedsInput, got.State)
}

func TestEvaluate_Unwatched(t *testing.T) {
	f := newFixture(t, false)
	changed, err := f.engine.Evaluate(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRun_RestoresWatchersAndDetects(t *testing.T) {
	f := newFixture(t, true)
	repo := newTestRepo(t)

	// Created by a process that does not watch, like a one-shot CLI call.
	cli := New(f.gateway, f.registry)
	sess, err := cli.StartSession(context.Background(), StartOptions{ProjectID: "proj", RepoPath: repo, Branch: "daemon"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range f.watchers.Watching() {
			if id == sess.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	runGit(t, sess.CheckoutPath, "commit", "--allow-empty", "-m", "progress")
	require.Eventually(t, func() bool {
		got, err := f.registry.Get(context.Background(), sess.ID)
		return err == nil && got.State == models.StateWorking
	}, 5*time.Second, 20*time.Millisecond)

	// Archived elsewhere: the next tick stops watching it.
	_, err = f.registry.Archive(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(f.watchers.Watching()) == 0
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RequiresWatchers(t *testing.T) {
	f := newFixture(t, false)
	assert.Error(t, f.engine.Run(context.Background()))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	repo := newTestRepo(t)

	withCheckout, err := f.engine.StartSession(ctx, StartOptions{ProjectID: "proj", RepoPath: repo, Branch: "status"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(withCheckout.CheckoutPath, "new.txt"), []byte("x"), 0644))
	bare, err := f.registry.CreateSession(ctx, "proj", "no checkout", nil)
	require.NoError(t, err)
	_, err = f.registry.CreateSession(ctx, "other", "elsewhere", nil)
	require.NoError(t, err)

	rows, err := f.engine.Status(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]SessionStatus{}
	for _, r := range rows {
		byID[r.Session.ID] = r
	}
	row := byID[withCheckout.ID]
	require.NoError(t, row.Err)
	require.NotNil(t, row.Checkout)
	assert.Equal(t, "status", row.Checkout.Branch)
	require.Len(t, row.Checkout.ChangedFiles, 1)
	assert.Equal(t, "new.txt", row.Checkout.ChangedFiles[0].Path)

	assert.Nil(t, byID[bare.ID].Checkout)
	assert.NoError(t, byID[bare.ID].Err)
}
