// Package git is the repository gateway: it creates, lists, forks and removes
// isolated git worktree checkouts and reports their branch and status.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joescharf/lanes/internal/keylock"
	"github.com/joescharf/lanes/internal/logging"
)

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrCheckoutExists     = errors.New("checkout already exists")
	ErrCheckoutNotFound   = errors.New("checkout not found")
	ErrBranchExists       = errors.New("branch already exists")
)

// OpError wraps a failed git invocation with the operation and its stderr.
type OpError struct {
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" {
		return fmt.Sprintf("git %s (%s): %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("git %s: %s", e.Op, msg)
}

func (e *OpError) Unwrap() error { return e.Err }

// opName names a git invocation by its command and, for worktree, subcommand.
func opName(args []string) string {
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		args = args[1:]
	}
	if len(args) == 0 {
		return ""
	}
	if args[0] == "worktree" && len(args) > 1 {
		return args[0] + " " + args[1]
	}
	return args[0]
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		opErr := &OpError{Op: opName(args), Path: path, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			opErr.Msg = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", opErr
	}
	return strings.TrimSpace(string(out)), nil
}

// exitCode returns the git exit status carried by err, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// normalizePath returns an absolute, cleaned path with symlinks resolved as
// far as the path exists, matching what git prints.
func normalizePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	dir, base := filepath.Split(abs)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolved, base)
	}
	return abs
}

// Gateway issues git commands against arbitrary repositories. Operations on
// the same checkout path are serialized; different paths run concurrently.
type Gateway struct {
	locks  *keylock.Map
	logger *slog.Logger
	root   string

	mu    sync.Mutex
	repos map[string]string // checkout path -> main repository root
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithCheckoutRoot places default checkouts under root/<repo name>/ instead
// of next to the main repository.
func WithCheckoutRoot(root string) Option {
	return func(g *Gateway) { g.root = root }
}

// NewGateway returns a ready Gateway.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		locks: keylock.New(),
		repos: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger).With("component", "git")
	return g
}

func (g *Gateway) remember(checkout, repo string) {
	g.mu.Lock()
	g.repos[checkout] = repo
	g.mu.Unlock()
}

func (g *Gateway) remembered(checkout string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	repo, ok := g.repos[checkout]
	return repo, ok
}

// mainRepoRoot resolves the main working tree of the repository containing path.
func (g *Gateway) mainRepoRoot(ctx context.Context, path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrRepositoryNotFound, path)
	}
	common, err := gitCmd(ctx, path, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRepositoryNotFound, path)
	}
	common = normalizePath(common)
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common), nil
	}
	return common, nil
}

// defaultCheckoutPath picks a target for branch when the caller gives none.
func (g *Gateway) defaultCheckoutPath(repo, branch string) (string, error) {
	name := SanitizeName(branch)
	if name == "" {
		return "", fmt.Errorf("cannot derive a directory name from branch %q", branch)
	}
	if g.root != "" {
		return filepath.Join(g.root, filepath.Base(repo), name), nil
	}
	return filepath.Join(filepath.Dir(repo), name), nil
}

func (g *Gateway) branchExists(ctx context.Context, repo, branch string) (bool, error) {
	_, err := gitCmd(ctx, repo, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// Branches lists the local branches of the repository at repoPath.
func (g *Gateway) Branches(ctx context.Context, repoPath string) ([]string, error) {
	repo, err := g.mainRepoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	out, err := gitCmd(ctx, repo, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}
