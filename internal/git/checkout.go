package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CreateOptions describes a new checkout.
type CreateOptions struct {
	RepoPath   string
	Branch     string
	BaseBranch string // start point for a new branch; HEAD when empty
	TargetPath string // default layout when empty
	// UseExistingBranch checks out Branch instead of creating it.
	UseExistingBranch bool
}

// CreateCheckout adds a worktree for opts.Branch and returns its path.
// On failure nothing is left behind: a directory created by git without a
// matching registration is removed and the worktree metadata pruned.
func (g *Gateway) CreateCheckout(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Branch == "" {
		return "", fmt.Errorf("create checkout: branch name is required")
	}

	repo, err := g.mainRepoRoot(ctx, opts.RepoPath)
	if err != nil {
		return "", err
	}

	target := opts.TargetPath
	if target == "" {
		if target, err = g.defaultCheckoutPath(repo, opts.Branch); err != nil {
			return "", err
		}
	}
	target = normalizePath(target)

	unlock := g.locks.Lock(target)
	defer unlock()

	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("%w: %s", ErrCheckoutExists, target)
	}

	exists, err := g.branchExists(ctx, repo, opts.Branch)
	if err != nil {
		return "", err
	}
	if !opts.UseExistingBranch && exists {
		return "", fmt.Errorf("%w: %s", ErrBranchExists, opts.Branch)
	}
	if opts.UseExistingBranch && !exists {
		return "", &OpError{Op: "worktree add", Path: repo, Msg: fmt.Sprintf("branch %s does not exist", opts.Branch)}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("create checkout parent: %w", err)
	}

	args := []string{"worktree", "add"}
	if opts.UseExistingBranch {
		args = append(args, target, opts.Branch)
	} else {
		args = append(args, "-b", opts.Branch, target)
		if opts.BaseBranch != "" {
			args = append(args, opts.BaseBranch)
		}
	}

	log := g.logger.With("repo", repo, "path", target, "branch", opts.Branch)
	log.Debug("creating checkout", "base", opts.BaseBranch)

	createdBranch := ""
	if !opts.UseExistingBranch {
		createdBranch = opts.Branch
	}

	if _, err := gitCmd(ctx, repo, args...); err != nil {
		g.rollback(ctx, repo, target, createdBranch)
		return "", err
	}

	registered, err := g.isRegistered(ctx, repo, target)
	if err != nil || !registered {
		g.rollback(ctx, repo, target, createdBranch)
		if err != nil {
			return "", err
		}
		return "", &OpError{Op: "worktree add", Path: target, Msg: "checkout missing from worktree list after create"}
	}

	g.remember(target, repo)
	log.Info("checkout created")
	return target, nil
}

// rollback removes a half-created checkout directory, prunes its metadata and
// deletes branch when the failed create made it.
func (g *Gateway) rollback(ctx context.Context, repo, target, branch string) {
	if _, err := os.Lstat(target); err == nil {
		if err := os.RemoveAll(target); err != nil {
			g.logger.Warn("rollback: remove directory failed", "path", target, "error", err)
		}
	}
	if _, err := gitCmd(ctx, repo, "worktree", "prune"); err != nil {
		g.logger.Warn("rollback: prune failed", "repo", repo, "error", err)
	}
	if branch != "" {
		if exists, _ := g.branchExists(ctx, repo, branch); exists {
			if _, err := gitCmd(ctx, repo, "branch", "-D", branch); err != nil {
				g.logger.Warn("rollback: delete branch failed", "branch", branch, "error", err)
			}
		}
	}
	g.logger.Debug("rolled back checkout", "path", target)
}

func (g *Gateway) listCheckouts(ctx context.Context, repo string) ([]Checkout, error) {
	out, err := gitCmd(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	checkouts := ParseWorktreeListPorcelain(out)
	for i := range checkouts {
		checkouts[i].Path = normalizePath(checkouts[i].Path)
	}
	return checkouts, nil
}

func (g *Gateway) isRegistered(ctx context.Context, repo, target string) (bool, error) {
	checkouts, err := g.listCheckouts(ctx, repo)
	if err != nil {
		return false, err
	}
	for _, c := range checkouts {
		if c.Path == target {
			return true, nil
		}
	}
	return false, nil
}

// ListCheckouts returns every worktree of the repository, main checkout first.
func (g *Gateway) ListCheckouts(ctx context.Context, repoPath string) ([]Checkout, error) {
	repo, err := g.mainRepoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	checkouts, err := g.listCheckouts(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, c := range checkouts {
		if c.Path != repo {
			g.remember(c.Path, repo)
		}
	}
	return checkouts, nil
}

// DeleteCheckout removes the worktree at path. A checkout that is already
// gone counts as deleted once its metadata has been pruned.
func (g *Gateway) DeleteCheckout(ctx context.Context, path string, force bool) error {
	target := normalizePath(path)

	unlock := g.locks.Lock(target)
	defer unlock()

	repo, err := g.owningRepo(ctx, target)
	if err != nil {
		return err
	}
	log := g.logger.With("repo", repo, "path", target)

	if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
		if _, err := gitCmd(ctx, repo, "worktree", "prune"); err != nil {
			return err
		}
		log.Info("checkout already gone, pruned")
		return nil
	}

	if target == repo {
		return &OpError{Op: "worktree remove", Path: target, Msg: "refusing to remove the main working tree"}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, target)
	if _, err := gitCmd(ctx, repo, args...); err != nil {
		return err
	}
	log.Info("checkout removed", "force", force)
	return nil
}

// owningRepo finds the main repository a checkout path belongs to. For a
// path that no longer exists it falls back to associations seen earlier and
// then to a main repository sitting next to the checkout.
func (g *Gateway) owningRepo(ctx context.Context, target string) (string, error) {
	if _, err := os.Lstat(target); err == nil {
		repo, err := g.mainRepoRoot(ctx, target)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrCheckoutNotFound, target)
		}
		if repo != target {
			registered, err := g.isRegistered(ctx, repo, target)
			if err != nil {
				return "", err
			}
			if !registered {
				return "", fmt.Errorf("%w: %s", ErrCheckoutNotFound, target)
			}
		}
		g.remember(target, repo)
		return repo, nil
	}

	if repo, ok := g.remembered(target); ok {
		return repo, nil
	}

	parent := filepath.Dir(target)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCheckoutNotFound, target)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(parent, e.Name())
		if fi, err := os.Stat(filepath.Join(candidate, ".git")); err != nil || !fi.IsDir() {
			continue
		}
		// A missing checkout is still listed (as prunable) by its owner.
		registered, err := g.isRegistered(ctx, candidate, target)
		if err != nil {
			g.logger.Debug("skipping sibling repository", "repo", candidate, "error", err)
			continue
		}
		if registered {
			g.remember(target, candidate)
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCheckoutNotFound, target)
}

// PruneCheckouts removes worktree metadata for checkouts deleted by hand.
func (g *Gateway) PruneCheckouts(ctx context.Context, repoPath string) error {
	repo, err := g.mainRepoRoot(ctx, repoPath)
	if err != nil {
		return err
	}
	if _, err := gitCmd(ctx, repo, "worktree", "prune"); err != nil {
		return err
	}
	g.logger.Debug("pruned checkouts", "repo", repo)
	return nil
}

// validCheckout confirms path is inside a git working tree.
func validCheckout(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrCheckoutNotFound, path)
	}
	if out, err := gitCmd(ctx, path, "rev-parse", "--is-inside-work-tree"); err != nil || out != "true" {
		return fmt.Errorf("%w: %s", ErrCheckoutNotFound, path)
	}
	return nil
}

func (g *Gateway) status(ctx context.Context, path string) (statusReport, error) {
	if err := validCheckout(ctx, path); err != nil {
		return statusReport{}, err
	}
	// No optional locks: status must not rewrite the index, which watchers
	// would report as VCS activity.
	out, err := gitCmd(ctx, path, "--no-optional-locks", "status", "--porcelain=v2", "--branch")
	if err != nil {
		return statusReport{}, err
	}
	r := parseStatusPorcelainV2(out)

	if r.Branch.Upstream != "" {
		r.Branch.Base = r.Branch.Upstream
		return r, nil
	}
	// Without an upstream, compare against the branch of the main checkout.
	repo, err := g.mainRepoRoot(ctx, path)
	if err != nil || repo == normalizePath(path) || r.Branch.Head == "" {
		return r, nil
	}
	base, err := gitCmd(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || base == "HEAD" || base == r.Branch.Branch {
		return r, nil
	}
	counts, err := gitCmd(ctx, path, "rev-list", "--left-right", "--count", base+"...HEAD")
	if err != nil {
		g.logger.Debug("ahead/behind unavailable", "path", path, "base", base, "error", err)
		return r, nil
	}
	var behind, ahead int
	if _, err := fmt.Sscanf(counts, "%d %d", &behind, &ahead); err == nil {
		r.Branch.Base = base
		r.Branch.AheadCount = ahead
		r.Branch.BehindCount = behind
	}
	return r, nil
}

// GetBranchInfo reports the branch checked out at path.
func (g *Gateway) GetBranchInfo(ctx context.Context, path string) (*BranchInfo, error) {
	target := normalizePath(path)
	unlock := g.locks.Lock(target)
	defer unlock()

	r, err := g.status(ctx, target)
	if err != nil {
		return nil, err
	}
	return &r.Branch, nil
}

// GetStatus reports branch, ahead/behind counts and changed files at path.
func (g *Gateway) GetStatus(ctx context.Context, path string) (*Checkout, error) {
	target := normalizePath(path)
	unlock := g.locks.Lock(target)
	defer unlock()

	r, err := g.status(ctx, target)
	if err != nil {
		return nil, err
	}
	c := &Checkout{
		Path:         target,
		Branch:       r.Branch.Branch,
		Head:         r.Branch.Head,
		IsDetached:   r.Branch.IsDetached,
		AheadCount:   r.Branch.AheadCount,
		BehindCount:  r.Branch.BehindCount,
		ChangedFiles: r.Files,
	}
	g.fillLock(ctx, c)
	return c, nil
}

// fillLock copies the lock state of c from the worktree list of its repository.
func (g *Gateway) fillLock(ctx context.Context, c *Checkout) {
	repo, err := g.mainRepoRoot(ctx, c.Path)
	if err != nil {
		return
	}
	checkouts, err := g.listCheckouts(ctx, repo)
	if err != nil {
		g.logger.Debug("lock state unavailable", "path", c.Path, "error", err)
		return
	}
	for _, wt := range checkouts {
		if wt.Path == c.Path {
			c.IsLocked = wt.IsLocked
			c.LockReason = wt.LockReason
			return
		}
	}
}

// ForkCheckout creates a checkout on newBranch starting from whatever is
// checked out at sourcePath.
func (g *Gateway) ForkCheckout(ctx context.Context, sourcePath, newBranch, targetPath string) (string, error) {
	info, err := g.GetBranchInfo(ctx, sourcePath)
	if err != nil {
		return "", err
	}
	base := info.Branch
	if info.IsDetached || base == "" {
		base = info.Head
	}
	repo, err := g.mainRepoRoot(ctx, sourcePath)
	if err != nil {
		return "", err
	}
	return g.CreateCheckout(ctx, CreateOptions{
		RepoPath:   repo,
		Branch:     newBranch,
		BaseBranch: base,
		TargetPath: targetPath,
	})
}
