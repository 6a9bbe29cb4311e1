package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/lanes/internal/git"
	"github.com/joescharf/lanes/internal/output"
)

var checkoutCmd = &cobra.Command{
	Use:     "checkout",
	Aliases: []string{"co", "worktree", "wt"},
	Short:   "Manage isolated git worktree checkouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkoutListRun(cmd, checkoutRepo)
	},
}

var (
	checkoutRepo     string
	checkoutBase     string
	checkoutPath     string
	checkoutExisting bool
	checkoutForce    bool
	checkoutSessions bool
)

var checkoutCreateCmd = &cobra.Command{
	Use:   "create <branch>",
	Short: "Create a worktree on a new or existing branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkoutCreateRun(cmd, args[0])
	},
}

var checkoutListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the worktrees of a repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkoutListRun(cmd, checkoutRepo)
	},
}

var checkoutRemoveCmd = &cobra.Command{
	Use:     "rm <path>",
	Aliases: []string{"remove"},
	Short:   "Remove a worktree (already deleted directories are pruned)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkoutRemoveRun(cmd, args[0], checkoutForce)
	},
}

var checkoutStatusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show branch, ahead/behind and changed files of a checkout",
	Long: `Show the status of one checkout, or with --sessions the status of every
live session's checkout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkoutSessions {
			return checkoutSessionsStatusRun(cmd)
		}
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		return checkoutStatusRun(cmd, path)
	},
}

var checkoutForkCmd = &cobra.Command{
	Use:   "fork <source-path> <new-branch>",
	Short: "Create a worktree branching from another checkout's branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkoutForkRun(cmd, args[0], args[1])
	},
}

var checkoutPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop metadata of worktrees deleted by hand",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkoutPruneRun(cmd, checkoutRepo)
	},
}

func init() {
	checkoutCmd.PersistentFlags().StringVar(&checkoutRepo, "repo", ".", "Repository path")

	checkoutCreateCmd.Flags().StringVar(&checkoutBase, "base", "", "Start point for the new branch (default: HEAD)")
	checkoutCreateCmd.Flags().StringVar(&checkoutPath, "path", "", "Checkout directory")
	checkoutCreateCmd.Flags().BoolVar(&checkoutExisting, "existing", false, "Check out an existing branch")

	checkoutRemoveCmd.Flags().BoolVarP(&checkoutForce, "force", "f", false, "Remove even with local changes")

	checkoutStatusCmd.Flags().BoolVar(&checkoutSessions, "sessions", false, "Show every live session's checkout")

	checkoutForkCmd.Flags().StringVar(&checkoutPath, "path", "", "Checkout directory")

	checkoutCmd.AddCommand(checkoutCreateCmd, checkoutListCmd, checkoutRemoveCmd,
		checkoutStatusCmd, checkoutForkCmd, checkoutPruneCmd)
	rootCmd.AddCommand(checkoutCmd)
}

func checkoutCreateRun(cmd *cobra.Command, branch string) error {
	if dryRun {
		ui.DryRunMsg("Would create checkout for %s from %s", branch, checkoutRepo)
		return nil
	}
	path, err := getGateway().CreateCheckout(cmd.Context(), git.CreateOptions{
		RepoPath:          checkoutRepo,
		Branch:            branch,
		BaseBranch:        checkoutBase,
		TargetPath:        checkoutPath,
		UseExistingBranch: checkoutExisting,
	})
	if err != nil {
		return err
	}
	ui.Success("Created checkout %s", output.Cyan(path))
	return nil
}

func checkoutListRun(cmd *cobra.Command, repo string) error {
	checkouts, err := getGateway().ListCheckouts(cmd.Context(), repo)
	if err != nil {
		return err
	}
	if len(checkouts) == 0 {
		ui.Info("No checkouts.")
		return nil
	}

	table := ui.Table([]string{"Path", "Branch", "Head", "Flags"})
	for _, c := range checkouts {
		_ = table.Append([]string{
			c.Path,
			branchLabel(c.Branch, c.IsDetached),
			shortHash(c.Head),
			checkoutFlags(c),
		})
	}
	return table.Render()
}

func checkoutRemoveRun(cmd *cobra.Command, path string, force bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would remove checkout %s", abs)
		return nil
	}
	if err := getGateway().DeleteCheckout(cmd.Context(), abs, force); err != nil {
		return err
	}
	ui.Success("Removed checkout %s", abs)
	return nil
}

func checkoutStatusRun(cmd *cobra.Command, path string) error {
	c, err := getGateway().GetStatus(cmd.Context(), path)
	if err != nil {
		return err
	}

	out := ui.Out
	fmt.Fprintf(out, "%s  %s\n", output.Cyan(branchLabel(c.Branch, c.IsDetached)), c.Path)
	fmt.Fprintf(out, "  Head:   %s\n", shortHash(c.Head))
	fmt.Fprintf(out, "  Ahead:  %d\n", c.AheadCount)
	fmt.Fprintf(out, "  Behind: %d\n", c.BehindCount)
	if len(c.ChangedFiles) == 0 {
		fmt.Fprintf(out, "  %s\n", output.Green("clean"))
		return nil
	}
	fmt.Fprintln(out)
	table := ui.Table([]string{"Status", "Path"})
	for _, f := range c.ChangedFiles {
		p := f.Path
		if f.OrigPath != "" {
			p = f.OrigPath + " -> " + f.Path
		}
		_ = table.Append([]string{f.Status, p})
	}
	return table.Render()
}

func checkoutSessionsStatusRun(cmd *cobra.Command) error {
	eng, err := getEngine(false)
	if err != nil {
		return err
	}
	rows, err := eng.Status(cmd.Context(), "")
	if err != nil {
		return err
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Name", "State", "Branch", "Ahead", "Behind", "Changed", "Updated"})
	count := 0
	for _, r := range rows {
		if !r.Session.HasCheckout() {
			continue
		}
		count++
		ahead, behind, changed := "-", "-", output.Red("error")
		if r.Err != nil {
			ui.VerboseLog("%s: %v", r.Session.ID, r.Err)
		} else if r.Checkout != nil {
			ahead = fmt.Sprintf("%d", r.Checkout.AheadCount)
			behind = fmt.Sprintf("%d", r.Checkout.BehindCount)
			changed = fmt.Sprintf("%d", len(r.Checkout.ChangedFiles))
		}
		_ = table.Append([]string{
			output.Cyan(output.ShortID(r.Session.ID)),
			r.Session.Name,
			output.StateColor(r.Session.State),
			r.Session.BranchRef,
			ahead,
			behind,
			changed,
			output.Ago(r.Session.UpdatedAt, now),
		})
	}
	if count == 0 {
		ui.Info("No sessions with a checkout.")
		return nil
	}
	return table.Render()
}

func checkoutForkRun(cmd *cobra.Command, source, branch string) error {
	if dryRun {
		ui.DryRunMsg("Would fork %s onto %s", source, branch)
		return nil
	}
	path, err := getGateway().ForkCheckout(cmd.Context(), source, branch, checkoutPath)
	if err != nil {
		return err
	}
	ui.Success("Created checkout %s on %s", output.Cyan(path), branch)
	return nil
}

func checkoutPruneRun(cmd *cobra.Command, repo string) error {
	if dryRun {
		ui.DryRunMsg("Would prune worktree metadata in %s", repo)
		return nil
	}
	if err := getGateway().PruneCheckouts(cmd.Context(), repo); err != nil {
		return err
	}
	ui.Success("Pruned stale checkouts")
	return nil
}

func branchLabel(branch string, detached bool) string {
	if detached || branch == "" {
		return "(detached)"
	}
	return branch
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func checkoutFlags(c git.Checkout) string {
	var flags []string
	if c.IsBare {
		flags = append(flags, "bare")
	}
	if c.IsLocked {
		flags = append(flags, "locked")
	}
	if c.IsPrunable {
		flags = append(flags, output.Yellow("prunable"))
	}
	return strings.Join(flags, ",")
}
