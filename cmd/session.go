package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/lanes/internal/engine"
	"github.com/joescharf/lanes/internal/git"
	"github.com/joescharf/lanes/internal/models"
	"github.com/joescharf/lanes/internal/output"
	"github.com/joescharf/lanes/internal/registry"
	"github.com/joescharf/lanes/internal/store"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Create, inspect and move work sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd, sessionListOpts{})
	},
}

type sessionCreateOpts struct {
	project    string
	repo       string
	branch     string
	base       string
	path       string
	meta       []string
	noCheckout bool
	existing   bool
}

type sessionListOpts struct {
	project string
	all     bool
	states  []string
}

var (
	createOpts sessionCreateOpts
	listOpts   sessionListOpts

	stateNote    string
	updateName   string
	updateBranch string
	updateCheck  string
	updateMeta   []string
	updateState  string
	forkName     string
	forkBranch   string
	forkPath     string
	statsProject string
	removeForce  bool
	removePurge  bool
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a session with its own checkout",
	Long: `Create a session and a git worktree for it.

The branch defaults to the sanitized session name and the checkout goes next
to the repository unless --path or checkout.root says otherwise. Use
--no-checkout to track a session without a worktree.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun(cmd, args[0], createOpts)
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd, listOpts)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its recent history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd, args[0])
	},
}

var sessionStateCmd = &cobra.Command{
	Use:   "state <id> <state>",
	Short: "Set a session's state and pin it there",
	Long: `Set a session's state manually. The state must be reachable from the
current one. Automatic detection leaves the session alone until
'lanes session release' hands it back.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStateRun(cmd, args[0], args[1], stateNote)
	},
}

var sessionReleaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Clear a manual state override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionReleaseRun(cmd, args[0])
	},
}

var sessionUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a session's name, branch, checkout, metadata or state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionUpdateRun(cmd, args[0])
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a session, keeping its checkout and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionArchiveRun(cmd, args[0])
	},
}

var sessionForkCmd = &cobra.Command{
	Use:   "fork <id>",
	Short: "Fork a session onto a new branch and checkout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionForkRun(cmd, args[0])
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a session's state transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionHistoryRun(cmd, args[0])
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count sessions by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStatsRun(cmd, statsProject)
	},
}

var sessionRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Delete a session's checkout and archive it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRemoveRun(cmd, args[0], removeForce, removePurge)
	},
}

func init() {
	f := sessionCreateCmd.Flags()
	f.StringVarP(&createOpts.project, "project", "p", "", "Project id (default: repository directory name)")
	f.StringVar(&createOpts.repo, "repo", ".", "Repository to create the checkout from")
	f.StringVarP(&createOpts.branch, "branch", "b", "", "Branch name (default: sanitized session name)")
	f.StringVar(&createOpts.base, "base", "", "Start point for the new branch (default: HEAD)")
	f.StringVar(&createOpts.path, "path", "", "Checkout directory")
	f.StringArrayVarP(&createOpts.meta, "meta", "m", nil, "Metadata key=value (repeatable)")
	f.BoolVar(&createOpts.noCheckout, "no-checkout", false, "Track the session without creating a checkout")
	f.BoolVar(&createOpts.existing, "existing", false, "Check out an existing branch instead of creating one")

	sessionListCmd.Flags().StringVarP(&listOpts.project, "project", "p", "", "Only sessions of this project")
	sessionListCmd.Flags().BoolVarP(&listOpts.all, "all", "a", false, "Include archived sessions")
	sessionListCmd.Flags().StringSliceVarP(&listOpts.states, "state", "s", nil, "Only sessions in these states")

	sessionStateCmd.Flags().StringVar(&stateNote, "note", "", "Note recorded with the transition")

	uf := sessionUpdateCmd.Flags()
	uf.StringVar(&updateName, "name", "", "New name")
	uf.StringVar(&updateBranch, "branch", "", "Branch reference")
	uf.StringVar(&updateCheck, "checkout", "", "Checkout path")
	uf.StringArrayVarP(&updateMeta, "meta", "m", nil, "Metadata key=value; an empty value removes the key")
	uf.StringVar(&updateState, "state", "", "New state (validated like 'session state')")
	uf.StringVar(&stateNote, "note", "", "Note recorded with a state change")

	sessionForkCmd.Flags().StringVar(&forkName, "name", "", "Name of the fork")
	sessionForkCmd.Flags().StringVarP(&forkBranch, "branch", "b", "", "Branch for the fork (default: <branch>-fork-N)")
	sessionForkCmd.Flags().StringVar(&forkPath, "path", "", "Checkout directory for the fork")

	sessionStatsCmd.Flags().StringVarP(&statsProject, "project", "p", "", "Only sessions of this project")

	sessionRemoveCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "Remove the checkout even with local changes")
	sessionRemoveCmd.Flags().BoolVar(&removePurge, "purge", false, "Also delete the session record and its history")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionShowCmd, sessionStateCmd,
		sessionReleaseCmd, sessionUpdateCmd, sessionArchiveCmd, sessionForkCmd,
		sessionHistoryCmd, sessionStatsCmd, sessionRemoveCmd)
	rootCmd.AddCommand(sessionCmd)
}

// parseMeta turns key=value pairs into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q: want key=value", p)
		}
		m[k] = v
	}
	return m, nil
}

// resolveSession finds a session by id or unique id prefix.
func resolveSession(ctx context.Context, ref string) (*models.Session, *registry.Registry, error) {
	r, err := getRegistry()
	if err != nil {
		return nil, nil, err
	}
	sess, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return sess, r, nil
}

func sourceLabel(s *models.Session) string {
	if s.IsManual() {
		return "manual"
	}
	return "auto"
}

func sessionCreateRun(cmd *cobra.Command, name string, opts sessionCreateOpts) error {
	ctx := cmd.Context()
	meta, err := parseMeta(opts.meta)
	if err != nil {
		return err
	}

	repo, err := filepath.Abs(opts.repo)
	if err != nil {
		return err
	}
	project := opts.project
	if project == "" {
		project = filepath.Base(repo)
	}

	if opts.noCheckout {
		if dryRun {
			ui.DryRunMsg("Would create session %q in project %s", name, project)
			return nil
		}
		r, err := getRegistry()
		if err != nil {
			return err
		}
		sess, err := r.CreateSession(ctx, project, name, meta)
		if err != nil {
			return err
		}
		ui.Success("Created session %s (%s)", output.Cyan(sess.ID), sess.Name)
		return nil
	}

	branch := opts.branch
	if branch == "" {
		branch = git.SanitizeName(name)
	}
	if dryRun {
		ui.DryRunMsg("Would create session %q on branch %s from %s", name, branch, repo)
		return nil
	}

	eng, err := getEngine(false)
	if err != nil {
		return err
	}
	sess, err := eng.StartSession(ctx, engine.StartOptions{
		ProjectID:         project,
		Name:              name,
		Metadata:          meta,
		RepoPath:          repo,
		Branch:            branch,
		BaseBranch:        opts.base,
		TargetPath:        opts.path,
		UseExistingBranch: opts.existing,
	})
	if err != nil {
		return err
	}
	ui.Success("Created session %s (%s)", output.Cyan(sess.ID), sess.Name)
	ui.Info("Branch:   %s", sess.BranchRef)
	ui.Info("Checkout: %s", sess.CheckoutPath)
	return nil
}

func sessionListRun(cmd *cobra.Command, opts sessionListOpts) error {
	r, err := getRegistry()
	if err != nil {
		return err
	}

	filter := store.SessionFilter{ProjectID: opts.project, IncludeArchived: opts.all}
	for _, s := range opts.states {
		st, err := models.ParseState(s)
		if err != nil {
			return err
		}
		filter.States = append(filter.States, st)
	}

	sessions, err := r.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Name", "Project", "State", "Source", "Branch", "Updated"})
	for _, s := range sessions {
		name := s.Name
		if s.Archived {
			name += " (archived)"
		}
		_ = table.Append([]string{
			output.Cyan(output.ShortID(s.ID)),
			name,
			s.ProjectID,
			output.StateColor(s.State),
			sourceLabel(s),
			s.BranchRef,
			output.Ago(s.UpdatedAt, now),
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()
	sess, r, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}

	out := ui.Out
	fmt.Fprintf(out, "%s  %s\n", output.Cyan(sess.ID), sess.Name)
	fmt.Fprintf(out, "  Project:  %s\n", sess.ProjectID)
	fmt.Fprintf(out, "  State:    %s (%s)\n", output.StateColor(sess.State), sourceLabel(sess))
	if sess.ParentSessionID != "" {
		fmt.Fprintf(out, "  Parent:   %s\n", sess.ParentSessionID)
	}
	if sess.BranchRef != "" {
		fmt.Fprintf(out, "  Branch:   %s\n", sess.BranchRef)
	}
	if sess.HasCheckout() {
		fmt.Fprintf(out, "  Checkout: %s\n", sess.CheckoutPath)
	}
	fmt.Fprintf(out, "  Created:  %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "  Updated:  %s\n", sess.UpdatedAt.Local().Format(time.RFC3339))
	if sess.Archived && sess.ArchivedAt != nil {
		fmt.Fprintf(out, "  Archived: %s\n", sess.ArchivedAt.Local().Format(time.RFC3339))
	}
	if len(sess.Metadata) > 0 {
		keys := make([]string, 0, len(sess.Metadata))
		for k := range sess.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "  Metadata:")
		for _, k := range keys {
			fmt.Fprintf(out, "    %s=%s\n", k, sess.Metadata[k])
		}
	}

	history, err := r.History(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	fmt.Fprintln(out)
	return renderHistory(history)
}

func sessionStateRun(cmd *cobra.Command, ref, stateArg, note string) error {
	ctx := cmd.Context()
	state, err := models.ParseState(stateArg)
	if err != nil {
		return err
	}
	sess, r, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would move %s from %s to %s", sess.ID, sess.State, state)
		return nil
	}
	from := sess.State
	if _, err := r.UpdateState(ctx, sess.ID, state, note); err != nil {
		return err
	}
	ui.Success("%s: %s -> %s (pinned)", output.ShortID(sess.ID), from, output.StateColor(state))
	return nil
}

func sessionReleaseRun(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()
	sess, r, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	if !sess.IsManual() {
		ui.Info("%s is already under automatic detection", output.ShortID(sess.ID))
		return nil
	}
	if _, err := r.ClearOverride(ctx, sess.ID); err != nil {
		return err
	}
	ui.Success("%s released to automatic detection", output.ShortID(sess.ID))
	return nil
}

func sessionUpdateRun(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()
	sess, r, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}

	var p registry.Patch
	flags := cmd.Flags()
	if flags.Changed("name") {
		p.Name = &updateName
	}
	if flags.Changed("branch") {
		p.BranchRef = &updateBranch
	}
	if flags.Changed("checkout") {
		p.CheckoutPath = &updateCheck
	}
	if p.Metadata, err = parseMeta(updateMeta); err != nil {
		return err
	}
	if flags.Changed("state") {
		st, err := models.ParseState(updateState)
		if err != nil {
			return err
		}
		p.State = &st
		p.Note = stateNote
	}

	if dryRun {
		ui.DryRunMsg("Would update session %s", sess.ID)
		return nil
	}
	updated, err := r.Update(ctx, sess.ID, p)
	if err != nil {
		return err
	}
	ui.Success("Updated %s (%s, %s)", output.ShortID(updated.ID), updated.Name, output.StateColor(updated.State))
	return nil
}

func sessionArchiveRun(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()
	sess, r, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would archive session %s", sess.ID)
		return nil
	}
	if _, err := r.Archive(ctx, sess.ID); err != nil {
		return err
	}
	ui.Success("Archived %s (%s)", output.ShortID(sess.ID), sess.Name)
	if sess.HasCheckout() {
		ui.Info("Checkout kept at %s (use 'lanes session rm' to delete it)", sess.CheckoutPath)
	}
	return nil
}

func sessionForkRun(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()
	parent, _, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would fork session %s", parent.ID)
		return nil
	}
	eng, err := getEngine(false)
	if err != nil {
		return err
	}
	child, err := eng.ForkSession(ctx, parent.ID, forkName, forkBranch, forkPath)
	if err != nil {
		return err
	}
	ui.Success("Forked %s -> %s (%s)", output.ShortID(parent.ID), output.Cyan(child.ID), child.Name)
	if child.HasCheckout() {
		ui.Info("Branch:   %s", child.BranchRef)
		ui.Info("Checkout: %s", child.CheckoutPath)
	}
	return nil
}

func sessionHistoryRun(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()
	sess, r, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	history, err := r.History(ctx, sess.ID)
	if err != nil {
		return err
	}
	return renderHistory(history)
}

func renderHistory(history []*models.SessionHistoryEntry) error {
	if len(history) == 0 {
		ui.Info("No history.")
		return nil
	}
	table := ui.Table([]string{"#", "From", "To", "Note", "When"})
	for _, h := range history {
		from := "-"
		if h.FromState != "" {
			from = string(h.FromState)
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", h.Seq),
			from,
			output.StateColor(h.ToState),
			h.Note,
			h.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return table.Render()
}

func sessionStatsRun(cmd *cobra.Command, project string) error {
	r, err := getRegistry()
	if err != nil {
		return err
	}
	stats, err := r.Stats(cmd.Context(), project)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"State", "Sessions"})
	for _, st := range models.AllStates {
		_ = table.Append([]string{output.StateColor(st), fmt.Sprintf("%d", stats.ByState[st])})
	}
	_ = table.Render()
	fmt.Fprintf(ui.Out, "\n%d active, %d archived, %d total\n", stats.Active, stats.Archived, stats.Total)
	return nil
}

func sessionRemoveRun(cmd *cobra.Command, ref string, force, purge bool) error {
	ctx := cmd.Context()
	sess, r, err := resolveSession(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		if sess.HasCheckout() {
			ui.DryRunMsg("Would delete checkout %s", sess.CheckoutPath)
		}
		ui.DryRunMsg("Would archive session %s", sess.ID)
		return nil
	}

	eng, err := getEngine(false)
	if err != nil {
		return err
	}
	if _, err := eng.RemoveSession(ctx, sess.ID, force); err != nil {
		return err
	}
	if purge {
		if err := r.Delete(ctx, sess.ID); err != nil {
			return err
		}
		ui.Success("Removed %s and its history", output.ShortID(sess.ID))
		return nil
	}
	ui.Success("Removed checkout and archived %s", output.ShortID(sess.ID))
	return nil
}
