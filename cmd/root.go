package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/lanes/internal/classify"
	"github.com/joescharf/lanes/internal/config"
	"github.com/joescharf/lanes/internal/engine"
	"github.com/joescharf/lanes/internal/event"
	"github.com/joescharf/lanes/internal/git"
	"github.com/joescharf/lanes/internal/logging"
	"github.com/joescharf/lanes/internal/output"
	"github.com/joescharf/lanes/internal/registry"
	"github.com/joescharf/lanes/internal/store"
	"github.com/joescharf/lanes/internal/watcher"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize and
// on first use.
var (
	ui        *output.UI
	dataStore store.Store
	logger    *slog.Logger
	logCloser io.Closer
	bus       *event.Bus
	gateway   *git.Gateway
	reg       *registry.Registry

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "lanes",
	Short: "Isolated git checkouts and lifecycle tracking for parallel work sessions",
	Long: `lanes gives every unit of work its own git worktree, watches the
checkout for activity and tracks each session through its lifecycle:
PLANNING, WORKING, NEEDS_INPUT, REVIEW_READY, PAUSED and COMPLETED.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Assigned here rather than in the literal to break the
	// rootCmd -> sessionListRun -> getStore -> rootCmd initialization cycle.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd, sessionListOpts{})
	}

	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/lanes/config.yaml)")
}

func initConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
		os.Exit(1)
	}

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.Dir(home))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.BindEnv(viper.GetViper())
	config.SetDefaults(viper.GetViper(), home)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store, logger and engine are built lazily so config/version commands
	// run without a database.
}

func closeDeps() {
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
		reg = nil
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

// getConfig decodes and validates the effective configuration.
func getConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// getLogger returns the shared logger. --verbose forces debug level.
func getLogger() *slog.Logger {
	if logger != nil {
		return logger
	}
	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	if path := viper.GetString("log.file"); path != "" {
		l, closer, err := logging.Open(path, level)
		if err == nil {
			logger, logCloser = l, closer
			return logger
		}
		fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", path, err)
	}
	logger = logging.New(os.Stderr, level, viper.GetString("log.format"))
	return logger
}

func getBus() *event.Bus {
	if bus == nil {
		bus = event.NewBus(getLogger())
	}
	return bus
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := rootCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

func getGateway() *git.Gateway {
	if gateway == nil {
		gateway = git.NewGateway(
			git.WithLogger(getLogger()),
			git.WithCheckoutRoot(viper.GetString("checkout.root")),
		)
	}
	return gateway
}

func getRegistry() (*registry.Registry, error) {
	if reg != nil {
		return reg, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	reg = registry.New(s, registry.WithBus(getBus()), registry.WithLogger(getLogger()))
	return reg, nil
}

// getEngine wires the engine. Only the long-running watch command asks for
// activity watchers.
func getEngine(withWatchers bool) (*engine.Engine, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	r, err := getRegistry()
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithBus(getBus()),
		engine.WithLogger(getLogger()),
		engine.WithConfig(engine.Config{
			Detect:      cfg.DetectConfig(),
			Interval:    cfg.Detect.Interval,
			Concurrency: cfg.Status.Concurrency,
		}),
	}
	if withWatchers {
		matcher, err := classify.NewMatcher(orNil(cfg.Watcher.ChecklistPatterns), orNil(cfg.Watcher.ToolOutputPatterns))
		if err != nil {
			return nil, fmt.Errorf("watcher patterns: %w", err)
		}
		wm, err := watcher.NewManager(watcher.Options{
			Debounce:   cfg.Watcher.Debounce,
			IgnoreDirs: orNil(cfg.Watcher.IgnoreDirs),
			Matcher:    matcher,
			Bus:        getBus(),
			Logger:     getLogger(),
		})
		if err != nil {
			return nil, fmt.Errorf("watcher: %w", err)
		}
		opts = append(opts, engine.WithWatchers(wm))
	}
	return engine.New(getGateway(), r, opts...), nil
}

// orNil maps an empty list to nil so packages fall back to their defaults.
func orNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
