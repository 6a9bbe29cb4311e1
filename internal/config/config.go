// Package config loads lanes settings from viper into typed structs.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/lanes/internal/detect"
	"github.com/joescharf/lanes/internal/watcher"
)

// EnvPrefix is prepended to every environment override, e.g. LANES_DB_PATH.
const EnvPrefix = "LANES"

// Config is the effective lanes configuration.
type Config struct {
	StateDir string         `mapstructure:"state_dir"`
	DBPath   string         `mapstructure:"db_path"`
	Checkout CheckoutConfig `mapstructure:"checkout"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Detect   DetectConfig   `mapstructure:"detect"`
	Status   StatusConfig   `mapstructure:"status"`
	Log      LogConfig      `mapstructure:"log"`
}

type CheckoutConfig struct {
	// Root holds default checkouts as <root>/<repo>/<branch>. Empty places
	// them next to the repository.
	Root string `mapstructure:"root"`
}

type WatcherConfig struct {
	Debounce           time.Duration `mapstructure:"debounce"`
	IgnoreDirs         []string      `mapstructure:"ignore_dirs"`
	ToolOutputPatterns []string      `mapstructure:"tool_output_patterns"`
	ChecklistPatterns  []string      `mapstructure:"checklist_patterns"`
}

type DetectConfig struct {
	PauseTimeout       time.Duration `mapstructure:"pause_timeout"`
	RecentActivity     time.Duration `mapstructure:"recent_activity"`
	PlanningWindow     time.Duration `mapstructure:"planning_window"`
	PlanningMaxChanges int           `mapstructure:"planning_max_changes"`
	WorkingMinChanges  int           `mapstructure:"working_min_changes"`
	Interval           time.Duration `mapstructure:"interval"`
}

type StatusConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Dir returns the config directory under home.
func Dir(home string) string {
	return filepath.Join(home, ".config", "lanes")
}

// BindEnv makes LANES_* environment variables override config keys, with
// dots in nested keys written as underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper, home string) {
	dir := Dir(home)
	d := detect.DefaultConfig()

	v.SetDefault("state_dir", dir)
	v.SetDefault("db_path", filepath.Join(dir, "lanes.db"))
	v.SetDefault("checkout.root", "")

	v.SetDefault("watcher.debounce", watcher.DefaultDebounce)
	v.SetDefault("watcher.ignore_dirs", watcher.DefaultIgnoreDirs)
	v.SetDefault("watcher.tool_output_patterns", []string{})
	v.SetDefault("watcher.checklist_patterns", []string{})

	v.SetDefault("detect.pause_timeout", d.PauseTimeout)
	v.SetDefault("detect.recent_activity", d.RecentActivity)
	v.SetDefault("detect.planning_window", d.PlanningWindow)
	v.SetDefault("detect.planning_max_changes", d.PlanningMaxChanges)
	v.SetDefault("detect.working_min_changes", d.WorkingMinChanges)
	v.SetDefault("detect.interval", 5*time.Second)

	v.SetDefault("status.concurrency", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"watcher.debounce", c.Watcher.Debounce},
		{"detect.pause_timeout", c.Detect.PauseTimeout},
		{"detect.recent_activity", c.Detect.RecentActivity},
		{"detect.planning_window", c.Detect.PlanningWindow},
		{"detect.interval", c.Detect.Interval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if c.Detect.RecentActivity > c.Detect.PauseTimeout {
		errs = append(errs, fmt.Errorf("detect.recent_activity (%s) exceeds detect.pause_timeout (%s)",
			c.Detect.RecentActivity, c.Detect.PauseTimeout))
	}
	if c.Detect.PlanningMaxChanges < 0 || c.Detect.WorkingMinChanges < 0 {
		errs = append(errs, errors.New("detect change thresholds must not be negative"))
	}
	if c.Status.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("status.concurrency must be at least 1, got %d", c.Status.Concurrency))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DetectConfig returns the detection thresholds.
func (c *Config) DetectConfig() detect.Config {
	return detect.Config{
		PauseTimeout:       c.Detect.PauseTimeout,
		RecentActivity:     c.Detect.RecentActivity,
		PlanningWindow:     c.Detect.PlanningWindow,
		PlanningMaxChanges: c.Detect.PlanningMaxChanges,
		WorkingMinChanges:  c.Detect.WorkingMinChanges,
	}
}
