package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lanes/internal/watcher"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	BindEnv(v)
	SetDefaults(v, "/home/test")
	return v
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/home/test", ".config", "lanes"), c.StateDir)
	assert.Equal(t, filepath.Join("/home/test", ".config", "lanes", "lanes.db"), c.DBPath)
	assert.Empty(t, c.Checkout.Root)
	assert.Equal(t, 500*time.Millisecond, c.Watcher.Debounce)
	assert.Equal(t, watcher.DefaultIgnoreDirs, c.Watcher.IgnoreDirs)
	assert.Empty(t, c.Watcher.ToolOutputPatterns)
	assert.Equal(t, 15*time.Minute, c.Detect.PauseTimeout)
	assert.Equal(t, 5*time.Minute, c.Detect.RecentActivity)
	assert.Equal(t, 5*time.Minute, c.Detect.PlanningWindow)
	assert.Equal(t, 5, c.Detect.PlanningMaxChanges)
	assert.Equal(t, 5, c.Detect.WorkingMinChanges)
	assert.Equal(t, 5*time.Second, c.Detect.Interval)
	assert.Equal(t, 4, c.Status.Concurrency)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "text", c.Log.Format)

	d := c.DetectConfig()
	assert.Equal(t, 15*time.Minute, d.PauseTimeout)
	assert.Equal(t, 5, d.WorkingMinChanges)
}

func TestLoad_File(t *testing.T) {
	v := newViper(t)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
checkout:
  root: /work/checkouts
watcher:
  debounce: 250ms
  checklist_patterns: ["*.tasks"]
detect:
  pause_timeout: 30m
  working_min_changes: 10
log:
  format: json
`)))

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/work/checkouts", c.Checkout.Root)
	assert.Equal(t, 250*time.Millisecond, c.Watcher.Debounce)
	assert.Equal(t, []string{"*.tasks"}, c.Watcher.ChecklistPatterns)
	assert.Equal(t, 30*time.Minute, c.Detect.PauseTimeout)
	assert.Equal(t, 10, c.Detect.WorkingMinChanges)
	assert.Equal(t, 5*time.Minute, c.Detect.RecentActivity)
	assert.Equal(t, "json", c.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LANES_DB_PATH", "/tmp/other.db")
	t.Setenv("LANES_DETECT_PAUSE_TIMEOUT", "1h")
	t.Setenv("LANES_STATUS_CONCURRENCY", "8")

	c, err := Load(newViper(t))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", c.DBPath)
	assert.Equal(t, time.Hour, c.Detect.PauseTimeout)
	assert.Equal(t, 8, c.Status.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
		want string
	}{
		{"zero debounce", map[string]any{"watcher.debounce": "0s"}, "watcher.debounce must be positive"},
		{"recent beyond pause", map[string]any{"detect.recent_activity": "20m"}, "exceeds detect.pause_timeout"},
		{"negative thresholds", map[string]any{"detect.planning_max_changes": -1}, "must not be negative"},
		{"no concurrency", map[string]any{"status.concurrency": 0}, "status.concurrency must be at least 1"},
		{"bad format", map[string]any{"log.format": "xml"}, "log.format must be text or json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := Load(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
