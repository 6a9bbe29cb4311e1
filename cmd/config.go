package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/lanes/internal/config"
)

var (
	configForce bool
	configYAML  bool
)

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return config.Dir(home), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage lanes configuration.

Running bare 'lanes config' is the same as 'lanes config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configShowCmd.Flags().BoolVar(&configYAML, "yaml", false, "Print every effective setting as YAML")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# lanes configuration
# See: lanes config show (for effective values and sources)

# State/data directory (default: ~/.config/lanes)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/lanes/lanes.db)
# db_path: {{ .DBPath }}

checkout:
  # Directory for new checkouts as <root>/<repo>/<branch>.
  # Empty places them next to the repository.
  root: "{{ .CheckoutRoot }}"

watcher:
  # Quiet period before a changed path is processed
  debounce: {{ .Debounce }}
  # Extra glob patterns; empty uses the built-in lists
  # tool_output_patterns: [".lanes/**", "**.transcript"]
  # checklist_patterns: ["TODO.md", "*-checklist.md"]

detect:
  # Idle time after which a session is PAUSED
  pause_timeout: {{ .PauseTimeout }}
  # Activity window for WORKING
  recent_activity: {{ .RecentActivity }}
  # How often every watched session is re-evaluated
  interval: {{ .Interval }}

log:
  # debug, info, warn or error
  level: {{ .LogLevel }}
  # text or json
  format: {{ .LogFormat }}
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	CheckoutRoot   string
	Debounce       string
	PauseTimeout   string
	RecentActivity string
	Interval       string
	LogLevel       string
	LogFormat      string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:       viper.GetString("state_dir"),
		DBPath:         viper.GetString("db_path"),
		CheckoutRoot:   viper.GetString("checkout.root"),
		Debounce:       viper.GetDuration("watcher.debounce").String(),
		PauseTimeout:   viper.GetDuration("detect.pause_timeout").String(),
		RecentActivity: viper.GetDuration("detect.recent_activity").String(),
		Interval:       viper.GetDuration("detect.interval").String(),
		LogLevel:       viper.GetString("log.level"),
		LogFormat:      viper.GetString("log.format"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "LANES_STATE_DIR"},
	{Key: "db_path", EnvVar: "LANES_DB_PATH"},
	{Key: "checkout.root", EnvVar: "LANES_CHECKOUT_ROOT"},
	{Key: "watcher.debounce", EnvVar: "LANES_WATCHER_DEBOUNCE"},
	{Key: "watcher.ignore_dirs", EnvVar: "LANES_WATCHER_IGNORE_DIRS"},
	{Key: "watcher.tool_output_patterns", EnvVar: "LANES_WATCHER_TOOL_OUTPUT_PATTERNS"},
	{Key: "watcher.checklist_patterns", EnvVar: "LANES_WATCHER_CHECKLIST_PATTERNS"},
	{Key: "detect.pause_timeout", EnvVar: "LANES_DETECT_PAUSE_TIMEOUT"},
	{Key: "detect.recent_activity", EnvVar: "LANES_DETECT_RECENT_ACTIVITY"},
	{Key: "detect.planning_window", EnvVar: "LANES_DETECT_PLANNING_WINDOW"},
	{Key: "detect.planning_max_changes", EnvVar: "LANES_DETECT_PLANNING_MAX_CHANGES"},
	{Key: "detect.working_min_changes", EnvVar: "LANES_DETECT_WORKING_MIN_CHANGES"},
	{Key: "detect.interval", EnvVar: "LANES_DETECT_INTERVAL"},
	{Key: "status.concurrency", EnvVar: "LANES_STATUS_CONCURRENCY"},
	{Key: "log.level", EnvVar: "LANES_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "LANES_LOG_FORMAT"},
	{Key: "log.file", EnvVar: "LANES_LOG_FILE"},
}

func configShowRun() error {
	if configYAML {
		data, err := yaml.Marshal(viper.AllSettings())
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = ui.Out.Write(data)
		return err
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-30s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'lanes config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
