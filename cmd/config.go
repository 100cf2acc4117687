package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "aprgen"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage aprgen configuration.

Running bare 'aprgen config' is the same as 'aprgen config show'.`,
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
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# aprgen configuration
# See: aprgen config show (for effective values and sources)

# State/data directory (default: ~/.config/aprgen)
# state_dir: {{ .StateDir }}

# SQLite database holding rounds, artifacts and run history
# db_path: {{ .DBPath }}

# Reasoning backend. The API key can also come from ANTHROPIC_API_KEY
# or a .env file in the working or state directory.
anthropic:
  model: "{{ .Model }}"
  max_tokens: {{ .MaxTokens }}

# Conduit API token; enables reviewers and status on fetched revisions
phabricator:
  token: ""

sources:
  bugzilla_url: "{{ .BugzillaURL }}"
  phabricator_url: "{{ .PhabricatorURL }}"
  hg_url: "{{ .HgURL }}"
  searchfox_url: "{{ .SearchfoxURL }}"
  repo: "{{ .Repo }}"
  # Per-request timeout
  timeout: "{{ .SourceTimeout }}"

refine:
  # Hard cap on critique rounds per bug
  max_rounds: {{ .MaxRounds }}
  # Stop once the completeness score (0-100) reaches this
  threshold: {{ .Threshold }}
  # Pause before retrying a transient fetch failure
  retry_delay: "{{ .RetryDelay }}"

pacing:
  # Minimum spacing between reasoning-backend calls, process-wide
  min_interval: "{{ .MinInterval }}"

batch:
  # Minimum spacing between bug starts
  delay: "{{ .BatchDelay }}"
  concurrency: {{ .Concurrency }}

log:
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	Model          string
	MaxTokens      int
	BugzillaURL    string
	PhabricatorURL string
	HgURL          string
	SearchfoxURL   string
	Repo           string
	SourceTimeout  string
	MaxRounds      int
	Threshold      int
	RetryDelay     string
	MinInterval    string
	BatchDelay     string
	Concurrency    int
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
		Model:          viper.GetString("anthropic.model"),
		MaxTokens:      viper.GetInt("anthropic.max_tokens"),
		BugzillaURL:    viper.GetString("sources.bugzilla_url"),
		PhabricatorURL: viper.GetString("sources.phabricator_url"),
		HgURL:          viper.GetString("sources.hg_url"),
		SearchfoxURL:   viper.GetString("sources.searchfox_url"),
		Repo:           viper.GetString("sources.repo"),
		SourceTimeout:  viper.GetDuration("sources.timeout").String(),
		MaxRounds:      viper.GetInt("refine.max_rounds"),
		Threshold:      viper.GetInt("refine.threshold"),
		RetryDelay:     viper.GetDuration("refine.retry_delay").String(),
		MinInterval:    viper.GetDuration("pacing.min_interval").String(),
		BatchDelay:     viper.GetDuration("batch.delay").String(),
		Concurrency:    viper.GetInt("batch.concurrency"),
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
	{Key: "state_dir", EnvVar: "APRGEN_STATE_DIR"},
	{Key: "db_path", EnvVar: "APRGEN_DB_PATH"},
	{Key: "anthropic.api_key", EnvVar: "APRGEN_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "APRGEN_ANTHROPIC_MODEL"},
	{Key: "anthropic.max_tokens", EnvVar: "APRGEN_ANTHROPIC_MAX_TOKENS"},
	{Key: "anthropic.timeout", EnvVar: "APRGEN_ANTHROPIC_TIMEOUT"},
	{Key: "phabricator.token", EnvVar: "APRGEN_PHABRICATOR_TOKEN"},
	{Key: "sources.bugzilla_url", EnvVar: "APRGEN_SOURCES_BUGZILLA_URL"},
	{Key: "sources.phabricator_url", EnvVar: "APRGEN_SOURCES_PHABRICATOR_URL"},
	{Key: "sources.hg_url", EnvVar: "APRGEN_SOURCES_HG_URL"},
	{Key: "sources.searchfox_url", EnvVar: "APRGEN_SOURCES_SEARCHFOX_URL"},
	{Key: "sources.repo", EnvVar: "APRGEN_SOURCES_REPO"},
	{Key: "sources.timeout", EnvVar: "APRGEN_SOURCES_TIMEOUT"},
	{Key: "refine.max_rounds", EnvVar: "APRGEN_REFINE_MAX_ROUNDS"},
	{Key: "refine.threshold", EnvVar: "APRGEN_REFINE_THRESHOLD"},
	{Key: "refine.retry_delay", EnvVar: "APRGEN_REFINE_RETRY_DELAY"},
	{Key: "refine.max_content_bytes", EnvVar: "APRGEN_REFINE_MAX_CONTENT_BYTES"},
	{Key: "pacing.min_interval", EnvVar: "APRGEN_PACING_MIN_INTERVAL"},
	{Key: "batch.delay", EnvVar: "APRGEN_BATCH_DELAY"},
	{Key: "batch.concurrency", EnvVar: "APRGEN_BATCH_CONCURRENCY"},
	{Key: "log.level", EnvVar: "APRGEN_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "APRGEN_LOG_FORMAT"},
}

func configShowRun() error {
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
		if isSecret(k.Key) {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

func isSecret(key string) bool {
	return strings.HasSuffix(key, ".api_key") || strings.HasSuffix(key, ".token")
}

// maskSecret keeps only the last four characters of a credential.
func maskSecret(v string) string {
	if v == "" {
		return "(unset)"
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
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
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'aprgen config init' first)", cfgPath)
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
