package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/aprgen/internal/logging"
	"github.com/joescharf/aprgen/internal/output"
	"github.com/joescharf/aprgen/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "aprgen",
	Short: "Synthesize program-repair examples from bug reports and their fixes",
	Long: `aprgen correlates a bug report with its accepted fix and refines the
analysis through a bounded critique loop that pulls in extra source context
(bug history, revisions, files, code search) until the analysis is complete
enough. For each bug it writes a report, the ground-truth patch and a fix
generated without seeing that patch.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/aprgen/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// API keys are commonly kept in a .env next to the data; existing
	// environment variables win over it.
	_ = godotenv.Load()

	viper.SetEnvPrefix("APRGEN")
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()

	_ = godotenv.Load(filepath.Join(viper.GetString("state_dir"), ".env"))
}

// setDefaults registers every config key with its default.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "aprgen.db"))

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("anthropic.max_tokens", 4096)
	viper.SetDefault("anthropic.timeout", "2m")

	viper.SetDefault("phabricator.token", "")
	viper.SetDefault("sources.bugzilla_url", "https://bugzilla.mozilla.org")
	viper.SetDefault("sources.phabricator_url", "https://phabricator.services.mozilla.com")
	viper.SetDefault("sources.hg_url", "https://hg.mozilla.org")
	viper.SetDefault("sources.searchfox_url", "https://searchfox.org")
	viper.SetDefault("sources.repo", "mozilla-central")
	viper.SetDefault("sources.timeout", "30s")

	viper.SetDefault("refine.max_rounds", 3)
	viper.SetDefault("refine.threshold", 90)
	viper.SetDefault("refine.retry_delay", "2s")
	viper.SetDefault("refine.max_content_bytes", 10000)

	viper.SetDefault("pacing.min_interval", "2s")
	viper.SetDefault("batch.delay", "60s")
	viper.SetDefault("batch.concurrency", 1)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	levelName := viper.GetString("log.level")
	if verbose {
		levelName = "debug"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		ui.Warning("%v, using info", err)
	}
	logging.Init(level, viper.GetString("log.format"))

	// Initialize store lazily — only when commands actually need it.
	// This allows config/version commands to run without a db.
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

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
