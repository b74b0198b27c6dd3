package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/conductor/internal/output"
	"github.com/joescharf/conductor/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - orchestrate multi-agent workflows",
	Long: `conductor is a control plane for multi-agent development workflows.
It spawns and supervises backend agent sessions, sequences them through
phased workflows with approval gates, and streams their output.`,
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

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return statusOverviewRun()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/conductor/config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
		},
	})
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "conductor")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CONDUCTOR")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "conductor")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "conductor.db"))
	viper.SetDefault("port", 8399)
	viper.SetDefault("cwd", "")
	viper.SetDefault("project_id", "")
	viper.SetDefault("templates_dir", filepath.Join(defaultConfigDir, "templates"))
	viper.SetDefault("agent.max_concurrent", 4)
	viper.SetDefault("agent.dependency_timeout", 10*time.Minute)
	viper.SetDefault("agent.model", "claude-sonnet-4-5")
	viper.SetDefault("agent.sandbox", "workspace-write")
	viper.SetDefault("agent.approval", "on-request")
	viper.SetDefault("workflow.approval_timeout", 30*time.Minute)
	viper.SetDefault("workflow.max_agent_output", 8192)
	viper.SetDefault("workflow.command_queue_depth", 16)
	viper.SetDefault("workflow.command_timeout", 10*time.Second)
	viper.SetDefault("stream.debounce", 40*time.Millisecond)
	viper.SetDefault("stream.max_sessions", 64)
	viper.SetDefault("stream.max_buffer_bytes", 1<<20)
	viper.SetDefault("anthropic.api_key", "")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
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
