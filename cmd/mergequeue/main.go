package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/mergequeue/pkg/config"
	"github.com/cuemby/mergequeue/pkg/log"
	"github.com/cuemby/mergequeue/pkg/recovery"
	"github.com/cuemby/mergequeue/pkg/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mergequeue",
	Short: "mergequeue coordinates many agents sharing one merge queue",
	Long: `mergequeue is the coordination substrate a fleet of autonomous coding
agents share when they all want to land work through one merge queue:
claim/lock discipline, workspace lifecycle, resource locks, and a worker
pipeline that drives queued work through rebase, test, and gate stages.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mergequeue version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./mergequeue-data", "Data directory for the embedded store")
	rootCmd.PersistentFlags().String("config", "", "Path to mergequeue.yaml (optional)")
	rootCmd.PersistentFlags().String("recovery-policy", "", "Store recovery policy: strict, warn, or silent (overrides config)")
	rootCmd.PersistentFlags().String("output", "text", "Output format: text or json")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(doctorCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadedConfig layers the optional --config file and CLI flags into one
// resolved Config, flags winning over the file.
func loadedConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" && cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if policy, _ := cmd.Flags().GetString("recovery-policy"); policy != "" {
		cfg.RecoveryPolicy = policy
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStore resolves config from cmd's flags and opens the store under the
// configured recovery policy, exactly as cmd/mergequeue-inspect opens it
// directly but through the crash-safety Opener every other command goes
// through.
func openStore(cmd *cobra.Command) (*storage.Store, config.Config, error) {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return nil, config.Config{}, err
	}
	policy, err := recovery.ParsePolicy(cfg.RecoveryPolicy)
	if err != nil {
		return nil, config.Config{}, err
	}
	store, err := recovery.New(policy).Open(cfg.DataDir)
	if err != nil {
		return nil, config.Config{}, err
	}
	return store, cfg, nil
}

func outputJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}
