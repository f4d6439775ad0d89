package main

import (
	"fmt"
	"os"

	"github.com/cuemby/logship/pkg/config"
	"github.com/cuemby/logship/pkg/metrics"
	"github.com/cuemby/logship/pkg/platform"
	"github.com/cuemby/logship/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "logship",
	Short: "logship - crash and offline resilient log shipping",
	Long: `logship buffers structured log entries on local disk, rotates and
compresses them, and pushes them to a remote collector over HTTP with
bounded retry.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"logship version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	platform.Version = Version
	metrics.SetVersion(Version)

	addConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(configCmd)
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "YAML configuration file")
	flags.String("endpoint", "", "Collector URL (overrides config)")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.String("level", "", "Minimum level: trace, debug, info, warning, error (overrides config)")
	flags.Bool("debug", false, "Log agent diagnostics at debug level")
}

// loadConfig reads the config file, when given, and applies flag
// overrides on top
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("level"); level != "" {
		parsed, err := types.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = parsed
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug, _ = cmd.Flags().GetBool("debug")
	}
	return cfg, nil
}
