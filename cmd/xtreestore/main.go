package main

import (
	"fmt"
	"os"

	"github.com/cuemby/xtreestore/pkg/config"
	"github.com/cuemby/xtreestore/pkg/log"
	"github.com/spf13/cobra"
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
	Use:   "xtreestore",
	Short: "Xtreestore - durable persistence core for the X-Tree spatial index",
	Long: `Xtreestore manages the on-disk state of an X-Tree spatial index:
the object table, segment data files, delta logs, checkpoints,
superblock and manifest that together give every tree node a stable,
crash-consistent identity.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Xtreestore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML policy file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(compactCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}

// loadPolicy resolves the --config flag into a policy, falling back
// to defaults plus environment overrides.
func loadPolicy(cmd *cobra.Command) (config.Policy, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		p := config.Default()
		p.ApplyEnv()
		return p, nil
	}
	return config.Load(path)
}
