package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/docstore/pkg/log"
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
	Use:   "docstore",
	Short: "docstore - an embedded document collection store",
	Long: `docstore is a reactive document store: a collection engine with
pluggable storage adapters, a write-ahead log and transaction manager,
and a change-notification subscription core, all embeddable in a
single process.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"docstore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "docstore.yaml", "Path to the docstore YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(inspectCmd)
}

// initLogging honors the CLI flags when the caller set them explicitly,
// and otherwise falls back to the config file's server.log_level /
// server.log_json, the same precedence cobra's own flag/config layering
// gives every other setting here.
func initLogging() {
	flags := rootCmd.PersistentFlags()
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")

	if !flags.Changed("log-level") || !flags.Changed("log-json") {
		if cfg, err := loadConfig(configPath(rootCmd)); err == nil {
			if !flags.Changed("log-level") && cfg.Server.LogLevel != "" {
				logLevel = cfg.Server.LogLevel
			}
			if !flags.Changed("log-json") {
				logJSON = cfg.Server.LogJSON
			}
		}
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
