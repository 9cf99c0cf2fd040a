package cmd

import (
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X strata/cmd/strata/cmd.Version=...".
var Version = "dev"

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Partitioned-log message broker",
	Long: `strata stores messages in streams, topics and partitions backed by
append-only segment files, and serves them over a binary TCP protocol.

Use "strata [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Path to the YAML configuration file (defaults apply when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(streamsCmd)
	rootCmd.AddCommand(createStreamCmd)
	rootCmd.AddCommand(createTopicCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(versionCmd)
}
