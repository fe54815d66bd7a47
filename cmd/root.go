package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logPath    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "arbor is a distributed link-state routing daemon",
	Long: `arbor runs on every node of a network, discovers its neighbors over
link-local multicast, floods topology and prefix records across the network,
computes shortest-path routes and programs the local forwarding plane.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the node configuration")
	rootCmd.PersistentFlags().StringVarP(&logPath, "log", "l", "", "Also write logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}
