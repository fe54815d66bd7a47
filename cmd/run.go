package cmd

import (
	"log/slog"
	"os"

	"github.com/arbornet/arbor/core"
	"github.com/arbornet/arbor/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the routing daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		var cfg state.Config
		if err := yaml.Unmarshal(file, &cfg); err != nil {
			return err
		}
		if logPath != "" {
			cfg.LogPath = logPath
		}
		if dryRun {
			cfg.Fib.DryRun = true
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		d, err := core.Start(cfg, level, nil, nil)
		if err != nil {
			return err
		}
		return d.Run()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Do not program the platform")
}

var dryRun bool
