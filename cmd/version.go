package cmd

import (
	"fmt"

	"github.com/arbornet/arbor/ctrl"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("arbor", ctrl.DaemonVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
