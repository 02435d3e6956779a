package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the version of presenced, set at build time.
var Version = "unset"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of presenced",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("presenced version %s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
