package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pigeon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("pigeon " + Version)
		return nil
	},
}
