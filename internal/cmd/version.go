package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mvorch/microvm-orchestrator/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the orchestrator's build version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.String())
		return nil
	},
}
