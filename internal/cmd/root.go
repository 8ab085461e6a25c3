// Package cmd provides the admin CLI for the orchestrator: allow, list,
// remove, serve, version.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mvorch/microvm-orchestrator/internal/orchconfig"
	"github.com/mvorch/microvm-orchestrator/internal/registry"
)

// titleCaser formats the `list` table header; shared so every subcommand
// that prints a human-facing table uses the same casing convention.
var titleCaser = cases.Title(language.English)

var rootCmd = &cobra.Command{
	Use:   "microvm-orchestrator",
	Short: "Dispatch developer-agent tasks into ephemeral, hardware-isolated micro-VMs",
	Long: `microvm-orchestrator dispatches developer-agent tasks into ephemeral,
hardware-isolated Linux micro-virtual-machines, and merges their resulting
git commits back into the user's repositories.`,
}

// Execute runs the root command, returning the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// openRegistry is a small shared helper for subcommands that act on the
// repo registry.
func openRegistry() *registry.Registry {
	return registry.New(orchconfig.RegistryPath())
}

func init() {
	rootCmd.AddCommand(allowCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
