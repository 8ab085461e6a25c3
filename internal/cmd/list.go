package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mvorch/microvm-orchestrator/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := openRegistry()
		entries, err := reg.List()
		if err != nil {
			return err
		}
		printRepoTable(os.Stdout, entries)
		return nil
	},
}

// printRepoTable prints one plain "alias: path" line per entry (the format
// scripts parse), preceded by a header line only when w is an interactive
// terminal.
func printRepoTable(w *os.File, entries []registry.Entry) {
	if term.IsTerminal(int(w.Fd())) {
		fmt.Fprintln(w, titleCaser.String("alias")+"\t"+titleCaser.String("path"))
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s: %s\n", e.Alias, e.Path)
	}
}
