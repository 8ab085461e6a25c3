package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var allowAlias string

var allowCmd = &cobra.Command{
	Use:   "allow <path>",
	Short: "Register a git repository so tasks can be dispatched against it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := openRegistry()
		alias, err := reg.Allow(args[0], allowAlias)
		if err != nil {
			return err
		}
		fmt.Println(alias)
		return nil
	},
}

func init() {
	allowCmd.Flags().StringVar(&allowAlias, "alias", "", "alias to register the repo under (default: directory basename)")
}
