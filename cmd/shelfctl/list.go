package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "Show the library as a tree",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			tree, err := c.Library(cmd.Context())
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), treeRows(tree))
			case "table":
				renderTree(cmd.OutOrStdout(), tree)
				return nil
			default:
				return fmt.Errorf("invalid format: %s (valid values: table, json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")

	return cmd
}
