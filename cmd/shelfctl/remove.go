package main

import (
	"github.com/spf13/cobra"
)

func newRemoveCmd() *cobra.Command {
	var folder bool

	cmd := &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete snippets, or folders with --folder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			for _, id := range args {
				if folder {
					err = c.Folders().Delete(cmd.Context(), id)
				} else {
					err = c.Snippets().Delete(cmd.Context(), id)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&folder, "folder", false, "Delete folders instead of snippets")

	return cmd
}
