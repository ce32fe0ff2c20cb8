package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		show  string
	)

	cmd := &cobra.Command{
		Use:   "history <snippet-id>",
		Short: "List a snippet's revisions, or print one with --show",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}

			if show != "" {
				content, err := c.Revision(cmd.Context(), args[0], show)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), content.Content)
				return nil
			}

			revisions, err := c.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Hash", "When", "Author", "Message"})
			for _, r := range revisions {
				t.AppendRow(table.Row{r.Hash, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Author, r.Message})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of revisions")
	cmd.Flags().StringVar(&show, "show", "", "Print the content of this revision")

	return cmd
}
