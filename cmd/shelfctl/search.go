package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var (
		filterType string
		limit      int
		format     string
	)

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search snippets and folders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			resp, err := c.Search(cmd.Context(), strings.Join(args, " "), filterType, limit)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return writeJSON(cmd.OutOrStdout(), resp)
			case "table":
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Type", "Title", "Language", "Excerpt", "ID"})
				for _, r := range resp.Results {
					t.AppendRow(table.Row{r.Type, r.Title, r.Language, oneLine(r.Excerpt, excerptWidth), r.ID})
				}
				t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d of %d", len(resp.Results), resp.Total), ""})
				t.Render()
				return nil
			default:
				return fmt.Errorf("invalid format: %s (valid values: table, json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&filterType, "type", "", "Only snippet or folder results")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")

	return cmd
}
