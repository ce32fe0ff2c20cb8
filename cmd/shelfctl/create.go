package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"codeshelf/internal/library"
)

func newNewCmd() *cobra.Command {
	var (
		language    string
		description string
		folderID    string
		file        string
	)

	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a snippet from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}

			var content []byte
			if file != "" {
				content, err = os.ReadFile(file)
			} else {
				content, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			draft := library.Snippet{Title: args[0], Content: string(content)}
			if language != "" {
				draft.Language = &language
			}
			if description != "" {
				draft.Description = &description
			}
			created, err := c.Snippets().Create(cmd.Context(), draft)
			if err != nil {
				return err
			}
			if folderID != "" {
				if err := c.MoveSnippet(cmd.Context(), created.ID, folderID); err != nil {
					return fmt.Errorf("created %s but could not file it: %w", created.ID, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "Snippet language")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Snippet description")
	cmd.Flags().StringVar(&folderID, "folder", "", "Folder id to file the snippet in")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from file instead of stdin")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	var parentID string

	cmd := &cobra.Command{
		Use:   "mkdir <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			created, err := c.Folders().Create(cmd.Context(), library.Folder{Name: strings.TrimSpace(args[0])})
			if err != nil {
				return err
			}
			if parentID != "" {
				if err := c.MoveFolder(cmd.Context(), created.ID, parentID); err != nil {
					return fmt.Errorf("created %s but could not nest it: %w", created.ID, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "", "Parent folder id")

	return cmd
}
