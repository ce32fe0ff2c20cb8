package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codeshelf/internal/client"
	"codeshelf/internal/workspace"
)

const editReadyTimeout = 10 * time.Second

func newEditCmd() *cobra.Command {
	var (
		title       string
		language    string
		contentFile string
	)

	cmd := &cobra.Command{
		Use:   "edit <snippet-id>",
		Short: "Edit a snippet with $EDITOR, or set fields with flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snippetID := args[0]
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			current, err := c.GetSnippet(cmd.Context(), snippetID)
			if err != nil {
				return err
			}

			var content *string
			switch {
			case contentFile != "":
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				text := string(data)
				content = &text
			case !cmd.Flags().Changed("title") && !cmd.Flags().Changed("language"):
				text, changed, err := editInEditor(current.Title, current.Content)
				if err != nil {
					return err
				}
				if !changed {
					fmt.Fprintln(cmd.OutOrStdout(), "No changes")
					return nil
				}
				content = &text
			}

			return applyEdits(cmd.Context(), c, snippetID, func(editor *workspace.Editor) error {
				if cmd.Flags().Changed("title") {
					if err := editor.SetTitle(title); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("language") {
					if err := editor.SetLanguage(language); err != nil {
						return err
					}
				}
				if content != nil {
					return editor.SetContent(*content)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVarP(&language, "language", "l", "", "New language (empty clears it)")
	cmd.Flags().StringVarP(&contentFile, "file", "f", "", "Replace content with this file")

	return cmd
}

// applyEdits opens a workspace, waits for the snippet to arrive on its stream, applies the
// edits through an editor and flushes them on close.
func applyEdits(ctx context.Context, c *client.Client, snippetID string, edit func(*workspace.Editor) error) error {
	ws := workspace.New(c, c.StreamDialer())
	ready := make(chan struct{}, 1)
	ws.Snippets.OnChange(func() {
		if _, ok := ws.Snippets.Get(snippetID); ok {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	if err := ws.Open(); err != nil {
		return err
	}

	select {
	case <-ready:
	case <-time.After(editReadyTimeout):
		_ = ws.Close(ctx)
		return fmt.Errorf("snippet %s did not arrive on the live stream", snippetID)
	case <-ctx.Done():
		_ = ws.Close(context.Background())
		return ctx.Err()
	}

	editor, err := ws.OpenEditor(snippetID)
	if err != nil {
		_ = ws.Close(ctx)
		return err
	}
	if err := edit(editor); err != nil {
		_ = ws.Close(ctx)
		return err
	}
	return ws.Close(ctx)
}

// editInEditor runs $EDITOR (vi when unset) on content and reports whether it changed.
func editInEditor(title, content string) (string, bool, error) {
	dir, err := os.MkdirTemp("", "shelfctl-edit-")
	if err != nil {
		return "", false, err
	}
	defer os.RemoveAll(dir)

	name := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '-'
		}
		return r
	}, title)
	if name == "" {
		name = "snippet"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", false, err
	}

	editorCmd := os.Getenv("EDITOR")
	if editorCmd == "" {
		editorCmd = "vi"
	}
	parts := strings.Fields(editorCmd)
	run := exec.Command(parts[0], append(parts[1:], path)...)
	run.Stdin, run.Stdout, run.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := run.Run(); err != nil {
		return "", false, fmt.Errorf("editor failed: %w", err)
	}

	edited, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	return string(edited), string(edited) != content, nil
}
