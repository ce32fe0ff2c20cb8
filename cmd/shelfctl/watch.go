package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeshelf/internal/client"
	"codeshelf/internal/multiplex"
	"codeshelf/internal/workspace"
)

func newWatchCmd() *cobra.Command {
	var noClear bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the library and redraw it whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd.OutOrStdout(), c, !noClear)
		},
	}

	cmd.Flags().BoolVar(&noClear, "no-clear", false, "Append each redraw instead of clearing the screen")

	return cmd
}

func watch(ctx context.Context, out io.Writer, c *client.Client, clearScreen bool) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ws := workspace.New(c, c.StreamDialer(), workspace.WithErrorHandler(func(stream string, err error) {
		if errors.Is(err, multiplex.ErrUnauthorized) {
			cancel(fmt.Errorf("%s stream: %w", stream, err))
		}
	}))
	changed := make(chan struct{}, 1)
	ws.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err := ws.Open(); err != nil {
		return err
	}
	defer ws.Close(context.Background())

	// Coalesce bursts of frames into one redraw.
	const settle = 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			return nil
		case <-changed:
			select {
			case <-time.After(settle):
			case <-ctx.Done():
				continue
			}
			if clearScreen {
				fmt.Fprint(out, "\033[H\033[2J")
			}
			renderTree(out, ws.Tree())
			fmt.Fprintf(out, "%s  folders:%s snippets:%s links:%s\n",
				time.Now().Format("15:04:05"),
				ws.State(workspace.StreamFolders),
				ws.State(workspace.StreamSnippets),
				ws.State(workspace.StreamLinks),
			)
		}
	}
}
