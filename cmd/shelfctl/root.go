package main

import (
	"os"

	"github.com/spf13/cobra"
)

var apiURL string

var rootCmd = &cobra.Command{
	Use:           "shelfctl",
	Short:         "shelfctl - a terminal client for codeshelf snippet libraries",
	Long:          "shelfctl browses, edits and watches a codeshelf library. Changes made elsewhere show up live.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	defaultAPI := os.Getenv("SHELFCTL_API")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8787"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultAPI, "codeshelf API base URL")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newNewCmd())
	rootCmd.AddCommand(newMkdirCmd())
	rootCmd.AddCommand(newEditCmd())
	rootCmd.AddCommand(newRemoveCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newHistoryCmd())
}
