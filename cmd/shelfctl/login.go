package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"codeshelf/internal/client"
)

func connect(cmd *cobra.Command) (*client.Client, error) {
	return apiClient(cmd.Context(), cmd.Flags().Changed("api"))
}

func newLoginCmd() *cobra.Command {
	var (
		email       string
		password    string
		signup      bool
		displayName string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("SHELFCTL_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("--email and --password (or SHELFCTL_PASSWORD) are required")
			}

			c := client.New(apiURL)
			var (
				session client.Session
				err     error
			)
			if signup {
				session, err = c.SignUp(cmd.Context(), email, password, displayName)
			} else {
				session, err = c.SignIn(cmd.Context(), email, password)
			}
			if err != nil {
				return err
			}

			if err := saveSession(savedSession{
				API:          apiURL,
				Token:        session.Token,
				RefreshToken: session.RefreshToken,
				UserName:     session.UserName,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", session.UserName, session.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().BoolVar(&signup, "signup", false, "Create the account first")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name for --signup")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSession()
			if err == nil {
				_ = client.New(s.API, client.WithToken(s.Token)).Logout(cmd.Context(), s.RefreshToken)
			}
			return clearSession()
		},
	}
}
