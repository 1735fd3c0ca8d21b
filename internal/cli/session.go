package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and warm up account sessions",
	}
	cmd.AddCommand(newSessionStatusCmd(app))
	cmd.AddCommand(newSessionWarmCmd(app))
	return cmd
}

func newSessionStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <account-id>",
		Short: "Report whether an account's session is live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Pool.IsActive(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ready\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not ready\n", args[0])
			}
			return nil
		},
	}
}

func newSessionWarmCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "warm <account-id>",
		Short: "Bring an account's session online, blocking until ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.Pool.EnsureSession(GetContext(), args[0]); err != nil {
				return fmt.Errorf("bringing up session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ready\n", args[0])
			return nil
		},
	}
}
