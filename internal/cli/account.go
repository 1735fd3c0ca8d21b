package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAccountCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "account",
		Aliases: []string{"accounts"},
		Short:   "Add, remove, and switch between cloud accounts",
	}
	cmd.AddCommand(newAccountAddCmd(app))
	cmd.AddCommand(newAccountRemoveCmd(app))
	cmd.AddCommand(newAccountSwitchCmd(app))
	cmd.AddCommand(newAccountListCmd(app))
	cmd.AddCommand(newAccountSearchCmd(app))
	return cmd
}

func newAccountAddCmd(app *App) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Log in to a cloud account and register it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if password == "" {
				if !IsTerminal() {
					return fmt.Errorf("--password is required when stdin is not a terminal")
				}
				pw, err := PromptAccountPassword(email)
				if err != nil {
					return err
				}
				password = pw
			}

			account, err := app.Registry.AddAccount(GetContext(), email, password)
			if err != nil {
				return fmt.Errorf("adding account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", account.Email, account.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email address")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted if omitted)")
	return cmd
}

func newAccountRemoveCmd(app *App) *cobra.Command {
	var deleteSession bool
	cmd := &cobra.Command{
		Use:   "remove <account-id>",
		Short: "Remove an account from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Registry.RemoveAccount(args[0], deleteSession); err != nil {
				return fmt.Errorf("removing account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteSession, "delete-session", false, "also delete the stored session token")
	return cmd
}

func newAccountSwitchCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <account-id>",
		Short: "Make an account active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Registry.SwitchTo(args[0]); err != nil {
				return fmt.Errorf("switching account: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active account: %s\n", args[0])
			return nil
		},
	}
}

func newAccountListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered account",
		RunE: func(cmd *cobra.Command, args []string) error {
			active := app.Registry.ActiveAccountID()
			for _, a := range app.Registry.AllAccounts() {
				marker := " "
				if a.ID == active {
					marker = "*"
				}
				syncing := ""
				if app.Registry.IsSyncing(a.ID) {
					syncing = " (syncing)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s%s\n", marker, a.ID, a.Email, syncing)
			}
			return nil
		},
	}
}

func newAccountSearchCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search accounts by email, display name, label, or notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range app.Registry.Search(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", a.ID, a.Email)
			}
			return nil
		},
	}
}
