package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Query the persisted cross-account transfer history",
	}
	cmd.AddCommand(newLogListCmd(app))
	cmd.AddCommand(newLogSearchCmd(app))
	cmd.AddCommand(newLogPathCmd(app))
	return cmd
}

func newLogListCmd(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent transfers, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := app.Log.GetAll(limit, 0)
			if err != nil {
				return fmt.Errorf("listing transfers: %w", err)
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %3d%%  %s -> %s\n", r.ID, r.Status, r.Percent(), r.SourceAccountID, r.TargetAccountID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	return cmd
}

func newLogSearchCmd(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search transfers by source or destination path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := app.Log.Search(args[0], limit)
			if err != nil {
				return fmt.Errorf("searching transfers: %w", err)
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %s\n", r.ID, r.Status, r.TargetPath)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	return cmd
}

func newLogPathCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the on-disk path of the transfer history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.Log.DatabasePath()
			if err != nil {
				return fmt.Errorf("resolving database path: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}
}
