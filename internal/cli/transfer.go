package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale-labs/accountbridge/internal/events"
)

func newTransferCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transfer",
		Aliases: []string{"xfer"},
		Short:   "Move or copy files directly between two accounts",
	}
	cmd.AddCommand(newTransferCopyCmd(app))
	cmd.AddCommand(newTransferMoveCmd(app))
	cmd.AddCommand(newTransferCancelCmd(app))
	cmd.AddCommand(newTransferRetryCmd(app))
	cmd.AddCommand(newTransferWatchCmd(app))
	return cmd
}

func newTransferCopyCmd(app *App) *cobra.Command {
	var from, to, dest string
	cmd := &cobra.Command{
		Use:   "copy <path> [path...]",
		Short: "Copy files from one account into a folder on another",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := app.Engine.Copy(GetContext(), args, from, to, dest)
			if err != nil {
				return fmt.Errorf("queuing copy: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transfer queued: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source account id")
	cmd.Flags().StringVar(&to, "to", "", "target account id")
	cmd.Flags().StringVar(&dest, "dest", "/", "destination folder path on the target account")
	return cmd
}

func newTransferMoveCmd(app *App) *cobra.Command {
	var from, to, dest string
	var skipLinkWarning bool
	cmd := &cobra.Command{
		Use:   "move <path> [path...]",
		Short: "Move files from one account to another, removing them from the source",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := app.Engine.Move(GetContext(), args, from, to, dest, skipLinkWarning)
			if err != nil {
				return fmt.Errorf("queuing move: %w", err)
			}
			if id == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "move rejected: one or more paths have an active share link, pass --skip-link-warning to proceed anyway")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transfer queued: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source account id")
	cmd.Flags().StringVar(&to, "to", "", "target account id")
	cmd.Flags().StringVar(&dest, "dest", "/", "destination folder path on the target account")
	cmd.Flags().BoolVar(&skipLinkWarning, "skip-link-warning", false, "proceed even though a source path has an active share link")
	return cmd
}

func newTransferCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <transfer-id>",
		Short: "Cancel a queued or in-progress cross-account transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Engine.Cancel(args[0]); err != nil {
				return fmt.Errorf("cancelling transfer: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func newTransferRetryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <transfer-id>",
		Short: "Retry a failed transfer as a new transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newID, err := app.Engine.Retry(GetContext(), args[0])
			if err != nil {
				return fmt.Errorf("retrying transfer: %w", err)
			}
			if newID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "transfer is not retryable (not failed, or retry limit reached)")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retry queued: %s\n", newID)
			return nil
		},
	}
}

func newTransferWatchCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <transfer-id>",
		Short: "Print live progress for a transfer until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ch := app.Bus.SubscribeAll()
			defer app.Bus.UnsubscribeAll(ch)

			if rec := app.Engine.Get(id); rec != nil && rec.Status.IsTerminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, rec.Status)
				return nil
			}

			ctx := GetContext()
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return nil
					}
					xfer, ok := ev.(*events.CrossTransferEvent)
					if !ok || xfer.TransferID != id {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "\r%3d%%  %d/%d bytes", xfer.Percent, xfer.Done, xfer.Total)
					switch xfer.Type() {
					case events.EventCrossTransferCompleted:
						fmt.Fprintln(cmd.OutOrStdout(), "\ndone")
						return nil
					case events.EventCrossTransferFailed:
						fmt.Fprintf(cmd.OutOrStdout(), "\nfailed: %v\n", xfer.Error)
						return nil
					case events.EventCrossTransferCancelled:
						fmt.Fprintln(cmd.OutOrStdout(), "\ncancelled")
						return nil
					}
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Minute):
					return fmt.Errorf("timed out waiting for transfer %s to finish", id)
				}
			}
		},
	}
}
