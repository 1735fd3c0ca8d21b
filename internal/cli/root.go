// Package cli provides the command-line interface for accountbridge.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rescale-labs/accountbridge/internal/logging"
)

var (
	verbose bool
	debug   bool

	logger *logging.Logger

	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version is set by main at startup.
var Version = "0.1.0-dev"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "accountbridge",
		Short:   "Manage multiple cloud storage accounts and move files between them",
		Version: Version,
		Long: `accountbridge ` + Version + `

A multi-account cloud storage bridge: keeps a registry of accounts, brings
their sessions online on demand, and moves files directly between two
accounts without a local round trip.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(-1)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug output (same as --verbose)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// Execute runs the CLI, wiring Ctrl+C to a cancellable root context.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nreceived %v, cancelling...\n", sig)
				cancelFunc()
			}
		}
	}()

	app, err := NewApp(rootContext)
	if err != nil {
		signal.Stop(sigChan)
		close(sigChan)
		return fmt.Errorf("initializing accountbridge: %w", err)
	}
	defer app.Close()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd, app)
	err = rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)
	return err
}

// AddCommands wires every subcommand against app's services.
func AddCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newAccountCmd(app))
	rootCmd.AddCommand(newSessionCmd(app))
	rootCmd.AddCommand(newTransferCmd(app))
	rootCmd.AddCommand(newLogCmd(app))
}

// GetLogger returns the global CLI logger, creating a default one if
// Execute hasn't run yet (e.g. under test).
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the cancellable root context, or a background context
// if called before Execute().
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}
