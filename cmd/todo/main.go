// Command todo is a personal to-do list that keeps working offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/view"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// usageError marks bad arguments or flags.
type usageError struct{ error }

// configError marks an unreadable or invalid configuration.
type configError struct{ error }

func (e usageError) Unwrap() error  { return e.error }
func (e configError) Unwrap() error { return e.error }

// run executes the CLI and returns the process exit code.
func run(args []string, in io.Reader, out, errOut io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{in: in, out: out, errOut: errOut}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return apperr.ExitSuccess
	}

	view.NewPrinter(errOut, a.noColor).Error("Error: %v", err)

	var (
		ue usageError
		ce configError
		ae *apperr.Error
	)
	switch {
	case errors.As(err, &ae):
		return apperr.ExitCode(ae)
	case errors.As(err, &ue):
		return apperr.ExitUserError
	case errors.As(err, &ce):
		return apperr.ExitAuthError
	default:
		return apperr.ExitBackendError
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "todo",
		Short: "A to-do list that syncs and keeps working offline",
		Long: `todo manages your to-dos against a remote store.

When the remote is unreachable, changes are applied locally and queued.
The queue is replayed the next time a command finds the remote reachable,
or as soon as connectivity returns while 'todo watch' is running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddGroup(
		&cobra.Group{ID: "items", Title: "Items:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "config file (default $XDG_CONFIG_HOME/todosync/config.yaml)")
	flags.String("data-dir", "", "directory for local state")
	flags.String("remote", "", "remote store URL")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
	flags.Bool("debug", false, "enable debug logging")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		newAddCmd(a),
		newListCmd(a),
		newDoneCmd(a),
		newEditCmd(a),
		newRmCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newWatchCmd(a),
		newOnlineCmd(a),
		newOfflineCmd(a),
		newAutoCmd(a),
		newMigrateCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newServeCmd(a),
		newBenchCmd(a),
		newConfigCmd(a),
	)
	return root
}

// exactArgs is cobra.ExactArgs with a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s: expected %d argument(s), got %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

// minArgs is cobra.MinimumNArgs with a usage error.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usageError{fmt.Errorf("%s: expected at least %d argument(s)", cmd.CommandPath(), n)}
		}
		return nil
	}
}
