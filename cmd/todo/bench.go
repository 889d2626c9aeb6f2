package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/loadtest"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
)

var errNoRemote = errors.New("no remote configured: set remote.url or pass --remote")

func newBenchCmd(a *app) *cobra.Command {
	var (
		opts  loadtest.Options
		local bool
		keep  bool
	)

	cmd := &cobra.Command{
		Use:     "bench",
		GroupID: "setup",
		Short:   "Measure remote store latency under concurrent clients",
		Long: `Simulate concurrent clients, each signed in as its own user, running a
mix of inserts, selects, updates and deletes. Prints latency percentiles per
operation and checks that no client can touch another client's rows.

By default the configured remote is measured. With --local a throwaway
sqlite store is measured instead.`,
		Example: `  todo bench --clients 50 --ops 100
  todo bench --local`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()

			var target remote.Store
			if local {
				dir, err := os.MkdirTemp("", "todo-bench-*")
				if err != nil {
					return fmt.Errorf("failed to create temp dir: %w", err)
				}
				defer os.RemoveAll(dir)
				db, err := sqlstore.Open(filepath.Join(dir, "bench.db"), a.logger("sqlstore"))
				if err != nil {
					return err
				}
				defer db.Close()
				target = db
			} else {
				client, err := a.remote()
				if err != nil {
					return err
				}
				if client == nil {
					return usageError{errNoRemote}
				}
				if err := client.Health(ctx); err != nil {
					return apperr.Classify(err)
				}
				target = client
			}

			report, err := loadtest.Run(ctx, target, opts)
			if report != nil {
				report.Print(a.out)
			}
			if !keep {
				if cerr := loadtest.Cleanup(ctx, target, opts); cerr != nil {
					a.errPrinter().Notice("Warning: %v", cerr)
				}
			}
			if err != nil {
				return apperr.Classify(err)
			}
			if !report.Isolated {
				return apperr.New(apperr.CodePermissionDenied, "ownership isolation violated", nil)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Clients, "clients", 10, "concurrent clients")
	cmd.Flags().IntVar(&opts.OpsPerClient, "ops", 50, "operations per client")
	cmd.Flags().StringVar(&opts.OwnerPrefix, "owner-prefix", "bench", "user id prefix of simulated clients")
	cmd.Flags().BoolVar(&local, "local", false, "measure a throwaway local store")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the rows written by the run")
	return cmd
}
