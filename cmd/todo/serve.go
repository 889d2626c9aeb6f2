package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/todosync/internal/remote/api"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "setup",
		Short:   "Run the remote store",
		Long: `Run the remote store: a sqlite database behind an HTTP API with a
websocket feed of changes.

Endpoints:
  GET  /health
  POST /v1/todos/{select,insert,update,delete}
  GET  /v1/todos/feed?owner=ID   (websocket)`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.verbose = true
			if err := a.setup(cmd); err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default 127.0.0.1:8787)")
	cmd.Flags().String("db", "", "database file")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	db, err := sqlstore.Open(a.cfg.Serve.DB, a.logger("sqlstore"))
	if err != nil {
		return err
	}
	defer db.Close()

	server := api.NewServer(db, &api.Config{
		Addr:   a.cfg.Serve.Addr,
		Logger: a.logger("api"),
	})
	if err := server.Start(); err != nil {
		return err
	}

	p := a.printer()
	p.Line("Serving %s on http://%s", db.Path(), server.Addr())
	p.Line("Press Ctrl+C to stop...")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		p.Line("Shutting down...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
		return nil
	})
	return g.Wait()
}
