package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/session"
	"github.com/mschirtzinger/todosync/internal/store"
)

func newLoginCmd(a *app) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:     "login --user <id>",
		GroupID: "setup",
		Short:   "Sign in as a user",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openStorage(cmd); err != nil {
				return err
			}
			sess, err := a.sessions.SignIn(user)
			if errors.Is(err, session.ErrUserRequired) {
				return apperr.Invalid("--user is required")
			}
			if err != nil {
				return err
			}
			a.printer().Line("Signed in as %s", sess.UserID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "logout",
		GroupID: "setup",
		Short:   "Sign out",
		Long: `Sign out. Queued changes stay queued and are replayed after the
same user signs in again. The local copy of the list is dropped.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openStorage(cmd); err != nil {
				return err
			}
			if err := a.sessions.SignOut(); err != nil {
				return err
			}
			if err := a.storage.Remove(store.CacheKey); err != nil {
				a.errPrinter().Notice("Warning: failed to clear local copy: %v", err)
			}
			a.printer().Line("Signed out")
			return nil
		},
	}
}
