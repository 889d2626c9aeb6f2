package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/connectivity"
	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/store"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Replay queued changes and refresh from the remote",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd)
			if s == nil {
				return err
			}
			if apperr.CodeOf(err) == apperr.CodeAuthRequired {
				return err
			}

			st := s.State()
			p := a.printer()
			if !st.IsOnline {
				p.Notice("Offline: %d change(s) waiting to sync", st.Pending)
				return apperr.New(apperr.CodeNetwork, "remote store is unreachable", a.monitor.Status().ProbeErr)
			}
			if err != nil {
				p.Notice("%d change(s) still waiting to sync", st.Pending)
				return err
			}
			p.Line("Synced %d to-do(s), nothing pending", len(st.Todos))
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show session, connectivity and pending changes",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			monitor, err := a.openMonitor(cmd)
			if err != nil {
				return err
			}
			p := a.printer()

			if sess, ok := a.sessions.Get(); ok {
				p.Line("User:     %s (since %s)", sess.UserID, sess.SignedInAt.Local().Format(time.DateTime))
			} else {
				p.Line("User:     not signed in")
			}

			st, _ := monitor.Check(cmd.Context())
			switch {
			case a.client == nil:
				p.Line("Remote:   none configured")
			case st.Online:
				p.Line("Remote:   %s (online, mode %s)", a.cfg.Remote.URL, st.Mode)
			case st.ProbeErr != nil:
				p.Line("Remote:   %s (offline: %v)", a.cfg.Remote.URL, st.ProbeErr)
			default:
				p.Line("Remote:   %s (offline, mode %s)", a.cfg.Remote.URL, st.Mode)
			}

			// Read the queue without opening the store, which would drain it.
			pending := queue.New(a.storage, a.logger("queue")).Len()
			p.Line("Pending:  %d change(s)", pending)
			p.Line("Data dir: %s", a.cfg.DataDir)
			return nil
		},
	}
}

func newOnlineCmd(a *app) *cobra.Command {
	return modeCmd(a, "online", connectivity.ModeOnline,
		"Treat the remote as reachable without probing it")
}

func newOfflineCmd(a *app) *cobra.Command {
	return modeCmd(a, "offline", connectivity.ModeOffline,
		"Work offline: queue every change until 'todo online' or 'todo auto'")
}

func newAutoCmd(a *app) *cobra.Command {
	return modeCmd(a, "auto", connectivity.ModeAuto,
		"Decide connectivity by probing the remote (default)")
}

func modeCmd(a *app, use string, mode connectivity.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		GroupID: "sync",
		Short:   short,
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openStorage(cmd); err != nil {
				return err
			}
			if err := connectivity.SetMode(a.storage, mode); err != nil {
				return err
			}
			a.printer().Line("Connectivity mode: %s", mode)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		GroupID: "sync",
		Short:   "Keep the list live and sync whenever the remote is reachable",
		Long: `Watch prints the list and reprints it whenever it changes: through the
real-time feed, a local edit, or a sync. Connectivity is probed in the
background; when the remote becomes reachable the offline queue is replayed.
A dropped feed is reopened on the next probe tick.
'todo online' and 'todo offline' take effect immediately.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.verbose = true
			s, err := a.openSignedIn(cmd)
			if err != nil {
				return err
			}
			return a.watch(cmd.Context(), s)
		},
	}
}

// watch runs the connectivity monitor and the renderer until ctx is done.
func (a *app) watch(ctx context.Context, s *store.Store) error {
	states := make(chan store.State, 1)
	s.OnChange(func(st store.State) {
		// Keep only the latest snapshot.
		select {
		case <-states:
		default:
		}
		select {
		case states <- st:
		default:
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.monitor.Run(ctx, func(ctx context.Context, online bool) {
			if err := s.SetIsOnline(ctx, online); err != nil {
				a.errPrinter().Notice("Warning: sync incomplete: %v", err)
			}
		})
	})

	// A feed can drop without connectivity changing; refetch to catch up
	// and reopen it.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Connectivity.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if st := s.State(); st.IsOnline && !st.Subscribed && !st.Syncing {
				if err := s.FetchTodos(ctx); err != nil {
					a.errPrinter().Notice("Warning: failed to refresh: %v", err)
				}
			}
		}
	})

	g.Go(func() error {
		p := a.printer()
		last := ""
		show := func(st store.State) {
			if st.Loading || st.Syncing {
				return
			}
			key := fingerprint(st)
			if key == last {
				return
			}
			last = key
			p.Line("")
			p.Line("── %s ──", time.Now().Format(time.TimeOnly))
			renderList(p, st, time.Time{}, time.Now())
		}

		show(s.State())
		for {
			select {
			case <-ctx.Done():
				return nil
			case st := <-states:
				show(st)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.printer().Line("Stopped")
	return nil
}

// fingerprint summarizes what the list view shows.
func fingerprint(st store.State) string {
	b := make([]byte, 0, 64*len(st.Todos))
	for _, it := range st.Todos {
		b = append(b, it.ID...)
		b = append(b, '|')
		b = append(b, it.Text...)
		if it.Completed {
			b = append(b, '+')
		}
		b = append(b, '\n')
	}
	if st.IsOnline {
		b = append(b, "online"...)
	}
	b = append(b, '#')
	b = strconv.AppendInt(b, int64(st.Pending), 10)
	return string(b)
}
