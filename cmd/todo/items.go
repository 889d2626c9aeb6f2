package main

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/store"
	"github.com/mschirtzinger/todosync/internal/view"
)

func newAddCmd(a *app) *cobra.Command {
	var allowDuplicate bool

	cmd := &cobra.Command{
		Use:     "add <text...>",
		GroupID: "items",
		Short:   "Add a to-do",
		Long: `Add a to-do. Offline, the item is kept locally with a temporary id and
created remotely on the next sync.

Adding text that matches an existing to-do (ignoring case and surrounding
spaces) is refused unless --allow-duplicate is given.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSignedIn(cmd)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if !allowDuplicate && view.HasText(s.State().Todos, text) {
				return apperr.New(apperr.CodeDuplicate,
					"a to-do with this text already exists (use --allow-duplicate to add it anyway)", nil)
			}

			item, err := s.AddTodo(cmd.Context(), text)
			if err != nil {
				return err
			}
			p := a.printer()
			p.Line("Added:")
			p.Line("%s", p.Item(item))
			if item.IsTemporary() {
				p.Notice("Offline: queued for sync")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowDuplicate, "allow-duplicate", false, "add even if the text already exists")
	return cmd
}

// parseSince turns a phrase such as "yesterday" or "3 days ago" into a
// point in time relative to now.
func parseSince(phrase string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(phrase, now)
	if err != nil {
		return time.Time{}, apperr.Invalid("could not parse --since: " + err.Error())
	}
	if r == nil {
		return time.Time{}, apperr.Invalid("could not understand --since " + `"` + phrase + `"`)
	}
	return r.Time, nil
}

func newListCmd(a *app) *cobra.Command {
	var (
		search string
		filter string
		since  string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		GroupID: "items",
		Short:   "List to-dos grouped by day",
		Example: `  todo list
  todo list --filter pending
  todo list --search milk --since "last monday"`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := view.ParseFilter(filter)
			if err != nil {
				return usageError{err}
			}
			now := time.Now()
			var cutoff time.Time
			if since != "" {
				if cutoff, err = parseSince(since, now); err != nil {
					return err
				}
			}

			s, err := a.openSignedIn(cmd)
			if err != nil {
				return err
			}
			s.SetSearchQuery(search)
			s.SetFilter(f)

			renderList(a.printer(), s.State(), cutoff, now)
			return nil
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "only show to-dos containing this text")
	cmd.Flags().StringVarP(&filter, "filter", "f", string(view.FilterAll), "all, completed or pending")
	cmd.Flags().StringVar(&since, "since", "", `only show to-dos created since, e.g. "yesterday"`)
	return cmd
}

// renderList prints the visible items of st. A zero cutoff shows all.
func renderList(p *view.Printer, st store.State, cutoff, now time.Time) {
	items := st.Visible()
	if !cutoff.IsZero() {
		items = view.Since(items, cutoff)
	}
	p.List(view.GroupByDay(items, now), view.ComputeStats(st.Todos))

	if !st.IsOnline {
		p.Notice("Offline: showing local copy")
	}
	if st.Pending > 0 {
		p.Notice("%d change(s) waiting to sync", st.Pending)
	}
}

func newDoneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "done <id>",
		Aliases: []string{"toggle"},
		GroupID: "items",
		Short:   "Toggle a to-do between done and pending",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSignedIn(cmd)
			if err != nil {
				return err
			}
			item, err := resolve(s.State().Todos, args[0])
			if err != nil {
				return err
			}
			if err := s.ToggleTodo(cmd.Context(), item.ID); err != nil {
				return err
			}
			return a.printUpdated(s, item.ID)
		},
	}
}

func newEditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "edit <id> <text...>",
		GroupID: "items",
		Short:   "Change the text of a to-do",
		Args:    minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSignedIn(cmd)
			if err != nil {
				return err
			}
			item, err := resolve(s.State().Todos, args[0])
			if err != nil {
				return err
			}
			if err := s.UpdateTodo(cmd.Context(), item.ID, strings.Join(args[1:], " ")); err != nil {
				return err
			}
			return a.printUpdated(s, item.ID)
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		GroupID: "items",
		Short:   "Delete a to-do",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openSignedIn(cmd)
			if err != nil {
				return err
			}
			item, err := resolve(s.State().Todos, args[0])
			if err != nil {
				return err
			}
			if err := s.DeleteTodo(cmd.Context(), item.ID); err != nil {
				return err
			}
			p := a.printer()
			p.Line("Deleted:")
			p.Line("%s", p.Item(item))
			a.noteQueued(p, s.State())
			return nil
		},
	}
}

func (a *app) printUpdated(s *store.Store, id string) error {
	st := s.State()
	item, err := resolve(st.Todos, id)
	if err != nil {
		return err
	}
	p := a.printer()
	p.Line("%s", p.Item(item))
	a.noteQueued(p, st)
	return nil
}

func (a *app) noteQueued(p *view.Printer, st store.State) {
	if !st.IsOnline {
		p.Notice("Offline: queued for sync (%d pending)", st.Pending)
	}
}
