package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/dedupe"
	"github.com/mschirtzinger/todosync/internal/todo"
	"github.com/mschirtzinger/todosync/internal/view"
)

var strategyHelp = map[dedupe.Strategy]string{
	dedupe.KeepAll:    "keep everything (duplicates stay)",
	dedupe.KeepLocal:  "replace remote copies with the local ones",
	dedupe.KeepRemote: "skip local items that already exist remotely",
	dedupe.Merge:      "keep the oldest copy of each duplicate",
}

func newMigrateCmd(a *app) *cobra.Command {
	var (
		strategy string
		file     string
	)

	cmd := &cobra.Command{
		Use:     "migrate",
		GroupID: "setup",
		Short:   "Import to-dos saved before sync was available",
		Long: `Import the to-dos of the old local-only store into your remote list.
This runs once: the local data is deleted after a successful import.

If any local to-do has the same text as a remote one, a strategy is needed:

  keep-all     keep everything (duplicates stay)
  keep-local   replace remote copies with the local ones
  keep-remote  skip local items that already exist remotely
  merge        keep the oldest copy of each duplicate

Without --strategy you are asked interactively, or the command fails when
input is not a terminal.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var chosen dedupe.Strategy
			if strategy != "" {
				s, err := dedupe.ParseStrategy(strategy)
				if err != nil {
					return usageError{err}
				}
				chosen = s
			}

			monitor, err := a.openMonitor(cmd)
			if err != nil {
				return err
			}
			if file != "" {
				if err := importLegacyFile(a, file); err != nil {
					return err
				}
			}

			client, err := a.remote()
			if err != nil {
				return err
			}
			if st, _ := monitor.Check(cmd.Context()); client == nil || !st.Online {
				return apperr.New(apperr.CodeNetwork, "migration needs the remote store; it is unreachable", st.ProbeErr)
			}

			m := dedupe.NewMigrator(a.storage, client, a.sessions, a.cfg.RetryOptions(), a.logger("migrate"))
			if _, err := m.Pending(); errors.Is(err, dedupe.ErrNothingToMigrate) {
				a.printer().Line("Nothing to migrate")
				return nil
			} else if err != nil {
				return err
			}

			res, err := m.Run(cmd.Context(), chosen)
			if err != nil {
				return err
			}
			if res.NeedsStrategy() {
				printGroups(a.printer(), res.Groups)
				if chosen, err = a.askStrategy(); err != nil {
					return err
				}
				if res, err = m.Run(cmd.Context(), chosen); err != nil {
					return err
				}
			}

			p := a.printer()
			p.Line("Migrated %d to-do(s) using %s", res.Migrated, res.Strategy)
			if res.DeletedRemote > 0 {
				p.Line("Replaced %d remote duplicate(s)", res.DeletedRemote)
			}
			if res.Skipped > 0 {
				p.Notice("Skipped %d item(s) with empty or over-long text; they remain in the legacy data", res.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "keep-all, keep-local, keep-remote or merge")
	cmd.Flags().StringVar(&file, "file", "", "read the old store from this JSON file")
	return cmd
}

// importLegacyFile stores an exported legacy blob where the migrator reads it.
func importLegacyFile(a *app, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return usageError{fmt.Errorf("failed to read %s: %w", path, err)}
	}
	if _, err := todo.ParseLegacy(string(data)); err != nil {
		return usageError{fmt.Errorf("failed to parse %s: %w", path, err)}
	}
	if err := a.storage.Set(todo.LegacyKey, string(data)); err != nil {
		return fmt.Errorf("failed to stage legacy data: %w", err)
	}
	return nil
}

func printGroups(p *view.Printer, groups []dedupe.Group) {
	p.Notice("Found %d duplicate group(s):", len(groups))
	for _, g := range groups {
		p.Line("  %q", g.Text)
		for _, m := range g.Members {
			p.Line("    %-6s %s", m.Origin, p.Item(m.Item))
		}
	}
}

// askStrategy prompts for a strategy. Without a terminal the caller must
// pass --strategy.
func (a *app) askStrategy() (dedupe.Strategy, error) {
	f, ok := a.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", apperr.Invalid("duplicates found: rerun with --strategy")
	}

	options := make([]huh.Option[dedupe.Strategy], 0, len(dedupe.Strategies))
	for _, s := range dedupe.Strategies {
		options = append(options, huh.NewOption(fmt.Sprintf("%s: %s", s, strategyHelp[s]), s))
	}

	var chosen dedupe.Strategy
	err := huh.NewSelect[dedupe.Strategy]().
		Title("How should duplicates be resolved?").
		Options(options...).
		Value(&chosen).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return "", apperr.Invalid("migration cancelled")
	}
	if err != nil {
		return "", fmt.Errorf("failed to read choice: %w", err)
	}
	return chosen, nil
}
