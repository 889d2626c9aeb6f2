package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "setup",
		Short:   "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfgPath
			if path == "" {
				path = config.DefaultPath()
			}
			err := config.WriteDefault(path, force)
			if errors.Is(err, config.ErrExists) {
				return usageError{errors.New(path + " already exists (use --force to overwrite)")}
			}
			if err != nil {
				return err
			}
			a.printer().Line("Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			out, err := a.cfg.Encode()
			if err != nil {
				return err
			}
			_, err = a.out.Write(out)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
