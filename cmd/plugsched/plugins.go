package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPluginsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List builtin and directory plugins with their load state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rt := a.Runtime()
			// Load errors show up in the table.
			_, _ = rt.LoadAll(cmd.Context())
			sts, err := rt.Statuses()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sts)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderPlugins(sts))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
