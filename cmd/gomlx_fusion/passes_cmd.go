// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

func newPassesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passes",
		Short: "Lists the registered fusion passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := a.cfg.SelectPasses(a.registry)
			if err != nil {
				return err
			}
			table := newPlainTable(true).Headers("Pass", "Category", "Selected")
			for _, name := range a.registry.Names() {
				order := "-"
				if idx := slices.Index(selected, name); idx >= 0 {
					order = fmt.Sprintf("#%d", idx+1)
				}
				table.Row(name, string(a.registry.Category(name)), order)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), table.Render())
			return err
		},
	}
}
