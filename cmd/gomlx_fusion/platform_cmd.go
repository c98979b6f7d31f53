// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusion/pkg/fusion/platform"
	"github.com/spf13/cobra"
)

func newPlatformCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "platform",
		Short: "Prints the hardware target given to the passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := a.cfg.PlatformInfo()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if info == nil {
				_, err = fmt.Fprintln(w, "no platform: capability gated passes are disabled")
				return err
			}
			_, err = fmt.Fprintln(w, renderPlatform(info))
			return err
		},
	}
}

func renderPlatform(info platform.Info) string {
	table := newPlainTable(false)
	table.Row("name", info.Name())
	if cores, err := info.CoreCount(); err == nil {
		table.Row("cores", humanizeInt(cores))
	} else {
		table.Row("cores", "unknown")
	}
	for _, mem := range platform.Memories() {
		size, err := info.MemorySize(mem)
		if err != nil {
			table.Row("memory "+mem.String(), "unknown")
			continue
		}
		table.Row("memory "+mem.String(), humanize.IBytes(uint64(size)))
	}
	for _, feature := range platform.Features() {
		table.Row("feature "+feature.String(), fmt.Sprintf("%v", info.Supports(feature)))
	}
	return titleStyle.Render("Platform") + "\n" + table.Render()
}
