// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/fusion/internal/config"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/fusion/passes"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// app holds the state shared by the sub-commands, set up by the root command.
type app struct {
	cfgFile  string
	noColor  bool
	cfg      config.Config
	registry *driver.Registry
}

// NewRootCmd creates the gomlx_fusion command and its sub-commands.
func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()
	a := &app{registry: passes.NewRegistry()}

	cmd := &cobra.Command{
		Use:           "gomlx_fusion",
		Short:         "Applies graph fusion passes to computation graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: a.cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			a.cfg = loaded
			if a.noColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	cmd.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colors in the reports")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	// klog flags (-v, -logtostderr, ...).
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newPassesCmd(a))
	cmd.AddCommand(newPlatformCmd(a))
	return cmd
}
