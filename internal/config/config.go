// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the gomlx_fusion tool.
//
// Values are resolved, from highest to lowest priority: command line flags explicitly set,
// GOMLX_FUSION_* environment variables (e.g.: GOMLX_FUSION_DRIVER_FIXPOINT=true), the config file
// and finally the defaults.
package config

import (
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/fusion/platform"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables overriding the configuration.
const EnvPrefix = "GOMLX_FUSION"

// Config of the tool.
type Config struct {
	// Passes to run, in order. Empty means all BuiltIn passes.
	Passes []string `mapstructure:"passes"`

	// Disabled passes are removed from Passes.
	Disabled []string `mapstructure:"disabled"`

	Platform PlatformConfig `mapstructure:"platform"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Output   OutputConfig   `mapstructure:"output"`
}

// Platform targets.
const (
	TargetHost   = "host"
	TargetStatic = "static"
	TargetNone   = "none"
)

// PlatformConfig describes the hardware target given to the passes.
type PlatformConfig struct {
	// Target is one of TargetHost (detect the features of the machine running the tool),
	// TargetStatic (only what is configured here) or TargetNone (no platform: capability gated
	// passes don't fuse).
	Target string `mapstructure:"target"`
	Name   string `mapstructure:"name"`

	// Cores overrides the core count. 0 means detected (host) or unknown (static).
	Cores int `mapstructure:"cores"`

	// Memory sizes per level (e.g.: "UB" -> "256KiB").
	Memory map[string]string `mapstructure:"memory"`

	// Features of a static target, or extra features of the host.
	Features []string `mapstructure:"features"`
}

// DriverConfig mirrors driver.Options.
type DriverConfig struct {
	MaxRewritesPerPass int  `mapstructure:"max_rewrites_per_pass"`
	Fixpoint           bool `mapstructure:"fixpoint"`
	MaxIterations      int  `mapstructure:"max_iterations"`
	ValidateGraph      bool `mapstructure:"validate_graph"`
}

// Output formats of the report.
const (
	FormatTable = "table"
	FormatText  = "text"
	FormatNone  = "none"
)

// OutputConfig controls the report of the tool.
type OutputConfig struct {
	Format string `mapstructure:"format"`
}

// LoadOptions for Load.
type LoadOptions struct {
	// Cmd holds the flags registered with RegisterFlags. Optional.
	Cmd flagBinder

	// ConfigFile to read. If empty, "gomlx_fusion.{yaml,json,toml}" in the current directory is
	// read, if present.
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Platform: PlatformConfig{
			Target: TargetHost,
			Memory: map[string]string{},
		},
		Driver: DriverConfig{
			MaxIterations: driver.DefaultMaxIterations,
			ValidateGraph: true,
		},
		Output: OutputConfig{
			Format: FormatTable,
		},
	}
}

// flagKeys maps the flags to their configuration keys.
var flagKeys = map[string]string{
	"passes":                       "passes",
	"disabled":                     "disabled",
	"platform-target":              "platform.target",
	"platform-name":                "platform.name",
	"platform-cores":               "platform.cores",
	"platform-memory":              "platform.memory",
	"platform-features":            "platform.features",
	"driver-max-rewrites-per-pass": "driver.max_rewrites_per_pass",
	"driver-fixpoint":              "driver.fixpoint",
	"driver-max-iterations":        "driver.max_iterations",
	"driver-validate-graph":        "driver.validate_graph",
	"output-format":                "output.format",
}

// RegisterFlags registers the configuration flags, with the given defaults.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.StringSlice("passes", defaults.Passes, "Passes to run, in order (default: all built-in passes)")
	fs.StringSlice("disabled", defaults.Disabled, "Passes not to run")
	fs.String("platform-target", defaults.Platform.Target, "Hardware target: host, static or none")
	fs.String("platform-name", defaults.Platform.Name, "Name of the hardware target, for logs")
	fs.Int("platform-cores", defaults.Platform.Cores, "Number of cores of the target (0: detected or unknown)")
	fs.StringToString("platform-memory", defaults.Platform.Memory, "Memory sizes per level, e.g. UB=256KiB,L1=1MiB")
	fs.StringSlice("platform-features", defaults.Platform.Features, "Features of the target, e.g. FP16,FMA")
	fs.Int("driver-max-rewrites-per-pass", defaults.Driver.MaxRewritesPerPass, "Maximum rewrites per pass (0: no limit)")
	fs.Bool("driver-fixpoint", defaults.Driver.Fixpoint, "Re-run each pass until it rewrites nothing")
	fs.Int("driver-max-iterations", defaults.Driver.MaxIterations, "Maximum iterations of a pass with --driver-fixpoint")
	fs.Bool("driver-validate-graph", defaults.Driver.ValidateGraph, "Validate the graph after each pass that changed it")
	fs.String("output-format", defaults.Output.Format, "Report format: table, text or none")
}

// Load the configuration.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for flagName, key := range flagKeys {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, errors.Wrapf(err, "bind flag --%s", flagName)
				}
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "read config file")
		}
	} else {
		v.SetConfigName("gomlx_fusion")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, errors.Wrap(err, "read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("passes", c.Passes)
	v.SetDefault("disabled", c.Disabled)
	v.SetDefault("platform.target", c.Platform.Target)
	v.SetDefault("platform.name", c.Platform.Name)
	v.SetDefault("platform.cores", c.Platform.Cores)
	v.SetDefault("platform.memory", c.Platform.Memory)
	v.SetDefault("platform.features", c.Platform.Features)
	v.SetDefault("driver.max_rewrites_per_pass", c.Driver.MaxRewritesPerPass)
	v.SetDefault("driver.fixpoint", c.Driver.Fixpoint)
	v.SetDefault("driver.max_iterations", c.Driver.MaxIterations)
	v.SetDefault("driver.validate_graph", c.Driver.ValidateGraph)
	v.SetDefault("output.format", c.Output.Format)
}

// Check the values that don't depend on the registered passes.
func (c Config) Check() error {
	switch c.Platform.Target {
	case TargetHost, TargetStatic, TargetNone:
	default:
		return errors.Errorf("invalid platform target %q, valid values are %q", c.Platform.Target,
			[]string{TargetHost, TargetStatic, TargetNone})
	}
	switch c.Output.Format {
	case FormatTable, FormatText, FormatNone:
	default:
		return errors.Errorf("invalid output format %q, valid values are %q", c.Output.Format,
			[]string{FormatTable, FormatText, FormatNone})
	}
	if c.Platform.Cores < 0 {
		return errors.Errorf("invalid platform cores %d", c.Platform.Cores)
	}
	if c.Driver.MaxRewritesPerPass < 0 || c.Driver.MaxIterations < 0 {
		return errors.Errorf("invalid driver limits: max_rewrites_per_pass=%d, max_iterations=%d",
			c.Driver.MaxRewritesPerPass, c.Driver.MaxIterations)
	}
	return nil
}

// PlatformInfo builds the platform.Info described by the configuration. It returns nil for
// TargetNone.
func (c Config) PlatformInfo() (platform.Info, error) {
	memory := make(map[platform.Memory]int64, len(c.Platform.Memory))
	for name, sizeStr := range c.Platform.Memory {
		mem, err := platform.ParseMemory(strings.ToUpper(name))
		if err != nil {
			return nil, err
		}
		size, err := humanize.ParseBytes(sizeStr)
		if err != nil {
			return nil, errors.Wrapf(err, "platform memory %s", mem)
		}
		memory[mem] = int64(size)
	}
	var info *platform.Static
	switch c.Platform.Target {
	case TargetNone:
		return nil, nil
	case TargetHost:
		info = platform.Host(memory)
	case TargetStatic:
		info = &platform.Static{Memory: memory, Features: make(map[platform.Feature]bool)}
	default:
		return nil, errors.Errorf("invalid platform target %q", c.Platform.Target)
	}
	for _, name := range c.Platform.Features {
		feature, err := parseFeature(name)
		if err != nil {
			return nil, err
		}
		info.Features[feature] = true
	}
	if c.Platform.Name != "" {
		info.TargetName = c.Platform.Name
	}
	if c.Platform.Cores > 0 {
		info.Cores = c.Platform.Cores
	}
	return info, nil
}

// parseFeature is platform.ParseFeature ignoring case: configuration keys and values are often
// lower-cased.
func parseFeature(name string) (platform.Feature, error) {
	for _, feature := range platform.Features() {
		if strings.EqualFold(feature.String(), strings.TrimSpace(name)) {
			return feature, nil
		}
	}
	return platform.ParseFeature(name)
}

// DriverOptions returns the driver.Options, with the platform built by PlatformInfo.
func (c Config) DriverOptions() (driver.Options, error) {
	info, err := c.PlatformInfo()
	if err != nil {
		return driver.Options{}, err
	}
	return driver.Options{
		Env:                driver.Env{Platform: info},
		MaxRewritesPerPass: c.Driver.MaxRewritesPerPass,
		Fixpoint:           c.Driver.Fixpoint,
		MaxIterations:      c.Driver.MaxIterations,
		ValidateGraph:      c.Driver.ValidateGraph,
	}, nil
}

// SelectPasses returns the passes to run: Passes (or all BuiltIn passes of the registry if empty)
// minus Disabled. Unknown names are an error.
func (c Config) SelectPasses(reg *driver.Registry) ([]string, error) {
	for _, name := range slices.Concat(c.Passes, c.Disabled) {
		if !reg.Has(name) {
			return nil, errors.Errorf("unknown pass %q, registered passes are %q", name, reg.Names())
		}
	}
	names := c.Passes
	if len(names) == 0 {
		names = reg.Names(driver.BuiltIn)
	}
	selected := make([]string, 0, len(names))
	for _, name := range names {
		if !slices.Contains(c.Disabled, name) {
			selected = append(selected, name)
		}
	}
	return selected, nil
}
