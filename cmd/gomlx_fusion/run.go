// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/fusion/internal/config"
	"github.com/gomlx/fusion/internal/workerspool"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/irio"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type runFlags struct {
	out, outDir string
	progress    bool
	keepGoing   bool
	jobs        int
}

func newRunCmd(a *app) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <graph.yaml>...",
		Short: "Runs the fusion passes on the given graphs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.out != "" && len(args) > 1 {
				return errors.Errorf("--out can only be used with one graph, got %d: use --out-dir instead", len(args))
			}
			return a.runGraphs(cmd.OutOrStdout(), args, flags)
		},
	}
	cmd.Flags().StringVar(&flags.out, "out", "", "Output file for the fused graph")
	cmd.Flags().StringVar(&flags.outDir, "out-dir", "", "Output directory for the fused graphs, written with the same base name")
	cmd.Flags().BoolVar(&flags.progress, "progress", false, "Display a progress bar while running the passes")
	cmd.Flags().BoolVar(&flags.keepGoing, "keep-going", false, "Write the graph even if some passes failed")
	cmd.Flags().IntVar(&flags.jobs, "jobs", 1, "Number of graphs fused in parallel (-1: number of CPUs)")
	return cmd
}

// graphReport is what is printed for each graph processed.
type graphReport struct {
	path                    string
	nodesBefore, nodesAfter int
	edgesBefore, edgesAfter int
	results                 []driver.Result
	elapsed                 time.Duration
	outputPath              string
}

func (a *app) runGraphs(w io.Writer, paths []string, flags runFlags) error {
	names, err := a.cfg.SelectPasses(a.registry)
	if err != nil {
		return err
	}
	options, err := a.cfg.DriverOptions()
	if err != nil {
		return err
	}
	d := driver.New(a.registry, options)

	jobs := flags.jobs
	if jobs == 1 {
		jobs = 0 // Inline.
	}
	pool := workerspool.New(jobs)
	if pool.IsParallel() && flags.progress {
		klog.Warningf("--progress is ignored when fusing graphs in parallel (--jobs=%d)", flags.jobs)
		flags.progress = false
	}
	reports := make([]*graphReport, len(paths))
	errs := make([]error, len(paths))
	pool.Map(len(paths), func(i int) {
		reports[i], errs[i] = a.runGraph(d, paths[i], names, flags)
	})

	var failedGraphs int
	for i, path := range paths {
		if reports[i] != nil {
			printReport(w, a.cfg.Output.Format, reports[i])
		}
		if errs[i] != nil {
			klog.Errorf("%s: %v", path, errs[i])
			failedGraphs++
		}
	}
	if failedGraphs > 0 {
		return errors.Errorf("%d of %d graphs failed", failedGraphs, len(paths))
	}
	return nil
}

func (a *app) runGraph(d *driver.Driver, path string, names []string, flags runFlags) (*graphReport, error) {
	g, err := readGraph(path)
	if err != nil {
		return nil, err
	}
	report := &graphReport{
		path:        path,
		nodesBefore: g.NumNodes(),
		edgesBefore: g.NumEdges(),
	}
	start := time.Now()
	var bar *passesProgress
	if flags.progress {
		bar = newPassesProgress(filepath.Base(path), len(names))
	}
	var failed []string
	for _, name := range names {
		results, err := d.Run(g, name)
		report.results = append(report.results, results...)
		if err != nil {
			failed = append(failed, name)
		}
		if bar != nil {
			bar.done(results)
		}
	}
	if bar != nil {
		bar.finish()
	}
	report.elapsed = time.Since(start)
	report.nodesAfter, report.edgesAfter = g.NumNodes(), g.NumEdges()
	if len(failed) > 0 && !flags.keepGoing {
		return report, errors.Errorf("passes %q failed, fused graph not written (see --keep-going)", failed)
	}

	switch {
	case flags.out != "":
		report.outputPath = flags.out
	case flags.outDir != "":
		report.outputPath = filepath.Join(flags.outDir, filepath.Base(path))
	default:
		return report, nil
	}
	if err := writeGraph(report.outputPath, g); err != nil {
		return report, err
	}
	if len(failed) > 0 {
		return report, errors.Errorf("passes %q failed", failed)
	}
	return report, nil
}

func readGraph(path string) (*ir.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening graph")
	}
	defer func() { _ = f.Close() }()
	g, err := irio.Read(f)
	return g, errors.WithMessagef(err, "reading %s", path)
}

func writeGraph(path string, g *ir.Graph) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating output directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating output graph")
	}
	if err := irio.Write(f, g); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

func printReport(w io.Writer, format string, report *graphReport) {
	switch format {
	case config.FormatNone:
	case config.FormatText:
		_, _ = fmt.Fprintf(w, "%s: %d nodes -> %d nodes, %d edges -> %d edges, %s\n", report.path,
			report.nodesBefore, report.nodesAfter, report.edgesBefore, report.edgesAfter, report.elapsed)
		for _, res := range report.results {
			_, _ = fmt.Fprintf(w, "  %s\n", res)
		}
		if report.outputPath != "" {
			_, _ = fmt.Fprintf(w, "  written to %s\n", report.outputPath)
		}
	default:
		_, _ = fmt.Fprintln(w, renderReport(report))
	}
}
