// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// passesProgress displays, on stderr, a progress bar over the passes run on one graph, and a
// small table with the running totals above it.
type passesProgress struct {
	bar           *progressbar.ProgressBar
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool

	rewrites, replaced, added, failed int
}

func newPassesProgress(graphName string, numPasses int) *passesProgress {
	p := &passesProgress{
		termenv:       termenv.NewOutput(os.Stderr),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput: true,
	}
	p.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	p.bar = progressbar.NewOptions(numPasses,
		progressbar.OptionSetDescription(fmt.Sprintf("[bold]%s[reset]", graphName)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("passes"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stderr),
	)
	return p
}

// statsLines is the number of lines printed by the stats table: 4 rows and 2 borders.
const statsLines = 4 + 2

// done accounts for the results of one pass and redraws.
func (p *passesProgress) done(results []driver.Result) {
	for _, res := range results {
		p.rewrites += res.Rewrites
		p.replaced += res.Replaced
		p.added += res.Added
		if res.Err != nil {
			p.failed++
		}
	}
	p.statsTable.Data(lgtable.NewStringData())
	p.statsTable.Row("Rewrites", humanizeInt(p.rewrites))
	p.statsTable.Row("Nodes replaced", humanizeInt(p.replaced))
	p.statsTable.Row("Nodes added", humanizeInt(p.added))
	p.statsTable.Row("Failed passes", humanizeInt(p.failed))

	p.termenv.HideCursor()
	if !p.isFirstOutput {
		// Back over the previous table and progress bar line.
		p.termenv.CursorPrevLine(statsLines + 1)
	}
	p.isFirstOutput = false
	_, _ = fmt.Fprintln(os.Stderr, p.statsStyle.Render(p.statsTable.String()))
	_ = p.bar.Add(1)
	_, _ = fmt.Fprintln(os.Stderr)
	p.termenv.ShowCursor()
}

func (p *passesProgress) finish() {
	_ = p.bar.Finish()
	p.termenv.ShowCursor()
}
