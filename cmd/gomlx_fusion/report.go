// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusion/pkg/fusion"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F55"))
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

// formatDuration prints d in the largest unit that fits.
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	}
}

func humanizeInt(v int) string { return humanize.Comma(int64(v)) }

// renderReport renders the report of one graph: a summary and a table with one row per pass.
func renderReport(report *graphReport) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(report.path))
	sb.WriteString("\n")

	summary := newPlainTable(false)
	summary.Row("nodes", fmt.Sprintf("%s → %s", humanizeInt(report.nodesBefore), humanizeInt(report.nodesAfter)))
	summary.Row("edges", fmt.Sprintf("%s → %s", humanizeInt(report.edgesBefore), humanizeInt(report.edgesAfter)))
	summary.Row("elapsed", formatDuration(report.elapsed))
	if report.outputPath != "" {
		summary.Row("output", report.outputPath)
	}
	sb.WriteString(summary.Render())
	sb.WriteString("\n")

	table := newPlainTable(true).
		Headers("Pass", "Status", "Matches", "Rewrites", "Replaced", "Added", "Skipped", "Stale", "Elapsed")
	var errs []string
	for _, res := range report.results {
		status := res.Status.String()
		if res.Status != fusion.Success {
			status = failedStyle.Render(status)
			if res.Err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", res.Pass, res.Err))
			}
		}
		table.Row(res.Pass, status, humanizeInt(res.Matches), humanizeInt(res.Rewrites),
			humanizeInt(res.Replaced), humanizeInt(res.Added), humanizeInt(res.Skipped), humanizeInt(res.Stale),
			formatDuration(res.Elapsed))
	}
	sb.WriteString(table.Render())
	for _, e := range errs {
		sb.WriteString("\n")
		sb.WriteString(failedStyle.Render(e))
	}
	return sb.String()
}
