// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for the
// training loop, tables and the parsing of hyperparameters settings.
package commandline

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true)

// Table renders the rows as a table with rounded borders, with the given headers.
func Table(headers []string, rows [][]string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return normalStyle
			}
			return rightAlignedStyle
		}).
		Headers(headers...)
	for _, row := range rows {
		table.Row(row...)
	}
	return table.String()
}
