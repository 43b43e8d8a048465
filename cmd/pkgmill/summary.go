package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pkgmill/pkgmill/internal/cycle"
)

var (
	summaryTitleStyle = lipgloss.NewStyle().Bold(true)
	successStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failureStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle          = lipgloss.NewStyle().Faint(true)
)

func printSummary(w io.Writer, summary *cycle.Summary) {
	var b strings.Builder

	b.WriteString(summaryTitleStyle.Render("cycle complete"))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" (%s)", summary.Elapsed.Round(time.Second))))
	b.WriteString("\n")

	if len(summary.Built) == 0 && len(summary.Failed) == 0 {
		b.WriteString(dimStyle.Render("nothing to build"))
		b.WriteString("\n")
		fmt.Fprint(w, b.String())
		return
	}

	if len(summary.Built) > 0 {
		b.WriteString(successStyle.Render(fmt.Sprintf("built (%d): ", len(summary.Built))))
		b.WriteString(strings.Join(summary.Built, ", "))
		b.WriteString("\n")
	}
	if len(summary.Failed) > 0 {
		b.WriteString(failureStyle.Render(fmt.Sprintf("failed (%d): ", len(summary.Failed))))
		b.WriteString(strings.Join(summary.Failed, ", "))
		b.WriteString("\n")
	}

	fmt.Fprint(w, b.String())
}
