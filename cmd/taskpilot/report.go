package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"taskpilot/internal/models"
	"taskpilot/internal/progress"
)

var (
	titleColor   = color.New(color.FgMagenta, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	activeColor  = color.New(color.FgYellow, color.Bold)
	pendingColor = color.New(color.FgWhite)
	infoColor    = color.New(color.FgCyan)
	errorColor   = color.New(color.FgRed, color.Bold)
)

const barWidth = 30

func printReport(w io.Writer, project models.Project, rm *models.Roadmap) {
	titleColor.Fprintf(w, "%s\n", project.Name)
	fmt.Fprintln(w, strings.Repeat("─", 60))
	if rm == nil {
		pendingColor.Fprintln(w, "No roadmap generated yet.")
		return
	}

	report := progress.Compute(rm)
	fmt.Fprintf(w, "Overall  %s %3d%%  (%d/%d tasks)\n\n", bar(report.Overall), report.Overall, report.CompletedLeaves, report.TotalLeaves)

	for _, phase := range report.Phases {
		c := statusColor(phase.Status)
		c.Fprintf(w, "%-28s", truncate(phase.Name, 28))
		fmt.Fprintf(w, " %s %3d%%  ", bar(phase.Progress), phase.Progress)
		c.Fprintf(w, "%s\n", phase.Status)
	}

	if len(report.RecentCompletions) > 0 {
		fmt.Fprintln(w)
		infoColor.Fprintln(w, "Recently completed")
		for _, done := range report.RecentCompletions {
			name := done.TaskName
			if done.ParentName != "" {
				name = done.ParentName + " › " + name
			}
			when := ""
			if done.CompletedAt != nil {
				when = done.CompletedAt.Local().Format("Jan 2 15:04")
			}
			fmt.Fprintf(w, "  ✓ %s  %s  %s\n", name, pendingColor.Sprint(done.PhaseName), when)
		}
	}

	fmt.Fprintln(w)
	infoColor.Fprintln(w, "Milestones")
	for _, m := range report.Milestones {
		if m.Completed {
			successColor.Fprintf(w, "  ● %s\n", m.Name)
		} else {
			pendingColor.Fprintf(w, "  ○ %s\n", m.Name)
		}
	}
}

func statusColor(s progress.Status) *color.Color {
	switch s {
	case progress.StatusCompleted:
		return successColor
	case progress.StatusInProgress:
		return activeColor
	default:
		return pendingColor
	}
}

func bar(pct int) string {
	filled := pct * barWidth / 100
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled) + "]"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
