package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const batchListLimit = 5

// renderBatches lists the most recent batches with their totals.
func renderBatches(batches []*BatchState, current *BatchState, theme Theme, width int) string {
	lines := []string{theme.Title.Render("BATCHES")}
	if len(batches) == 0 {
		lines = append(lines, theme.Dim.Render("  Waiting for the first outcome..."))
	}
	for i, b := range batches {
		if i >= batchListLimit {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("  ... %d older", len(batches)-batchListLimit)))
			break
		}
		marker := "  "
		id := shortID(b.ID)
		if current != nil && b.ID == current.ID {
			marker = theme.Highlight.Render("▶ ")
			id = theme.Highlight.Render(id)
		}
		lines = append(lines, fmt.Sprintf("%s%s  %s  %s", marker, id, b.Summary(),
			theme.Dim.Render(b.LastSeen.Format("15:04:05"))))
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// renderFeed formats the outcome stream, newest first.
func renderFeed(feed []Outcome, theme Theme) string {
	if len(feed) == 0 {
		return theme.Dim.Render("Waiting for outcomes...")
	}
	lines := make([]string, 0, len(feed))
	for _, o := range feed {
		lines = append(lines, formatOutcome(o, theme))
	}
	return strings.Join(lines, "\n")
}

func formatOutcome(o Outcome, theme Theme) string {
	ev := o.Event
	desc := fmt.Sprintf("[%s] #%d %s on gpu %d", shortID(ev.BatchID), ev.Seq, ev.Job, ev.GPU)
	if ev.Reason != "" {
		desc += " " + ev.Reason
		if ev.ExitCode >= 0 {
			desc += fmt.Sprintf(" (exit %d)", ev.ExitCode)
		}
	}
	return fmt.Sprintf("%s %s %-14s %s",
		theme.Dim.Render(o.At.Format("15:04:05")),
		theme.Icon(ev.State),
		theme.Status(ev.State),
		desc,
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
