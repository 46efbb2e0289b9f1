package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func renderHeader(m Model, width int) string {
	innerWidth := width - 4
	theme := m.theme

	status := theme.StatusOK.Render("CONNECTED")
	if !m.connected {
		status = theme.StatusFailed.Render("CONNECTING")
	} else if m.health.Status != "" && m.health.Status != "ok" {
		status = theme.StatusFailed.Render(strings.ToUpper(m.health.Status))
	}

	title := fmt.Sprintf(" RENDERGATE WATCH %s", m.spin.View())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	ok, failed, skipped := m.tracker.Totals()
	statsLine := fmt.Sprintf(" %s  %s  up %s  bindings: %d  batches: %d  %s %s %s",
		status,
		theme.Dim.Render(m.client.baseURL),
		formatUptime(time.Duration(m.health.UptimeSeconds)*time.Second),
		m.health.BindingsLoaded,
		len(m.tracker.order),
		theme.StatusOK.Render(fmt.Sprintf("%d ok", ok)),
		theme.StatusFailed.Render(fmt.Sprintf("%d failed", failed)),
		theme.StatusSkipped.Render(fmt.Sprintf("%d skipped", skipped)),
	)

	last := "never"
	if at := m.activity.Last(); !at.IsZero() {
		last = time.Since(at).Round(time.Second).String() + " ago"
	}
	activityLine := fmt.Sprintf(" Last outcome: %s %s", last, m.activity.Render(theme))

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	))
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
