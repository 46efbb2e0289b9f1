// Package watch is the live terminal view of a rendergate serve instance:
// per-job outcomes and batch totals streamed from GET /events.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/rendergate/internal/inspect"
)

// Theme extends the report styles with the panel chrome of the watch view.
type Theme struct {
	inspect.Theme

	Border    lipgloss.Style
	Highlight lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		Theme: inspect.NewDefaultTheme(),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// Icon is the one-cell marker for a job state.
func (t Theme) Icon(state string) string {
	switch state {
	case "succeeded":
		return t.StatusOK.Render("✔")
	case "failed":
		return t.StatusFailed.Render("✘")
	default:
		return t.StatusSkipped.Render("–")
	}
}
