package inspect

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles used by the text reports. Colors collapse to plain
// text when stdout is not a terminal.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusSkipped lipgloss.Style

	Title  lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// Status styles a job state or batch status word.
func (t Theme) Status(s string) string {
	switch s {
	case "succeeded":
		return t.StatusOK.Render(s)
	case "failed":
		return t.StatusFailed.Render(s)
	case "running", "dispatched":
		return t.StatusRunning.Render(s)
	default:
		return t.StatusSkipped.Render(s)
	}
}
