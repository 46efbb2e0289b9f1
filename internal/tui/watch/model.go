package watch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/rendergate/internal/api"
)

const (
	feedLimit      = 50
	feedHeight     = 8
	reconnectDelay = 3 * time.Second
	healthInterval = 5 * time.Second
)

type outcomeMsg Outcome

type healthMsg api.HealthzResponse

type tickMsg time.Time

type errMsg struct{ err error }

type streamClosedMsg struct{ err error }

type reconnectMsg struct{}

// Model is the bubbletea model of rendergate watch.
type Model struct {
	ctx    context.Context
	client *Client

	width  int
	height int

	health    api.HealthzResponse
	connected bool
	lastErr   string

	tracker  *Tracker
	selected string // empty follows the newest batch
	feed     []Outcome
	lastID   int64
	outcomes chan Outcome

	jobs     table.Model
	feedView viewport.Model
	spin     spinner.Model
	activity Activity
	theme    Theme
}

// New creates the watch model. Streaming stops when ctx ends.
func New(ctx context.Context, client *Client) Model {
	theme := NewDefaultTheme()

	jobs := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "#", Width: 3},
			{Title: "Job", Width: 24},
			{Title: "Binding", Width: 14},
			{Title: "GPU", Width: 3},
			{Title: "Exit", Width: 4},
			{Title: "Duration", Width: 9},
			{Title: "Reason", Width: 16},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	jobs.SetStyles(styles)

	return Model{
		ctx:      ctx,
		client:   client,
		tracker:  NewTracker(),
		outcomes: make(chan Outcome, 100),
		jobs:     jobs,
		feedView: viewport.New(80, feedHeight),
		spin:     spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.Highlight)),
		theme:    theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.streamCmd(),
		waitForOutcome(m.outcomes),
		m.healthCmd(),
		m.spin.Tick,
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "left", "h":
			m.moveSelection(-1)
			return m, nil
		case "right", "l":
			m.moveSelection(1)
			return m, nil
		case "f":
			m.selected = ""
			m.refreshJobs()
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.feedView, cmd = m.feedView.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobs.SetWidth(max(m.width-6, 20))
		m.jobs.SetHeight(max(m.height/3, 5))
		m.feedView.Width = max(m.width-8, 20)
		m.feedView.Height = feedHeight
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		m.activity.Decay(time.Time(msg))
		return m, tick()

	case outcomeMsg:
		o := Outcome(msg)
		if o.ID > m.lastID {
			m.lastID = o.ID
		}
		m.tracker.Apply(o.Event, o.At)
		m.feed = append([]Outcome{o}, m.feed...)
		if len(m.feed) > feedLimit {
			m.feed = m.feed[:feedLimit]
		}
		m.activity.OnOutcome(o.At)
		m.connected = true
		m.lastErr = ""
		m.refreshJobs()
		m.feedView.SetContent(renderFeed(m.feed, m.theme))
		return m, waitForOutcome(m.outcomes)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.connected = true
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.healthCmd()() })

	case streamClosedMsg:
		m.connected = false
		if msg.err != nil {
			m.lastErr = msg.err.Error() + "; reconnecting..."
		} else {
			m.lastErr = "event stream closed; reconnecting..."
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.streamCmd()

	case errMsg:
		m.lastErr = msg.err.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.healthCmd()() })
	}

	var cmd tea.Cmd
	m.jobs, cmd = m.jobs.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.client.baseURL + "..."
	}

	parts := []string{
		renderHeader(m, m.width),
		renderBatches(m.tracker.Batches(), m.current(), m.theme, m.width),
		m.renderJobs(),
		m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("OUTCOME STREAM"),
			m.feedView.View(),
		)),
	}
	if m.lastErr != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastErr))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [←/→] Batch • [f] Follow newest • [↑/↓] Jobs • [PgUp/PgDn] Stream"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// current is the batch shown in the job table.
func (m Model) current() *BatchState {
	batches := m.tracker.Batches()
	if len(batches) == 0 {
		return nil
	}
	if m.selected != "" {
		if b, ok := m.tracker.batches[m.selected]; ok {
			return b
		}
	}
	return batches[0]
}

func (m *Model) moveSelection(delta int) {
	batches := m.tracker.Batches()
	if len(batches) == 0 {
		return
	}
	idx := 0
	if cur := m.current(); cur != nil {
		for i, b := range batches {
			if b.ID == cur.ID {
				idx = i
				break
			}
		}
	}
	idx = min(max(idx+delta, 0), len(batches)-1)
	m.selected = batches[idx].ID
	m.refreshJobs()
}

func (m *Model) refreshJobs() {
	b := m.current()
	if b == nil {
		m.jobs.SetRows(nil)
		return
	}
	events := b.Jobs()
	rows := make([]table.Row, 0, len(events))
	for _, ev := range events {
		exit := "-"
		if ev.ExitCode >= 0 {
			exit = strconv.Itoa(ev.ExitCode)
		}
		rows = append(rows, table.Row{
			stateGlyph(ev.State),
			strconv.Itoa(ev.Seq),
			ev.Job,
			ev.Binding,
			strconv.Itoa(ev.GPU),
			exit,
			(time.Duration(ev.DurationMS) * time.Millisecond).Round(100 * time.Millisecond).String(),
			ev.Reason,
		})
	}
	m.jobs.SetRows(rows)
}

func (m Model) renderJobs() string {
	title := m.theme.Title.Render("JOBS")
	summary := m.theme.Dim.Render(" No outcomes yet")
	if b := m.current(); b != nil {
		title = m.theme.Title.Render(fmt.Sprintf("JOBS  %s", b.ID))
		summary = " " + b.Summary()
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.jobs.View(),
		summary,
	))
}

// stateGlyph is the unstyled table marker; table cells are padded by width
// and escape codes would throw the columns off.
func stateGlyph(state string) string {
	switch state {
	case "succeeded":
		return "✔"
	case "failed":
		return "✘"
	default:
		return "–"
	}
}

func (m Model) streamCmd() tea.Cmd {
	ctx, client, lastID, out := m.ctx, m.client, m.lastID, m.outcomes
	return func() tea.Msg {
		return streamClosedMsg{err: client.Stream(ctx, lastID, out)}
	}
}

func (m Model) healthCmd() tea.Cmd {
	ctx, client := m.ctx, m.client
	return func() tea.Msg {
		h, err := client.Health(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return healthMsg(h)
	}
}

func waitForOutcome(ch <-chan Outcome) tea.Cmd {
	return func() tea.Msg {
		return outcomeMsg(<-ch)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
