// Package tui provides the live terminal dashboard for leasepool.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/leasepool/internal/api"
	"github.com/fentz26/leasepool/internal/models"
	"github.com/fentz26/leasepool/internal/pool"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeQueues   = "queues"
	modeMessages = "messages"

	peekLimit = 50
)

// App is the dashboard model.
type App struct {
	client   *Client
	interval time.Duration
	width    int
	height   int
	mode     string
	online   bool
	paused   bool
	ticking  bool
	stats    *api.StatsResponse
	updated  time.Time
	message  string
	queues   *QueueTableModel
	messages *MessagesModel
}

// New creates a dashboard polling apiAddr every interval.
func New(apiAddr string, interval time.Duration) *App {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &App{
		client:   NewClient(apiAddr),
		interval: interval,
		mode:     modeQueues,
		queues:   NewQueueTableModel(),
		messages: NewMessagesModel(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return a.fetchStats()
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case "esc":
			if a.mode == modeMessages {
				a.mode = modeQueues
				return a, nil
			}

		case "enter":
			if a.mode == modeQueues {
				if queue, ok := a.queues.Selected(); ok {
					a.mode = modeMessages
					a.messages.SetQueue(queue)
					return a, a.fetchMessages(queue)
				}
			}

		case "r":
			if a.mode == modeMessages {
				return a, a.fetchMessages(a.messages.queue)
			}
			return a, a.fetchStats()

		case "p":
			a.paused = !a.paused
			if !a.paused {
				return a, a.fetchStats()
			}
			return a, nil
		}

		if a.mode == modeMessages {
			return a, a.messages.Update(msg)
		}
		return a, a.queues.Update(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.queues.SetHeight(msg.Height - 14)
		a.messages.SetSize(msg.Width, msg.Height-6)

	case statsLoadedMsg:
		a.online = true
		a.message = ""
		a.stats = msg.stats
		a.updated = time.Now()
		a.queues.SetQueues(msg.stats.Queues)
		return a, a.tickCmd()

	case messagesLoadedMsg:
		if msg.queue == a.messages.queue {
			a.messages.SetMessages(msg.messages)
		}

	case tickMsg:
		a.ticking = false
		if !a.paused {
			return a, a.fetchStats()
		}

	case statsErrMsg:
		a.online = false
		a.message = "Error: " + msg.err.Error()
		// Keep polling so the dashboard recovers when the server comes back.
		return a, a.tickCmd()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	return a, nil
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	status := onlineStyle.Render("● ONLINE")
	if !a.online {
		status = offlineStyle.Render("○ OFFLINE")
	}
	header := titleStyle.Render("leasepool") + "  " + status
	if a.paused {
		header += "  " + helpStyle.Render("[paused]")
	}
	if !a.updated.IsZero() {
		header += "  " + helpStyle.Render("updated "+a.updated.Format("15:04:05"))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	switch a.mode {
	case modeQueues:
		b.WriteString(a.renderPoolPanel())
		b.WriteString("\n")
		b.WriteString(a.queues.View())
	case modeMessages:
		b.WriteString(titleStyle.Render("Queue "+a.messages.queue) + "\n")
		b.WriteString(a.messages.View())
	}

	if a.message != "" {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(errorColor).Render(a.message))
	}
	b.WriteString("\n")

	var help string
	switch a.mode {
	case modeQueues:
		help = " ↑↓:nav | Enter:messages | r:refresh | p:pause | q:quit"
	default:
		help = " ↑↓:scroll | r:refresh | Esc:back | q:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(help))

	return b.String()
}

func (a *App) renderPoolPanel() string {
	if a.stats == nil {
		return panelStyle.Render("Loading...")
	}
	if a.stats.Pool == nil {
		return panelStyle.Render(helpStyle.Render("No pool attached to this server"))
	}
	return panelStyle.Render(formatPool(*a.stats.Pool))
}

func formatPool(p pool.Stats) string {
	state := onlineStyle.Render("active")
	if !p.Active {
		state = helpStyle.Render("stopped")
	}
	workers := fmt.Sprintf("%d/%d alive", p.AliveWorkers, p.Workers)
	if p.DeadWorkers > 0 {
		workers = lipgloss.NewStyle().Foreground(errorColor).Render(
			fmt.Sprintf("%s, %d dead", workers, p.DeadWorkers))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pool: %s  Workers: %s\n", state, workers)
	fmt.Fprintf(&b, "In flight: %d processing, %d awaiting ack\n", p.Processing, p.Finished)
	fmt.Fprintf(&b, "Dispatched %d  Completed %d  Retried %d  Routed %d\n",
		p.Dispatched, p.Completed, p.Retried, p.Routed)
	fmt.Fprintf(&b, "Acked %d  Renewed %d  Abandoned %d",
		p.Acked, p.Renewed, p.Abandoned)
	return b.String()
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.GetStats()
		if err != nil {
			return statsErrMsg{err}
		}
		return statsLoadedMsg{stats}
	}
}

func (a *App) fetchMessages(queue string) tea.Cmd {
	return func() tea.Msg {
		msgs, err := a.client.Peek(queue, peekLimit)
		if err != nil {
			return errMsg{err}
		}
		return messagesLoadedMsg{queue: queue, messages: msgs}
	}
}

// tickCmd schedules the next poll unless one is already pending.
func (a *App) tickCmd() tea.Cmd {
	if a.ticking {
		return nil
	}
	a.ticking = true
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type statsLoadedMsg struct {
	stats *api.StatsResponse
}

type messagesLoadedMsg struct {
	queue    string
	messages []models.Message
}

type statsErrMsg struct {
	err error
}

type errMsg struct {
	err error
}

type tickMsg time.Time
