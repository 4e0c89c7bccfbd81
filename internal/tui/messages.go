package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/leasepool/internal/models"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(mutedColor)

	stateReady   = lipgloss.NewStyle().Foreground(successColor)
	stateDelayed = lipgloss.NewStyle().Foreground(warningColor)
	stateLeased  = lipgloss.NewStyle().Foreground(cyanColor)
)

// MessagesModel shows the newest messages of one queue in a scrollable view
type MessagesModel struct {
	queue    string
	messages []models.Message
	viewport viewport.Model
	loaded   bool
}

// NewMessagesModel creates a new message view
func NewMessagesModel() *MessagesModel {
	return &MessagesModel{viewport: viewport.New(80, 20)}
}

// SetQueue switches to another queue and clears the view
func (m *MessagesModel) SetQueue(queue string) {
	m.queue = queue
	m.messages = nil
	m.loaded = false
	m.viewport.SetContent("")
	m.viewport.GotoTop()
}

// SetSize sets the dimensions
func (m *MessagesModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = max(h, 3)
}

// SetMessages renders the peeked messages
func (m *MessagesModel) SetMessages(msgs []models.Message) {
	m.messages = msgs
	m.loaded = true
	m.viewport.SetContent(m.render())
}

// Update handles scrolling
func (m *MessagesModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

// View renders the message list
func (m *MessagesModel) View() string {
	if !m.loaded {
		return "\n  Loading messages...\n"
	}
	if len(m.messages) == 0 {
		return "\n  " + helpStyle.Render("Queue "+m.queue+" is empty") + "\n"
	}
	return m.viewport.View()
}

func (m *MessagesModel) render() string {
	var b strings.Builder
	for _, msg := range m.messages {
		fmt.Fprintf(&b, "%s %s  %s\n",
			labelStyle.Render("id:"), msg.ID, formatState(msg.State))
		fmt.Fprintf(&b, "%s %d  %s %d  %s %s\n",
			labelStyle.Render("retries:"), msg.RetryCount,
			labelStyle.Render("deliveries:"), msg.Deliveries,
			labelStyle.Render("age:"), formatDuration(time.Since(msg.CreatedAt)))
		b.WriteString(indentBody(msg.Body))
		b.WriteString("\n")
	}
	return b.String()
}

func formatState(state models.MessageState) string {
	switch state {
	case models.MessageStateReady:
		return stateReady.Render("● ready")
	case models.MessageStateDelayed:
		return stateDelayed.Render("● delayed")
	case models.MessageStateLeased:
		return stateLeased.Render("● leased")
	default:
		return string(state)
	}
}

// indentBody pretty-prints a JSON body, falling back to the raw bytes.
func indentBody(body json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "  ", "  "); err != nil {
		return "  " + string(body) + "\n"
	}
	return "  " + out.String() + "\n"
}

func formatDuration(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
