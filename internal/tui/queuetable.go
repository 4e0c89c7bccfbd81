package tui

import (
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/leasepool/internal/models"
)

var queueColumns = []table.Column{
	{Title: "QUEUE", Width: 24},
	{Title: "READY", Width: 8},
	{Title: "DELAYED", Width: 8},
	{Title: "LEASED", Width: 8},
	{Title: "TOTAL", Width: 8},
}

// QueueTableModel shows per-queue message counts
type QueueTableModel struct {
	table  table.Model
	queues []models.QueueStats
}

// NewQueueTableModel creates a new queue table
func NewQueueTableModel() *QueueTableModel {
	t := table.New(
		table.WithColumns(queueColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true).
		Foreground(cyanColor)
	styles.Selected = styles.Selected.
		Foreground(fgColor).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(styles)
	return &QueueTableModel{table: t}
}

// SetQueues replaces the rows, keeping the cursor in range
func (m *QueueTableModel) SetQueues(queues []models.QueueStats) {
	m.queues = queues
	rows := make([]table.Row, len(queues))
	for i, q := range queues {
		rows[i] = table.Row{
			q.Queue,
			strconv.Itoa(q.Ready),
			strconv.Itoa(q.Delayed),
			strconv.Itoa(q.Leased),
			strconv.Itoa(q.Total()),
		}
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

// SetHeight sets the visible row count
func (m *QueueTableModel) SetHeight(h int) {
	m.table.SetHeight(max(h, 3))
}

// Selected returns the queue under the cursor
func (m *QueueTableModel) Selected() (string, bool) {
	row := m.table.SelectedRow()
	if row == nil {
		return "", false
	}
	return row[0], true
}

// Update handles navigation keys
func (m *QueueTableModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return cmd
}

// View renders the table
func (m *QueueTableModel) View() string {
	if len(m.queues) == 0 {
		return helpStyle.Render("  No queues yet") + "\n"
	}
	return m.table.View()
}
