package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fentz26/leasepool/internal/config"
	"github.com/fentz26/leasepool/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show message counts per queue",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

// streamStats counts the entries of a Redis output stream.
type streamStats struct {
	Name    string
	Entries int64
	Delayed int64
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	b, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	queues, err := b.store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	var streams []streamStats
	for _, bnd := range cfg.Bindings() {
		if bnd.Backend != config.BackendRedis {
			continue
		}
		s, err := b.stream(bnd.Name)
		if err != nil {
			return err
		}
		n, delayed, err := s.Len(cmd.Context())
		if err != nil {
			return err
		}
		streams = append(streams, streamStats{Name: bnd.Name, Entries: n, Delayed: delayed})
	}

	fmt.Fprint(cmd.OutOrStdout(), renderStats(queues, streams))
	return nil
}

func renderStats(queues []models.QueueStats, streams []streamStats) string {
	var b strings.Builder

	if len(queues) == 0 {
		b.WriteString(mutedStyle.Render("No SQLite queues hold messages") + "\n")
	} else {
		fmt.Fprintf(&b, "%s  %s  %s  %s  %s\n",
			headerStyle.Render(fmt.Sprintf("%-24s", "QUEUE")),
			headerStyle.Render(fmt.Sprintf("%8s", "READY")),
			headerStyle.Render(fmt.Sprintf("%8s", "DELAYED")),
			headerStyle.Render(fmt.Sprintf("%8s", "LEASED")),
			headerStyle.Render(fmt.Sprintf("%8s", "TOTAL")))
		b.WriteString(mutedStyle.Render(strings.Repeat("─", 64)) + "\n")
		for _, q := range queues {
			leased := fmt.Sprintf("%8d", q.Leased)
			if q.Leased > 0 {
				leased = warnStyle.Render(leased)
			}
			fmt.Fprintf(&b, "%s  %8d  %8d  %s  %8d\n",
				nameStyle.Render(fmt.Sprintf("%-24s", truncate(q.Queue, 24))),
				q.Ready, q.Delayed, leased, q.Total())
		}
	}

	if len(streams) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s  %s  %s\n",
			headerStyle.Render(fmt.Sprintf("%-24s", "REDIS STREAM")),
			headerStyle.Render(fmt.Sprintf("%8s", "ENTRIES")),
			headerStyle.Render(fmt.Sprintf("%8s", "DELAYED")))
		b.WriteString(mutedStyle.Render(strings.Repeat("─", 44)) + "\n")
		for _, s := range streams {
			fmt.Fprintf(&b, "%s  %8d  %8d\n",
				nameStyle.Render(fmt.Sprintf("%-24s", truncate(s.Name, 24))), s.Entries, s.Delayed)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
