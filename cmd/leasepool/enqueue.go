package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/leasepool/internal/config"
)

var (
	enqueueDelay time.Duration
	enqueueStdin bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [queue] [json]...",
	Short: "Push messages to a queue",
	Long: `Pushes JSON messages to a queue, given as sqlite:<name>, redis:<stream> or a bare
SQLite queue name. With --stdin, messages are read one per line.`,
	Example: `  leasepool enqueue jobs '{"command": "echo", "args": ["hi"]}'
  cat messages.jsonl | leasepool enqueue jobs --stdin`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "Delay before the messages become visible")
	enqueueCmd.Flags().BoolVar(&enqueueStdin, "stdin", false, "Read newline-delimited JSON messages from stdin")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	bnd, err := config.ParseBinding(args[0])
	if err != nil {
		return err
	}
	if enqueueDelay < 0 {
		return fmt.Errorf("delay must not be negative")
	}

	items, err := collectMessages(args[1:], cmd.InOrStdin(), enqueueStdin)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no messages given")
	}

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

	out, err := b.output(bnd)
	if err != nil {
		return err
	}
	if err := out.PushBatch(cmd.Context(), items, enqueueDelay); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d message(s) to %s\n", len(items), bnd)
	return nil
}

// collectMessages validates the JSON arguments and, when fromStdin is set, the
// non-empty lines of r.
func collectMessages(args []string, r io.Reader, fromStdin bool) ([][]byte, error) {
	var items [][]byte
	add := func(raw, origin string) error {
		raw = strings.TrimSpace(raw)
		if !json.Valid([]byte(raw)) || raw == "null" {
			return fmt.Errorf("%s: invalid JSON message %q", origin, raw)
		}
		items = append(items, []byte(raw))
		return nil
	}

	for i, arg := range args {
		if err := add(arg, fmt.Sprintf("argument %d", i+1)); err != nil {
			return nil, err
		}
	}
	if !fromStdin {
		return items, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		if err := add(scanner.Text(), fmt.Sprintf("stdin line %d", line)); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return items, nil
}
