package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/leasepool/internal/config"
	"github.com/fentz26/leasepool/internal/pool"
)

var (
	dlqLimit int
	dlqPurge bool
	dlqRaw   bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq [queue]",
	Short: "Show the newest error records of an error queue",
	Long: `Prints the newest error records routed to an error queue, given as sqlite:<name>,
redis:<stream> or a bare SQLite queue name. --purge deletes the unleased records of
a SQLite queue.`,
	Args: cobra.ExactArgs(1),
	RunE: runDLQ,
}

func init() {
	dlqCmd.Flags().IntVarP(&dlqLimit, "limit", "n", 20, "Number of records to show")
	dlqCmd.Flags().BoolVar(&dlqPurge, "purge", false, "Delete the queue's records instead of showing them")
	dlqCmd.Flags().BoolVar(&dlqRaw, "raw", false, "Print the raw JSON records")
}

func runDLQ(cmd *cobra.Command, args []string) error {
	bnd, err := config.ParseBinding(args[0])
	if err != nil {
		return err
	}
	if dlqLimit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	if dlqPurge && bnd.Backend != config.BackendSQLite {
		return fmt.Errorf("--purge only supports sqlite queues")
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

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if dlqPurge {
		n, err := b.store.Purge(ctx, bnd.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Purged %d record(s) from %s\n", n, bnd)
		return nil
	}

	var bodies [][]byte
	switch bnd.Backend {
	case config.BackendRedis:
		s, err := b.stream(bnd.Name)
		if err != nil {
			return err
		}
		entries, err := s.Tail(ctx, int64(dlqLimit))
		if err != nil {
			return err
		}
		for _, e := range entries {
			bodies = append(bodies, e.Body)
		}
	default:
		msgs, err := b.store.Peek(ctx, bnd.Name, dlqLimit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			bodies = append(bodies, m.Body)
		}
	}

	if len(bodies) == 0 {
		fmt.Fprintf(out, "No records in %s\n", bnd)
		return nil
	}
	for _, body := range bodies {
		printRecord(out, body, dlqRaw)
	}
	return nil
}

// printRecord prints one error record, or the raw body when it is not one.
func printRecord(w io.Writer, body []byte, raw bool) {
	var rec pool.ErrorRecord
	if raw || json.Unmarshal(body, &rec) != nil || rec.Error == "" {
		fmt.Fprintln(w, string(body))
		return
	}

	fmt.Fprintf(w, "%s  %s\n",
		mutedStyle.Render(rec.FailedAt.Local().Format(time.DateTime)),
		warnStyle.Render(rec.ErrorType))
	fmt.Fprintf(w, "  error:   %s\n", rec.Error)
	for _, cause := range rec.Chain {
		fmt.Fprintf(w, "           %s\n", cause)
	}
	fmt.Fprintf(w, "  retries: %d/%d\n", rec.RetryCount, rec.MaxRetries)
	fmt.Fprintf(w, "  source:  %s\n\n", truncate(string(rec.Source), 200))
}
