package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/leasepool/internal/tui"
)

var (
	watchAddr     string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Launch the live dashboard",
	Long:  `Polls the API of a running "leasepool run" and shows queue and pool statistics.`,
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "api", "http://127.0.0.1:7480", "API server address")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Poll interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if ok, err := tui.NewClient(watchAddr).CheckHealth(); err != nil || !ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "leasepool API not healthy at %s, the dashboard will retry\n", watchAddr)
	}

	app := tui.New(watchAddr, watchInterval)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
