package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fentz26/leasepool/internal/config"
	"github.com/fentz26/leasepool/internal/logging"
	"github.com/fentz26/leasepool/internal/redisq"
	"github.com/fentz26/leasepool/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "leasepool",
	Short: "leasepool - leased message worker pool",
	Long: `leasepool leases messages from a queue, runs them through a handler on a pool of
workers, pushes derived messages to output queues and acks the input only once the
outputs hold the results. Failures are retried or routed to error queues.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	dbPath     string
	redisAddr  string
	verbosity  int
	devLogs    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides db_path)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (overrides redis_addr)")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", -1, "Log verbosity: 0 default, 3 verbose, 4 debug, 5 trace")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "Human readable console logs")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig loads the config file and applies the flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	if verbosity >= 0 {
		cfg.Verbosity = verbosity
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (logr.Logger, error) {
	return logging.NewLogger(cfg.Verbosity, devLogs)
}

// backends holds the connections a command opened.
type backends struct {
	store  *store.Store
	redis  *redis.Client
	logger logr.Logger

	streams map[string]*redisq.Stream
}

func openBackends(cfg *config.Config, logger logr.Logger) (*backends, error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	b := &backends{store: st, logger: logger, streams: map[string]*redisq.Stream{}}
	if cfg.RedisAddr != "" {
		b.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return b, nil
}

// stream returns the shared Stream for name.
func (b *backends) stream(name string) (*redisq.Stream, error) {
	if b.redis == nil {
		return nil, fmt.Errorf("redis:%s needs a redis address", name)
	}
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	s := redisq.New(b.redis, name, redisq.WithLogger(b.logger.WithName("redisq")))
	b.streams[name] = s
	return s, nil
}

func (b *backends) Close() error {
	if b.redis != nil {
		b.redis.Close()
	}
	return b.store.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
