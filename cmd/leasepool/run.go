package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/leasepool/internal/api"
	"github.com/fentz26/leasepool/internal/audit"
	"github.com/fentz26/leasepool/internal/config"
	"github.com/fentz26/leasepool/internal/connectors/localexec"
	"github.com/fentz26/leasepool/internal/logging"
	"github.com/fentz26/leasepool/internal/metrics"
	"github.com/fentz26/leasepool/internal/pool"
	"github.com/fentz26/leasepool/internal/queue"
)

var (
	listenAddr string
	runOnce    bool
	idlePause  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker pool against the input queue",
	Long: `Runs pool sessions against the configured input queue. A session ends when the
input stays empty for idle_timeout; run then starts a new one unless --once is set.
The first SIGINT/SIGTERM finishes dispatched work and stops; a second one tears the
session down immediately.`,
	Args: cobra.NoArgs,
	RunE: runPool,
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides listen)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Stop after one session")
	runCmd.Flags().DurationVar(&idlePause, "idle-pause", time.Second, "Pause between sessions")
}

// runner drives consecutive pool sessions and reports the current one's stats.
type runner struct {
	cfg     *config.Config
	input   queue.Input
	outputs []queue.Output
	handler pool.Handler
	opts    []pool.Option
	logger  logr.Logger

	current  atomic.Pointer[pool.Pool]
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Stats reports the stats of the running or last session.
func (r *runner) Stats() pool.Stats {
	if p := r.current.Load(); p != nil {
		return p.Stats()
	}
	return pool.Stats{}
}

// stop finishes the current session and starts no new one.
func (r *runner) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if p := r.current.Load(); p != nil {
			p.Shutdown()
		}
	})
}

func (r *runner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *runner) sessions(ctx context.Context) error {
	for session := 1; ; session++ {
		p, err := pool.New(r.cfg.Pool, r.input, r.outputs, r.handler, r.opts...)
		if err != nil {
			return err
		}
		r.current.Store(p)
		// stop may have run before the pool was published.
		if r.stopped() {
			p.Shutdown()
		}

		r.logger.V(logging.VERBOSE).Info("Session started", "session", session)
		err = p.Run(ctx)
		st := p.Stats()
		r.logger.V(logging.VERBOSE).Info("Session finished", "session", session,
			"dispatched", st.Dispatched, "completed", st.Completed,
			"retried", st.Retried, "routed", st.Routed)
		if err != nil {
			return fmt.Errorf("session %d: %w", session, err)
		}
		if runOnce || r.stopped() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-time.After(idlePause):
		}
	}
}

func runPool(cmd *cobra.Command, args []string) error {
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

	r, err := newRunner(cfg, b, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.opts = append(r.opts,
		pool.WithLogger(logger.WithName("pool")),
		pool.WithMetrics(metrics.New(reg)),
		pool.WithAuditor(audit.NewPDRWriter(b.store)),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for n := 0; ; n++ {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if n == 0 {
					logger.Info("Received signal, finishing dispatched work", "signal", sig.String())
					r.stop()
					continue
				}
				logger.Info("Received second signal, tearing down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	g.Go(func() error {
		defer stopServing()
		return r.sessions(gctx)
	})
	if cfg.Listen != "" {
		server := api.NewServer(b.store, cfg.Listen,
			api.WithPool(r),
			api.WithGatherer(reg),
			api.WithLogger(logger.WithName("api")),
		)
		g.Go(func() error { return server.Run(serveCtx) })
	}
	for _, s := range b.streams {
		g.Go(func() error { return s.RunPromoter(serveCtx, cfg.PromoteInterval) })
	}

	err = g.Wait()
	if errors.Is(err, pool.ErrTornDown) {
		logger.Info("Session torn down")
	}
	return err
}

// newRunner resolves the bindings, routes and handler of cfg.
func newRunner(cfg *config.Config, b *backends, logger logr.Logger) (*runner, error) {
	in, err := config.ParseBinding(cfg.Input)
	if err != nil {
		return nil, err
	}
	input, err := b.store.Queue(in.Name)
	if err != nil {
		return nil, err
	}

	outputs := make([]queue.Output, 0, len(cfg.Outputs))
	for _, ref := range cfg.Outputs {
		bnd, err := config.ParseBinding(ref)
		if err != nil {
			return nil, err
		}
		out, err := b.output(bnd)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	kinds := config.DefaultKinds().Merge(localexec.ErrorKinds())
	poolCfg := cfg.Pool
	if poolCfg.RetryOn, err = cfg.RetryMatchers(kinds); err != nil {
		return nil, err
	}
	routes, err := cfg.Routes(kinds)
	if err != nil {
		return nil, err
	}
	for _, rt := range routes {
		out, err := b.output(rt.Binding)
		if err != nil {
			return nil, err
		}
		poolCfg.OnError = append(poolCfg.OnError, pool.ErrorRoute{
			Name: rt.Name, Match: rt.Match, Queue: out, Delay: rt.Delay,
		})
	}
	runCfg := *cfg
	runCfg.Pool = poolCfg

	return &runner{
		cfg:     &runCfg,
		input:   input,
		outputs: outputs,
		handler: newHandler(cfg.Handler, logger),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

func (b *backends) output(bnd config.Binding) (queue.Output, error) {
	switch bnd.Backend {
	case config.BackendRedis:
		return b.stream(bnd.Name)
	default:
		return b.store.Queue(bnd.Name)
	}
}

func newHandler(hc config.HandlerConfig, logger logr.Logger) pool.Handler {
	if hc.Name == config.HandlerExec {
		workDir, _ := os.Getwd()
		return localexec.New(workDir, hc.Allowlist,
			localexec.WithTimeout(hc.Timeout),
			localexec.WithLogger(logger.WithName("localexec")))
	}
	return pool.HandlerFunc(func(ctx context.Context, msg pool.Message) (any, error) {
		return msg.Payload, nil
	})
}
