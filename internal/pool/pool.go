package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/fentz26/leasepool/internal/lease"
	"github.com/fentz26/leasepool/internal/logging"
	"github.com/fentz26/leasepool/internal/metrics"
	"github.com/fentz26/leasepool/internal/queue"
)

// Auditor records pool decisions worth keeping after the session ends.
type Auditor interface {
	Record(action string, inputs any, outcome, details string) error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logr.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithAuditor sets where routing and abandon decisions are recorded.
func WithAuditor(a Auditor) Option {
	return func(p *Pool) { p.auditor = a }
}

// Pool runs one batch-processing session against an input queue.
type Pool struct {
	cfg     Config
	input   queue.Input
	outputs []queue.Output
	handler Handler
	caps    Capabilities
	logger  logr.Logger
	metrics *metrics.Metrics
	auditor Auditor
	now     func() time.Time

	leases  *lease.Store
	work    chan workItem
	results chan result
	workers []*worker

	started      atomic.Bool
	active       atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	outputFailed atomic.Bool
	nextID       uint64

	errMu    sync.Mutex
	firstErr error
	infraErr error

	stats counters
}

type counters struct {
	dispatched atomic.Int64
	completed  atomic.Int64
	retried    atomic.Int64
	routed     atomic.Int64
	acked      atomic.Int64
	renewed    atomic.Int64
	abandoned  atomic.Int64
}

// Stats is a snapshot of a session.
type Stats struct {
	Active       bool  `json:"active"`
	Workers      int   `json:"workers"`
	AliveWorkers int   `json:"alive_workers"`
	DeadWorkers  int   `json:"dead_workers"`
	Processing   int   `json:"processing"`
	Finished     int   `json:"finished"`
	Dispatched   int64 `json:"dispatched"`
	Completed    int64 `json:"completed"`
	Retried      int64 `json:"retried"`
	Routed       int64 `json:"routed"`
	Acked        int64 `json:"acked"`
	Renewed      int64 `json:"renewed"`
	Abandoned    int64 `json:"abandoned"`
}

// New creates a pool attached to input. outputs receive derived messages in
// order: the n-th encoded form of every result goes to outputs[n].
func New(cfg Config, input queue.Input, outputs []queue.Output, h Handler, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if input == nil || h == nil {
		return nil, fmt.Errorf("%w: input and handler are required", ErrInvalidConfig)
	}

	p := &Pool{
		cfg:        cfg,
		input:      input,
		outputs:    outputs,
		handler:    h,
		caps:       capabilitiesOf(h),
		logger:     logr.Discard(),
		now:        time.Now,
		leases:     lease.NewStore(),
		work:       make(chan workItem, 1),
		results:    make(chan result, cfg.ResultBuffer),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.workers = make([]*worker, cfg.WorkersPerJob)
	for i := range p.workers {
		p.workers[i] = &worker{
			id:     i,
			pool:   p,
			logger: p.logger.WithValues("worker", i),
		}
	}
	return p, nil
}

// Shutdown asks a running session to stop leasing new work. Run returns once
// everything already dispatched has been processed and acked.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)
	})
}

func (p *Pool) stopping() bool {
	select {
	case <-p.shutdownCh:
		return true
	default:
		return false
	}
}

// Run executes the session. It returns nil when the input ran dry or Shutdown
// was called and every dispatched message reached a terminal outcome. It
// returns the first fatal error otherwise: ErrWorkerDied, ErrShutdownTimeout,
// output or input failures, a worker HookError, or ErrTornDown wrapping the
// context error when ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	p.active.Store(true)

	logger := p.logger.WithValues("workers", len(p.workers), "batchSize", p.cfg.BatchSize)
	logger.V(logging.DEFAULT).Info("Pool session starting", "renewRatio", p.cfg.RenewRatio())

	// Bookkeeping keeps going while the session is torn down so that finished
	// work is still acked.
	bg := context.WithoutCancel(ctx)

	var workersWG sync.WaitGroup
	for _, w := range p.workers {
		workersWG.Add(1)
		go func(w *worker) {
			defer workersWG.Done()
			w.run(ctx, bg)
		}(w)
	}

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		p.drain(bg)
	}()

	maintainDone := make(chan struct{})
	go func() {
		defer close(maintainDone)
		p.maintain(bg)
	}()

	monitorStop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		p.monitor(monitorStop)
	}()

	// A torn down context is reported as is, never masked by a later error.
	p.recordFatal(p.dispatch(ctx), true)
	p.Shutdown()

	// Closing the work channel is the done broadcast.
	close(p.work)
	joinErr := p.join(&workersWG, drainDone)
	if joinErr != nil {
		p.recordFatal(joinErr, true)
	}

	close(monitorStop)
	<-monitorDone

	p.active.Store(false)
	p.leases.Wake()
	<-maintainDone

	err := p.sessionErr()
	st := p.Stats()
	if err != nil {
		logger.Error(err, "Pool session failed", "dispatched", st.Dispatched, "completed", st.Completed)
		return err
	}
	logger.V(logging.DEFAULT).Info("Pool session finished",
		"dispatched", st.Dispatched, "completed", st.Completed, "retried", st.Retried, "routed", st.Routed)
	return nil
}

// dispatch is the coordinator loop.
func (p *Pool) dispatch(ctx context.Context) error {
	for {
		if p.stopping() {
			return nil
		}
		msgs, err := p.input.PopLeased(ctx, p.cfg.BatchSize, p.cfg.IdleTimeout, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrTornDown, ctx.Err())
			}
			return fmt.Errorf("%w: pop leased: %w", ErrInputFailed, err)
		}
		if len(msgs) == 0 {
			p.logger.V(logging.DEFAULT).Info("No more work")
			return nil
		}
		p.logger.V(logging.DEBUG).Info("Leased batch", "size", len(msgs))

		for _, m := range msgs {
			p.nextID++
			id := p.nextID
			p.leases.Add(id, m.Ticket, p.now().Add(p.cfg.LeaseDuration-p.cfg.LeaseSkew))
			item := workItem{localID: id, body: m.Body, retryCount: m.RetryCount, maxRetries: m.MaxRetries}

			// The rest of the batch stays leased on the input until it expires.
			if p.stopping() {
				p.leases.Drop(id)
				return nil
			}
			select {
			case p.work <- item:
				p.stats.dispatched.Add(1)
				p.metrics.IncDispatched()
			case <-p.shutdownCh:
				p.leases.Drop(id)
				return nil
			case <-ctx.Done():
				p.leases.Drop(id)
				return fmt.Errorf("%w: %w", ErrTornDown, ctx.Err())
			}
		}
	}
}

// join waits for the workers and then the drain loop, bounded by
// ShutdownTimeout.
func (p *Pool) join(workers *sync.WaitGroup, drainDone <-chan struct{}) error {
	joined := make(chan struct{})
	go func() {
		workers.Wait()
		<-drainDone
		close(joined)
	}()

	if p.cfg.ShutdownTimeout <= 0 {
		<-joined
		return nil
	}
	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-joined:
		return nil
	case <-timer.C:
		n := p.leases.Abandon()
		p.stats.abandoned.Add(int64(n))
		p.metrics.AddAbandoned(n)
		p.logger.Error(ErrShutdownTimeout, "Workers did not stop in time, abandoning leases",
			"timeout", p.cfg.ShutdownTimeout, "abandoned", n)
		return ErrShutdownTimeout
	}
}

// recordFatal keeps the first error of each class. Pipeline failures take
// precedence over hook failures.
func (p *Pool) recordFatal(err error, infra bool) {
	if err == nil {
		return
	}
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if infra {
		if p.infraErr == nil {
			p.infraErr = err
		}
		return
	}
	if p.firstErr == nil {
		p.firstErr = err
	}
}

func (p *Pool) sessionErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.infraErr != nil {
		return p.infraErr
	}
	return p.firstErr
}

// Stats returns a snapshot of the session.
func (p *Pool) Stats() Stats {
	processing, finished := p.leases.Len()
	st := Stats{
		Active:     p.active.Load(),
		Workers:    len(p.workers),
		Processing: processing,
		Finished:   finished,
		Dispatched: p.stats.dispatched.Load(),
		Completed:  p.stats.completed.Load(),
		Retried:    p.stats.retried.Load(),
		Routed:     p.stats.routed.Load(),
		Acked:      p.stats.acked.Load(),
		Renewed:    p.stats.renewed.Load(),
		Abandoned:  p.stats.abandoned.Load(),
	}
	for _, w := range p.workers {
		switch w.state.Load() {
		case stateRunning:
			st.AliveWorkers++
		case stateDead:
			st.DeadWorkers++
		}
	}
	return st
}

func (p *Pool) audit(action string, inputs any, outcome, details string) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.Record(action, inputs, outcome, details); err != nil {
		p.logger.Error(err, "Failed to record audit entry", "action", action)
	}
}
