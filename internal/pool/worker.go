package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/fentz26/leasepool/internal/logging"
)

const (
	stateRunning int32 = iota
	stateExited
	stateDead
)

type worker struct {
	id     int
	pool   *Pool
	logger logr.Logger
	state  atomic.Int32
}

// run is the worker loop. ctx is handed to the handler; bg is used for pushes
// to the queues so they survive a torn down session.
func (w *worker) run(ctx, bg context.Context) {
	p := w.pool
	defer func() {
		if r := recover(); r != nil {
			w.state.Store(stateDead)
			p.metrics.IncDeadWorkers()
			w.logger.Error(&WorkerPanicError{Worker: w.id, Value: r, Stack: debug.Stack()},
				"Worker died", "stack", string(debug.Stack()))
		}
	}()

	var hookErr error
	if pre, ok := p.handler.(PreHandler); ok {
		if err := pre.PreHandling(ctx); err != nil {
			w.logger.Error(err, "Pre handling hook failed")
			hookErr = multierr.Append(hookErr, &HookError{Worker: w.id, Hook: "pre", Err: err})
		}
	}

	for item := range p.work {
		w.process(ctx, bg, item)
	}

	if post, ok := p.handler.(PostHandler); ok {
		if err := post.PostHandling(ctx); err != nil {
			w.logger.Error(err, "Post handling hook failed")
			hookErr = multierr.Append(hookErr, &HookError{Worker: w.id, Hook: "post", Err: err})
		}
	}

	w.state.Store(stateExited)
	if hookErr != nil {
		p.results <- result{kind: resultWorkerFatal, worker: w.id, err: hookErr}
		return
	}
	p.results <- result{kind: resultWorkerDone, worker: w.id}
}

// process handles one message. It ends with the completion, after every derived
// message has been emitted, unless the session was torn down under it.
func (w *worker) process(ctx, bg context.Context, item workItem) {
	p := w.pool
	logger := w.logger.WithValues("localID", item.localID, "retryCount", item.retryCount)
	logger.V(logging.TRACE).Info("Processing message")

	if err := w.handle(ctx, item); err != nil {
		if ctx.Err() != nil {
			// A torn down session neither retries nor routes. The message is
			// redelivered once its lease expires.
			n := p.leases.Drop(item.localID)
			p.stats.abandoned.Add(int64(n))
			p.metrics.AddAbandoned(n)
			logger.V(logging.DEBUG).Info("Leaving message of a torn down session to expire", "error", err.Error())
			return
		}
		w.fail(bg, logger, item, err)
	}
	p.results <- result{kind: resultCompletion, worker: w.id, localID: item.localID}
}

func (w *worker) handle(ctx context.Context, item workItem) error {
	p := w.pool
	payload, err := p.input.Decode(item.body)
	if err != nil {
		return err
	}

	msg := Message{Payload: payload}
	if p.caps.AcceptsRetryCount {
		msg.RetryCount = item.retryCount
	}
	if p.caps.AcceptsMaxRetries {
		msg.MaxRetries = p.maxRetries(nil, item)
	}

	out, err := p.handler.Handle(ctx, msg)
	if err != nil {
		return err
	}
	if len(p.outputs) == 0 {
		return nil
	}
	return eachItem(out, p.cfg.ExpandIterableOutput, func(v any) error {
		batch := make([][]byte, len(p.outputs))
		for i, o := range p.outputs {
			data, err := o.Encode(v)
			if err != nil {
				return fmt.Errorf("encode for output %s: %w", o.Name(), err)
			}
			batch[i] = data
		}
		p.results <- result{kind: resultOutput, worker: w.id, batch: batch}
		return nil
	})
}

// fail decides between retrying and routing a failed message.
func (w *worker) fail(ctx context.Context, logger logr.Logger, item workItem, err error) {
	p := w.pool

	var directive *RetryDirective
	switch {
	case errors.As(err, &directive):
	case p.cfg.retryable(err):
		directive = Retry(err)
	default:
		logger.V(logging.VERBOSE).Info("Handler failed with a terminal error", "error", err.Error())
		w.route(ctx, logger, item, err)
		return
	}

	maxRetries := p.maxRetries(directive, item)
	if directive.Terminal || item.retryCount >= maxRetries {
		cause := directive.Cause
		if cause == nil {
			cause = err
		}
		logger.V(logging.VERBOSE).Info("Retries exhausted", "maxRetries", maxRetries, "error", err.Error())
		w.route(ctx, logger, item, &RetryDirective{Cause: cause, MaxRetries: &maxRetries, Terminal: true})
		return
	}

	delay := p.cfg.RetryDelay
	if directive.Delay != nil {
		delay = *directive.Delay
	}
	if rerr := p.input.ReEnqueue(ctx, item.body, delay, item.retryCount+1, &maxRetries); rerr != nil {
		logger.Error(rerr, "Failed to re-enqueue message, routing it as terminal")
		w.route(ctx, logger, item, errors.Join(err, fmt.Errorf("%w: re-enqueue: %w", ErrInputFailed, rerr)))
		return
	}
	p.stats.retried.Add(1)
	p.metrics.IncRetried()
	logger.V(logging.DEBUG).Info("Message re-enqueued", "delay", delay, "maxRetries", maxRetries)
}

// route pushes an ErrorRecord for a terminal failure to the first matching
// route. Failures here are logged and never escape.
func (w *worker) route(ctx context.Context, logger logr.Logger, item workItem, cause error) {
	p := w.pool
	p.stats.routed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncRouted("failed")
			logger.Error(fmt.Errorf("panic: %v", r), "Error routing panicked")
		}
	}()

	match := cause
	var terminal *RetryDirective
	if errors.As(cause, &terminal) && terminal.Terminal && terminal.Cause != nil {
		match = terminal.Cause
	}

	rec := newErrorRecord(item, cause, p.maxRetries(terminal, item), p.now())
	r, ok := p.cfg.route(match)
	if !ok {
		p.metrics.IncRouted("unrouted")
		logger.Info("Terminal failure has no error route", "error", cause.Error())
		p.audit("message.route", rec, "unrouted", cause.Error())
		return
	}

	err := w.push(ctx, r, rec)
	if err != nil {
		p.metrics.IncRouted("failed")
		logger.Error(err, "Failed to route terminal failure", "route", r.Name)
		p.audit("message.route", rec, "failed", err.Error())
		return
	}
	p.metrics.IncRouted("routed")
	logger.V(logging.VERBOSE).Info("Terminal failure routed", "route", r.Name, "queue", r.Queue.Name())
	p.audit("message.route", rec, "routed", r.Queue.Name())
}

func (w *worker) push(ctx context.Context, r ErrorRoute, rec ErrorRecord) error {
	data, err := r.Queue.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode error record: %w", err)
	}
	return r.Queue.PushBatch(ctx, [][]byte{data}, r.Delay)
}

// maxRetries resolves the ceiling: directive, then message, then pipeline.
func (p *Pool) maxRetries(d *RetryDirective, item workItem) int {
	if d != nil && d.MaxRetries != nil {
		return *d.MaxRetries
	}
	if item.maxRetries != nil {
		return *item.maxRetries
	}
	return p.cfg.MaxRetries
}

// ErrorRecord is what a terminal failure route receives.
type ErrorRecord struct {
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type"`
	Chain      []string  `json:"chain"`
	Source     []byte    `json:"source"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	LocalID    uint64    `json:"local_id"`
	FailedAt   time.Time `json:"failed_at"`
}

func newErrorRecord(item workItem, cause error, maxRetries int, now time.Time) ErrorRecord {
	rec := ErrorRecord{
		Error:      cause.Error(),
		ErrorType:  fmt.Sprintf("%T", cause),
		Source:     item.body,
		RetryCount: item.retryCount,
		MaxRetries: maxRetries,
		LocalID:    item.localID,
		FailedAt:   now.UTC(),
	}
	for err := cause; err != nil; err = errors.Unwrap(err) {
		rec.Chain = append(rec.Chain, fmt.Sprintf("%T: %v", err, err))
	}
	return rec
}
