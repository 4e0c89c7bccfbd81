package pool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for pool sessions.
var (
	ErrInvalidConfig   = errors.New("invalid pool config")
	ErrAlreadyRunning  = errors.New("pool session already started")
	ErrWorkerDied      = errors.New("worker died")
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrTornDown        = errors.New("session torn down")
	ErrOutputFailed    = errors.New("output push failed")
	ErrInputFailed     = errors.New("input failed")
)

// RetryDirective asks the pool to retry a message. Handlers may return one
// (wrapped or not) to override the delay and ceiling of a single attempt.
type RetryDirective struct {
	// Delay overrides Config.RetryDelay when set.
	Delay *time.Duration
	// MaxRetries overrides the message and pipeline ceilings when set.
	MaxRetries *int
	Cause      error
	// Terminal marks the message as abandoned: it is routed instead of retried.
	Terminal bool
}

// Retry returns a directive retrying cause with the pipeline defaults.
func Retry(cause error) *RetryDirective {
	return &RetryDirective{Cause: cause}
}

// After sets the retry delay.
func (d *RetryDirective) After(delay time.Duration) *RetryDirective {
	d.Delay = &delay
	return d
}

// Max sets the retry ceiling.
func (d *RetryDirective) Max(n int) *RetryDirective {
	d.MaxRetries = &n
	return d
}

func (d *RetryDirective) Error() string {
	kind := "retry"
	if d.Terminal {
		kind = "retries exhausted"
	}
	if d.Cause == nil {
		return kind
	}
	return fmt.Sprintf("%s: %v", kind, d.Cause)
}

func (d *RetryDirective) Unwrap() error {
	return d.Cause
}

// WorkerPanicError describes the panic that killed a worker.
type WorkerPanicError struct {
	Worker int
	Value  any
	Stack  []byte
}

func (e *WorkerPanicError) Error() string {
	return fmt.Sprintf("worker %d panicked: %v", e.Worker, e.Value)
}

// HookError is returned when a pre or post handling hook fails.
type HookError struct {
	Worker int
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("worker %d %s hook: %v", e.Worker, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
