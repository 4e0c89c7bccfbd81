package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/leasepool/internal/queue"
)

// Config defines a pool session.
//
// Lease tuning: the maintenance loop renews a lease once it is within
// UpdateThreshold of its deadline, and every renewal pushes it LeaseDuration
// out again. Each renewal call therefore buys LeaseDuration-UpdateThreshold of
// processing time, while acks are sent as soon as work completes. Keep
// UpdateThreshold/(LeaseDuration-UpdateThreshold) below the relative cost of an
// ack versus a renew on the backend, or renewals of slow messages crowd out
// acking. The defaults (30s against 300s) give a ratio of 1/9.
type Config struct {
	// BatchSize is the most messages leased per input poll.
	BatchSize int `yaml:"batch_size"`
	// WorkersPerJob is the number of parallel workers.
	WorkersPerJob int `yaml:"workers_per_job"`
	// MaxRetries is the retry ceiling used when neither the message nor a
	// RetryDirective carries one.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the default delay before a retried message is visible again.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// ExpandIterableOutput makes sequence results fan out into one derived
	// message per element.
	ExpandIterableOutput bool `yaml:"expand_iterable_output"`
	// ShutdownTimeout bounds the join of workers and the drain loop on
	// shutdown. Zero waits forever.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// IdleTimeout is how long one input poll waits for messages before the
	// session ends for lack of work.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// LeaseDuration is the visibility deadline requested for every lease.
	LeaseDuration time.Duration `yaml:"lease_duration"`
	// UpdateThreshold is how close to its deadline a lease gets renewed.
	UpdateThreshold time.Duration `yaml:"update_threshold"`
	// LeaseSkew is subtracted from every tracked deadline so renewals always
	// happen before the backend deadline.
	LeaseSkew time.Duration `yaml:"lease_skew"`

	MaxDrainBatch       int           `yaml:"max_drain_batch"`
	ResultBuffer        int           `yaml:"result_buffer"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// GracePeriodSingle is the wait after a worker death when the pool has one
	// worker; GracePeriod applies otherwise.
	GracePeriodSingle time.Duration `yaml:"grace_period_single"`
	GracePeriod       time.Duration `yaml:"grace_period"`

	// RetryOn lists the errors retried with pipeline defaults.
	RetryOn []ErrorMatcher `yaml:"-"`
	// OnError routes terminal failures. The first matching route wins.
	OnError []ErrorRoute `yaml:"-"`
}

// ErrorMatcher reports whether an error belongs to a class of errors.
type ErrorMatcher func(error) bool

// MatchIs matches errors wrapping target.
func MatchIs(target error) ErrorMatcher {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// MatchAs matches errors wrapping a value of type T.
func MatchAs[T error]() ErrorMatcher {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// MatchAny matches every error.
func MatchAny() ErrorMatcher {
	return func(err error) bool {
		return err != nil
	}
}

// ErrorRoute sends terminal failures matched by Match to Queue.
type ErrorRoute struct {
	Name  string
	Match ErrorMatcher
	Queue queue.Output
	Delay time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:           10,
		WorkersPerJob:       4,
		MaxRetries:          3,
		RetryDelay:          10 * time.Second,
		ShutdownTimeout:     5 * time.Minute,
		IdleTimeout:         5 * time.Second,
		LeaseDuration:       300 * time.Second,
		UpdateThreshold:     30 * time.Second,
		LeaseSkew:           2 * time.Second,
		MaxDrainBatch:       800,
		ResultBuffer:        1000,
		HealthInterval:      time.Second,
		MaintenanceInterval: time.Second,
		GracePeriodSingle:   time.Second,
		GracePeriod:         30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	case c.WorkersPerJob <= 0:
		return fmt.Errorf("%w: workers_per_job must be positive", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retry_delay must not be negative", ErrInvalidConfig)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle_timeout must be positive", ErrInvalidConfig)
	case c.LeaseSkew <= 0 || c.LeaseSkew >= c.UpdateThreshold:
		return fmt.Errorf("%w: lease_skew must be positive and below update_threshold", ErrInvalidConfig)
	case c.UpdateThreshold >= c.LeaseDuration:
		return fmt.Errorf("%w: update_threshold must be below lease_duration", ErrInvalidConfig)
	case c.MaxDrainBatch <= 0 || c.ResultBuffer <= 0:
		return fmt.Errorf("%w: max_drain_batch and result_buffer must be positive", ErrInvalidConfig)
	case c.HealthInterval <= 0 || c.MaintenanceInterval <= 0:
		return fmt.Errorf("%w: health and maintenance intervals must be positive", ErrInvalidConfig)
	case c.GracePeriodSingle < 0 || c.GracePeriod < 0 || c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: grace periods and shutdown_timeout must not be negative", ErrInvalidConfig)
	}
	for i, r := range c.OnError {
		if r.Match == nil || r.Queue == nil {
			return fmt.Errorf("%w: on_error route %d needs a matcher and a queue", ErrInvalidConfig, i)
		}
	}
	for i, m := range c.RetryOn {
		if m == nil {
			return fmt.Errorf("%w: retry_on matcher %d is nil", ErrInvalidConfig, i)
		}
	}
	return nil
}

// RenewRatio is UpdateThreshold/(LeaseDuration-UpdateThreshold).
func (c Config) RenewRatio() float64 {
	return float64(c.UpdateThreshold) / float64(c.LeaseDuration-c.UpdateThreshold)
}

func (c Config) retryable(err error) bool {
	for _, m := range c.RetryOn {
		if m(err) {
			return true
		}
	}
	return false
}

func (c Config) route(err error) (ErrorRoute, bool) {
	for _, r := range c.OnError {
		if r.Match(err) {
			return r, true
		}
	}
	return ErrorRoute{}, false
}
