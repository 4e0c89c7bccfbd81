package pool

import (
	"context"
	"time"

	"github.com/fentz26/leasepool/internal/logging"
)

// maintain acks finished leases and renews the ones close to expiry until the
// session is over.
func (p *Pool) maintain(ctx context.Context) {
	logger := p.logger.WithName("maintain")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-p.leases.Notify():
		}

		// active drops only after the drain loop is done, so an ack that follows
		// this read sees every completion.
		done := !p.active.Load()
		progress := p.ack(ctx)
		if done {
			// Nothing completes once Run stopped waiting, so whatever is still
			// processing is left to expire on the input.
			if n := p.leases.Abandon(); n > 0 {
				p.stats.abandoned.Add(int64(n))
				p.metrics.AddAbandoned(n)
				logger.Info("Leaving unfinished leases to expire", "abandoned", n)
			}
			p.metrics.SetInFlight(0)
			return
		}

		now := p.now()
		tickets, next := p.leases.Renewable(now, p.cfg.UpdateThreshold, p.cfg.LeaseDuration-p.cfg.LeaseSkew)
		if len(tickets) > 0 {
			if err := p.input.RenewDeadline(ctx, tickets, p.cfg.LeaseDuration); err != nil {
				logger.Error(err, "Failed to renew leases", "count", len(tickets))
			} else {
				progress += len(tickets)
				p.stats.renewed.Add(int64(len(tickets)))
				p.metrics.AddRenewed(len(tickets))
			}
		}
		p.metrics.SetInFlight(p.leases.Outstanding())
		logger.V(logging.TRACE).Info("Maintenance pass", "progress", progress)

		wait := p.cfg.MaintenanceInterval
		if !next.IsZero() {
			if until := next.Sub(now) - p.cfg.UpdateThreshold; until < wait {
				wait = max(until, 0)
			}
		}
		timer.Reset(wait)
	}
}

// ack acks every finished lease and returns how many tickets it sent.
func (p *Pool) ack(ctx context.Context) int {
	tickets := p.leases.TakeFinished()
	if len(tickets) == 0 {
		return 0
	}
	if err := p.input.Ack(ctx, tickets); err != nil {
		// The input redelivers them after the lease expires.
		p.logger.WithName("maintain").Error(err, "Failed to ack leases", "count", len(tickets))
		return 0
	}
	p.stats.acked.Add(int64(len(tickets)))
	p.metrics.AddAcked(len(tickets))
	return len(tickets)
}
