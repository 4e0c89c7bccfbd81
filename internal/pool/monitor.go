package pool

import (
	"fmt"
	"time"
)

// monitor watches worker liveness until stop is closed. The first dead worker
// degrades the whole session.
func (p *Pool) monitor(stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for _, w := range p.workers {
			if w.state.Load() == stateDead {
				p.degrade(w.id, stop)
				return
			}
		}
	}
}

// degrade stops the session after a worker death. Surviving workers get a
// grace period, then the drain loop is handed a fatal signal per worker and
// every processing lease is abandoned.
func (p *Pool) degrade(dead int, stop <-chan struct{}) {
	logger := p.logger.WithName("monitor").WithValues("deadWorker", dead)
	p.recordFatal(fmt.Errorf("%w: worker %d", ErrWorkerDied, dead), true)
	p.Shutdown()

	grace := p.cfg.GracePeriod
	if len(p.workers) == 1 {
		grace = p.cfg.GracePeriodSingle
	}
	logger.Info("Worker died, shutting the session down", "grace", grace)

	timer := time.NewTimer(grace)
	select {
	case <-timer.C:
	case <-stop:
		timer.Stop()
		return
	}

	// Queued work nobody will pick up expires on the input.
	dropped := 0
drain:
	for {
		select {
		case item, ok := <-p.work:
			if !ok {
				break drain
			}
			dropped += p.leases.Drop(item.localID)
		default:
			break drain
		}
	}

	for range p.workers {
		select {
		case p.results <- result{kind: resultWorkerFatal, worker: dead, err: ErrWorkerDied, infra: true}:
		case <-stop:
			return
		}
	}

	n := p.leases.Abandon() + dropped
	p.stats.abandoned.Add(int64(n))
	p.metrics.AddAbandoned(n)
	logger.Error(ErrWorkerDied, "Abandoned leases of a degraded session", "abandoned", n)
	p.audit("session.abandon", map[string]any{"dead_worker": dead, "workers": len(p.workers)},
		"abandoned", fmt.Sprintf("%d leases left to expire", n))
}
