package pool

import (
	"context"
	"fmt"

	"github.com/fentz26/leasepool/internal/logging"
)

// drain collects worker results until every worker has signalled. Derived
// messages of a batch are pushed before its completions are recorded, so a
// message is never acked ahead of its outputs.
func (p *Pool) drain(ctx context.Context) {
	logger := p.logger.WithName("drain")
	want := len(p.workers)
	signals := 0

	batch := make([]result, 0, p.cfg.MaxDrainBatch)
	for signals < want {
		batch = append(batch[:0], <-p.results)
	fill:
		for len(batch) < p.cfg.MaxDrainBatch {
			select {
			case r := <-p.results:
				batch = append(batch, r)
			default:
				break fill
			}
		}
		signals += p.drainBatch(ctx, batch)
	}
	logger.V(logging.DEBUG).Info("All workers signalled", "signals", signals)
}

// drainBatch handles one batch of results and returns the number of worker
// signals it held.
func (p *Pool) drainBatch(ctx context.Context, batch []result) int {
	logger := p.logger.WithName("drain")

	var (
		signals     int
		completions []uint64
		outputs     = make([][][]byte, len(p.outputs))
		nOutputs    int
	)
	for _, r := range batch {
		switch r.kind {
		case resultOutput:
			nOutputs++
			for i, data := range r.batch {
				outputs[i] = append(outputs[i], data)
			}
		case resultCompletion:
			completions = append(completions, r.localID)
		case resultWorkerDone:
			signals++
			logger.V(logging.DEBUG).Info("Worker finished", "worker", r.worker)
		case resultWorkerFatal:
			signals++
			p.recordFatal(r.err, r.infra)
			logger.Error(r.err, "Worker finished with an error", "worker", r.worker)
		}
	}
	if signals+len(completions)+nOutputs != len(batch) {
		panic(fmt.Sprintf("pool: drained %d results but classified %d signals, %d completions and %d outputs",
			len(batch), signals, len(completions), nOutputs))
	}

	for i, items := range outputs {
		if len(items) == 0 {
			continue
		}
		o := p.outputs[i]
		if err := o.PushBatch(ctx, items, 0); err != nil {
			p.recordFatal(fmt.Errorf("%w: %s: %w", ErrOutputFailed, o.Name(), err), true)
			logger.Error(err, "Failed to push derived messages, shutting down", "output", o.Name(), "count", len(items))
			p.outputFailed.Store(true)
			p.Shutdown()
			break
		}
		p.metrics.AddOutputs(o.Name(), len(items))
	}

	// Once an output failed, no completion can prove its outputs were pushed.
	// Those inputs are redelivered after their leases expire.
	if p.outputFailed.Load() {
		p.leases.Drop(completions...)
		return signals
	}
	if len(completions) > 0 {
		moved, missed := p.leases.Finish(completions)
		if len(missed) > 0 && !p.stopping() {
			logger.Info("Completions for unknown leases", "missed", missed)
		}
		p.stats.completed.Add(int64(moved))
		p.metrics.AddCompleted(moved)
	}
	p.metrics.ObserveDrained(len(batch))
	return signals
}
