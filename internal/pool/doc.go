// Package pool attaches a set of workers to a leased input queue.
//
// A Pool session is driven by Run. The coordinator leases batches from the
// input, gives every message a session-local id, records its lease and hands it
// to the workers over a work channel with capacity one. That channel is the
// backpressure valve: the coordinator blocks until a worker is free, so at most
// workers+1 messages are checked out beyond what the result channel buffers.
//
// Three background loops run next to the coordinator:
//
//   - drain: reads worker results, pushes derived messages to the outputs and
//     moves completed leases from processing to finished.
//   - maintain: acks finished leases and renews processing leases that are
//     close to their deadline.
//   - monitor: watches worker liveness and turns a dead worker into a degraded
//     shutdown of the whole session.
//
// # Message outcomes
//
// Every dispatched message ends with exactly one completion, sent after all of
// its derived messages. Handler errors are classified as follows:
//
//   - a *RetryDirective returned by the handler is used as is.
//   - an error matched by Config.RetryOn becomes a directive with the pipeline
//     defaults.
//   - anything else is terminal.
//
// Retries are re-enqueued on the input with the retry count bumped. Once the
// retry count reaches the ceiling, or for terminal errors, the first matching
// Config.OnError route receives an ErrorRecord. Routing is best effort.
//
// # Dead workers
//
// A worker is dead when its goroutine unwinds without having seen the done
// broadcast, which happens when the handler panics. The monitor then stops
// dispatching, waits a grace period for the remaining workers, discards
// undelivered work and abandons the processing leases. Abandoned leases are
// never acked; the input redelivers them when they expire. Run returns
// ErrWorkerDied.
//
// Delivery is at-least-once. Handlers must tolerate redelivery.
package pool
