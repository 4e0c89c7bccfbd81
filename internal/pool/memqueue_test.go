package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/leasepool/internal/queue"
)

type reenqueued struct {
	body       string
	delay      time.Duration
	retryCount int
	maxRetries *int
}

// memQueue is an in-memory input and output. Delayed messages are visible
// right away; the delays are only recorded.
type memQueue struct {
	queue.JSONCodec
	name string

	mu         sync.Mutex
	next       int
	ready      []queue.Leased
	leased     map[queue.Ticket]queue.Leased
	acked      []queue.Ticket
	renewed    []queue.Ticket
	reenqueued []reenqueued
	pushed     [][]byte
	delays     []time.Duration
	pushErr    error
	onAck      func([]queue.Ticket)
}

func newMemQueue(name string, bodies ...string) *memQueue {
	q := &memQueue{name: name, leased: make(map[queue.Ticket]queue.Leased)}
	for _, b := range bodies {
		q.ready = append(q.ready, queue.Leased{Body: []byte(b)})
	}
	return q
}

func (q *memQueue) Name() string { return q.name }

func (q *memQueue) PopLeased(ctx context.Context, n int, idleTimeout, _ time.Duration) ([]queue.Leased, error) {
	deadline := time.Now().Add(idleTimeout)
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			k := min(n, len(q.ready))
			out := make([]queue.Leased, k)
			for i := range out {
				m := q.ready[i]
				q.next++
				m.Ticket = queue.Ticket(fmt.Sprintf("t-%d", q.next))
				q.leased[m.Ticket] = m
				out[i] = m
			}
			q.ready = q.ready[k:]
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (q *memQueue) Ack(_ context.Context, tickets []queue.Ticket) error {
	if q.onAck != nil {
		q.onAck(tickets)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tickets {
		delete(q.leased, t)
	}
	q.acked = append(q.acked, tickets...)
	return nil
}

func (q *memQueue) RenewDeadline(_ context.Context, tickets []queue.Ticket, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.renewed = append(q.renewed, tickets...)
	return nil
}

func (q *memQueue) ReEnqueue(_ context.Context, body []byte, delay time.Duration, retryCount int, maxRetries *int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reenqueued = append(q.reenqueued, reenqueued{string(body), delay, retryCount, maxRetries})
	q.ready = append(q.ready, queue.Leased{Body: body, RetryCount: retryCount, MaxRetries: maxRetries})
	return nil
}

func (q *memQueue) PushBatch(_ context.Context, items [][]byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, items...)
	for range items {
		q.delays = append(q.delays, delay)
	}
	return nil
}

func (q *memQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *memQueue) ackedTickets() []queue.Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]queue.Ticket(nil), q.acked...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (q *memQueue) pushedStrings() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.pushed))
	for i, p := range q.pushed {
		out[i] = string(p)
	}
	return out
}

func (q *memQueue) records() ([]ErrorRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ErrorRecord, len(q.pushed))
	for i, p := range q.pushed {
		if err := json.Unmarshal(p, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type auditEntry struct {
	action  string
	outcome string
}

type memAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *memAuditor) Record(action string, _ any, outcome, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{action, outcome})
	return nil
}

func (a *memAuditor) all() []auditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditEntry(nil), a.entries...)
}
