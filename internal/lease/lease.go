// Package lease tracks the leases a pool session holds on its input queue.
//
// A lease is either processing (dispatched to a worker, deadline tracked for
// renewal) or finished (terminal outcome recorded, waiting to be acked). A local
// id is never in both maps at once, and TakeFinished hands each finished ticket
// out exactly once.
package lease

import (
	"sync"
	"time"

	"github.com/fentz26/leasepool/internal/queue"
)

// Record is a processing lease.
type Record struct {
	Ticket   queue.Ticket
	Deadline time.Time
}

// Store holds the processing and finished maps behind one mutex.
type Store struct {
	mu         sync.Mutex
	processing map[uint64]Record
	finished   map[uint64]queue.Ticket

	// notify carries at most one pending wake-up for the maintenance loop.
	notify chan struct{}
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		processing: make(map[uint64]Record),
		finished:   make(map[uint64]queue.Ticket),
		notify:     make(chan struct{}, 1),
	}
}

// Add starts tracking a dispatched lease.
func (s *Store) Add(id uint64, ticket queue.Ticket, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.finished[id]; ok {
		panic("lease: local id already finished")
	}
	s.processing[id] = Record{Ticket: ticket, Deadline: deadline}
}

// Finish moves ids from processing to finished. Ids not found in processing are
// returned in missed. The maintenance loop is woken if anything moved.
func (s *Store) Finish(ids []uint64) (moved int, missed []uint64) {
	s.mu.Lock()
	for _, id := range ids {
		rec, ok := s.processing[id]
		if !ok {
			missed = append(missed, id)
			continue
		}
		delete(s.processing, id)
		s.finished[id] = rec.Ticket
		moved++
	}
	s.mu.Unlock()

	if moved > 0 {
		s.Wake()
	}
	return moved, missed
}

// TakeFinished swaps out the finished map and returns its tickets.
func (s *Store) TakeFinished() []queue.Ticket {
	s.mu.Lock()
	taken := s.finished
	s.finished = make(map[uint64]queue.Ticket)
	s.mu.Unlock()

	tickets := make([]queue.Ticket, 0, len(taken))
	for _, t := range taken {
		tickets = append(tickets, t)
	}
	return tickets
}

// Renewable collects the tickets of every processing lease whose deadline falls
// within threshold of now and moves their deadline to now+extend. next is the
// earliest deadline among the leases left alone; it is zero if there are none.
func (s *Store) Renewable(now time.Time, threshold, extend time.Duration) (tickets []queue.Ticket, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := now.Add(threshold)
	for id, rec := range s.processing {
		if !rec.Deadline.After(horizon) {
			tickets = append(tickets, rec.Ticket)
			rec.Deadline = now.Add(extend)
			s.processing[id] = rec
			continue
		}
		if next.IsZero() || rec.Deadline.Before(next) {
			next = rec.Deadline
		}
	}
	return tickets, next
}

// Drop stops tracking processing leases without acking them and returns how
// many were tracked.
func (s *Store) Drop(ids ...uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := s.processing[id]; ok {
			delete(s.processing, id)
			n++
		}
	}
	return n
}

// Abandon drops every processing lease without acking it and returns how many
// were dropped. The backend redelivers them once their leases expire.
func (s *Store) Abandon() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.processing)
	s.processing = make(map[uint64]Record)
	return n
}

// Len reports the sizes of the processing and finished maps.
func (s *Store) Len() (processing, finished int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processing), len(s.finished)
}

// Outstanding is the number of leases not yet acked.
func (s *Store) Outstanding() int {
	p, f := s.Len()
	return p + f
}

// Notify is signalled when new leases finish or Wake is called.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

// Wake signals Notify without blocking.
func (s *Store) Wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
