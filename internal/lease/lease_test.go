package lease

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/leasepool/internal/queue"
)

func sortedTickets(ts []queue.Ticket) []queue.Ticket {
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

func TestFinishMovesProcessingToFinished(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Add(1, "t1", now.Add(time.Minute))
	s.Add(2, "t2", now.Add(time.Minute))

	moved, missed := s.Finish([]uint64{1, 3})
	assert.Equal(t, 1, moved)
	assert.Equal(t, []uint64{3}, missed)

	p, f := s.Len()
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, f)

	select {
	case <-s.Notify():
	default:
		t.Fatal("expected a wake-up after finishing a lease")
	}
}

func TestFinishTwiceMisses(t *testing.T) {
	s := NewStore()
	s.Add(1, "t1", time.Now().Add(time.Minute))

	moved, _ := s.Finish([]uint64{1})
	require.Equal(t, 1, moved)

	moved, missed := s.Finish([]uint64{1})
	assert.Equal(t, 0, moved)
	assert.Equal(t, []uint64{1}, missed)
}

func TestTakeFinishedHandsOutOnce(t *testing.T) {
	s := NewStore()
	for i, tk := range []queue.Ticket{"a", "b", "c"} {
		s.Add(uint64(i), tk, time.Now().Add(time.Minute))
	}
	s.Finish([]uint64{0, 1, 2})

	got := sortedTickets(s.TakeFinished())
	if diff := cmp.Diff([]queue.Ticket{"a", "b", "c"}, got); diff != "" {
		t.Errorf("TakeFinished mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, s.TakeFinished())
	assert.Equal(t, 0, s.Outstanding())
}

func TestRenewableBumpsOnlyDueLeases(t *testing.T) {
	s := NewStore()
	now := time.Unix(1000, 0)
	s.Add(1, "soon", now.Add(10*time.Second))
	s.Add(2, "later", now.Add(90*time.Second))
	s.Add(3, "latest", now.Add(120*time.Second))

	tickets, next := s.Renewable(now, 30*time.Second, 298*time.Second)
	assert.Equal(t, []queue.Ticket{"soon"}, tickets)
	assert.Equal(t, now.Add(90*time.Second), next)

	// The renewed lease is not due again right away.
	tickets, next = s.Renewable(now.Add(time.Second), 30*time.Second, 298*time.Second)
	assert.Empty(t, tickets)
	assert.Equal(t, now.Add(90*time.Second), next)
}

func TestRenewableEmpty(t *testing.T) {
	s := NewStore()
	tickets, next := s.Renewable(time.Now(), time.Second, time.Minute)
	assert.Empty(t, tickets)
	assert.True(t, next.IsZero())
}

func TestAbandonClearsProcessingOnly(t *testing.T) {
	s := NewStore()
	s.Add(1, "a", time.Now().Add(time.Minute))
	s.Add(2, "b", time.Now().Add(time.Minute))
	s.Finish([]uint64{2})

	assert.Equal(t, 1, s.Abandon())
	p, f := s.Len()
	assert.Equal(t, 0, p)
	assert.Equal(t, 1, f)

	// Completions arriving after the abandon are misses.
	_, missed := s.Finish([]uint64{1})
	assert.Equal(t, []uint64{1}, missed)
}

func TestWakeDoesNotBlock(t *testing.T) {
	s := NewStore()
	s.Wake()
	s.Wake()
	<-s.Notify()
	select {
	case <-s.Notify():
		t.Fatal("expected a single pending wake-up")
	default:
	}
}

func TestConcurrentFinishKeepsMapsDisjoint(t *testing.T) {
	s := NewStore()
	const n = 500
	for i := 0; i < n; i++ {
		s.Add(uint64(i), queue.Ticket(string(rune('a'+i%26))), time.Now().Add(time.Minute))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				moved, _ := s.Finish([]uint64{uint64(i)})
				mu.Lock()
				total += moved
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, total)
	p, f := s.Len()
	assert.Equal(t, 0, p)
	assert.Equal(t, n, f)
}

func TestDropForgetsProcessingLease(t *testing.T) {
	s := NewStore()
	s.Add(1, "a", time.Now().Add(time.Minute))
	s.Add(2, "b", time.Now().Add(time.Minute))

	assert.Equal(t, 1, s.Drop(1, 7))
	assert.Equal(t, 1, s.Outstanding())
	assert.Empty(t, s.TakeFinished())
}
