package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/leasepool/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestStats(t *testing.T) {
	s, clock := newClockedStore(t)
	defer s.Close()
	ctx := context.Background()

	jobs, _ := s.Queue("jobs")
	if err := jobs.PushBatch(ctx, [][]byte{[]byte(`1`), []byte(`2`), []byte(`3`)}, 0); err != nil {
		t.Fatalf("PushBatch failed: %v", err)
	}
	if err := jobs.PushBatch(ctx, [][]byte{[]byte(`4`)}, time.Minute); err != nil {
		t.Fatalf("PushBatch with delay failed: %v", err)
	}
	dlq, _ := s.Queue("dlq")
	if err := dlq.PushBatch(ctx, [][]byte{[]byte(`{}`)}, 0); err != nil {
		t.Fatalf("PushBatch failed: %v", err)
	}
	if _, err := jobs.PopLeased(ctx, 1, time.Millisecond, time.Minute); err != nil {
		t.Fatalf("PopLeased failed: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := []models.QueueStats{
		{Queue: "dlq", Ready: 1},
		{Queue: "jobs", Ready: 2, Delayed: 1, Leased: 1},
	}
	if len(stats) != len(want) {
		t.Fatalf("Expected %d queues, got %d", len(want), len(stats))
	}
	for i := range want {
		if stats[i] != want[i] {
			t.Errorf("Stats[%d] = %+v, want %+v", i, stats[i], want[i])
		}
	}
	if stats[1].Total() != 4 {
		t.Errorf("Expected 4 messages in jobs, got %d", stats[1].Total())
	}

	// Once the lease and the delay run out everything is ready again.
	clock.Advance(2 * time.Minute)
	stats, _ = s.Stats(ctx)
	if stats[1].Ready != 4 {
		t.Errorf("Expected 4 ready messages after expiry, got %+v", stats[1])
	}
}

func TestPeek(t *testing.T) {
	s, _ := newClockedStore(t)
	defer s.Close()
	ctx := context.Background()

	q, _ := s.Queue("dlq")
	three := 3
	if err := q.ReEnqueue(ctx, []byte(`"old"`), 0, 2, &three); err != nil {
		t.Fatalf("ReEnqueue failed: %v", err)
	}
	if err := q.PushBatch(ctx, [][]byte{[]byte(`"new"`)}, time.Hour); err != nil {
		t.Fatalf("PushBatch failed: %v", err)
	}

	msgs, err := s.Peek(ctx, "dlq", 10)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Body) != `"new"` || msgs[0].State != models.MessageStateDelayed {
		t.Errorf("Unexpected newest message: %+v", msgs[0])
	}
	if msgs[1].RetryCount != 2 || msgs[1].MaxRetries == nil || *msgs[1].MaxRetries != 3 {
		t.Errorf("Unexpected retry details: %+v", msgs[1])
	}

	// Peeking does not lease.
	leased, err := q.PopLeased(ctx, 10, time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("PopLeased failed: %v", err)
	}
	if len(leased) != 1 {
		t.Errorf("Expected 1 leasable message, got %d", len(leased))
	}

	msgs, _ = s.Peek(ctx, "dlq", 1)
	if len(msgs) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(msgs))
	}

	if _, err := s.Peek(ctx, "", 1); err != ErrInvalidQueueName {
		t.Errorf("Expected ErrInvalidQueueName, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	s, _ := newClockedStore(t)
	defer s.Close()
	ctx := context.Background()

	q, _ := s.Queue("dlq")
	q.PushBatch(ctx, [][]byte{[]byte(`1`), []byte(`2`), []byte(`3`)}, 0)
	if _, err := q.PopLeased(ctx, 1, time.Millisecond, time.Minute); err != nil {
		t.Fatalf("PopLeased failed: %v", err)
	}

	n, err := s.Purge(ctx, "dlq")
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 purged messages, got %d", n)
	}
	msgs, _ := s.Peek(ctx, "dlq", 10)
	if len(msgs) != 1 || msgs[0].State != models.MessageStateLeased {
		t.Errorf("Expected the leased message to survive, got %+v", msgs)
	}
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	pdr, err := s.WritePDR("message.route", "abc123", "routed", "dlq")
	if err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if pdr.ID == "" {
		t.Error("PDR ID should not be empty")
	}
	if _, err := s.WritePDR("session.abandon", "def456", "abandoned", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	entries, err := s.ListPDRs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPDRs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "session.abandon" || entries[1].Details != "dlq" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Ping(ctx)
	if err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s.pollInterval = 5 * time.Millisecond
	return s
}

// fakeClock is a settable time source for lease expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedStore(t *testing.T) (*Store, *fakeClock) {
	s := newTestStore(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return s, clock
}
