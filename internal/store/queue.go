package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/leasepool/internal/queue"
)

// Queue is one named queue in the store. It serves as a pool input and as an
// output.
type Queue struct {
	queue.JSONCodec
	store *Store
	name  string
}

var (
	_ queue.Input  = (*Queue)(nil)
	_ queue.Output = (*Queue)(nil)
)

// Queue returns the queue with the given name. Queues exist as soon as a
// message is pushed to them.
func (s *Store) Queue(name string) (*Queue, error) {
	if name == "" {
		return nil, ErrInvalidQueueName
	}
	return &Queue{store: s, name: name}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// PopLeased leases up to n visible messages for deadline. It polls until at
// least one message is available or idleTimeout elapses, in which case it
// returns no messages and no error.
func (q *Queue) PopLeased(ctx context.Context, n int, idleTimeout, deadline time.Duration) ([]queue.Leased, error) {
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	poll := time.NewTicker(q.store.pollInterval)
	defer poll.Stop()

	for {
		msgs, err := q.lease(ctx, n, deadline)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle.C:
			return nil, nil
		case <-poll.C:
		}
	}
}

// lease assigns fresh tickets to up to n visible messages in one transaction.
// A message whose lease expired is visible again; its old ticket is replaced,
// so late acks for it are no-ops.
func (q *Queue) lease(ctx context.Context, n int, deadline time.Duration) ([]queue.Leased, error) {
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := q.store.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, body, retry_count, max_retries FROM messages
		 WHERE queue = ? AND visible_at <= ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		 ORDER BY visible_at, created_at, rowid LIMIT ?`,
		q.name, now.UnixNano(), now.UnixNano(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("query visible messages: %w", err)
	}

	var ids []string
	var msgs []queue.Leased
	for rows.Next() {
		var id string
		var m queue.Leased
		var maxRetries sql.NullInt64
		if err := rows.Scan(&id, &m.Body, &m.RetryCount, &maxRetries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if maxRetries.Valid {
			ceiling := int(maxRetries.Int64)
			m.MaxRetries = &ceiling
		}
		ids = append(ids, id)
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	expires := now.Add(deadline).UnixNano()
	for i, id := range ids {
		ticket := queue.Ticket(uuid.New().String())
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET ticket = ?, lease_expires_at = ?, deliveries = deliveries + 1 WHERE id = ?`,
			string(ticket), expires, id,
		); err != nil {
			return nil, fmt.Errorf("lease message: %w", err)
		}
		msgs[i].Ticket = ticket
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return msgs, nil
}

// Ack deletes the messages behind the given tickets. Unknown or replaced
// tickets are ignored.
func (q *Queue) Ack(ctx context.Context, tickets []queue.Ticket) error {
	return q.eachTicket(ctx, tickets, `DELETE FROM messages WHERE ticket = ?`)
}

// RenewDeadline moves the deadline of live leases to now+deadline.
func (q *Queue) RenewDeadline(ctx context.Context, tickets []queue.Ticket, deadline time.Duration) error {
	now := q.store.now()
	return q.eachTicket(ctx, tickets,
		`UPDATE messages SET lease_expires_at = ? WHERE lease_expires_at > ? AND ticket = ?`,
		now.Add(deadline).UnixNano(), now.UnixNano(),
	)
}

// eachTicket runs stmt once per ticket in one transaction. The ticket is
// bound last.
func (q *Queue) eachTicket(ctx context.Context, tickets []queue.Ticket, stmt string, args ...any) error {
	if len(tickets) == 0 {
		return nil
	}
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer prepared.Close()

	for _, t := range tickets {
		if _, err := prepared.ExecContext(ctx, append(args, string(t))...); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ReEnqueue stores body again as a new message visible after delay.
func (q *Queue) ReEnqueue(ctx context.Context, body []byte, delay time.Duration, retryCount int, maxRetries *int) error {
	return q.insert(ctx, [][]byte{body}, delay, retryCount, maxRetries)
}

// PushBatch stores items as new messages visible after delay.
func (q *Queue) PushBatch(ctx context.Context, items [][]byte, delay time.Duration) error {
	return q.insert(ctx, items, delay, 0, nil)
}

func (q *Queue) insert(ctx context.Context, items [][]byte, delay time.Duration, retryCount int, maxRetries *int) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ceiling sql.NullInt64
	if maxRetries != nil {
		ceiling = sql.NullInt64{Int64: int64(*maxRetries), Valid: true}
	}

	now := q.store.now()
	visible := now.Add(delay).UnixNano()
	for i, body := range items {
		if len(body) == 0 {
			return queue.ErrEmptyBody
		}
		// Rows pushed together keep their order.
		created := now.UnixNano() + int64(i)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, queue, body, retry_count, max_retries, visible_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), q.name, body, retryCount, ceiling, visible, created,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
