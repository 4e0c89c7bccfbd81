// Package store provides SQLite-backed persistence for leasepool: leased
// message queues and the audit log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/leasepool/internal/models"
)

// ErrInvalidQueueName is returned for an empty queue name.
var ErrInvalidQueueName = errors.New("invalid queue name")

// defaultPollInterval is how often PopLeased looks for new messages while idle.
const defaultPollInterval = 100 * time.Millisecond

// Store provides access to the leasepool SQLite database.
type Store struct {
	db           *sql.DB
	now          func() time.Time
	pollInterval time.Duration
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now, pollInterval: defaultPollInterval}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations. Times are unix nanoseconds.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		body BLOB NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER,
		ticket TEXT UNIQUE,
		visible_at INTEGER NOT NULL,
		lease_expires_at INTEGER,
		deliveries INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_queue_visible ON messages(queue, visible_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_timestamp ON pdr(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Queue Statistics ---

// Stats counts the messages of every queue by state.
func (s *Store) Stats(ctx context.Context) ([]models.QueueStats, error) {
	now := s.now().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue,
			SUM(CASE WHEN lease_expires_at > ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN (lease_expires_at IS NULL OR lease_expires_at <= ?) AND visible_at > ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN (lease_expires_at IS NULL OR lease_expires_at <= ?) AND visible_at <= ? THEN 1 ELSE 0 END)
		FROM messages GROUP BY queue ORDER BY queue`,
		now, now, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats []models.QueueStats
	for rows.Next() {
		var st models.QueueStats
		if err := rows.Scan(&st.Queue, &st.Leased, &st.Delayed, &st.Ready); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Peek returns up to limit messages of a queue, newest first. It does not
// lease them.
func (s *Store) Peek(ctx context.Context, queueName string, limit int) ([]models.Message, error) {
	if queueName == "" {
		return nil, ErrInvalidQueueName
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, body, retry_count, max_retries, visible_at, lease_expires_at, deliveries, created_at
		 FROM messages WHERE queue = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		queueName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var maxRetries, leaseExpires sql.NullInt64
		var visibleAt, createdAt int64
		var body []byte
		if err := rows.Scan(&m.ID, &m.Queue, &body, &m.RetryCount, &maxRetries,
			&visibleAt, &leaseExpires, &m.Deliveries, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Body = body
		if maxRetries.Valid {
			n := int(maxRetries.Int64)
			m.MaxRetries = &n
		}
		m.VisibleAt = time.Unix(0, visibleAt).UTC()
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		m.State = models.MessageStateReady
		if m.VisibleAt.After(now) {
			m.State = models.MessageStateDelayed
		}
		if leaseExpires.Valid {
			exp := time.Unix(0, leaseExpires.Int64).UTC()
			m.LeaseExpiresAt = &exp
			if exp.After(now) {
				m.State = models.MessageStateLeased
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Purge deletes every message of a queue that is not leased and returns how
// many were deleted.
func (s *Store) Purge(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, ErrInvalidQueueName
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE queue = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		queueName, s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	return result.RowsAffected()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, details string) (*models.PDREntry, error) {
	now := s.now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, details, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.Details, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDRs returns the most recent audit records, newest first.
func (s *Store) ListPDRs(ctx context.Context, limit int) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, details, timestamp FROM pdr ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var details sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Details = details.String
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
