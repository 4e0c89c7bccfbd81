// Package models defines the records leasepool persists and serves.
package models

import (
	"encoding/json"
	"time"
)

// MessageState is where a stored message is in its lease lifecycle.
type MessageState string

const (
	MessageStateReady   MessageState = "ready"
	MessageStateDelayed MessageState = "delayed"
	MessageStateLeased  MessageState = "leased"
)

// Message is a message stored in a queue.
type Message struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Body           json.RawMessage `json:"body"`
	State          MessageState    `json:"state"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	Deliveries     int             `json:"deliveries"`
	VisibleAt      time.Time       `json:"visible_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// QueueStats counts the messages of one queue by state.
type QueueStats struct {
	Queue   string `json:"queue"`
	Ready   int    `json:"ready"`
	Delayed int    `json:"delayed"`
	Leased  int    `json:"leased"`
}

// Total is the number of messages stored in the queue.
func (s QueueStats) Total() int {
	return s.Ready + s.Delayed + s.Leased
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
