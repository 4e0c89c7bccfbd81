// Package queue defines the collaborator contracts between the worker pool and the
// queue backends it is attached to.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Ticket is an opaque handle for one lease on one message. It is owned by the
// input queue and is only ever passed back to it.
type Ticket string

// Leased is a message handed out by PopLeased together with its lease ticket.
type Leased struct {
	Ticket     Ticket
	Body       []byte
	RetryCount int
	// MaxRetries is nil when the message carries no ceiling of its own.
	MaxRetries *int
}

// Input is the queue a pool is attached to.
type Input interface {
	// PopLeased leases up to n messages for the given deadline. It waits up to
	// idleTimeout for at least one message and returns an empty slice when none
	// became available.
	PopLeased(ctx context.Context, n int, idleTimeout, deadline time.Duration) ([]Leased, error)

	// Ack removes the messages behind the given tickets.
	Ack(ctx context.Context, tickets []Ticket) error

	// RenewDeadline extends the given leases to now+deadline.
	RenewDeadline(ctx context.Context, tickets []Ticket, deadline time.Duration) error

	// ReEnqueue submits body again, visible after delay.
	ReEnqueue(ctx context.Context, body []byte, delay time.Duration, retryCount int, maxRetries *int) error

	// Decode turns a raw body into the payload handed to the handler.
	Decode(raw []byte) (any, error)
}

// Output receives messages derived by the handler, and error records.
type Output interface {
	// Name identifies the output in logs and metrics.
	Name() string

	// Encode serializes one message for this output.
	Encode(msg any) ([]byte, error)

	// PushBatch appends already encoded messages, visible after delay.
	PushBatch(ctx context.Context, items [][]byte, delay time.Duration) error
}

// ErrEmptyBody is returned when decoding an empty message body.
var ErrEmptyBody = errors.New("empty message body")

// JSONCodec implements Encode and Decode with encoding/json. Backends embed it.
type JSONCodec struct{}

// Encode marshals msg. Raw byte slices and json.RawMessage are passed through.
func (JSONCodec) Encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals raw into a generic JSON value.
func (JSONCodec) Decode(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyBody
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return v, nil
}

// Tickets extracts the tickets of a leased batch.
func Tickets(msgs []Leased) []Ticket {
	out := make([]Ticket, len(msgs))
	for i, m := range msgs {
		out[i] = m.Ticket
	}
	return out
}
