// Package redisq is a pool output that appends derived messages to a Redis
// stream. Delayed pushes wait in a sorted set until RunPromoter moves them to
// the stream.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fentz26/leasepool/internal/logging"
	"github.com/fentz26/leasepool/internal/queue"
)

// Field is the stream entry field holding the message body.
const Field = "msg"

const promoteBatch = 100

// Stream pushes messages to one Redis stream.
type Stream struct {
	queue.JSONCodec
	client redis.Cmdable
	stream string
	logger logr.Logger
	now    func() time.Time
}

var _ queue.Output = (*Stream)(nil)

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger used by the promoter.
func WithLogger(logger logr.Logger) Option {
	return func(s *Stream) { s.logger = logger }
}

// New returns a Stream writing to the named stream.
func New(client redis.Cmdable, stream string, opts ...Option) *Stream {
	s := &Stream{
		client: client,
		stream: stream,
		logger: logr.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithValues("stream", stream)
	return s
}

// Name returns the stream key.
func (s *Stream) Name() string {
	return s.stream
}

// DelayedKey is the sorted set holding delayed pushes, scored by the unix
// millisecond at which they become due.
func (s *Stream) DelayedKey() string {
	return s.stream + ":delayed"
}

// delayed wraps a body so equal bodies stay distinct members of the set.
type delayed struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

// PushBatch appends items to the stream in one pipeline. With a positive
// delay they go to the delayed set instead.
func (s *Stream) PushBatch(ctx context.Context, items [][]byte, delay time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	if delay > 0 {
		return s.pushDelayed(ctx, items, s.now().Add(delay))
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range items {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.stream,
				Values: map[string]any{Field: item},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *Stream) pushDelayed(ctx context.Context, items [][]byte, due time.Time) error {
	members := make([]redis.Z, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(delayed{ID: uuid.NewString(), Body: item})
		if err != nil {
			return fmt.Errorf("encode delayed message: %w", err)
		}
		members = append(members, redis.Z{Score: float64(due.UnixMilli()), Member: string(data)})
	}
	if err := s.client.ZAdd(ctx, s.DelayedKey(), members...).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", s.DelayedKey(), err)
	}
	return nil
}

// Promote moves due delayed messages to the stream and returns how many it
// moved. A member is only moved by the caller that removed it from the set.
func (s *Stream) Promote(ctx context.Context) (int, error) {
	due, err := s.client.ZRangeByScore(ctx, s.DelayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("zrangebyscore %s: %w", s.DelayedKey(), err)
	}

	moved := 0
	for _, raw := range due {
		removed, err := s.client.ZRem(ctx, s.DelayedKey(), raw).Result()
		if err != nil {
			return moved, fmt.Errorf("zrem %s: %w", s.DelayedKey(), err)
		}
		if removed == 0 {
			continue
		}

		var d delayed
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			s.logger.Error(err, "Dropping malformed delayed message")
			continue
		}
		if err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]any{Field: d.Body},
		}).Err(); err != nil {
			// Put it back so the next pass retries it.
			if zerr := s.client.ZAdd(ctx, s.DelayedKey(), redis.Z{Score: 0, Member: raw}).Err(); zerr != nil {
				s.logger.Error(zerr, "Lost delayed message, put back failed", "message", raw)
			}
			return moved, fmt.Errorf("xadd %s: %w", s.stream, err)
		}
		moved++
	}
	return moved, nil
}

// RunPromoter calls Promote every interval until ctx is done.
func (s *Stream) RunPromoter(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := s.Promote(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error(err, "Promoting delayed messages failed")
		case n > 0:
			s.logger.V(logging.DEBUG).Info("Promoted delayed messages", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Len reports the stream length and the number of delayed messages.
func (s *Stream) Len(ctx context.Context) (stream, pending int64, err error) {
	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XLen(ctx, s.stream)
		pipe.ZCard(ctx, s.DelayedKey())
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("stream length: %w", err)
	}
	return cmds[0].(*redis.IntCmd).Val(), cmds[1].(*redis.IntCmd).Val(), nil
}

// Entry is one stream entry.
type Entry struct {
	ID   string
	Body []byte
}

// Tail returns the newest n stream entries, newest first.
func (s *Stream) Tail(ctx context.Context, n int64) ([]Entry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		body, _ := m.Values[Field].(string)
		entries = append(entries, Entry{ID: m.ID, Body: []byte(body)})
	}
	return entries, nil
}
