package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupTTL bounds how long an idempotency key suppresses duplicates.
const dedupTTL = 24 * time.Hour

// RedisStreamSink appends envelopes to a Redis stream. Envelopes carrying
// an idempotency key already seen within dedupTTL are dropped.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream, trimmed approximately
// to maxLen entries (0 disables trimming).
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Append implements EventSink.
func (s *RedisStreamSink) Append(ctx context.Context, env Envelope) error {
	if env.IdempotencyKey != "" {
		fresh, err := s.client.SetNX(ctx, s.stream+":seen:"+env.IdempotencyKey, env.ID, dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("event dedup: %w", err)
		}
		if !fresh {
			return nil
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":     env.Type,
			"source":   env.Source,
			"envelope": string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Read returns up to count of the most recent envelopes, newest first.
func (s *RedisStreamSink) Read(ctx context.Context, count int64) ([]Envelope, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	out := make([]Envelope, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["envelope"].(string)
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}
