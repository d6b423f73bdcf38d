package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/vendpi/internal/framer"
)

// StreamAdder is the part of *redis.Client used by RedisSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends each packet to a Redis stream.
type RedisSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisSink appends to stream. A positive maxLen trims the stream to
// roughly that many entries.
func NewRedisSink(client StreamAdder, stream string, maxLen int64) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis sink: nil client")
	}
	if stream == "" {
		return nil, errors.New("redis sink: empty stream")
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// NewRedisClient builds a client for addr. The connection is made lazily.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, p framer.Packet) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":        p.ID.String(),
			"timestamp": FormatTimestamp(p.EmittedAt),
			"reason":    p.Reason.String(),
			"data":      p.Text(),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
