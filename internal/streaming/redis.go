package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/circuitbreaker"
)

const defaultStreamPrefix = "research:events"

// RedisSink appends events to one Redis stream per run.
type RedisSink struct {
	client *circuitbreaker.RedisWrapper
	prefix string
	maxLen int64
	logger *zap.Logger
}

// NewRedisSink creates a sink writing to "<prefix>:<run id>" streams trimmed to
// about maxLen entries. A zero maxLen disables trimming.
func NewRedisSink(client *circuitbreaker.RedisWrapper, prefix string, maxLen int64, logger *zap.Logger) *RedisSink {
	if prefix == "" {
		prefix = defaultStreamPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen, logger: logger}
}

func (s *RedisSink) streamKey(runID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, runID)
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.streamKey(evt.RunID),
		Values: map[string]interface{}{
			"type":    evt.Type,
			"seq":     strconv.FormatUint(evt.Seq, 10),
			"payload": string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	_, err = s.client.XAdd(ctx, args)
	return err
}

// ReadSince returns the stored events of runID with Seq > since, oldest first.
// It serves replays for runs whose in-memory history is gone.
func (s *RedisSink) ReadSince(ctx context.Context, runID string, since uint64) ([]Event, error) {
	msgs, err := s.client.XRange(ctx, s.streamKey(runID), "-", "+")
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			s.logger.Warn("Skipping undecodable stream entry",
				zap.String("run_id", runID),
				zap.String("entry_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Breaker exposes the circuit breaker guarding the sink.
func (s *RedisSink) Breaker() *circuitbreaker.CircuitBreaker { return s.client.Breaker() }
