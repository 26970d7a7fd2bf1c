package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream appends every event to a Redis stream so downstream consumers
// (indexers, exporters) can follow artifact changes.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStream(client *redis.Client, stream string) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: 100000}
}

func (s *RedisStream) Name() string { return "redis_stream" }

func (s *RedisStream) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":          event.ID,
			"type":        string(event.Type),
			"artifact_id": event.ArtifactID,
			"actor_id":    event.ActorID,
			"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
			"data":        string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
