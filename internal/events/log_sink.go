package events

import (
	"context"

	"cogspace/api/internal/logging"
)

// LogSink writes one structured log line per event.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(ctx context.Context, event Event) error {
	ctx = logging.WithValue(ctx, logging.ArtifactIDKey, event.ArtifactID)
	ctx = logging.WithValue(ctx, logging.ActorIDKey, event.ActorID)
	logging.Info(ctx, "domain event",
		"event_id", event.ID,
		"event_type", string(event.Type),
	)
	return nil
}
