// Package events delivers domain events about artifacts to any number of
// sinks after the change that produced them has been committed.
package events

import (
	"context"
	"time"

	"cogspace/api/internal/logging"
	"cogspace/api/internal/metrics"
)

type Type string

const (
	ArtifactCreated Type = "artifact.created"
	VersionAdded    Type = "artifact.version_added"
	StateChanged    Type = "artifact.state_changed"
	Transformed     Type = "artifact.transformed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	ArtifactID string         `json:"artifactId"`
	ActorID    string         `json:"actorId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sink receives committed events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Bus fans an event out to every sink. A failing sink is logged and counted;
// it never fails the caller. A nil *Bus drops events.
type Bus struct {
	sinks []Sink
}

func NewBus(sinks ...Sink) *Bus {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Bus{sinks: filtered}
}

func (b *Bus) Emit(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	// Delivery happens after the caller's transaction; its cancellation
	// must not drop the notification.
	ctx = logging.WithValue(context.WithoutCancel(ctx), logging.ArtifactIDKey, event.ArtifactID)
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			metrics.EventsPublished.WithLabelValues(sink.Name(), "error").Inc()
			logging.Error(ctx, "event sink failed", err,
				"sink", sink.Name(),
				"event_type", string(event.Type),
			)
			continue
		}
		metrics.EventsPublished.WithLabelValues(sink.Name(), "ok").Inc()
	}
}
