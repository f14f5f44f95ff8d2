// Package fanout delivers puzzle events to observers.
//
// Every event is appended to a capped Redis stream, so clients can read
// updates since a cursor, and published on Redis Pub/Sub, where the Hub picks
// it up and pushes it to connected websocket observers. Delivery is
// best-effort: a failed publish is logged and never fails the operation that
// produced the event.
package fanout

import (
	"context"
	"log/slog"

	"github.com/dyluth/cipher/pkg/cipher"
)

// DefaultStreamLength is the approximate number of events kept per stream.
const DefaultStreamLength = 500

// DefaultUpdatesLimit caps a single updates read.
const DefaultUpdatesLimit = 100

// Broadcaster publishes events to the store.
type Broadcaster struct {
	client       *cipher.Client
	streamLength int64
	log          *slog.Logger
}

// NewBroadcaster creates a broadcaster. streamLength <= 0 uses the default.
func NewBroadcaster(client *cipher.Client, streamLength int, logger *slog.Logger) *Broadcaster {
	if streamLength <= 0 {
		streamLength = DefaultStreamLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		client:       client,
		streamLength: int64(streamLength),
		log:          logger.With("component", "fanout", "instance", client.InstanceName()),
	}
}

// Publish appends and publishes the event. Errors are logged, not returned.
func (b *Broadcaster) Publish(ctx context.Context, e *cipher.Event) {
	if err := b.client.PublishEvent(ctx, e, b.streamLength); err != nil {
		b.log.Warn("event_publish_failed",
			"event_type", e.Type,
			"puzzle_id", e.PuzzleID,
			"error", err)
		return
	}
	b.log.Debug("event_published", "event_type", e.Type, "puzzle_id", e.PuzzleID, "event_id", e.ID)
}

// Updates returns the events of a puzzle after the since cursor, oldest first.
// since is an event ID or a Unix millisecond timestamp; empty reads from the start.
func (b *Broadcaster) Updates(ctx context.Context, puzzleID, since string, limit int) ([]*cipher.Event, error) {
	if limit <= 0 || limit > DefaultUpdatesLimit {
		limit = DefaultUpdatesLimit
	}
	return b.client.EventsSince(ctx, puzzleID, since, int64(limit))
}
