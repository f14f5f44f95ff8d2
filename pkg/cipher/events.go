package cipher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PublishEvent appends the event to its capped stream and publishes it on the
// matching Pub/Sub channel. The stream entry ID is written back to e.ID.
// Puzzle events go to the puzzle's stream and channel; events without a
// puzzle ID go to the instance-wide ones.
func (c *Client) PublishEvent(ctx context.Context, e *Event, maxLen int64) error {
	streamKey := GlobalEventsStreamKey(c.instanceName)
	channel := GlobalEventsChannel(c.instanceName)
	if !e.Global() {
		streamKey = PuzzleEventsStreamKey(c.instanceName, e.PuzzleID)
		channel = PuzzleEventsChannel(c.instanceName, e.PuzzleID)
	}

	e.ID = ""
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(data)},
	}).Result()
	if err != nil {
		return persistErr("failed to append event", err)
	}
	e.ID = id

	data, err = json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return persistErr("failed to publish event", err)
	}
	return nil
}

// EventsSince returns up to count events of a puzzle recorded strictly after
// since. since is either a stream entry ID ("1700000000000-3") or a Unix
// millisecond timestamp ("1700000000000"); empty means from the beginning.
// An empty puzzleID reads the instance-wide stream.
func (c *Client) EventsSince(ctx context.Context, puzzleID, since string, count int64) ([]*Event, error) {
	streamKey := GlobalEventsStreamKey(c.instanceName)
	if puzzleID != "" {
		streamKey = PuzzleEventsStreamKey(c.instanceName, puzzleID)
	}

	start, err := streamStartAfter(since)
	if err != nil {
		return nil, err
	}

	msgs, err := c.rdb.XRangeN(ctx, streamKey, start, "+", count).Result()
	if err != nil {
		return nil, persistErr("failed to read events", err)
	}

	events := make([]*Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %s: %w", msg.ID, err)
		}
		e.ID = msg.ID
		events = append(events, &e)
	}
	return events, nil
}

// streamStartAfter converts a cursor into the inclusive XRANGE start that
// excludes the cursor itself.
func streamStartAfter(since string) (string, error) {
	if since == "" {
		return "-", nil
	}
	msPart, seqPart, hasSeq := strings.Cut(since, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms < 0 {
		return "", fmt.Errorf("invalid event cursor %q", since)
	}
	if !hasSeq {
		return fmt.Sprintf("%d-0", ms+1), nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid event cursor %q", since)
	}
	return fmt.Sprintf("%d-%d", ms, seq+1), nil
}

// Subscription represents an active Pub/Sub subscription to cipher events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeAll subscribes to every puzzle channel and the instance-wide channel.
// Used by the fanout hub, which routes events to observers by puzzle ID.
func (c *Client) SubscribeAll(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.PSubscribe(ctx, PuzzleEventsPattern(c.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, persistErr("failed to subscribe to puzzle events", err)
	}
	if err := pubsub.Subscribe(ctx, GlobalEventsChannel(c.instanceName)); err != nil {
		pubsub.Close()
		return nil, persistErr("failed to subscribe to global events", err)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, persistErr("failed to subscribe to global events", err)
	}
	return c.startSubscription(ctx, pubsub), nil
}

// SubscribePuzzle subscribes to the events of a single puzzle.
func (c *Client) SubscribePuzzle(ctx context.Context, puzzleID string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, PuzzleEventsChannel(c.instanceName, puzzleID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, persistErr("failed to subscribe to puzzle events", err)
	}
	return c.startSubscription(ctx, pubsub), nil
}

// startSubscription decodes messages on a goroutine.
// Events are delivered on a buffered channel (size 64). Redis Pub/Sub is
// at-most-once, so slow subscribers may miss events and should re-read the stream.
func (c *Client) startSubscription(ctx context.Context, pubsub *redis.PubSub) *Subscription {
	eventsChan := make(chan *Event, 64)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}
}
