// Package watch prints the realtime event feed of an instance, either pushed
// over Redis Pub/Sub or pulled from the event streams.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/cipher/pkg/cipher"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per event
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON
	OutputFormatJSON OutputFormat = "json"
)

// DefaultPollInterval is how often Poll reads the stream.
const DefaultPollInterval = time.Second

// Stream writes events as they are published until ctx is cancelled. An
// empty puzzleID follows every puzzle plus the global channel.
func Stream(ctx context.Context, client *cipher.Client, puzzleID string, format OutputFormat, w io.Writer) error {
	var sub *cipher.Subscription
	var err error
	if puzzleID == "" {
		sub, err = client.SubscribeAll(ctx)
	} else {
		sub, err = client.SubscribePuzzle(ctx, puzzleID)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := WriteEvent(w, e, format); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  skipping malformed event: %v\n", err)
		}
	}
}

// Poll reads the puzzle's events after since every interval and writes them
// until ctx is cancelled. It returns the last cursor it saw.
func Poll(ctx context.Context, client *cipher.Client, puzzleID, since string, interval time.Duration, format OutputFormat, w io.Writer) (string, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := since
	for {
		events, err := client.EventsSince(ctx, puzzleID, cursor, 100)
		if err != nil && ctx.Err() == nil {
			return cursor, fmt.Errorf("failed to read updates: %w", err)
		}
		for _, e := range events {
			if err := WriteEvent(w, e, format); err != nil {
				return cursor, err
			}
			cursor = e.ID
		}

		select {
		case <-ctx.Done():
			return cursor, nil
		case <-ticker.C:
		}
	}
}

// WaitFor polls the puzzle's stream until an event of the given type appears.
func WaitFor(ctx context.Context, client *cipher.Client, puzzleID string, eventType cipher.EventType, timeout time.Duration) (*cipher.Event, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)
	cursor := ""

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for %s after %v", eventType, timeout)

		case <-ticker.C:
			events, err := client.EventsSince(ctx, puzzleID, cursor, 100)
			if err != nil {
				return nil, fmt.Errorf("failed to read updates: %w", err)
			}
			for _, e := range events {
				if e.Type == eventType {
					return e, nil
				}
				cursor = e.ID
			}
		}
	}
}

// WriteEvent writes a single event in the given format.
func WriteEvent(w io.Writer, e *cipher.Event, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintf(w, "[%s] %s\n", e.Timestamp().Format("15:04:05"), describe(e))
	return err
}

func describe(e *cipher.Event) string {
	short := func(id string) string {
		if len(id) > 8 {
			return id[:8]
		}
		return id
	}

	switch e.Type {
	case cipher.EventCreated:
		return fmt.Sprintf("✨ puzzle %s created (%s)", short(e.PuzzleID), e.Source)
	case cipher.EventRallyUpdate:
		return fmt.Sprintf("📣 guess %s on %s now has %d votes", short(e.GuessID), short(e.PuzzleID), e.NewCount)
	case cipher.EventLockdown:
		return fmt.Sprintf("🔒 puzzle %s locked, %ds remaining", short(e.PuzzleID), e.TimeRemaining)
	case cipher.EventExpired:
		if e.Winner == nil {
			return fmt.Sprintf("⌛ puzzle %s expired with no winner, solution %q", short(e.PuzzleID), e.Solution)
		}
		return fmt.Sprintf("🏆 puzzle %s solved by %s with %d votes, solution %q",
			short(e.PuzzleID), e.Winner.SubmitterID, e.Winner.VoteCount, e.Solution)
	case cipher.EventThreadUnlocked:
		return fmt.Sprintf("🧵 thread %s unlocked at %d breadcrumbs", e.ThreadID, e.Count)
	default:
		return fmt.Sprintf("%s %s", e.Type, short(e.PuzzleID))
	}
}
