package cipher

import "time"

// EventType names a message carried on the realtime channels.
type EventType string

const (
	// EventRallyUpdate carries the new vote count of a guess.
	EventRallyUpdate EventType = "rally_update"

	// EventLockdown announces that the puzzle entered its final window.
	EventLockdown EventType = "cipher_lockdown"

	// EventExpired carries the winner (or none) and the revealed solution.
	EventExpired EventType = "cipher_expired"

	// EventCreated announces a newly activated puzzle.
	EventCreated EventType = "cipher_created"

	// EventThreadUnlocked announces that a narrative thread crossed its threshold.
	EventThreadUnlocked EventType = "thread_unlocked"
)

// Event is a state change pushed to observers and kept in a capped stream for pull reads.
// Only the fields relevant to the event type are set.
type Event struct {
	ID            string    `json:"id,omitempty"` // Stream entry ID, assigned on publish
	Type          EventType `json:"type"`
	PuzzleID      string    `json:"puzzle_id,omitempty"`
	TimestampMs   int64     `json:"timestamp_ms"`
	GuessID       string    `json:"guess_id,omitempty"`
	NewCount      int       `json:"new_count,omitempty"`
	TimeRemaining int64     `json:"time_remaining,omitempty"` // Seconds left, for cipher_lockdown
	Winner        *Guess    `json:"winner,omitempty"`         // Absent on cipher_expired means no winner
	Solution      string    `json:"solution,omitempty"`
	Source        Source    `json:"source,omitempty"`
	ThreadID      string    `json:"thread_id,omitempty"`
	Count         int       `json:"count,omitempty"`
}

// Global reports whether the event belongs on the instance-wide channel.
func (e *Event) Global() bool {
	return e.PuzzleID == ""
}

// Timestamp returns the event time.
func (e *Event) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs)
}
