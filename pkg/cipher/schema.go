package cipher

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several cipher deployments can share one Redis server.
//
// Key pattern: cipher:{instance_name}:{entity}:{id}
// Channel pattern: cipher:{instance_name}:puzzle:{puzzle_id}:events

// PuzzleKey returns the Redis key for a puzzle hash.
// Pattern: cipher:{instance_name}:puzzle:{puzzle_id}
func PuzzleKey(instanceName, puzzleID string) string {
	return fmt.Sprintf("cipher:%s:puzzle:%s", instanceName, puzzleID)
}

// ActivePuzzlesKey returns the ZSET of active puzzle IDs scored by created_at_ms.
// Pattern: cipher:{instance_name}:puzzles:active
func ActivePuzzlesKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:puzzles:active", instanceName)
}

// UnsettledPuzzlesKey returns the ZSET of expired puzzles whose outcome has
// not been fully applied, scored by expired_at_ms.
// Pattern: cipher:{instance_name}:puzzles:unsettled
func UnsettledPuzzlesKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:puzzles:unsettled", instanceName)
}

// SettlementKey returns the hash of settlement steps already applied for a puzzle.
// Pattern: cipher:{instance_name}:puzzle:{puzzle_id}:settlement
func SettlementKey(instanceName, puzzleID string) string {
	return fmt.Sprintf("cipher:%s:puzzle:%s:settlement", instanceName, puzzleID)
}

// PuzzleGuessesKey returns the ZSET of guess IDs for a puzzle scored by created_at_ms.
// Pattern: cipher:{instance_name}:puzzle:{puzzle_id}:guesses
func PuzzleGuessesKey(instanceName, puzzleID string) string {
	return fmt.Sprintf("cipher:%s:puzzle:%s:guesses", instanceName, puzzleID)
}

// GuessKey returns the Redis key for a guess hash.
// Pattern: cipher:{instance_name}:guess:{guess_id}
func GuessKey(instanceName, guessID string) string {
	return fmt.Sprintf("cipher:%s:guess:%s", instanceName, guessID)
}

// GuessVotersKey returns the SET of voter IDs that rallied a guess.
// Membership in this set is the uniqueness key of a vote.
// Pattern: cipher:{instance_name}:guess:{guess_id}:voters
func GuessVotersKey(instanceName, guessID string) string {
	return fmt.Sprintf("cipher:%s:guess:%s:voters", instanceName, guessID)
}

// FingerprintKey returns the key marking a solution fingerprint as recently used.
// Pattern: cipher:{instance_name}:fingerprint:{fingerprint}
func FingerprintKey(instanceName, fingerprint string) string {
	return fmt.Sprintf("cipher:%s:fingerprint:%s", instanceName, fingerprint)
}

// RateLimitKey returns the sliding-window ZSET for an action and subject.
// Pattern: cipher:{instance_name}:ratelimit:{action}:{subject}
func RateLimitKey(instanceName, action, subject string) string {
	return fmt.Sprintf("cipher:%s:ratelimit:%s:%s", instanceName, action, subject)
}

// FallbackPoolKey returns the LIST holding reserve puzzles.
// Pattern: cipher:{instance_name}:fallback:pool
func FallbackPoolKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:fallback:pool", instanceName)
}

// FallbackTemplatesKey returns the SET of template IDs currently in the reserve.
// Pattern: cipher:{instance_name}:fallback:templates
func FallbackTemplatesKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:fallback:templates", instanceName)
}

// ThreadKey returns the Redis key for a narrative thread hash.
// Pattern: cipher:{instance_name}:thread:{thread_id}
func ThreadKey(instanceName, threadID string) string {
	return fmt.Sprintf("cipher:%s:thread:%s", instanceName, threadID)
}

// ThreadBreadcrumbsKey returns the append-only LIST of breadcrumbs in a thread.
// Pattern: cipher:{instance_name}:thread:{thread_id}:breadcrumbs
func ThreadBreadcrumbsKey(instanceName, threadID string) string {
	return fmt.Sprintf("cipher:%s:thread:%s:breadcrumbs", instanceName, threadID)
}

// ThreadsKey returns the SET of known thread IDs.
// Pattern: cipher:{instance_name}:threads
func ThreadsKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:threads", instanceName)
}

// BreadcrumbsKey returns the append-only LIST of every breadcrumb in collection order.
// Pattern: cipher:{instance_name}:breadcrumbs
func BreadcrumbsKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:breadcrumbs", instanceName)
}

// UserStatsKey returns the hash of a participant's counters.
// Pattern: cipher:{instance_name}:user:{user_id}:stats
func UserStatsKey(instanceName, userID string) string {
	return fmt.Sprintf("cipher:%s:user:%s:stats", instanceName, userID)
}

// LeaderboardKey returns the ZSET of user IDs scored by points.
// Pattern: cipher:{instance_name}:leaderboard
func LeaderboardKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:leaderboard", instanceName)
}

// PuzzleEventsStreamKey returns the capped STREAM backing pull reads of puzzle events.
// Pattern: cipher:{instance_name}:puzzle:{puzzle_id}:stream
func PuzzleEventsStreamKey(instanceName, puzzleID string) string {
	return fmt.Sprintf("cipher:%s:puzzle:%s:stream", instanceName, puzzleID)
}

// GlobalEventsStreamKey returns the capped STREAM of instance-wide events.
// Pattern: cipher:{instance_name}:global:stream
func GlobalEventsStreamKey(instanceName string) string {
	return fmt.Sprintf("cipher:%s:global:stream", instanceName)
}

// PuzzleEventsChannel returns the Pub/Sub channel for a single puzzle.
// Pattern: cipher:{instance_name}:puzzle:{puzzle_id}:events
func PuzzleEventsChannel(instanceName, puzzleID string) string {
	return fmt.Sprintf("cipher:%s:puzzle:%s:events", instanceName, puzzleID)
}

// PuzzleEventsPattern returns the PSUBSCRIBE pattern matching every puzzle channel.
// Pattern: cipher:{instance_name}:puzzle:*:events
func PuzzleEventsPattern(instanceName string) string {
	return fmt.Sprintf("cipher:%s:puzzle:*:events", instanceName)
}

// GlobalEventsChannel returns the Pub/Sub channel for instance-wide events such as thread unlocks.
// Pattern: cipher:{instance_name}:global_events
func GlobalEventsChannel(instanceName string) string {
	return fmt.Sprintf("cipher:%s:global_events", instanceName)
}
