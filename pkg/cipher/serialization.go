package cipher

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Flags are stored as
// "1"/"0" so Lua scripts can test them without parsing, and the optional
// narrative attachment is JSON-encoded into a single field.

// PuzzleToHash converts a Puzzle struct to a Redis hash format.
func PuzzleToHash(p *Puzzle) (map[string]interface{}, error) {
	narrative := ""
	if p.Narrative != nil {
		narrativeJSON, err := json.Marshal(p.Narrative)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal narrative: %w", err)
		}
		narrative = string(narrativeJSON)
	}

	hash := map[string]interface{}{
		"id":              p.ID,
		"title":           p.Title,
		"hint":            p.Hint,
		"solution":        p.Solution,
		"difficulty":      string(p.Difficulty),
		"format":          string(p.Format),
		"content":         p.Content,
		"theme":           string(p.Theme),
		"source":          string(p.Source),
		"created_at_ms":   p.CreatedAtMs,
		"expires_at_ms":   p.ExpiresAtMs,
		"is_active":       boolField(p.IsActive),
		"narrative":       narrative,
		"locked_at_ms":    p.LockedAtMs,
		"expired_at_ms":   p.ExpiredAtMs,
		"winner_guess_id": p.WinnerGuessID,
	}

	return hash, nil
}

// HashToPuzzle converts a Redis hash to a Puzzle struct.
func HashToPuzzle(hash map[string]string) (*Puzzle, error) {
	createdAtMs, err := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ms field: %w", err)
	}

	expiresAtMs, err := strconv.ParseInt(hash["expires_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at_ms field: %w", err)
	}

	var narrative *Narrative
	if narrativeJSON := hash["narrative"]; narrativeJSON != "" {
		narrative = &Narrative{}
		if err := json.Unmarshal([]byte(narrativeJSON), narrative); err != nil {
			return nil, fmt.Errorf("failed to unmarshal narrative: %w", err)
		}
	}

	// Optional lifecycle fields default to zero
	lockedAtMs, _ := strconv.ParseInt(hash["locked_at_ms"], 10, 64)
	expiredAtMs, _ := strconv.ParseInt(hash["expired_at_ms"], 10, 64)

	return &Puzzle{
		ID:            hash["id"],
		Title:         hash["title"],
		Hint:          hash["hint"],
		Solution:      hash["solution"],
		Difficulty:    Difficulty(hash["difficulty"]),
		Format:        Format(hash["format"]),
		Content:       hash["content"],
		Theme:         Category(hash["theme"]),
		Source:        Source(hash["source"]),
		CreatedAtMs:   createdAtMs,
		ExpiresAtMs:   expiresAtMs,
		IsActive:      hash["is_active"] == "1",
		Narrative:     narrative,
		LockedAtMs:    lockedAtMs,
		ExpiredAtMs:   expiredAtMs,
		WinnerGuessID: hash["winner_guess_id"],
	}, nil
}

// GuessToHash converts a Guess struct to a Redis hash format.
func GuessToHash(g *Guess) map[string]interface{} {
	return map[string]interface{}{
		"id":            g.ID,
		"puzzle_id":     g.PuzzleID,
		"submitter_id":  g.SubmitterID,
		"content":       g.Content,
		"vote_count":    g.VoteCount,
		"created_at_ms": g.CreatedAtMs,
		"is_winner":     boolField(g.IsWinner),
	}
}

// HashToGuess converts a Redis hash to a Guess struct.
func HashToGuess(hash map[string]string) (*Guess, error) {
	voteCount, err := strconv.Atoi(hash["vote_count"])
	if err != nil {
		return nil, fmt.Errorf("invalid vote_count field: %w", err)
	}

	createdAtMs, err := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ms field: %w", err)
	}

	return &Guess{
		ID:          hash["id"],
		PuzzleID:    hash["puzzle_id"],
		SubmitterID: hash["submitter_id"],
		Content:     hash["content"],
		VoteCount:   voteCount,
		CreatedAtMs: createdAtMs,
		IsWinner:    hash["is_winner"] == "1",
	}, nil
}

// HashToThread converts a Redis hash to a NarrativeThread struct.
func HashToThread(hash map[string]string) (*NarrativeThread, error) {
	count, err := strconv.Atoi(hash["breadcrumb_count"])
	if err != nil {
		return nil, fmt.Errorf("invalid breadcrumb_count field: %w", err)
	}

	threshold, err := strconv.Atoi(hash["unlock_threshold"])
	if err != nil {
		return nil, fmt.Errorf("invalid unlock_threshold field: %w", err)
	}

	unlockedAtMs, _ := strconv.ParseInt(hash["unlocked_at_ms"], 10, 64)

	return &NarrativeThread{
		ThreadID:        hash["thread_id"],
		Category:        Category(hash["category"]),
		BreadcrumbCount: count,
		UnlockThreshold: threshold,
		Unlocked:        hash["unlocked"] == "1",
		UnlockedAtMs:    unlockedAtMs,
	}, nil
}

// HashToUserStats converts a Redis hash to UserStats. Missing counters are zero.
func HashToUserStats(userID string, hash map[string]string) *UserStats {
	stats := &UserStats{UserID: userID}
	stats.GuessesSubmitted, _ = strconv.Atoi(hash["guesses_submitted"])
	stats.RalliesCast, _ = strconv.Atoi(hash["rallies_cast"])
	stats.AccurateRallies, _ = strconv.Atoi(hash["accurate_rallies"])
	stats.Wins, _ = strconv.Atoi(hash["wins"])
	stats.Score, _ = strconv.Atoi(hash["score"])
	return stats
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
