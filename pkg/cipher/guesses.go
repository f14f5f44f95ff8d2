package cipher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// CreateGuess writes a guess if its puzzle is open at now.
// Returns ErrNotFound for an unknown puzzle and ErrLocked when the puzzle is
// inactive, expired or within lockdown of its expiry. The open check and the
// write run as one script.
func (c *Client) CreateGuess(ctx context.Context, g *Guess, now time.Time, lockdown time.Duration) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid guess: %w", err)
	}

	args := []interface{}{now.UnixMilli(), lockdown.Milliseconds(), g.ID, g.CreatedAtMs}
	for field, value := range GuessToHash(g) {
		args = append(args, field, value)
	}

	res, err := createGuessScript.Run(ctx, c.rdb,
		[]string{
			PuzzleKey(c.instanceName, g.PuzzleID),
			GuessKey(c.instanceName, g.ID),
			PuzzleGuessesKey(c.instanceName, g.PuzzleID),
			UserStatsKey(c.instanceName, g.SubmitterID),
		},
		args...,
	).Int()
	if err != nil {
		return persistErr("failed to write guess to Redis", err)
	}

	switch res {
	case -1:
		return ErrNotFound
	case -2:
		return ErrLocked
	}
	return nil
}

// GetGuess retrieves a guess by ID.
// Returns (nil, ErrNotFound) if the guess doesn't exist.
func (c *Client) GetGuess(ctx context.Context, guessID string) (*Guess, error) {
	hashData, err := c.rdb.HGetAll(ctx, GuessKey(c.instanceName, guessID)).Result()
	if err != nil {
		return nil, persistErr("failed to read guess from Redis", err)
	}
	if len(hashData) == 0 {
		return nil, ErrNotFound
	}

	guess, err := HashToGuess(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize guess: %w", err)
	}
	return guess, nil
}

// ListGuesses returns every guess for a puzzle ordered by vote count
// descending, ties broken by earliest creation.
func (c *Client) ListGuesses(ctx context.Context, puzzleID string) ([]*Guess, error) {
	ids, err := c.rdb.ZRange(ctx, PuzzleGuessesKey(c.instanceName, puzzleID), 0, -1).Result()
	if err != nil {
		return nil, persistErr("failed to read guess index", err)
	}
	if len(ids) == 0 {
		return []*Guess{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, GuessKey(c.instanceName, id))
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("failed to read guesses", err)
	}

	guesses := make([]*Guess, 0, len(ids))
	for _, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			continue
		}
		g, err := HashToGuess(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize guess: %w", err)
		}
		guesses = append(guesses, g)
	}

	SortByRank(guesses)
	return guesses, nil
}

// SortByRank orders guesses by vote count descending, then created_at ascending,
// then ID so the order is total.
func SortByRank(guesses []*Guess) {
	sort.SliceStable(guesses, func(i, j int) bool {
		a, b := guesses[i], guesses[j]
		if a.VoteCount != b.VoteCount {
			return a.VoteCount > b.VoteCount
		}
		if a.CreatedAtMs != b.CreatedAtMs {
			return a.CreatedAtMs < b.CreatedAtMs
		}
		return a.ID < b.ID
	})
}

// GuessCount returns the number of guesses submitted for a puzzle.
func (c *Client) GuessCount(ctx context.Context, puzzleID string) (int, error) {
	n, err := c.rdb.ZCard(ctx, PuzzleGuessesKey(c.instanceName, puzzleID)).Result()
	if err != nil {
		return 0, persistErr("failed to count guesses", err)
	}
	return int(n), nil
}

// VoteOutcome is the result of CastVote.
type VoteOutcome struct {
	Accepted bool
	NewCount int
}

// CastVote registers a rally by voterID on the guess, atomically.
// A pair that already exists leaves the counter untouched and returns
// Accepted=false. Returns ErrNotFound for an unknown guess and ErrLocked when
// the owning puzzle is not open at now.
func (c *Client) CastVote(ctx context.Context, voterID string, guess *Guess, now time.Time, lockdown time.Duration) (VoteOutcome, error) {
	vals, err := castVoteScript.Run(ctx, c.rdb,
		[]string{
			PuzzleKey(c.instanceName, guess.PuzzleID),
			GuessKey(c.instanceName, guess.ID),
			GuessVotersKey(c.instanceName, guess.ID),
			UserStatsKey(c.instanceName, voterID),
		},
		voterID, now.UnixMilli(), lockdown.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return VoteOutcome{}, persistErr("failed to cast vote", err)
	}
	if len(vals) != 2 {
		return VoteOutcome{}, fmt.Errorf("unexpected vote script reply: %v", vals)
	}

	switch vals[0] {
	case -1:
		return VoteOutcome{}, ErrNotFound
	case -2:
		return VoteOutcome{NewCount: int(vals[1])}, ErrLocked
	}
	return VoteOutcome{Accepted: vals[0] == 1, NewCount: int(vals[1])}, nil
}

// GuessVoters returns the IDs of every participant who rallied the guess.
func (c *Client) GuessVoters(ctx context.Context, guessID string) ([]string, error) {
	voters, err := c.rdb.SMembers(ctx, GuessVotersKey(c.instanceName, guessID)).Result()
	if err != nil {
		return nil, persistErr("failed to read voters", err)
	}
	sort.Strings(voters)
	return voters, nil
}

// HasVoted reports whether voterID already rallied the guess.
func (c *Client) HasVoted(ctx context.Context, voterID, guessID string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, GuessVotersKey(c.instanceName, guessID), voterID).Result()
	if err != nil {
		return false, persistErr("failed to check voter", err)
	}
	return ok, nil
}

// MarkGuessWinner sets the winner flag on a guess of an expired puzzle.
// Returns true only for the call that set it. Fails if the puzzle is still active.
func (c *Client) MarkGuessWinner(ctx context.Context, guess *Guess) (bool, error) {
	res, err := markWinnerScript.Run(ctx, c.rdb,
		[]string{GuessKey(c.instanceName, guess.ID), PuzzleKey(c.instanceName, guess.PuzzleID)},
		guess.ID,
	).Int()
	if err != nil {
		return false, persistErr("failed to mark winner", err)
	}

	switch res {
	case -1:
		return false, ErrNotFound
	case -2:
		return false, fmt.Errorf("puzzle %s is still active: winner can only be set after expiry", guess.PuzzleID)
	}
	return res == 1, nil
}
