package cipher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PutPuzzle writes a puzzle and, when it is active, adds it to the active index.
// Validates the puzzle before writing. Both writes happen in one MULTI/EXEC so
// a reader never sees an indexed puzzle without its hash.
func (c *Client) PutPuzzle(ctx context.Context, p *Puzzle) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid puzzle: %w", err)
	}

	hash, err := PuzzleToHash(p)
	if err != nil {
		return fmt.Errorf("failed to serialize puzzle: %w", err)
	}

	key := PuzzleKey(c.instanceName, p.ID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hash)
		if p.IsActive {
			pipe.ZAdd(ctx, ActivePuzzlesKey(c.instanceName), redis.Z{
				Score:  float64(p.CreatedAtMs),
				Member: p.ID,
			})
		}
		return nil
	})
	if err != nil {
		return persistErr("failed to write puzzle to Redis", err)
	}

	return nil
}

// CreateActivePuzzle stores an active puzzle unless maxActive puzzles are
// already indexed, in which case it returns ErrAtCapacity and writes nothing.
// The count and the write run as one script.
func (c *Client) CreateActivePuzzle(ctx context.Context, p *Puzzle, maxActive int) error {
	if !p.IsActive {
		return fmt.Errorf("invalid puzzle: %s is not active", p.ID)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid puzzle: %w", err)
	}

	hash, err := PuzzleToHash(p)
	if err != nil {
		return fmt.Errorf("failed to serialize puzzle: %w", err)
	}
	args := []interface{}{maxActive, p.ID, p.CreatedAtMs}
	for field, value := range hash {
		args = append(args, field, value)
	}

	res, err := createActivePuzzleScript.Run(ctx, c.rdb,
		[]string{PuzzleKey(c.instanceName, p.ID), ActivePuzzlesKey(c.instanceName)},
		args...,
	).Int()
	if err != nil {
		return persistErr("failed to write puzzle to Redis", err)
	}
	if res == 0 {
		return ErrAtCapacity
	}
	return nil
}

// GetPuzzle retrieves a puzzle by ID.
// Returns (nil, ErrNotFound) if the puzzle doesn't exist.
func (c *Client) GetPuzzle(ctx context.Context, puzzleID string) (*Puzzle, error) {
	hashData, err := c.rdb.HGetAll(ctx, PuzzleKey(c.instanceName, puzzleID)).Result()
	if err != nil {
		return nil, persistErr("failed to read puzzle from Redis", err)
	}

	// HGetAll returns empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, ErrNotFound
	}

	puzzle, err := HashToPuzzle(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize puzzle: %w", err)
	}

	return puzzle, nil
}

// ListOpen returns every puzzle whose isActive flag is still set, ordered by
// created_at ascending. This includes puzzles past their expiry that the
// scheduler has not processed yet.
func (c *Client) ListOpen(ctx context.Context) ([]*Puzzle, error) {
	ids, err := c.rdb.ZRange(ctx, ActivePuzzlesKey(c.instanceName), 0, -1).Result()
	if err != nil {
		return nil, persistErr("failed to read active index", err)
	}
	if len(ids) == 0 {
		return []*Puzzle{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, PuzzleKey(c.instanceName, id))
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("failed to read active puzzles", err)
	}

	puzzles := make([]*Puzzle, 0, len(ids))
	for _, cmd := range cmds {
		hashData := cmd.Val()
		if len(hashData) == 0 {
			continue
		}
		p, err := HashToPuzzle(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize puzzle: %w", err)
		}
		if p.IsActive {
			puzzles = append(puzzles, p)
		}
	}

	return puzzles, nil
}

// ListActive returns the puzzles that are playable at now: isActive set and
// expiry in the future, ordered by created_at ascending.
func (c *Client) ListActive(ctx context.Context, now time.Time) ([]*Puzzle, error) {
	open, err := c.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*Puzzle, 0, len(open))
	for _, p := range open {
		if p.ExpiresAtMs > now.UnixMilli() {
			active = append(active, p)
		}
	}
	return active, nil
}

// ActiveCount returns the number of puzzles in the active index.
func (c *Client) ActiveCount(ctx context.Context) (int, error) {
	n, err := c.rdb.ZCard(ctx, ActivePuzzlesKey(c.instanceName)).Result()
	if err != nil {
		return 0, persistErr("failed to count active puzzles", err)
	}
	return int(n), nil
}

// MarkLocked records the lockdown announcement time. Returns true only for the
// call that set it, so the announcement is emitted once.
func (c *Client) MarkLocked(ctx context.Context, puzzleID string, now time.Time) (bool, error) {
	res, err := markLockedScript.Run(ctx, c.rdb,
		[]string{PuzzleKey(c.instanceName, puzzleID)},
		now.UnixMilli(),
	).Int()
	if err != nil {
		return false, persistErr("failed to mark puzzle locked", err)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

// MarkExpired clears the isActive flag and queues the puzzle for settlement.
// It is idempotent: only the call that performed the transition returns true.
func (c *Client) MarkExpired(ctx context.Context, puzzleID string, now time.Time) (bool, error) {
	res, err := markExpiredScript.Run(ctx, c.rdb,
		[]string{
			PuzzleKey(c.instanceName, puzzleID),
			ActivePuzzlesKey(c.instanceName),
			UnsettledPuzzlesKey(c.instanceName),
		},
		puzzleID, now.UnixMilli(),
	).Int()
	if err != nil {
		return false, persistErr("failed to mark puzzle expired", err)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

// UnsettledPuzzles returns the IDs of puzzles that expired at or before
// before and have not been marked settled, oldest first.
func (c *Client) UnsettledPuzzles(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, UnsettledPuzzlesKey(c.instanceName), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, persistErr("failed to read unsettled puzzles", err)
	}
	return ids, nil
}

// MarkSettled removes a puzzle from the settlement queue.
func (c *Client) MarkSettled(ctx context.Context, puzzleID string) error {
	if err := c.rdb.ZRem(ctx, UnsettledPuzzlesKey(c.instanceName), puzzleID).Err(); err != nil {
		return persistErr("failed to mark puzzle settled", err)
	}
	return nil
}
