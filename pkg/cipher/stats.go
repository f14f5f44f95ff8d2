package cipher

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Points awarded on the leaderboard.
const (
	WinPoints           = 10
	AccurateRallyPoints = 1
)

// MaxLeaderboardOffset is the deepest rank a page may start from.
const MaxLeaderboardOffset = 1 << 20

// PageOffset converts a 1-based page of limit entries into a ranking offset.
// Pages starting past MaxLeaderboardOffset are rejected.
func PageOffset(page, limit int) (int, error) {
	if page < 1 {
		return 0, &ValidationError{Field: "page", Reason: "must be a positive integer"}
	}
	if limit < 1 {
		return 0, &ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	if page-1 > MaxLeaderboardOffset/limit {
		return 0, &ValidationError{Field: "page", Reason: fmt.Sprintf("must start within the first %d ranks", MaxLeaderboardOffset)}
	}
	return (page - 1) * limit, nil
}

// RecordWin credits the submitter of the winning guess and every participant
// who rallied it. Stats are credited once per puzzle: only the first call
// returns true, later calls change nothing.
func (c *Client) RecordWin(ctx context.Context, winner *Guess, voterIDs []string) (bool, error) {
	keys := []string{
		SettlementKey(c.instanceName, winner.PuzzleID),
		LeaderboardKey(c.instanceName),
		UserStatsKey(c.instanceName, winner.SubmitterID),
	}
	args := []interface{}{WinPoints, AccurateRallyPoints, winner.SubmitterID}
	for _, voterID := range voterIDs {
		keys = append(keys, UserStatsKey(c.instanceName, voterID))
		args = append(args, voterID)
	}

	res, err := recordWinScript.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil {
		return false, persistErr("failed to record win", err)
	}
	return res == 1, nil
}

// GetUserStats returns the counters for a participant. Unknown users have zero stats.
func (c *Client) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	hashData, err := c.rdb.HGetAll(ctx, UserStatsKey(c.instanceName, userID)).Result()
	if err != nil {
		return nil, persistErr("failed to read user stats", err)
	}
	return HashToUserStats(userID, hashData), nil
}

// Leaderboard returns ranked user stats, highest score first.
// offset and limit page through the ranking.
func (c *Client) Leaderboard(ctx context.Context, offset, limit int) ([]*UserStats, error) {
	if limit <= 0 {
		return []*UserStats{}, nil
	}

	ids, err := c.rdb.ZRevRange(ctx, LeaderboardKey(c.instanceName), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, persistErr("failed to read leaderboard", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, UserStatsKey(c.instanceName, id))
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("failed to read leaderboard stats", err)
	}

	ranked := make([]*UserStats, len(ids))
	for i, id := range ids {
		ranked[i] = HashToUserStats(id, cmds[i].Val())
	}
	return ranked, nil
}

// LeaderboardSize returns the number of ranked participants.
func (c *Client) LeaderboardSize(ctx context.Context) (int, error) {
	n, err := c.rdb.ZCard(ctx, LeaderboardKey(c.instanceName)).Result()
	if err != nil {
		return 0, persistErr("failed to count leaderboard", err)
	}
	return int(n), nil
}
