package cipher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// NormalizeSolution upper-cases a solution and collapses internal whitespace.
func NormalizeSolution(solution string) string {
	return strings.Join(strings.Fields(strings.ToUpper(solution)), " ")
}

// Fingerprint returns the hex SHA-256 of the normalized solution.
// Two puzzles share a fingerprint exactly when their normalized solutions match.
func Fingerprint(solution string) string {
	sum := sha256.Sum256([]byte(NormalizeSolution(solution)))
	return hex.EncodeToString(sum[:])
}

// SolutionSeen reports whether the fingerprint was registered and has not expired.
func (c *Client) SolutionSeen(ctx context.Context, fingerprint string) (bool, error) {
	n, err := c.rdb.Exists(ctx, FingerprintKey(c.instanceName, fingerprint)).Result()
	if err != nil {
		return false, persistErr("failed to check fingerprint", err)
	}
	return n > 0, nil
}

// RegisterSolution marks the fingerprint as used for ttl.
// Returns false if another caller registered it first.
func (c *Client) RegisterSolution(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, FingerprintKey(c.instanceName, fingerprint), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, persistErr("failed to register fingerprint", err)
	}
	return ok, nil
}
