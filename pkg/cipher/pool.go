package cipher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Reserve entries are stored as "{template_id}|{puzzle_json}" so the pop script
// can release the template ID without decoding JSON.
const fallbackEntrySep = "|"

// PushFallback adds a reserve puzzle built from templateID.
// Returns false, without writing, if that template is already in the reserve.
func (c *Client) PushFallback(ctx context.Context, templateID string, p *Puzzle) (bool, error) {
	if strings.Contains(templateID, fallbackEntrySep) {
		return false, fmt.Errorf("template ID %q must not contain %q", templateID, fallbackEntrySep)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("failed to marshal reserve puzzle: %w", err)
	}

	res, err := pushFallbackScript.Run(ctx, c.rdb,
		[]string{FallbackPoolKey(c.instanceName), FallbackTemplatesKey(c.instanceName)},
		templateID, templateID+fallbackEntrySep+string(data),
	).Int()
	if err != nil {
		return false, persistErr("failed to push reserve puzzle", err)
	}
	return res == 1, nil
}

// PopFallback removes the oldest reserve puzzle.
// Returns ErrNotFound when the reserve is empty.
func (c *Client) PopFallback(ctx context.Context) (string, *Puzzle, error) {
	entry, err := popFallbackScript.Run(ctx, c.rdb,
		[]string{FallbackPoolKey(c.instanceName), FallbackTemplatesKey(c.instanceName)},
	).Text()
	if err != nil {
		if IsNotFound(err) {
			return "", nil, ErrNotFound
		}
		return "", nil, persistErr("failed to pop reserve puzzle", err)
	}

	templateID, payload, ok := strings.Cut(entry, fallbackEntrySep)
	if !ok {
		return "", nil, fmt.Errorf("malformed reserve entry")
	}
	var p Puzzle
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal reserve puzzle: %w", err)
	}
	return templateID, &p, nil
}

// FallbackSize returns the number of reserve puzzles.
func (c *Client) FallbackSize(ctx context.Context) (int, error) {
	n, err := c.rdb.LLen(ctx, FallbackPoolKey(c.instanceName)).Result()
	if err != nil {
		return 0, persistErr("failed to count reserve", err)
	}
	return int(n), nil
}

// FallbackTemplateIDs returns the template IDs currently in the reserve.
func (c *Client) FallbackTemplateIDs(ctx context.Context) (map[string]bool, error) {
	ids, err := c.rdb.SMembers(ctx, FallbackTemplatesKey(c.instanceName)).Result()
	if err != nil {
		return nil, persistErr("failed to read reserve templates", err)
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	return present, nil
}
