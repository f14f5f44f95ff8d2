package cipher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// AppendOutcome is the result of AppendBreadcrumb.
type AppendOutcome struct {
	Count       int  // Thread breadcrumb count after the append
	UnlockedNow bool // True only for the append that crossed the threshold
	Duplicate   bool // The puzzle already had a breadcrumb; nothing was written
}

// AppendBreadcrumb appends a breadcrumb to its thread and the global ledger and
// increments the thread count. The unlocked flag flips in the same script, so
// exactly one append ever reports UnlockedNow. threshold is applied only when
// the thread is first created. A breadcrumb with a PuzzleID is appended at
// most once per puzzle; later calls report Duplicate.
func (c *Client) AppendBreadcrumb(ctx context.Context, b *Breadcrumb, threshold int, now time.Time) (AppendOutcome, error) {
	if b.Connections == nil {
		b.Connections = []string{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return AppendOutcome{}, fmt.Errorf("failed to marshal breadcrumb: %w", err)
	}

	guarded := "0"
	if b.PuzzleID != "" {
		guarded = "1"
	}
	vals, err := appendBreadcrumbScript.Run(ctx, c.rdb,
		[]string{
			ThreadKey(c.instanceName, b.ThreadID),
			ThreadBreadcrumbsKey(c.instanceName, b.ThreadID),
			BreadcrumbsKey(c.instanceName),
			ThreadsKey(c.instanceName),
			SettlementKey(c.instanceName, b.PuzzleID),
		},
		string(data), b.ThreadID, string(b.Category), threshold, now.UnixMilli(), guarded,
	).Int64Slice()
	if err != nil {
		return AppendOutcome{}, persistErr("failed to append breadcrumb", err)
	}
	if len(vals) != 3 {
		return AppendOutcome{}, fmt.Errorf("unexpected breadcrumb script reply: %v", vals)
	}

	return AppendOutcome{Count: int(vals[0]), UnlockedNow: vals[1] == 1, Duplicate: vals[2] == 0}, nil
}

// GetThread retrieves a narrative thread. Returns ErrNotFound if no breadcrumb
// was ever appended to it.
func (c *Client) GetThread(ctx context.Context, threadID string) (*NarrativeThread, error) {
	hashData, err := c.rdb.HGetAll(ctx, ThreadKey(c.instanceName, threadID)).Result()
	if err != nil {
		return nil, persistErr("failed to read thread", err)
	}
	if len(hashData) == 0 {
		return nil, ErrNotFound
	}
	thread, err := HashToThread(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize thread: %w", err)
	}
	return thread, nil
}

// ListThreads returns every known thread ordered by thread ID.
func (c *Client) ListThreads(ctx context.Context) ([]*NarrativeThread, error) {
	ids, err := c.rdb.SMembers(ctx, ThreadsKey(c.instanceName)).Result()
	if err != nil {
		return nil, persistErr("failed to read threads", err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, ThreadKey(c.instanceName, id))
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("failed to read threads", err)
	}

	threads := make([]*NarrativeThread, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		thread, err := HashToThread(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// ThreadBreadcrumbs returns up to limit breadcrumbs of a thread, newest last.
// limit <= 0 returns all of them.
func (c *Client) ThreadBreadcrumbs(ctx context.Context, threadID string, limit int) ([]*Breadcrumb, error) {
	return c.readBreadcrumbs(ctx, ThreadBreadcrumbsKey(c.instanceName, threadID), limit)
}

// TotalBreadcrumbs returns the number of breadcrumbs across all threads.
func (c *Client) TotalBreadcrumbs(ctx context.Context) (int, error) {
	n, err := c.rdb.LLen(ctx, BreadcrumbsKey(c.instanceName)).Result()
	if err != nil {
		return 0, persistErr("failed to count breadcrumbs", err)
	}
	return int(n), nil
}

func (c *Client) readBreadcrumbs(ctx context.Context, key string, limit int) ([]*Breadcrumb, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := c.rdb.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, persistErr("failed to read breadcrumbs", err)
	}

	crumbs := make([]*Breadcrumb, 0, len(raw))
	for _, entry := range raw {
		var b Breadcrumb
		if err := json.Unmarshal([]byte(entry), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breadcrumb: %w", err)
		}
		crumbs = append(crumbs, &b)
	}
	return crumbs, nil
}
