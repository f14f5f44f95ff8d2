package timespec

import (
	"fmt"
	"strconv"
	"time"
)

// Parse parses a time specification relative to now.
// Supports three formats:
//   - Go duration format: "1h", "30m", "1h30m", meaning that long before now
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//   - Unix milliseconds: "1730206800000"
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if ms, err := strconv.ParseInt(spec, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m', RFC3339 like '2025-10-29T13:00:00Z' or Unix milliseconds)", spec)
}

// ParseRange parses both --since and --until flags into a time range.
// Zero values indicate "no bound" for that end of the range.
func ParseRange(since, until string, now time.Time) (time.Time, time.Time, error) {
	var sinceT, untilT time.Time
	var err error

	if since != "" {
		sinceT, err = Parse(since, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		untilT, err = Parse(until, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !sinceT.IsZero() && !untilT.IsZero() && !sinceT.Before(untilT) {
		return time.Time{}, time.Time{}, fmt.Errorf("--since must be before --until")
	}

	return sinceT, untilT, nil
}
