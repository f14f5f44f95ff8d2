// Package report renders puzzles, the leaderboard and narrative threads for
// the CLI, as a table or as line-delimited JSON.
package report

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dyluth/cipher/internal/narrative"
	"github.com/dyluth/cipher/pkg/cipher"
)

// OutputFormat specifies how to format list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated fields
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// FilterCriteria defines filtering options for the puzzle list.
// All filters are ANDed together.
type FilterCriteria struct {
	Since     time.Time     // Created at or after, zero = no filter
	Until     time.Time     // Created at or before, zero = no filter
	ThemeGlob string        // Glob pattern for the theme, empty = no filter
	Source    cipher.Source // Exact match, empty = no filter
}

func (fc *FilterCriteria) matchesFilter(p *cipher.Puzzle) bool {
	created := p.CreatedAt()
	if !fc.Since.IsZero() && created.Before(fc.Since) {
		return false
	}
	if !fc.Until.IsZero() && created.After(fc.Until) {
		return false
	}
	if fc.ThemeGlob != "" {
		matched, err := filepath.Match(fc.ThemeGlob, string(p.Theme))
		if err != nil || !matched {
			return false
		}
	}
	if fc.Source != "" && p.Source != fc.Source {
		return false
	}
	return true
}

// ListPuzzles writes the open puzzles, oldest first, with their phase at now.
// Solutions are omitted.
func ListPuzzles(ctx context.Context, client *cipher.Client, format OutputFormat, filters *FilterCriteria, lockdown time.Duration, now time.Time, w io.Writer) error {
	open, err := client.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to list puzzles: %w", err)
	}

	puzzles := make([]*cipher.Puzzle, 0, len(open))
	for _, p := range open {
		if filters != nil && !filters.matchesFilter(p) {
			continue
		}
		hidden := *p
		hidden.Solution = ""
		puzzles = append(puzzles, &hidden)
	}

	switch format {
	case OutputFormatDefault:
		FormatPuzzleTable(w, puzzles, client.InstanceName(), lockdown, now)
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, puzzles)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// ListLeaderboard writes one page of the ranking.
func ListLeaderboard(ctx context.Context, client *cipher.Client, offset, limit int, format OutputFormat, w io.Writer) error {
	ranked, err := client.Leaderboard(ctx, offset, limit)
	if err != nil {
		return fmt.Errorf("failed to read leaderboard: %w", err)
	}

	switch format {
	case OutputFormatDefault:
		FormatLeaderboardTable(w, ranked, offset)
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, ranked)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// ListThreads writes every narrative thread and the endgame status.
func ListThreads(ctx context.Context, ledger *narrative.Ledger, format OutputFormat, w io.Writer) error {
	summary, err := ledger.Summarize(ctx)
	if err != nil {
		return err
	}

	switch format {
	case OutputFormatDefault:
		FormatThreadTable(w, summary)
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, []*narrative.Summary{summary})
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
