package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/cipher/internal/narrative"
	"github.com/dyluth/cipher/internal/printer"
	"github.com/dyluth/cipher/pkg/cipher"
)

// FormatPuzzleTable writes puzzles as a table with the time left at now.
func FormatPuzzleTable(w io.Writer, puzzles []*cipher.Puzzle, instanceName string, lockdown time.Duration, now time.Time) int {
	if len(puzzles) == 0 {
		fmt.Fprintf(w, "No open puzzles for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Puzzles for instance '%s':\n\n", instanceName)
	fmt.Fprintf(w, "%-10s %-8s %-10s %-9s %-10s %-10s %s\n",
		"ID", "PHASE", "DIFFICULTY", "SOURCE", "THEME", "REMAINING", "TITLE")
	fmt.Fprintf(w, "%-10s %-8s %-10s %-9s %-10s %-10s %s\n",
		"----------", "--------", "----------", "---------", "----------", "----------", "------------------------------")

	for _, p := range puzzles {
		fmt.Fprintf(w, "%-10s %-8s %-10s %-9s %-10s %-10s %s\n",
			formatID(p.ID),
			p.PhaseAt(now, lockdown),
			p.Difficulty,
			p.Source,
			orDash(string(p.Theme)),
			printer.Countdown(p.Remaining(now)),
			truncate(p.Title, 30),
		)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(puzzles), plural(len(puzzles), "puzzle", "puzzles"))
	return len(puzzles)
}

// FormatLeaderboardTable writes ranked stats starting at rank offset+1.
func FormatLeaderboardTable(w io.Writer, ranked []*cipher.UserStats, offset int) int {
	if len(ranked) == 0 {
		fmt.Fprintln(w, "No ranked participants yet")
		return 0
	}

	fmt.Fprintf(w, "%-5s %-20s %6s %5s %8s %8s %9s\n", "RANK", "PLAYER", "SCORE", "WINS", "GUESSES", "RALLIES", "ACCURACY")
	for i, s := range ranked {
		fmt.Fprintf(w, "%-5d %-20s %6d %5d %8d %8d %8.0f%%\n",
			offset+i+1,
			truncate(s.UserID, 20),
			s.Score,
			s.Wins,
			s.GuessesSubmitted,
			s.RalliesCast,
			s.RallyAccuracy()*100,
		)
	}
	return len(ranked)
}

// FormatThreadTable writes thread progress and the endgame status.
func FormatThreadTable(w io.Writer, summary *narrative.Summary) int {
	if len(summary.Threads) == 0 {
		fmt.Fprintln(w, "No narrative threads yet")
	} else {
		fmt.Fprintf(w, "%-24s %-10s %-10s %s\n", "THREAD", "CATEGORY", "PROGRESS", "STATUS")
		for _, t := range summary.Threads {
			status := "locked"
			if t.Unlocked {
				status = "unlocked " + time.UnixMilli(t.UnlockedAtMs).UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%-24s %-10s %-10s %s\n",
				truncate(t.ThreadID, 24),
				t.Category,
				fmt.Sprintf("%d/%d", t.BreadcrumbCount, t.UnlockThreshold),
				status,
			)
		}
	}

	endgame := "not reached"
	if summary.EndgameReached {
		endgame = "reached"
	}
	fmt.Fprintf(w, "\n%d/%d breadcrumbs, endgame %s\n", summary.TotalBreadcrumbs, summary.EndgameThreshold, endgame)
	return len(summary.Threads)
}

// FormatJSONL writes each record as a single JSON object on its own line.
func FormatJSONL[T any](w io.Writer, records []T) error {
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// formatID truncates an ID to its first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
