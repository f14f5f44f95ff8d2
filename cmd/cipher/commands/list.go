package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/cipher/internal/printer"
	"github.com/dyluth/cipher/internal/report"
	"github.com/dyluth/cipher/internal/timespec"
	"github.com/dyluth/cipher/pkg/cipher"
)

var (
	listOutputFormat string

	puzzlesSince  string
	puzzlesUntil  string
	puzzlesTheme  string
	puzzlesSource string

	leaderboardPage  int
	leaderboardLimit int
)

var puzzlesCmd = &cobra.Command{
	Use:   "puzzles",
	Short: "List open puzzles",
	Long: `List the puzzles that have not been settled yet, oldest first.

Solutions are never shown.

Filters:
  --since, --until  - Creation time window (duration ago or RFC3339)
  --theme           - Theme glob ("tech*", "*science")
  --source          - generated, fallback or builtin

Examples:
  cipher puzzles --since=1h
  cipher puzzles --source=fallback --output=jsonl | jq .id`,
	Args: cobra.NoArgs,
	RunE: runPuzzles,
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the participant ranking",
	Args:  cobra.NoArgs,
	RunE:  runLeaderboard,
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Show narrative thread progress",
	Args:  cobra.NoArgs,
	RunE:  runThreads,
}

func init() {
	for _, c := range []*cobra.Command{puzzlesCmd, leaderboardCmd, threadsCmd} {
		c.Flags().StringVarP(&listOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	}

	puzzlesCmd.Flags().StringVar(&puzzlesSince, "since", "", "Show puzzles created after time (duration or RFC3339)")
	puzzlesCmd.Flags().StringVar(&puzzlesUntil, "until", "", "Show puzzles created before time (duration or RFC3339)")
	puzzlesCmd.Flags().StringVar(&puzzlesTheme, "theme", "", "Filter by theme (glob pattern)")
	puzzlesCmd.Flags().StringVar(&puzzlesSource, "source", "", "Filter by source (generated, fallback, builtin)")

	leaderboardCmd.Flags().IntVar(&leaderboardPage, "page", 1, "Page number, starting at 1")
	leaderboardCmd.Flags().IntVar(&leaderboardLimit, "limit", 20, "Entries per page")

	rootCmd.AddCommand(puzzlesCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(threadsCmd)
}

func parseListFormat() (report.OutputFormat, error) {
	switch listOutputFormat {
	case "default":
		return report.OutputFormatDefault, nil
	case "jsonl":
		return report.OutputFormatJSONL, nil
	}
	return "", printer.Error(
		"invalid output format",
		fmt.Sprintf("Unknown format: %s", listOutputFormat),
		[]string{"Valid formats: default, jsonl"},
	)
}

func runPuzzles(cmd *cobra.Command, args []string) error {
	format, err := parseListFormat()
	if err != nil {
		return err
	}

	now := time.Now()
	since, until, err := timespec.ParseRange(puzzlesSince, puzzlesUntil, now)
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use a duration (30m, 2h) or an RFC3339 timestamp"},
		)
	}

	source := cipher.Source(puzzlesSource)
	switch source {
	case "", cipher.SourceGenerated, cipher.SourceFallback, cipher.SourceBuiltin:
	default:
		return printer.Error(
			"invalid source",
			fmt.Sprintf("Unknown source: %s", puzzlesSource),
			[]string{"Valid sources: generated, fallback, builtin"},
		)
	}

	ctx := cmd.Context()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	filters := &report.FilterCriteria{Since: since, Until: until, ThemeGlob: puzzlesTheme, Source: source}
	return report.ListPuzzles(ctx, a.client, format, filters, a.cfg.Scheduler.LockdownWindow, now, cmd.OutOrStdout())
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	format, err := parseListFormat()
	if err != nil {
		return err
	}
	offset, err := cipher.PageOffset(leaderboardPage, leaderboardLimit)
	if err != nil {
		return printer.Error(
			"invalid page",
			err.Error(),
			nil,
		)
	}

	ctx := cmd.Context()
	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return report.ListLeaderboard(ctx, a.client, offset, leaderboardLimit, format, cmd.OutOrStdout())
}

func runThreads(cmd *cobra.Command, args []string) error {
	format, err := parseListFormat()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := connectAndBuild(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return report.ListThreads(ctx, a.narrative, format, cmd.OutOrStdout())
}
