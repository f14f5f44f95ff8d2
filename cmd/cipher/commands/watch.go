package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/cipher/internal/printer"
	"github.com/dyluth/cipher/internal/watch"
)

var (
	watchPuzzleID     string
	watchPoll         bool
	watchSince        string
	watchOutputFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime game events",
	Long: `Stream guesses, rallies, lockdowns, expirations and breadcrumbs as they happen.

By default events arrive over Pub/Sub as they are published. With --poll the
command reads the durable event stream instead, starting after --since, which
survives reconnects and shows events published while it was away.

Examples:
  # Everything on the instance
  cipher watch

  # One puzzle as JSON lines
  cipher watch --puzzle 1f0c... --output=json

  # Catch up from a cursor
  cipher watch --puzzle 1f0c... --poll --since 1700000000000-0`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchPuzzleID, "puzzle", "p", "", "Only show events for this puzzle")
	watchCmd.Flags().BoolVar(&watchPoll, "poll", false, "Poll the event stream instead of subscribing (requires --puzzle)")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "Stream cursor to resume after when polling")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format: default or json")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}
	if watchPoll && watchPuzzleID == "" {
		return printer.Error(
			"--poll requires --puzzle",
			"The event stream is kept per puzzle.",
			[]string{"Pick a puzzle:\n  cipher puzzles"},
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := connect(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if format == watch.OutputFormatDefault {
		target := "all puzzles"
		if watchPuzzleID != "" {
			target = "puzzle " + watchPuzzleID
		}
		printer.Info("Watching %s on instance '%s'...\n", target, a.cfg.InstanceName)
	}

	if watchPoll {
		cursor, err := watch.Poll(ctx, a.client, watchPuzzleID, watchSince, watch.DefaultPollInterval, format, out)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("polling stopped at cursor %q: %w", cursor, err)
		}
		return nil
	}

	if err := watch.Stream(ctx, a.client, watchPuzzleID, format, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch failed: %w", err)
	}
	return nil
}
