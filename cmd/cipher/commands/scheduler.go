package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/cipher/internal/printer"
	"github.com/dyluth/cipher/pkg/cipher"
)

var createCount int

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create puzzles now, outside the scheduler loop",
	Long: `Create one or more puzzles immediately.

Each puzzle comes from the generator when it is configured and succeeds,
otherwise from the fallback pool, otherwise from the builtin puzzle.
Creation stops early once the active puzzle limit is reached.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one expiration pass: announce lockdowns and settle expired puzzles",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	createCmd.Flags().IntVarP(&createCount, "count", "n", 1, "Number of puzzles to create")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	if createCount < 1 {
		return printer.Error(
			"invalid count",
			fmt.Sprintf("--count must be at least 1, got %d", createCount),
			nil,
		)
	}

	ctx := cmd.Context()
	a, err := connectAndBuild(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	for i := 0; i < createCount; i++ {
		res, err := a.engine.CreatePuzzle(ctx)
		if errors.Is(err, cipher.ErrAtCapacity) {
			printer.Info("Active puzzle limit reached, created %s\n", count(i, "puzzle"))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create puzzle: %w", err)
		}
		printer.Success("Created puzzle %s (%s)\n", res.PuzzleID, res.Source)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := connectAndBuild(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.CheckExpirations(ctx)
	if err != nil {
		return fmt.Errorf("expiration check failed: %w", err)
	}
	printer.Success("Expired %s, locked %s\n",
		count(report.ExpiredCount, "puzzle"), count(report.LockedCount, "puzzle"))
	if report.ResumedCount > 0 {
		printer.Info("Finished settling %s\n", count(report.ResumedCount, "earlier puzzle"))
	}
	return nil
}

func count(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
