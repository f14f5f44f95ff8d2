package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/cipher/internal/printer"
)

var poolFloor int

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect or refill the fallback puzzle pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var poolSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Refill the pool up to its ceiling if it is below the floor",
	Args:  cobra.NoArgs,
	RunE:  runPoolSeed,
}

var poolSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print the number of reserve puzzles",
	Args:  cobra.NoArgs,
	RunE:  runPoolSize,
}

func init() {
	poolSeedCmd.Flags().IntVar(&poolFloor, "floor", 0, "Refill threshold (defaults to fallback.floor)")

	poolCmd.AddCommand(poolSeedCmd)
	poolCmd.AddCommand(poolSizeCmd)
	rootCmd.AddCommand(poolCmd)
}

func runPoolSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := connectAndBuild(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	floor := poolFloor
	if floor <= 0 {
		floor = a.pool.Floor()
	}
	added, err := a.pool.EnsureMinimum(ctx, floor)
	if err != nil {
		return fmt.Errorf("failed to seed fallback pool: %w", err)
	}
	size, err := a.pool.Size(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pool size: %w", err)
	}
	if added == 0 {
		printer.Info("Pool already at or above floor %d (%s)\n", floor, count(size, "puzzle"))
		return nil
	}
	printer.Success("Added %s, pool now holds %d\n", count(added, "puzzle"), size)
	return nil
}

func runPoolSize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := connectAndBuild(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	size, err := a.pool.Size(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pool size: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), size)
	return nil
}
