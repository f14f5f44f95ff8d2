package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/cipher/internal/api"
	"github.com/dyluth/cipher/internal/fanout"
	"github.com/dyluth/cipher/internal/printer"
)

var (
	serveListenAddr  string
	serveNoScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, realtime hub and lifecycle scheduler",
	Long: `Run an instance: the HTTP API, the websocket hub and the scheduler loop.

The scheduler keeps the active puzzle count topped up, announces lockdown and
settles expired puzzles. Run it in exactly one process per instance when
possible; settlement is idempotent if two processes overlap.

Use --no-scheduler for extra API replicas, or when an external cron calls
POST /api/scheduler/check-expirations and /api/scheduler/create-puzzle.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListenAddr, "listen", "l", "", "Listen address (overrides listen_addr)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Serve the API without running the scheduler loop")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := connectAndBuild(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveListenAddr != "" {
		a.cfg.ListenAddr = serveListenAddr
	}

	if _, err := a.pool.EnsureMinimum(ctx, a.cfg.Fallback.Floor); err != nil {
		a.log.Warn("fallback_seed_failed", "error", err)
	}

	hub := fanout.NewHub(a.client, fanout.HubOptions{
		MaxObservers: a.cfg.Fanout.MaxObservers,
		Logger:       a.log,
	})
	handler := api.NewHandler(api.Deps{
		Client:      a.client,
		Ledger:      a.ledger,
		Engine:      a.engine,
		Narrative:   a.narrative,
		Broadcaster: a.broadcaster,
		Hub:         hub,
		Logger:      a.log,
	})
	server := api.NewServer(a.client, api.ServerConfig{
		ListenAddr: a.cfg.ListenAddr,
		Logger:     a.log,
	}, handler)

	workers := 2
	errCh := make(chan error, 3)
	go func() { errCh <- hub.Run(ctx, nil) }()
	go func() { errCh <- server.ListenAndServe(ctx) }()
	if !serveNoScheduler {
		workers++
		go func() { errCh <- a.engine.Run(ctx) }()
	}

	printer.Success("Instance '%s' serving on %s\n", a.cfg.InstanceName, a.cfg.ListenAddr)
	a.log.Info("instance_started",
		"listen_addr", a.cfg.ListenAddr,
		"scheduler", !serveNoScheduler,
		"generator", a.cfg.Generator.EventSourceURL != "")

	// The first worker to stop takes the others down with it
	var firstErr error
	for i := 0; i < workers; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
		stop()
	}

	a.log.Info("instance_stopped")
	if firstErr != nil {
		return fmt.Errorf("instance stopped: %w", firstErr)
	}
	return nil
}
