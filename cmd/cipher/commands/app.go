package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/cipher/internal/config"
	"github.com/dyluth/cipher/internal/fallback"
	"github.com/dyluth/cipher/internal/fanout"
	"github.com/dyluth/cipher/internal/generator"
	"github.com/dyluth/cipher/internal/ledger"
	"github.com/dyluth/cipher/internal/narrative"
	"github.com/dyluth/cipher/internal/printer"
	"github.com/dyluth/cipher/internal/ratelimit"
	"github.com/dyluth/cipher/internal/scheduler"
	"github.com/dyluth/cipher/pkg/cipher"
)

// logOutput is where component logs go. Tests redirect it.
var logOutput io.Writer = os.Stderr

// app holds the components shared by the commands.
type app struct {
	cfg         *config.CipherConfig
	log         *slog.Logger
	client      *cipher.Client
	broadcaster *fanout.Broadcaster
	ledger      *ledger.Ledger
	narrative   *narrative.Ledger
	pool        *fallback.Pool
	engine      *scheduler.Engine
}

func (a *app) Close() error {
	return a.client.Close()
}

// connect loads the configuration and connects to Redis.
func connect(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"configuration error",
			err.Error(),
			[]string{
				"Check the file passed with --config",
				fmt.Sprintf("Unset %s, %s and %s to use the defaults", config.EnvRedisURL, config.EnvInstanceName, config.EnvListenAddr),
			},
		)
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: level}))

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client, err := cipher.NewClient(redisOpts, cfg.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.RedisURL),
			map[string]string{"Instance": cfg.InstanceName},
			[]string{
				"Start Redis locally:\n  docker run -p 6379:6379 redis:7-alpine",
				fmt.Sprintf("Point at another server:\n  export %s=redis://host:6379", config.EnvRedisURL),
			},
		)
	}

	return &app{cfg: cfg, log: logger, client: client}, nil
}

// build wires the game components on top of a connected app.
func (a *app) build() error {
	cfg := a.cfg
	a.broadcaster = fanout.NewBroadcaster(a.client, cfg.Fanout.StreamLength, a.log)

	var err error
	a.ledger, err = ledger.New(a.client, ledger.Options{
		Lockdown:  cfg.Scheduler.LockdownWindow,
		GuessRule: ratelimit.Rule{Max: cfg.Limits.Guess.Max, Window: cfg.Limits.Guess.Window},
		VoteRule:  ratelimit.Rule{Max: cfg.Limits.Vote.Max, Window: cfg.Limits.Vote.Window},
		Publisher: a.broadcaster,
		Logger:    a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create submission ledger: %w", err)
	}

	a.narrative = narrative.New(a.client, narrative.Options{
		UnlockThreshold:  cfg.Narrative.UnlockThreshold,
		EndgameThreshold: cfg.Narrative.EndgameThreshold,
		Publisher:        a.broadcaster,
		Logger:           a.log,
	})

	templates, err := fallback.LoadTemplates(cfg.Fallback.TemplatesFile)
	if err != nil {
		return err
	}
	a.pool, err = fallback.New(a.client, templates, fallback.Options{
		Floor:   cfg.Fallback.Floor,
		Ceiling: cfg.Fallback.Ceiling,
		Logger:  a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create fallback pool: %w", err)
	}

	gen, err := a.generator()
	if err != nil {
		return err
	}

	a.engine, err = scheduler.New(a.client, gen, a.pool, a.narrative, scheduler.Options{
		TickInterval: cfg.Scheduler.TickInterval,
		Lockdown:     cfg.Scheduler.LockdownWindow,
		MaxActive:    cfg.Scheduler.MaxActive,
		PoolFloor:    cfg.Fallback.Floor,
		Publisher:    a.broadcaster,
		Logger:       a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	return nil
}

// generator returns nil when no collaborators are configured, so every
// puzzle comes from the fallback pool.
func (a *app) generator() (scheduler.Generator, error) {
	gc := a.cfg.Generator
	if gc.EventSourceURL == "" || gc.AuthorURL == "" {
		a.log.Info("generator_disabled", "reason", "no event source or author configured")
		return nil, nil
	}
	gen, err := generator.New(a.client,
		&generator.HTTPEventSource{BaseURL: gc.EventSourceURL},
		&generator.HTTPAuthor{BaseURL: gc.AuthorURL},
		generator.Options{
			Timeout:           gc.Timeout(),
			FingerprintTTL:    gc.FingerprintTTL,
			DifficultyWeights: gc.DifficultyWeights,
			FormatWeights:     gc.FormatWeights,
			Logger:            a.log,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	return gen, nil
}

// connectAndBuild is connect followed by build.
func connectAndBuild(ctx context.Context) (*app, error) {
	a, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
