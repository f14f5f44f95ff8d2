// Package scheduler drives the puzzle lifecycle.
//
// Each tick first closes out the previous round: it announces lockdown for
// puzzles entering their final window and expires puzzles past their deadline.
// It then tops up the active set to its cap and refills the fallback reserve.
//
// Expiry is two-phase. Clearing the active flag queues the puzzle for
// settlement, and every settlement step is idempotent, so an outcome that
// fails part way is finished by a later tick. Per-puzzle work is isolated: a
// failure is logged and the tick moves on to the next puzzle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/cipher/internal/narrative"
	"github.com/dyluth/cipher/pkg/cipher"
)

// Defaults for Options.
const (
	DefaultTickInterval  = 5 * time.Second
	DefaultLockdown      = 10 * time.Second
	DefaultMaxActive     = 6
	DefaultPoolFloor     = 5
	DefaultRetryAttempts = 3
	DefaultRetryInitial  = 100 * time.Millisecond
)

// Generator produces a new puzzle.
type Generator interface {
	Generate(ctx context.Context) (*cipher.Puzzle, error)
}

// Reserve supplies fallback puzzles. Take never fails.
type Reserve interface {
	Take(ctx context.Context) *cipher.Puzzle
	EnsureMinimum(ctx context.Context, floor int) (int, error)
}

// Recorder appends the breadcrumb of a solved puzzle.
type Recorder interface {
	Record(ctx context.Context, puzzle *cipher.Puzzle, winner *cipher.Guess) (*cipher.Breadcrumb, error)
}

// Publisher delivers realtime events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, e *cipher.Event)
}

// Options configures an Engine. Zero values take the defaults.
type Options struct {
	TickInterval  time.Duration
	Lockdown      time.Duration
	MaxActive     int
	PoolFloor     int
	RetryAttempts int
	RetryInitial  time.Duration
	Publisher     Publisher
	Logger        *slog.Logger
	Now           func() time.Time
}

// Engine is the single writer of lifecycle state.
type Engine struct {
	client    *cipher.Client
	generator Generator
	reserve   Reserve
	recorder  Recorder
	publisher Publisher

	tickInterval  time.Duration
	lockdown      time.Duration
	maxActive     int
	poolFloor     int
	retryAttempts int
	retryInitial  time.Duration

	log *slog.Logger
	now func() time.Time
}

// CreateResult identifies a newly created puzzle.
type CreateResult struct {
	PuzzleID string        `json:"puzzleId"`
	Source   cipher.Source `json:"source"`
}

// ExpirationReport summarizes one CheckExpirations pass. ResumedCount counts
// earlier expiries whose settlement was finished in this pass.
type ExpirationReport struct {
	ExpiredCount int `json:"expiredCount"`
	LockedCount  int `json:"lockedCount"`
	ResumedCount int `json:"resumedCount"`
}

// TickReport summarizes one tick.
type TickReport struct {
	Created     []CreateResult   `json:"created"`
	Expirations ExpirationReport `json:"expirations"`
	Refilled    int              `json:"refilled"`
}

// New creates an engine. generator may be nil, in which case every puzzle
// comes from the reserve. recorder may be nil to skip breadcrumbs.
func New(client *cipher.Client, generator Generator, reserve Reserve, recorder Recorder, opts Options) (*Engine, error) {
	if reserve == nil {
		return nil, fmt.Errorf("scheduler requires a fallback reserve")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Lockdown <= 0 {
		opts.Lockdown = DefaultLockdown
	}
	if opts.TickInterval >= opts.Lockdown {
		return nil, fmt.Errorf("tick interval %s must be shorter than the lockdown window %s", opts.TickInterval, opts.Lockdown)
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	if opts.PoolFloor <= 0 {
		opts.PoolFloor = DefaultPoolFloor
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = DefaultRetryInitial
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		client:        client,
		generator:     generator,
		reserve:       reserve,
		recorder:      recorder,
		publisher:     opts.Publisher,
		tickInterval:  opts.TickInterval,
		lockdown:      opts.Lockdown,
		maxActive:     opts.MaxActive,
		poolFloor:     opts.PoolFloor,
		retryAttempts: opts.RetryAttempts,
		retryInitial:  opts.RetryInitial,
		log:           opts.Logger.With("component", "scheduler", "instance", client.InstanceName()),
		now:           opts.Now,
	}, nil
}

// Lockdown returns the configured lockdown window.
func (e *Engine) Lockdown() time.Duration { return e.lockdown }

// Run ticks immediately and then every tick interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("scheduler_started",
		"tick_interval", e.tickInterval.String(),
		"lockdown", e.lockdown.String(),
		"max_active", e.maxActive)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("scheduler_stopped")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass. Errors are logged, never returned.
func (e *Engine) Tick(ctx context.Context) TickReport {
	var report TickReport

	exp, err := e.CheckExpirations(ctx)
	if err != nil {
		e.log.Error("check_expirations_failed", "error", err)
	}
	report.Expirations = exp

	for len(report.Created) < e.maxActive {
		res, err := e.CreatePuzzle(ctx)
		if errors.Is(err, cipher.ErrAtCapacity) {
			break
		}
		if err != nil {
			e.log.Error("create_puzzle_failed", "error", err)
			break
		}
		report.Created = append(report.Created, *res)
	}

	added, err := e.reserve.EnsureMinimum(ctx, e.poolFloor)
	if err != nil {
		e.log.Error("fallback_refill_failed", "error", err)
	}
	report.Refilled = added

	return report
}

// CreatePuzzle generates a puzzle, or takes one from the reserve when
// generation fails, stores it and announces it. Returns cipher.ErrAtCapacity
// without creating anything once MaxActive puzzles are active.
func (e *Engine) CreatePuzzle(ctx context.Context) (*CreateResult, error) {
	count, err := e.client.ActiveCount(ctx)
	if err != nil {
		return nil, err
	}
	if count >= e.maxActive {
		return nil, cipher.ErrAtCapacity
	}

	var puzzle *cipher.Puzzle
	if e.generator != nil {
		p, err := e.generator.Generate(ctx)
		if err != nil {
			e.log.Warn("generation_failed", "error", err)
		} else {
			puzzle = p
		}
	}
	if puzzle == nil {
		puzzle = e.reserve.Take(ctx)
		e.log.Warn("running_on_backup_content", "puzzle_id", puzzle.ID, "source", puzzle.Source)
	}

	if err := e.retry(ctx, "put_puzzle", func() error {
		return e.client.CreateActivePuzzle(ctx, puzzle, e.maxActive)
	}); err != nil {
		if errors.Is(err, cipher.ErrAtCapacity) {
			e.log.Info("puzzle_discarded_at_capacity", "puzzle_id", puzzle.ID, "source", puzzle.Source)
			return nil, err
		}
		return nil, fmt.Errorf("failed to store puzzle: %w", err)
	}

	e.log.Info("puzzle_created",
		"puzzle_id", puzzle.ID,
		"source", puzzle.Source,
		"difficulty", puzzle.Difficulty,
		"expires_at", puzzle.ExpiresAt().UTC().Format(time.RFC3339))

	e.publish(ctx, &cipher.Event{
		Type:        cipher.EventCreated,
		PuzzleID:    puzzle.ID,
		Source:      puzzle.Source,
		TimestampMs: e.now().UnixMilli(),
	})

	return &CreateResult{PuzzleID: puzzle.ID, Source: puzzle.Source}, nil
}

// CheckExpirations finishes interrupted settlements, then announces lockdowns
// and expires due puzzles. A failure on one puzzle is logged and does not stop
// the others; the returned error is only for failing to list puzzles.
func (e *Engine) CheckExpirations(ctx context.Context) (ExpirationReport, error) {
	var report ExpirationReport

	report.ResumedCount = e.resumeSettlements(ctx)

	var open []*cipher.Puzzle
	if err := e.retry(ctx, "list_open", func() error {
		var err error
		open, err = e.client.ListOpen(ctx)
		return err
	}); err != nil {
		return report, err
	}

	for _, p := range open {
		now := e.now()
		switch p.PhaseAt(now, e.lockdown) {
		case cipher.PhaseExpired:
			expired, err := e.expire(ctx, p, now)
			if err != nil {
				e.log.Error("expire_failed", "puzzle_id", p.ID, "error", err)
				continue
			}
			if expired {
				report.ExpiredCount++
			}

		case cipher.PhaseLocked:
			locked, err := e.announceLockdown(ctx, p, now)
			if err != nil {
				e.log.Error("lockdown_failed", "puzzle_id", p.ID, "error", err)
				continue
			}
			if locked {
				report.LockedCount++
			}
		}
	}

	return report, nil
}

// announceLockdown publishes the lockdown event the first time it is called for a puzzle.
func (e *Engine) announceLockdown(ctx context.Context, p *cipher.Puzzle, now time.Time) (bool, error) {
	var first bool
	if err := e.retry(ctx, "mark_locked", func() error {
		var err error
		first, err = e.client.MarkLocked(ctx, p.ID, now)
		return err
	}); err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	remaining := int64(math.Ceil(p.Remaining(now).Seconds()))
	e.log.Info("lockdown_announced", "puzzle_id", p.ID, "time_remaining", remaining)
	e.publish(ctx, &cipher.Event{
		Type:          cipher.EventLockdown,
		PuzzleID:      p.ID,
		TimeRemaining: remaining,
		TimestampMs:   now.UnixMilli(),
	})
	return true, nil
}

// expire closes the puzzle and settles its outcome. Only the caller that
// clears the active flag settles inline; a settlement that fails is left
// queued for resumeSettlements.
func (e *Engine) expire(ctx context.Context, p *cipher.Puzzle, now time.Time) (bool, error) {
	var changed bool
	if err := e.retry(ctx, "mark_expired", func() error {
		var err error
		changed, err = e.client.MarkExpired(ctx, p.ID, now)
		return err
	}); err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if err := e.settle(ctx, p, now); err != nil {
		e.log.Error("settlement_deferred", "puzzle_id", p.ID, "error", err)
	}
	return true, nil
}

// resumeSettlements re-drives puzzles that expired at least one tick ago and
// are still queued. Puzzles expired more recently may be mid-settlement on
// another scheduler.
func (e *Engine) resumeSettlements(ctx context.Context) int {
	now := e.now()
	ids, err := e.client.UnsettledPuzzles(ctx, now.Add(-e.tickInterval))
	if err != nil {
		e.log.Error("unsettled_list_failed", "error", err)
		return 0
	}

	resumed := 0
	for _, id := range ids {
		p, err := e.client.GetPuzzle(ctx, id)
		if errors.Is(err, cipher.ErrNotFound) {
			e.log.Warn("unsettled_puzzle_missing", "puzzle_id", id)
			if err := e.client.MarkSettled(ctx, id); err != nil {
				e.log.Error("mark_settled_failed", "puzzle_id", id, "error", err)
			}
			continue
		}
		if err != nil {
			e.log.Error("settlement_resume_failed", "puzzle_id", id, "error", err)
			continue
		}
		if err := e.settle(ctx, p, now); err != nil {
			e.log.Error("settlement_resume_failed", "puzzle_id", id, "error", err)
			continue
		}
		e.log.Info("settlement_resumed", "puzzle_id", id)
		resumed++
	}
	return resumed
}

// settle determines the winner of an expired puzzle, credits it and announces
// the outcome, then takes the puzzle off the settlement queue. Every step is
// safe to repeat.
func (e *Engine) settle(ctx context.Context, p *cipher.Puzzle, now time.Time) error {
	var guesses []*cipher.Guess
	if err := e.retry(ctx, "list_guesses", func() error {
		var err error
		guesses, err = e.client.ListGuesses(ctx, p.ID)
		return err
	}); err != nil {
		return err
	}

	winner := SelectWinner(guesses)
	if winner != nil {
		if err := e.settleWinner(ctx, p, winner); err != nil {
			return fmt.Errorf("failed to settle winner %s: %w", winner.ID, err)
		}
	}

	attrs := []any{"puzzle_id", p.ID, "guess_count", len(guesses)}
	if winner != nil {
		attrs = append(attrs, "winner_guess_id", winner.ID, "votes", winner.VoteCount)
	}
	e.log.Info("puzzle_expired", attrs...)

	e.publish(ctx, &cipher.Event{
		Type:        cipher.EventExpired,
		PuzzleID:    p.ID,
		Winner:      winner,
		Solution:    p.Solution,
		TimestampMs: now.UnixMilli(),
	})

	return e.retry(ctx, "mark_settled", func() error {
		return e.client.MarkSettled(ctx, p.ID)
	})
}

// settleWinner flags the guess and credits stats and the narrative. Stats and
// the breadcrumb are each guarded per puzzle in the store, so a repeated call
// changes nothing.
func (e *Engine) settleWinner(ctx context.Context, p *cipher.Puzzle, winner *cipher.Guess) error {
	if err := e.retry(ctx, "mark_winner", func() error {
		_, err := e.client.MarkGuessWinner(ctx, winner)
		return err
	}); err != nil {
		return err
	}
	winner.IsWinner = true

	var voters []string
	if err := e.retry(ctx, "guess_voters", func() error {
		var err error
		voters, err = e.client.GuessVoters(ctx, winner.ID)
		return err
	}); err != nil {
		return err
	}

	var credited bool
	if err := e.retry(ctx, "record_win", func() error {
		var err error
		credited, err = e.client.RecordWin(ctx, winner, voters)
		return err
	}); err != nil {
		return err
	}
	if credited {
		e.log.Info("winner_selected",
			"puzzle_id", p.ID,
			"guess_id", winner.ID,
			"submitter_id", winner.SubmitterID,
			"votes", winner.VoteCount)
	}

	if e.recorder == nil {
		return nil
	}
	if _, err := e.recorder.Record(ctx, p, winner); err != nil {
		switch {
		case errors.Is(err, narrative.ErrNoNarrative):
			e.log.Debug("breadcrumb_skipped", "puzzle_id", p.ID)
			return nil
		case errors.Is(err, narrative.ErrAlreadyRecorded):
			return nil
		}
		return fmt.Errorf("failed to record breadcrumb: %w", err)
	}
	return nil
}

// SelectWinner returns the guess with the most votes, ties going to the
// earliest submission. Guesses with no votes never win; nil means no winner.
func SelectWinner(guesses []*cipher.Guess) *cipher.Guess {
	var best *cipher.Guess
	for _, g := range guesses {
		if g.VoteCount <= 0 {
			continue
		}
		if best == nil ||
			g.VoteCount > best.VoteCount ||
			(g.VoteCount == best.VoteCount && g.CreatedAtMs < best.CreatedAtMs) ||
			(g.VoteCount == best.VoteCount && g.CreatedAtMs == best.CreatedAtMs && g.ID < best.ID) {
			best = g
		}
	}
	return best
}

func (e *Engine) publish(ctx context.Context, ev *cipher.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ctx, ev)
	}
}

// retry runs fn with exponential backoff while it fails with a store error.
// Other errors are returned immediately.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInitial
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err != nil && !cipher.IsPersistence(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.retryAttempts-1)), ctx))

	if err != nil && cipher.IsPersistence(err) {
		e.log.Error("store_retries_exhausted", "op", op, "attempts", attempt, "error", err)
	}
	return err
}
