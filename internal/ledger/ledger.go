// Package ledger accepts guesses and rallies from participants.
//
// A closed puzzle rejects input before it reaches the rate limiter.
// The write scripts in pkg/cipher repeat the open-puzzle check, so a
// guess or rally that races the lockdown boundary is either fully applied or
// rejected.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/cipher/internal/ratelimit"
	"github.com/dyluth/cipher/pkg/cipher"
)

// Default limits per participant.
var (
	DefaultGuessRule = ratelimit.Rule{Max: 5, Window: time.Minute}
	DefaultVoteRule  = ratelimit.Rule{Max: 10, Window: time.Minute}
)

// Publisher delivers realtime events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, e *cipher.Event)
}

// Options configures a Ledger. Zero values take the defaults.
type Options struct {
	Lockdown  time.Duration
	GuessRule ratelimit.Rule
	VoteRule  ratelimit.Rule
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Ledger owns guesses and votes while a puzzle is open.
type Ledger struct {
	client    *cipher.Client
	guesses   *ratelimit.Limiter
	votes     *ratelimit.Limiter
	lockdown  time.Duration
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time
}

// VoteResult is returned by Vote. Accepted is false when the voter had
// already rallied the guess; NewCount is the count after the call either way.
type VoteResult struct {
	Accepted bool `json:"accepted"`
	NewCount int  `json:"newCount"`
}

// New creates a ledger on the given store.
func New(client *cipher.Client, opts Options) (*Ledger, error) {
	if opts.Lockdown <= 0 {
		opts.Lockdown = 10 * time.Second
	}
	if opts.GuessRule == (ratelimit.Rule{}) {
		opts.GuessRule = DefaultGuessRule
	}
	if opts.VoteRule == (ratelimit.Rule{}) {
		opts.VoteRule = DefaultVoteRule
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	guesses, err := ratelimit.New(client, "guess", opts.GuessRule)
	if err != nil {
		return nil, err
	}
	votes, err := ratelimit.New(client, "vote", opts.VoteRule)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		client:    client,
		guesses:   guesses,
		votes:     votes,
		lockdown:  opts.Lockdown,
		publisher: opts.Publisher,
		log:       opts.Logger.With("component", "ledger", "instance", client.InstanceName()),
		now:       opts.Now,
	}, nil
}

// Submit records a guess by submitterID on puzzleID. A puzzle that is not
// open rejects the guess before any other check, and a rejected write does
// not count against the submitter's rate limit.
//
// Errors:
//   - cipher.ErrNotFound for an unknown puzzle
//   - cipher.ErrLocked when the puzzle is not accepting guesses
//   - *cipher.ValidationError for malformed text or identifiers
//   - *cipher.RateLimitedError beyond the guess limit
func (l *Ledger) Submit(ctx context.Context, puzzleID, submitterID, text string) (*cipher.Guess, error) {
	if submitterID == "" {
		return nil, &cipher.ValidationError{Field: "submitter_id", Reason: "participant ID is required"}
	}
	if _, err := uuid.Parse(puzzleID); err != nil {
		return nil, cipher.ErrNotFound
	}

	now := l.now()
	if err := l.requireOpen(ctx, puzzleID, now); err != nil {
		return nil, err
	}
	content, err := NormalizeGuess(text)
	if err != nil {
		return nil, err
	}

	slot, err := l.guesses.Admit(ctx, submitterID, now)
	if err != nil {
		return nil, err
	}

	guess := &cipher.Guess{
		ID:          uuid.New().String(),
		PuzzleID:    puzzleID,
		SubmitterID: submitterID,
		Content:     content,
		CreatedAtMs: now.UnixMilli(),
	}
	if err := l.client.CreateGuess(ctx, guess, now, l.lockdown); err != nil {
		l.release(ctx, l.guesses, submitterID, slot, err)
		return nil, err
	}

	l.log.Info("guess_submitted",
		"puzzle_id", puzzleID,
		"guess_id", guess.ID,
		"submitter_id", submitterID)
	return guess, nil
}

// requireOpen returns ErrNotFound or ErrLocked unless the puzzle accepts
// input at now. The write scripts repeat the check atomically.
func (l *Ledger) requireOpen(ctx context.Context, puzzleID string, now time.Time) error {
	p, err := l.client.GetPuzzle(ctx, puzzleID)
	if err != nil {
		return err
	}
	if p.PhaseAt(now, l.lockdown) != cipher.PhaseActive {
		return cipher.ErrLocked
	}
	return nil
}

// release hands back a rate limit slot after the write itself was refused.
func (l *Ledger) release(ctx context.Context, limiter *ratelimit.Limiter, subject string, slot ratelimit.Decision, cause error) {
	if !errors.Is(cause, cipher.ErrLocked) && !errors.Is(cause, cipher.ErrNotFound) {
		return
	}
	if err := limiter.Release(ctx, subject, slot); err != nil {
		l.log.Warn("rate_limit_release_failed", "subject", subject, "error", err)
	}
}

// Vote registers a rally by voterID for guessID. A repeat rally is not an
// error: it returns Accepted=false and the unchanged count. As with Submit,
// a closed puzzle wins over the rate limit.
//
// Errors:
//   - cipher.ErrNotFound for an unknown guess
//   - cipher.ErrLocked when the owning puzzle is not accepting rallies
//   - *cipher.ValidationError for a missing voter or a rally on one's own guess
//   - *cipher.RateLimitedError beyond the vote limit
func (l *Ledger) Vote(ctx context.Context, voterID, guessID string) (VoteResult, error) {
	if voterID == "" {
		return VoteResult{}, &cipher.ValidationError{Field: "voter_id", Reason: "participant ID is required"}
	}
	if _, err := uuid.Parse(guessID); err != nil {
		return VoteResult{}, cipher.ErrNotFound
	}

	guess, err := l.client.GetGuess(ctx, guessID)
	if err != nil {
		return VoteResult{}, err
	}

	now := l.now()
	if err := l.requireOpen(ctx, guess.PuzzleID, now); err != nil {
		return VoteResult{NewCount: guess.VoteCount}, err
	}
	if guess.SubmitterID == voterID {
		return VoteResult{}, &cipher.ValidationError{Field: "guess_id", Reason: "cannot rally your own guess"}
	}

	slot, err := l.votes.Admit(ctx, voterID, now)
	if err != nil {
		return VoteResult{}, err
	}

	out, err := l.client.CastVote(ctx, voterID, guess, now, l.lockdown)
	if err != nil {
		l.release(ctx, l.votes, voterID, slot, err)
		return VoteResult{NewCount: out.NewCount}, err
	}
	result := VoteResult{Accepted: out.Accepted, NewCount: out.NewCount}
	if !out.Accepted {
		return result, nil
	}

	if l.publisher != nil {
		l.publisher.Publish(ctx, &cipher.Event{
			Type:        cipher.EventRallyUpdate,
			PuzzleID:    guess.PuzzleID,
			GuessID:     guess.ID,
			NewCount:    out.NewCount,
			TimestampMs: now.UnixMilli(),
		})
	}
	return result, nil
}

// ListGuesses returns the guesses of a puzzle, most rallied first.
func (l *Ledger) ListGuesses(ctx context.Context, puzzleID string) ([]*cipher.Guess, error) {
	guesses, err := l.client.ListGuesses(ctx, puzzleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guesses: %w", err)
	}
	return guesses, nil
}

// GuessCount returns the number of guesses on a puzzle.
func (l *Ledger) GuessCount(ctx context.Context, puzzleID string) (int, error) {
	return l.client.GuessCount(ctx, puzzleID)
}
