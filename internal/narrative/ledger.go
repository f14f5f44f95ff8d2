// Package narrative records the breadcrumbs produced by solved puzzles.
//
// Each breadcrumb belongs to a thread. Threads count their breadcrumbs and
// unlock once when the count reaches the threshold; the append, the count and
// the unlock flag change in one script so the unlock is announced exactly once.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/cipher/pkg/cipher"
)

// Defaults for Options.
const (
	DefaultUnlockThreshold  = 50
	DefaultEndgameThreshold = 200
)

// ErrNoNarrative is returned by Record for puzzles without a narrative attachment.
var ErrNoNarrative = errors.New("puzzle has no narrative attachment")

// ErrAlreadyRecorded is returned by Record when the puzzle's breadcrumb was
// appended by an earlier call.
var ErrAlreadyRecorded = errors.New("breadcrumb already recorded for puzzle")

// Publisher delivers realtime events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, e *cipher.Event)
}

// Options configures a Ledger. Zero values take the defaults.
type Options struct {
	UnlockThreshold  int
	EndgameThreshold int
	Publisher        Publisher
	Logger           *slog.Logger
	Now              func() time.Time
}

// Ledger appends breadcrumbs and reports thread progress.
type Ledger struct {
	client           *cipher.Client
	unlockThreshold  int
	endgameThreshold int
	publisher        Publisher
	log              *slog.Logger
	now              func() time.Time
}

// Summary is the state of all threads.
type Summary struct {
	Threads          []*cipher.NarrativeThread `json:"threads"`
	TotalBreadcrumbs int                       `json:"totalBreadcrumbs"`
	EndgameThreshold int                       `json:"endgameThreshold"`
	EndgameReached   bool                      `json:"endgameReached"`
}

// New creates a narrative ledger.
func New(client *cipher.Client, opts Options) *Ledger {
	if opts.UnlockThreshold <= 0 {
		opts.UnlockThreshold = DefaultUnlockThreshold
	}
	if opts.EndgameThreshold <= 0 {
		opts.EndgameThreshold = DefaultEndgameThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		client:           client,
		unlockThreshold:  opts.UnlockThreshold,
		endgameThreshold: opts.EndgameThreshold,
		publisher:        opts.Publisher,
		log:              opts.Logger.With("component", "narrative", "instance", client.InstanceName()),
		now:              opts.Now,
	}
}

// Record appends the breadcrumb for a solved puzzle. The threshold applied to
// a new thread is the attachment's own threshold if set, otherwise the default.
// Returns ErrNoNarrative when the puzzle has no attachment and
// ErrAlreadyRecorded when its breadcrumb already exists.
func (l *Ledger) Record(ctx context.Context, puzzle *cipher.Puzzle, winner *cipher.Guess) (*cipher.Breadcrumb, error) {
	if puzzle.Narrative == nil {
		return nil, ErrNoNarrative
	}
	if winner == nil {
		return nil, fmt.Errorf("breadcrumb for puzzle %s needs a winning guess", puzzle.ID)
	}

	now := l.now()
	attach := puzzle.Narrative
	threshold := attach.UnlockThreshold
	if threshold <= 0 {
		threshold = l.unlockThreshold
	}

	crumb := &cipher.Breadcrumb{
		ID:                  uuid.New().String(),
		ThreadID:            attach.ThreadID,
		Category:            attach.Category,
		Summary:             fmt.Sprintf("%s: %s (solved with %s)", puzzle.Title, puzzle.Hint, winner.Content),
		SolutionFingerprint: cipher.Fingerprint(puzzle.Solution),
		Weight:              attach.Weight,
		PuzzleID:            puzzle.ID,
		WinnerID:            winner.SubmitterID,
		CollectedAtMs:       now.UnixMilli(),
		Connections:         []string{},
	}

	out, err := l.client.AppendBreadcrumb(ctx, crumb, threshold, now)
	if err != nil {
		return nil, err
	}
	if out.Duplicate {
		return nil, ErrAlreadyRecorded
	}

	l.log.Info("breadcrumb_recorded",
		"thread_id", crumb.ThreadID,
		"puzzle_id", puzzle.ID,
		"count", out.Count)

	if out.UnlockedNow {
		l.log.Info("thread_unlocked", "thread_id", crumb.ThreadID, "count", out.Count)
		if l.publisher != nil {
			l.publisher.Publish(ctx, &cipher.Event{
				Type:        cipher.EventThreadUnlocked,
				ThreadID:    crumb.ThreadID,
				Count:       out.Count,
				TimestampMs: now.UnixMilli(),
			})
		}
	}
	return crumb, nil
}

// Thread returns one thread. Returns cipher.ErrNotFound for unknown threads.
func (l *Ledger) Thread(ctx context.Context, threadID string) (*cipher.NarrativeThread, error) {
	return l.client.GetThread(ctx, threadID)
}

// Threads returns every thread ordered by ID.
func (l *Ledger) Threads(ctx context.Context) ([]*cipher.NarrativeThread, error) {
	return l.client.ListThreads(ctx)
}

// Breadcrumbs returns the latest breadcrumbs of a thread, oldest first.
func (l *Ledger) Breadcrumbs(ctx context.Context, threadID string, limit int) ([]*cipher.Breadcrumb, error) {
	return l.client.ThreadBreadcrumbs(ctx, threadID, limit)
}

// TotalBreadcrumbs returns the breadcrumb count across all threads.
func (l *Ledger) TotalBreadcrumbs(ctx context.Context) (int, error) {
	return l.client.TotalBreadcrumbs(ctx)
}

// EndgameReached reports whether the total breadcrumb count reached the
// endgame threshold. It only reads; nothing is triggered.
func (l *Ledger) EndgameReached(ctx context.Context) (bool, error) {
	total, err := l.client.TotalBreadcrumbs(ctx)
	if err != nil {
		return false, err
	}
	return total >= l.endgameThreshold, nil
}

// Summarize returns all threads with the global totals.
func (l *Ledger) Summarize(ctx context.Context) (*Summary, error) {
	threads, err := l.client.ListThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	total, err := l.client.TotalBreadcrumbs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count breadcrumbs: %w", err)
	}
	return &Summary{
		Threads:          threads,
		TotalBreadcrumbs: total,
		EndgameThreshold: l.endgameThreshold,
		EndgameReached:   total >= l.endgameThreshold,
	}, nil
}
