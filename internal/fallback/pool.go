// Package fallback keeps a reserve of pre-authored puzzles in Redis so that a
// puzzle can always be created, even when generation fails.
//
// The reserve is a Redis list of puzzle snapshots plus a set of the template
// IDs it currently holds; a template is never in the reserve twice. When the
// reserve is empty or unreachable, Take synthesizes a built-in puzzle.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/cipher/pkg/cipher"
)

// Default reserve bounds.
const (
	DefaultFloor   = 5
	DefaultCeiling = 15
)

// Snapshot placeholders, replaced when a puzzle is taken.
var (
	placeholderID   = uuid.Nil.String()
	placeholderTime = time.UnixMilli(0)
)

// Options configures a Pool. Zero values take the defaults.
type Options struct {
	Floor   int
	Ceiling int
	Seed    int64
	Logger  *slog.Logger
	Now     func() time.Time
}

// Pool is the reserve of fallback puzzles.
type Pool struct {
	client    *cipher.Client
	templates []Template
	floor     int
	ceiling   int
	log       *slog.Logger
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a pool over the given templates.
func New(client *cipher.Client, templates []Template, opts Options) (*Pool, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("fallback pool needs at least one template")
	}
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Ceiling < opts.Floor {
		return nil, fmt.Errorf("fallback ceiling %d is below floor %d", opts.Ceiling, opts.Floor)
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pool{
		client:    client,
		templates: templates,
		floor:     opts.Floor,
		ceiling:   opts.Ceiling,
		log:       opts.Logger.With("component", "fallback", "instance", client.InstanceName()),
		now:       opts.Now,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Floor returns the size below which EnsureMinimum refills.
func (p *Pool) Floor() int { return p.floor }

// Size returns the number of reserve puzzles.
func (p *Pool) Size(ctx context.Context) (int, error) {
	return p.client.FallbackSize(ctx)
}

// Take removes one reserve puzzle and returns it as a fresh active puzzle:
// new ID, created now, expiring after its difficulty budget. It never fails;
// an empty or unreachable reserve yields the built-in puzzle.
func (p *Pool) Take(ctx context.Context) *cipher.Puzzle {
	now := p.now()

	templateID, puzzle, err := p.client.PopFallback(ctx)
	if err != nil {
		if cipher.IsNotFound(err) {
			p.log.Warn("fallback_pool_empty")
		} else {
			p.log.Error("fallback_pool_unavailable", "error", err)
		}
		return Builtin(now)
	}

	puzzle.ID = uuid.New().String()
	puzzle.Source = cipher.SourceFallback
	puzzle.IsActive = true
	puzzle.LockedAtMs, puzzle.ExpiredAtMs, puzzle.WinnerGuessID = 0, 0, ""
	puzzle.Stamp(now)
	if err := puzzle.Validate(); err != nil {
		p.log.Error("fallback_entry_invalid", "template_id", templateID, "error", err)
		return Builtin(now)
	}

	p.log.Info("fallback_taken", "template_id", templateID, "puzzle_id", puzzle.ID)
	return puzzle
}

// EnsureMinimum refills the reserve up to the ceiling when it holds fewer
// than floor puzzles. Templates already in the reserve are skipped and no
// template is added twice in one refill. Returns how many were added.
func (p *Pool) EnsureMinimum(ctx context.Context, floor int) (int, error) {
	size, err := p.client.FallbackSize(ctx)
	if err != nil {
		return 0, err
	}
	if size >= floor {
		return 0, nil
	}

	present, err := p.client.FallbackTemplateIDs(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, t := range p.shuffled() {
		if size+added >= p.ceiling {
			break
		}
		if present[t.ID] {
			continue
		}
		ok, err := p.client.PushFallback(ctx, t.ID, t.Puzzle())
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}

	if added > 0 {
		p.log.Info("fallback_refilled", "added", added, "size", size+added)
	}
	return added, nil
}

func (p *Pool) shuffled() []Template {
	out := make([]Template, len(p.templates))
	copy(out, p.templates)

	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	p.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Builtin returns the deterministic last-resort puzzle, stamped at now.
func Builtin(now time.Time) *cipher.Puzzle {
	p := &cipher.Puzzle{
		ID:         uuid.New().String(),
		Title:      "Standing Order",
		Hint:       "What every record keeper keeps",
		Solution:   "THE LEDGER REMEMBERS",
		Difficulty: cipher.DifficultyEasy,
		Format:     cipher.FormatText,
		Content:    "Shift each letter back by 3: WKH OHGJHU UHPHPEHUV",
		Theme:      cipher.CategoryAuditing,
		Source:     cipher.SourceBuiltin,
		IsActive:   true,
		Narrative: &cipher.Narrative{
			ThreadID: "auditing-main",
			Category: cipher.CategoryAuditing,
			Weight:   cipher.MinWeight,
		},
	}
	p.Stamp(now)
	return p
}
