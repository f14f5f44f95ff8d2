// Package generator builds new puzzles from real-world events.
//
// A generation run picks a theme, asks the event source for recent events,
// keeps the most relevant one, draws a difficulty and format, and asks the
// author for a draft. The draft is validated and checked against the
// duplicate registry. The whole run is raced against a single timeout; a run
// that loses the race is abandoned and registers nothing.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/cipher/pkg/cipher"
)

// Defaults for Options.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultFingerprintTTL  = 30 * 24 * time.Hour
	DefaultNarrativeWeight = 0.5
)

// Options configures a Generator. Zero values take the defaults.
type Options struct {
	Timeout           time.Duration
	FingerprintTTL    time.Duration
	DifficultyWeights map[cipher.Difficulty]float64
	FormatWeights     map[cipher.Format]float64
	Seed              int64 // 0 seeds from the clock
	Logger            *slog.Logger
	Now               func() time.Time
}

// Generator produces validated, unique puzzles.
type Generator struct {
	client       *cipher.Client
	events       EventSource
	author       Author
	timeout      time.Duration
	ttl          time.Duration
	difficulties *Table[cipher.Difficulty]
	formats      *Table[cipher.Format]
	log          *slog.Logger
	now          func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a generator. events or author may be nil, in which case every
// run fails and callers fall back to reserve content.
func New(client *cipher.Client, events EventSource, author Author, opts Options) (*Generator, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FingerprintTTL <= 0 {
		opts.FingerprintTTL = DefaultFingerprintTTL
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

	difficulties, err := DifficultyTable(opts.DifficultyWeights)
	if err != nil {
		return nil, fmt.Errorf("invalid difficulty weights: %w", err)
	}
	formats, err := FormatTable(opts.FormatWeights)
	if err != nil {
		return nil, fmt.Errorf("invalid format weights: %w", err)
	}

	return &Generator{
		client:       client,
		events:       events,
		author:       author,
		timeout:      opts.Timeout,
		ttl:          opts.FingerprintTTL,
		difficulties: difficulties,
		formats:      formats,
		log:          opts.Logger.With("component", "generator", "instance", client.InstanceName()),
		now:          opts.Now,
		rng:          rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

type candidate struct {
	puzzle      *cipher.Puzzle
	fingerprint string
}

// Generate runs the pipeline once, retrying a single time if the drafted
// solution was already used. Errors are always *GenerationError.
func (g *Generator) Generate(ctx context.Context) (*cipher.Puzzle, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		c   *candidate
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := g.attempt(ctx)
		done <- result{c: c, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, &GenerationError{Kind: ErrGenerationTimeout, Stage: "pipeline", Cause: ctx.Err()}
	case r = <-done:
	}
	if r.err != nil {
		if ctx.Err() != nil {
			return nil, &GenerationError{Kind: ErrGenerationTimeout, Stage: "pipeline", Cause: ctx.Err()}
		}
		return nil, r.err
	}
	if ctx.Err() != nil {
		return nil, &GenerationError{Kind: ErrGenerationTimeout, Stage: "pipeline", Cause: ctx.Err()}
	}

	registered, err := g.client.RegisterSolution(ctx, r.c.fingerprint, g.ttl)
	if err != nil {
		return nil, failure("dedup", err)
	}
	if !registered {
		return nil, &GenerationError{Kind: ErrDuplicateSolution, Stage: "dedup"}
	}

	g.log.Info("puzzle_generated",
		"puzzle_id", r.c.puzzle.ID,
		"theme", r.c.puzzle.Theme,
		"difficulty", r.c.puzzle.Difficulty,
		"format", r.c.puzzle.Format)
	return r.c.puzzle, nil
}

// attempt runs the pipeline up to twice until the solution is unseen.
func (g *Generator) attempt(ctx context.Context) (*candidate, error) {
	for try := 1; try <= 2; try++ {
		p, err := g.build(ctx)
		if err != nil {
			return nil, err
		}

		fp := cipher.Fingerprint(p.Solution)
		seen, err := g.client.SolutionSeen(ctx, fp)
		if err != nil {
			return nil, failure("dedup", err)
		}
		if !seen {
			return &candidate{puzzle: p, fingerprint: fp}, nil
		}
		g.log.Warn("duplicate_solution", "attempt", try, "theme", p.Theme)
	}
	return nil, &GenerationError{Kind: ErrDuplicateSolution, Stage: "dedup"}
}

// build performs one event fetch, author call and validation.
func (g *Generator) build(ctx context.Context) (*cipher.Puzzle, error) {
	if g.events == nil || g.author == nil {
		return nil, failure("events", errors.New("generation collaborators are not configured"))
	}

	theme := g.pickTheme()
	events, err := g.events.FetchEvents(ctx, theme)
	if err != nil {
		return nil, failure("events", err)
	}
	event, ok := SelectEvent(events, theme)
	if !ok {
		return nil, failure("events", fmt.Errorf("no events for theme %s", theme))
	}

	difficulty, format := g.pickShape()
	draft, err := g.author.AuthorPuzzle(ctx, AuthorRequest{
		Theme:      theme,
		Event:      event,
		Difficulty: difficulty,
		Format:     format,
	})
	if err != nil {
		return nil, failure("author", err)
	}

	p, err := puzzleFromDraft(draft, theme, difficulty, format, g.now())
	if err != nil {
		return nil, failure("validate", err)
	}
	return p, nil
}

func (g *Generator) pickTheme() cipher.Category {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return cipher.Categories[g.rng.Intn(len(cipher.Categories))]
}

func (g *Generator) pickShape() (cipher.Difficulty, cipher.Format) {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.difficulties.Pick(g.rng.Float64()), g.formats.Pick(g.rng.Float64())
}

// ValidateDraft checks an author draft against the puzzle rules.
func ValidateDraft(d *Draft) error {
	if d == nil {
		return errors.New("draft is empty")
	}
	for _, f := range []struct{ name, value string }{
		{"title", d.Title},
		{"hint", d.Hint},
		{"solution", d.Solution},
		{"content", d.Content},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%s cannot be empty", f.name)
		}
	}
	if n := len([]rune(strings.TrimSpace(d.Hint))); n > cipher.MaxHintLength {
		return fmt.Errorf("hint has %d characters, max %d", n, cipher.MaxHintLength)
	}
	if n := len([]rune(cipher.NormalizeSolution(d.Solution))); n > cipher.MaxSolutionLength {
		return fmt.Errorf("solution has %d characters, max %d", n, cipher.MaxSolutionLength)
	}
	if err := d.Difficulty.Validate(); err != nil {
		return err
	}
	if err := d.Format.Validate(); err != nil {
		return err
	}
	if got, want := time.Duration(d.TimeBudgetHours)*time.Hour, d.Difficulty.TimeBudget(); got != want {
		return fmt.Errorf("time budget %dh does not match %s (%s)", d.TimeBudgetHours, d.Difficulty, want)
	}
	if d.Narrative != nil {
		if err := d.Narrative.Category.Validate(); err != nil {
			return err
		}
		if d.Narrative.Weight < cipher.MinWeight || d.Narrative.Weight > cipher.MaxWeight {
			return fmt.Errorf("narrative weight %.2f outside [%.1f, %.1f]",
				d.Narrative.Weight, cipher.MinWeight, cipher.MaxWeight)
		}
	}
	return nil
}

// puzzleFromDraft validates a draft and converts it to a stamped puzzle.
// Missing difficulty or format take the requested values; a draft without a
// narrative is attached to the theme's main thread.
func puzzleFromDraft(d *Draft, theme cipher.Category, difficulty cipher.Difficulty, format cipher.Format, now time.Time) (*cipher.Puzzle, error) {
	if d != nil {
		if d.Difficulty == "" {
			d.Difficulty = difficulty
		}
		if d.Format == "" {
			d.Format = format
		}
	}
	if err := ValidateDraft(d); err != nil {
		return nil, err
	}

	narrative := &cipher.Narrative{
		ThreadID: string(theme) + "-main",
		Category: theme,
		Weight:   DefaultNarrativeWeight,
	}
	if d.Narrative != nil {
		narrative = &cipher.Narrative{
			ThreadID: d.Narrative.ThreadID,
			Category: d.Narrative.Category,
			Weight:   d.Narrative.Weight,
		}
		if narrative.ThreadID == "" {
			narrative.ThreadID = string(narrative.Category) + "-main"
		}
	}

	p := &cipher.Puzzle{
		ID:         uuid.New().String(),
		Title:      strings.TrimSpace(d.Title),
		Hint:       strings.TrimSpace(d.Hint),
		Solution:   cipher.NormalizeSolution(d.Solution),
		Difficulty: d.Difficulty,
		Format:     d.Format,
		Content:    d.Content,
		Theme:      theme,
		Source:     cipher.SourceGenerated,
		IsActive:   true,
		Narrative:  narrative,
	}
	p.Stamp(now)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
