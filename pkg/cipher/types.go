package cipher

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Puzzle is a single time-boxed cipher with a hidden solution.
// Timestamps are Unix milliseconds so that hashes and Lua scripts can compare them directly.
type Puzzle struct {
	ID            string     `json:"id"`              // UUID
	Title         string     `json:"title"`           // Display title
	Hint          string     `json:"hint"`            // At most MaxHintLength characters
	Solution      string     `json:"solution"`        // Upper-case, at most MaxSolutionLength characters
	Difficulty    Difficulty `json:"difficulty"`      // Determines the time budget
	Format        Format     `json:"format"`          // text, image or audio
	Content       string     `json:"content"`         // Payload presented to players
	Theme         Category   `json:"theme,omitempty"` // Theme of the real-world event it was built from
	Source        Source     `json:"source"`          // generated, fallback or builtin
	CreatedAtMs   int64      `json:"created_at_ms"`
	ExpiresAtMs   int64      `json:"expires_at_ms"`
	IsActive      bool       `json:"is_active"`
	Narrative     *Narrative `json:"narrative,omitempty"`       // Optional breadcrumb attachment
	LockedAtMs    int64      `json:"locked_at_ms,omitempty"`    // Set once when lockdown was announced
	ExpiredAtMs   int64      `json:"expired_at_ms,omitempty"`   // Set once when the puzzle was expired
	WinnerGuessID string     `json:"winner_guess_id,omitempty"` // Set after winner determination
}

// Narrative attaches a puzzle to a breadcrumb thread.
type Narrative struct {
	ThreadID        string   `json:"thread_id"`
	Category        Category `json:"category"`
	Weight          float64  `json:"weight"`                     // Connection weight in [MinWeight, MaxWeight]
	UnlockThreshold int      `json:"unlock_threshold,omitempty"` // 0 means the configured default
}

// Difficulty of a puzzle. Each difficulty carries a fixed time budget.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

// Difficulties lists every difficulty in weight-table order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// TimeBudget returns how long a puzzle of this difficulty stays playable.
func (d Difficulty) TimeBudget() time.Duration {
	switch d {
	case DifficultyEasy:
		return 3 * time.Hour
	case DifficultyMedium:
		return 4 * time.Hour
	case DifficultyHard:
		return 5 * time.Hour
	default:
		return 0
	}
}

// Validate checks if the Difficulty is a valid enum value.
func (d Difficulty) Validate() error {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return nil
	default:
		return fmt.Errorf("unknown difficulty: %q", d)
	}
}

// Format is the presentation format of the puzzle content.
type Format string

const (
	FormatText  Format = "text"
	FormatImage Format = "image"
	FormatAudio Format = "audio"
)

// Formats lists every format in weight-table order.
var Formats = []Format{FormatText, FormatImage, FormatAudio}

// Validate checks if the Format is a valid enum value.
func (f Format) Validate() error {
	switch f {
	case FormatText, FormatImage, FormatAudio:
		return nil
	default:
		return fmt.Errorf("unknown format: %q", f)
	}
}

// Category is both the event theme and the narrative category of a breadcrumb.
type Category string

const (
	CategoryPrivacy  Category = "privacy"
	CategoryAuditing Category = "auditing"
	CategoryPatents  Category = "patents"
)

// Categories lists the three themes.
var Categories = []Category{CategoryPrivacy, CategoryAuditing, CategoryPatents}

// Validate checks if the Category is a valid enum value.
func (c Category) Validate() error {
	switch c {
	case CategoryPrivacy, CategoryAuditing, CategoryPatents:
		return nil
	default:
		return fmt.Errorf("unknown category: %q", c)
	}
}

// Source records where a puzzle came from.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
	SourceBuiltin   Source = "builtin"
)

// IsBackup reports whether the puzzle was served from reserve content.
func (s Source) IsBackup() bool {
	return s == SourceFallback || s == SourceBuiltin
}

// Phase is the lifecycle state of a puzzle.
type Phase string

const (
	PhasePending Phase = "pending"
	PhaseActive  Phase = "active"
	PhaseLocked  Phase = "locked"
	PhaseExpired Phase = "expired"
)

// Guess is a candidate solution submitted by a participant.
type Guess struct {
	ID          string `json:"id"`
	PuzzleID    string `json:"puzzle_id"`
	SubmitterID string `json:"submitter_id"`
	Content     string `json:"content"`
	VoteCount   int    `json:"vote_count"`
	CreatedAtMs int64  `json:"created_at_ms"`
	IsWinner    bool   `json:"is_winner"`
}

// Breadcrumb is a narrative fragment emitted when a puzzle is solved. Breadcrumbs are append-only.
type Breadcrumb struct {
	ID                  string   `json:"id"`
	ThreadID            string   `json:"thread_id"`
	Category            Category `json:"category"`
	Summary             string   `json:"summary"`
	SolutionFingerprint string   `json:"solution_fingerprint"`
	Weight              float64  `json:"weight"`
	PuzzleID            string   `json:"puzzle_id"`
	WinnerID            string   `json:"winner_id"`
	CollectedAtMs       int64    `json:"collected_at_ms"`
	Connections         []string `json:"connections"` // Always empty; connection analysis is not implemented
}

// NarrativeThread accumulates breadcrumbs until its unlock threshold is reached.
type NarrativeThread struct {
	ThreadID        string   `json:"thread_id"`
	Category        Category `json:"category"`
	BreadcrumbCount int      `json:"breadcrumb_count"`
	UnlockThreshold int      `json:"unlock_threshold"`
	Unlocked        bool     `json:"unlocked"`
	UnlockedAtMs    int64    `json:"unlocked_at_ms,omitempty"`
}

// UserStats holds per-participant counters used by the leaderboard.
type UserStats struct {
	UserID           string `json:"user_id"`
	GuessesSubmitted int    `json:"guesses_submitted"`
	RalliesCast      int    `json:"rallies_cast"`
	AccurateRallies  int    `json:"accurate_rallies"` // Rallies on guesses that went on to win
	Wins             int    `json:"wins"`
	Score            int    `json:"score"`
}

// RallyAccuracy is the share of rallies that backed an eventual winner.
func (s *UserStats) RallyAccuracy() float64 {
	if s.RalliesCast == 0 {
		return 0
	}
	return float64(s.AccurateRallies) / float64(s.RalliesCast)
}

// Field limits shared by validation in the generator, the fallback pool and the ledger.
const (
	MaxHintLength     = 50
	MaxSolutionLength = 50
	MaxGuessLength    = 100
	MinWeight         = 0.1
	MaxWeight         = 1.0
)

// CreatedAt returns the creation time.
func (p *Puzzle) CreatedAt() time.Time { return time.UnixMilli(p.CreatedAtMs) }

// ExpiresAt returns the expiry time.
func (p *Puzzle) ExpiresAt() time.Time { return time.UnixMilli(p.ExpiresAtMs) }

// Remaining returns the time left before expiry, which is negative once expired.
func (p *Puzzle) Remaining(now time.Time) time.Duration {
	return p.ExpiresAt().Sub(now)
}

// PhaseAt computes the lifecycle phase at the given instant.
// A puzzle whose isActive flag has been cleared is always expired.
func (p *Puzzle) PhaseAt(now time.Time, lockdown time.Duration) Phase {
	if !p.IsActive {
		if p.ExpiredAtMs > 0 {
			return PhaseExpired
		}
		return PhasePending
	}
	remaining := p.Remaining(now)
	switch {
	case remaining <= 0:
		return PhaseExpired
	case remaining <= lockdown:
		return PhaseLocked
	default:
		return PhaseActive
	}
}

// Stamp sets the creation time and derives the expiry from the difficulty budget.
func (p *Puzzle) Stamp(now time.Time) {
	p.CreatedAtMs = now.UnixMilli()
	p.ExpiresAtMs = now.Add(p.Difficulty.TimeBudget()).UnixMilli()
}

// Validate checks the structural rules every stored puzzle must satisfy.
func (p *Puzzle) Validate() error {
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid puzzle ID: not a valid UUID")
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if strings.TrimSpace(p.Hint) == "" {
		return fmt.Errorf("hint cannot be empty")
	}
	if len([]rune(p.Hint)) > MaxHintLength {
		return fmt.Errorf("hint exceeds %d characters", MaxHintLength)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("content cannot be empty")
	}
	if p.Solution == "" {
		return fmt.Errorf("solution cannot be empty")
	}
	if len([]rune(p.Solution)) > MaxSolutionLength {
		return fmt.Errorf("solution exceeds %d characters", MaxSolutionLength)
	}
	if p.Solution != strings.ToUpper(p.Solution) {
		return fmt.Errorf("solution must be upper-case")
	}
	if err := p.Difficulty.Validate(); err != nil {
		return fmt.Errorf("invalid difficulty: %w", err)
	}
	if err := p.Format.Validate(); err != nil {
		return fmt.Errorf("invalid format: %w", err)
	}
	if p.ExpiresAtMs <= p.CreatedAtMs {
		return fmt.Errorf("expires_at must be after created_at")
	}
	if p.Narrative != nil {
		if err := p.Narrative.Validate(); err != nil {
			return fmt.Errorf("invalid narrative: %w", err)
		}
	}
	return nil
}

// Validate checks the narrative attachment.
func (n *Narrative) Validate() error {
	if n.ThreadID == "" {
		return fmt.Errorf("thread_id cannot be empty")
	}
	if err := n.Category.Validate(); err != nil {
		return err
	}
	if n.Weight < MinWeight || n.Weight > MaxWeight {
		return fmt.Errorf("weight %.2f outside [%.1f, %.1f]", n.Weight, MinWeight, MaxWeight)
	}
	if n.UnlockThreshold < 0 {
		return fmt.Errorf("unlock_threshold must be >= 0")
	}
	return nil
}

// Validate checks if the Guess has valid field values.
func (g *Guess) Validate() error {
	if !isValidUUID(g.ID) {
		return fmt.Errorf("invalid guess ID: not a valid UUID")
	}
	if !isValidUUID(g.PuzzleID) {
		return fmt.Errorf("invalid puzzle ID: not a valid UUID")
	}
	if g.SubmitterID == "" {
		return fmt.Errorf("submitter_id cannot be empty")
	}
	if g.Content == "" {
		return fmt.Errorf("content cannot be empty")
	}
	if g.VoteCount < 0 {
		return fmt.Errorf("vote_count must be >= 0, got %d", g.VoteCount)
	}
	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
