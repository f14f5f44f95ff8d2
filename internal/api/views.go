package api

import (
	"math"
	"time"

	"github.com/dyluth/cipher/pkg/cipher"
)

// PuzzleView is the public representation of a puzzle. Solution and
// WinnerGuessID are only set once the puzzle has expired.
type PuzzleView struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Hint          string            `json:"hint"`
	Difficulty    cipher.Difficulty `json:"difficulty"`
	Format        cipher.Format     `json:"format"`
	Content       string            `json:"content"`
	Theme         cipher.Category   `json:"theme,omitempty"`
	Phase         cipher.Phase      `json:"phase"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	TimeRemaining int64             `json:"timeRemaining"` // Seconds
	BackupContent bool              `json:"backupContent"` // Served from the fallback reserve
	GuessCount    *int              `json:"guessCount,omitempty"`
	Solution      string            `json:"solution,omitempty"`
	WinnerGuessID string            `json:"winnerGuessId,omitempty"`
}

func newPuzzleView(p *cipher.Puzzle, now time.Time, lockdown time.Duration) *PuzzleView {
	v := &PuzzleView{
		ID:            p.ID,
		Title:         p.Title,
		Hint:          p.Hint,
		Difficulty:    p.Difficulty,
		Format:        p.Format,
		Content:       p.Content,
		Theme:         p.Theme,
		Phase:         p.PhaseAt(now, lockdown),
		CreatedAt:     p.CreatedAt().UTC(),
		ExpiresAt:     p.ExpiresAt().UTC(),
		TimeRemaining: int64(math.Ceil(p.Remaining(now).Seconds())),
		BackupContent: p.Source.IsBackup(),
	}
	if !p.IsActive {
		v.Solution = p.Solution
		v.WinnerGuessID = p.WinnerGuessID
	}
	return v
}

// GuessView is the public representation of a guess.
type GuessView struct {
	ID          string    `json:"id"`
	PuzzleID    string    `json:"puzzleId"`
	SubmitterID string    `json:"submitterId"`
	Content     string    `json:"content"`
	VoteCount   int       `json:"voteCount"`
	CreatedAt   time.Time `json:"createdAt"`
	IsWinner    bool      `json:"isWinner"`
}

func newGuessView(g *cipher.Guess) GuessView {
	return GuessView{
		ID:          g.ID,
		PuzzleID:    g.PuzzleID,
		SubmitterID: g.SubmitterID,
		Content:     g.Content,
		VoteCount:   g.VoteCount,
		CreatedAt:   time.UnixMilli(g.CreatedAtMs).UTC(),
		IsWinner:    g.IsWinner,
	}
}

// LeaderboardEntry is one ranked participant.
type LeaderboardEntry struct {
	Rank            int     `json:"rank"`
	UserID          string  `json:"userId"`
	Score           int     `json:"score"`
	Wins            int     `json:"wins"`
	Guesses         int     `json:"guesses"`
	Rallies         int     `json:"rallies"`
	AccurateRallies int     `json:"accurateRallies"`
	RallyAccuracy   float64 `json:"rallyAccuracy"`
}

// LeaderboardPage is one page of the ranking.
type LeaderboardPage struct {
	Entries []LeaderboardEntry `json:"entries"`
	Page    int                `json:"page"`
	Limit   int                `json:"limit"`
	Total   int                `json:"total"`
}

// UpdatesResponse carries events after a cursor. Cursor is the ID of the last
// event, to be passed as since on the next call.
type UpdatesResponse struct {
	Events []*cipher.Event `json:"events"`
	Cursor string          `json:"cursor"`
}
