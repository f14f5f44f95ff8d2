package generator

import (
	"strings"

	"github.com/dyluth/cipher/pkg/cipher"
)

// themeKeywords is the fixed relevance dictionary per theme.
var themeKeywords = map[cipher.Category][]string{
	cipher.CategoryPrivacy: {
		"privacy", "data", "surveillance", "tracking", "encryption", "breach",
		"consent", "gdpr", "personal", "leak", "anonymity", "biometric",
	},
	cipher.CategoryAuditing: {
		"audit", "compliance", "fraud", "ledger", "accounting", "regulator",
		"disclosure", "investigation", "financial", "transparency", "oversight", "filing",
	},
	cipher.CategoryPatents: {
		"patent", "invention", "intellectual property", "trademark", "licensing", "infringement",
		"copyright", "royalty", "innovation", "prior art", "uspto", "litigation",
	},
}

// NewsEvent is a real-world event returned by the event source.
type NewsEvent struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	URL     string `json:"url,omitempty"`
}

// Relevance counts how many of the theme's keywords occur in the event's
// title or summary, case-insensitively.
func Relevance(e NewsEvent, theme cipher.Category) int {
	text := strings.ToLower(e.Title + " " + e.Summary)
	score := 0
	for _, kw := range themeKeywords[theme] {
		if strings.Contains(text, kw) {
			score++
		}
	}
	return score
}

// SelectEvent returns the most relevant event for the theme. Ties keep the
// earliest event in the input order. ok is false for an empty slice.
func SelectEvent(events []NewsEvent, theme cipher.Category) (best NewsEvent, ok bool) {
	bestScore := -1
	for _, e := range events {
		if s := Relevance(e, theme); s > bestScore {
			best, bestScore = e, s
		}
	}
	return best, bestScore >= 0
}
