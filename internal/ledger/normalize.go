package ledger

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/dyluth/cipher/pkg/cipher"
)

// NormalizeGuess validates raw guess text and returns its stored form.
// Surrounding whitespace is trimmed, the text is NFC-composed and letters are
// upper-cased so guesses compare the same way solutions do. The trimmed text must be non-empty, at
// most cipher.MaxGuessLength characters, and contain only letters, digits and
// single spaces between words.
func NormalizeGuess(text string) (string, error) {
	trimmed := norm.NFC.String(strings.TrimSpace(text))
	if trimmed == "" {
		return "", &cipher.ValidationError{Field: "content", Reason: "guess cannot be empty"}
	}
	if len([]rune(trimmed)) > cipher.MaxGuessLength {
		return "", &cipher.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("guess exceeds %d characters", cipher.MaxGuessLength),
		}
	}

	prevSpace := false
	for _, r := range trimmed {
		switch {
		case r == ' ':
			if prevSpace {
				return "", &cipher.ValidationError{Field: "content", Reason: "guess contains consecutive spaces"}
			}
			prevSpace = true
		case unicode.IsLetter(r), unicode.IsDigit(r):
			prevSpace = false
		default:
			return "", &cipher.ValidationError{
				Field:  "content",
				Reason: "guess may only contain letters, digits and spaces",
			}
		}
	}

	return strings.ToUpper(trimmed), nil
}
