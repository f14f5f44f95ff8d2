package generator

import (
	"errors"
	"fmt"
)

var (
	// ErrGenerationTimeout means the pipeline did not finish within the timeout.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrGenerationFailure covers collaborator errors and drafts that failed validation.
	ErrGenerationFailure = errors.New("generation failed")

	// ErrDuplicateSolution means the drafted solution was already used, twice in a row.
	ErrDuplicateSolution = errors.New("duplicate solution")
)

// GenerationError wraps one of the sentinel errors with the stage and cause.
// errors.Is matches both the sentinel and the cause.
type GenerationError struct {
	Kind  error  // ErrGenerationTimeout, ErrGenerationFailure or ErrDuplicateSolution
	Stage string // events, author, validate, dedup
	Cause error
}

func (e *GenerationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%v at %s: %v", e.Kind, e.Stage, e.Cause)
}

// Unwrap exposes the sentinel and the cause to errors.Is and errors.As.
func (e *GenerationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func failure(stage string, cause error) error {
	return &GenerationError{Kind: ErrGenerationFailure, Stage: stage, Cause: cause}
}
