package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every lookup of an unknown sample id.
var ErrNotFound = errors.New("sample not found")

// ErrAnalysisTimeout means the scorer did not answer within its deadline,
// including the single retry.
var ErrAnalysisTimeout = errors.New("analysis timed out")

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AnalysisError wraps a scorer failure: unreadable image, bad model output or
// an unavailable backend.
type AnalysisError struct {
	Backend string
	Err     error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s analysis failed: %v", e.Backend, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// NotFound wraps ErrNotFound with the missing id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsAnalysis(err error) bool {
	var ae *AnalysisError
	return errors.As(err, &ae)
}
