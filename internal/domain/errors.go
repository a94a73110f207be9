package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for the pipeline error taxonomy. Schema and state errors
// are fail-fast and non-retryable; data-quality issues are never surfaced as
// errors (they are logged and published as events instead).
var (
	// ErrNotFitted is returned when Transform is called before Fit.
	ErrNotFitted = errors.New("transform called before fit")

	// ErrEmptyInput is returned when an operation requires a non-empty input.
	ErrEmptyInput = errors.New("input is empty")

	// ErrShapeMismatch is returned when paired arrays differ in length.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInsufficientGroups is returned by fairness metrics when the
	// sensitive attribute has fewer than two distinct groups.
	ErrInsufficientGroups = errors.New("fairness metrics require at least 2 groups")
)

// MissingColumnsError reports required columns absent from an input table.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	cols := append([]string(nil), e.Columns...)
	sort.Strings(cols)
	return fmt.Sprintf("missing required columns: %s", strings.Join(cols, ", "))
}

// NewMissingColumnsError builds a MissingColumnsError, or returns nil when
// no columns are missing.
func NewMissingColumnsError(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return &MissingColumnsError{Columns: missing}
}

// IsMissingColumns reports whether err is a MissingColumnsError.
func IsMissingColumns(err error) bool {
	var mce *MissingColumnsError
	return errors.As(err, &mce)
}
