package duration

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds for this package. These allow errors.Is from callers.
var (
	ErrInvalidInput = errors.New("invalid event table")
	ErrTooFewStrata = errors.New("at least two strata are required")
	ErrNoEvents     = errors.New("no events")
)

// RowProblem describes why one row of an event table was rejected.
type RowProblem struct {
	Row    int
	Reason string
}

// ValidationError lists every offending row of a rejected event table.
type ValidationError struct {
	Problems []RowProblem
}

// Rows returns the indices of the offending rows.
func (e *ValidationError) Rows() []int {
	var ix []int
	for _, p := range e.Problems {
		if len(ix) == 0 || ix[len(ix)-1] != p.Row {
			ix = append(ix, p.Row)
		}
	}
	return ix
}

func (e *ValidationError) Error() string {

	const maxShown = 5

	var b strings.Builder
	fmt.Fprintf(&b, "invalid event table: %d problem(s)", len(e.Problems))
	for i, p := range e.Problems {
		if i == maxShown {
			fmt.Fprintf(&b, "; ...")
			break
		}
		fmt.Fprintf(&b, "; row %d: %s", p.Row, p.Reason)
	}
	return b.String()
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// WarningKind classifies a non-fatal condition found during estimation.
type WarningKind int

// WarnNoEvents marks a stratum in which every subject is censored.
const (
	WarnNoEvents WarningKind = iota
)

// Warning is a degenerate-data condition that does not stop estimation.
type Warning struct {
	Kind    WarningKind
	Stratum string
	Msg     string
}

func (w Warning) String() string {
	return fmt.Sprintf("stratum %q: %s", w.Stratum, w.Msg)
}
