package statmodel

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for model fitting.  These allow errors.Is from callers.
var (
	ErrSingular      = errors.New("singular information matrix")
	ErrNoConvergence = errors.New("optimization did not converge")

	// ErrLineSearch is wrapped by a ConvergenceError when step halving
	// cannot find a point with a larger log-likelihood.
	ErrLineSearch = errors.New("step halving did not increase the log-likelihood")
)

// SingularError reports an information matrix that is singular or too
// close to singular to invert.  This happens with collinear covariates
// and with covariates that perfectly separate events from non-events.
type SingularError struct {

	// Index is the position of the covariate most involved in the
	// degeneracy, or -1 if it could not be identified.
	Index int

	// Name is the name of that covariate, if known.
	Name string

	// Iter is the iteration at which the problem was detected.
	Iter int

	// Coeff is the coefficient vector at that iteration.
	Coeff []float64

	// Err is the underlying numerical error, if any.
	Err error
}

func (e *SingularError) Error() string {
	msg := "singular information matrix"
	switch {
	case e.Name != "":
		msg += fmt.Sprintf(" (covariate %q)", e.Name)
	case e.Index >= 0:
		msg += fmt.Sprintf(" (covariate %d)", e.Index)
	}
	msg += fmt.Sprintf(" at iteration %d", e.Iter)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SingularError) Is(target error) bool {
	return target == ErrSingular
}

func (e *SingularError) Unwrap() error {
	return e.Err
}

// ConvergenceError reports that the iteration budget (or the time budget)
// was exhausted.  Coeff holds the last iterate so that callers can decide
// to relax the tolerance or drop a covariate.
type ConvergenceError struct {
	Iter      int
	Coeff     []float64
	ScoreNorm float64

	// Err is set when the fit was stopped by its context, or is
	// ErrLineSearch when step halving failed.
	Err error
}

func (e *ConvergenceError) Error() string {
	msg := fmt.Sprintf("no convergence after %d iterations (score norm %g)", e.Iter, e.ScoreNorm)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConvergenceError) Is(target error) bool {
	return target == ErrNoConvergence
}

func (e *ConvergenceError) Unwrap() error {
	return e.Err
}
