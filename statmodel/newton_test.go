package statmodel

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

// quartic has log-likelihood -(b-3)^4 - (b-3)^2, which Newton-Raphson
// cannot solve in a single step.
type quartic struct {
	Mock
}

func (q *quartic) LogLike(params Parameter, exact bool) float64 {
	u := params.GetCoeff()[0] - 3
	return -u*u*u*u - u*u
}

func (q *quartic) Score(params Parameter, score []float64) {
	u := params.GetCoeff()[0] - 3
	score[0] = -4*u*u*u - 2*u
}

func (q *quartic) Hessian(params Parameter, ht HessType, hess []float64) {
	u := params.GetCoeff()[0] - 3
	hess[0] = -12*u*u - 2
}

func newQuadratic(a, c []float64) *Mock {
	_, da := data1()
	return &Mock{data: da, xpos: make([]int, len(c)), a: a, c: c}
}

func TestNewtonQuadratic(t *testing.T) {

	model := newQuadratic([]float64{2, 1, 1, 3}, []float64{1, -2})

	rslt, err := NewtonRaphson(context.Background(), model, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One update reaches the optimum, the second evaluation confirms it.
	if rslt.Iter != 1 {
		t.Errorf("expected 1 iteration, got %d", rslt.Iter)
	}
	if !floats.EqualApprox(rslt.Coeff, []float64{1, -2}, 1e-10) {
		t.Errorf("got %v", rslt.Coeff)
	}
	if math.Abs(rslt.LogLike) > 1e-12 {
		t.Errorf("loglike %v", rslt.LogLike)
	}
}

func TestNewtonStepPure(t *testing.T) {

	model := newQuadratic([]float64{2, 1, 1, 3}, []float64{1, -2})
	coeff := []float64{0.5, 0.5}

	st1, err := Step(model, coeff, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st2, err := Step(model, coeff, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !floats.Equal(coeff, []float64{0.5, 0.5}) {
		t.Errorf("Step modified its input: %v", coeff)
	}
	if !floats.Equal(st1.Next, st2.Next) {
		t.Errorf("Step is not deterministic: %v != %v", st1.Next, st2.Next)
	}
	if st1.Converged {
		t.Errorf("Step should not report convergence away from the optimum")
	}
}

func TestNewtonSingular(t *testing.T) {

	model := newQuadratic([]float64{1, 1, 1, 1}, []float64{0, 0})
	settings := DefaultNewtonSettings()
	settings.Names = []string{"a", "b"}

	rslt, err := NewtonRaphson(context.Background(), model, nil, settings)
	if !errors.Is(err, ErrSingular) {
		t.Fatalf("expected a singular matrix error, got %v", err)
	}
	if errors.Is(err, ErrNoConvergence) {
		t.Errorf("singular error should not match ErrNoConvergence")
	}

	var se *SingularError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SingularError, got %T", err)
	}
	if se.Index < 0 || se.Name != settings.Names[se.Index] {
		t.Errorf("unexpected offending covariate %d %q", se.Index, se.Name)
	}
	if se.Iter != 0 || rslt == nil {
		t.Errorf("expected detection at the first iteration")
	}
}

func TestNewtonNoConvergence(t *testing.T) {

	model := &quartic{Mock: *newQuadratic(nil, []float64{0})}
	settings := DefaultNewtonSettings()
	settings.MaxIter = 1

	rslt, err := NewtonRaphson(context.Background(), model, []float64{0}, settings)
	if !errors.Is(err, ErrNoConvergence) {
		t.Fatalf("expected a convergence error, got %v", err)
	}

	var ce *ConvergenceError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConvergenceError, got %T", err)
	}
	if ce.Iter != 1 {
		t.Errorf("expected the last iteration to be 1, got %d", ce.Iter)
	}
	if ce.Coeff[0] == 0 || rslt.Coeff[0] != ce.Coeff[0] {
		t.Errorf("expected the partial iterate to be returned, got %v", ce.Coeff)
	}

	// With the default budget it converges.
	rslt, err = NewtonRaphson(context.Background(), model, []float64{0}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(rslt.Coeff[0]-3) > 1e-8 {
		t.Errorf("got %v", rslt.Coeff)
	}
}

func TestNewtonCancelled(t *testing.T) {

	model := newQuadratic([]float64{2, 1, 1, 3}, []float64{1, -2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewtonRaphson(ctx, model, nil, nil)
	if !errors.Is(err, ErrNoConvergence) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancelled convergence error, got %v", err)
	}
}

// jittered is a quadratic model whose score carries rounding noise that
// never falls below the score tolerance.
type jittered struct {
	Mock
	calls int
}

func (m *jittered) Score(params Parameter, score []float64) {
	m.Mock.Score(params, score)
	m.calls++
	for j := range score {
		if m.calls%2 == 0 {
			score[j] += 1e-6
		} else {
			score[j] -= 1e-6
		}
	}
}

func TestNewtonDecrement(t *testing.T) {

	model := &jittered{Mock: *newQuadratic([]float64{1e4, 0, 0, 1e4}, []float64{0.5, -1})}

	rslt, err := NewtonRaphson(context.Background(), model, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rslt.ScoreNorm < DefaultNewtonSettings().ScoreTol {
		t.Errorf("score norm %v should stay above the score tolerance", rslt.ScoreNorm)
	}
	if !floats.EqualApprox(rslt.Coeff, []float64{0.5, -1}, 1e-8) {
		t.Errorf("got %v", rslt.Coeff)
	}

	// With the decrement rule switched off the noise prevents convergence.
	model.calls = 0
	settings := DefaultNewtonSettings()
	settings.DecrementTol = 0
	_, err = NewtonRaphson(context.Background(), model, nil, settings)
	if !errors.Is(err, ErrNoConvergence) {
		t.Errorf("expected a convergence error, got %v", err)
	}
}

// uphill reports a score pointing away from the maximum of its
// log-likelihood, so no fraction of the Newton step is an improvement.
type uphill struct {
	Mock
}

func (m *uphill) LogLike(params Parameter, exact bool) float64 {
	u := params.GetCoeff()[0] - 3
	return -u * u
}

func (m *uphill) Score(params Parameter, score []float64) {
	score[0] = 2 * (params.GetCoeff()[0] - 3)
}

func (m *uphill) Hessian(params Parameter, ht HessType, hess []float64) {
	hess[0] = -2
}

func TestNewtonLineSearch(t *testing.T) {

	model := &uphill{Mock: *newQuadratic(nil, []float64{0})}

	rslt, err := NewtonRaphson(context.Background(), model, []float64{0}, nil)
	if !errors.Is(err, ErrNoConvergence) || !errors.Is(err, ErrLineSearch) {
		t.Fatalf("expected a failed line search, got %v", err)
	}

	var ce *ConvergenceError
	if !errors.As(err, &ce) || ce.Iter != 0 {
		t.Fatalf("unexpected error details %+v", ce)
	}
	if rslt.Coeff[0] != 0 || ce.Coeff[0] != 0 {
		t.Errorf("expected the last accepted iterate, got %v", rslt.Coeff)
	}
}
