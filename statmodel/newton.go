package statmodel

import (
	"context"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NewtonSettings configures the Newton-Raphson driver.
type NewtonSettings struct {

	// MaxIter bounds the number of Newton updates.
	MaxIter int

	// ScoreTol is the Euclidean norm of the score vector below which
	// the iterations are considered converged.
	ScoreTol float64

	// DecrementTol bounds the Newton decrement score' I^-1 score,
	// relative to 1 + |loglike|.  Below it the final Newton step is
	// taken and the iterations stop.  Unlike ScoreTol this does not
	// grow with the sample size.
	DecrementTol float64

	// SingularTol is the smallest allowed eigenvalue of the information
	// matrix after scaling it by its diagonal at the starting point.
	SingularTol float64

	// MaxHalving bounds the number of step halvings used when a full
	// step decreases the log-likelihood.
	MaxHalving int

	// Names of the covariates, used in error messages.
	Names []string

	// Log receives one line per iteration if not nil.
	Log *log.Logger
}

// DefaultNewtonSettings returns the settings used when none are given.
func DefaultNewtonSettings() *NewtonSettings {
	return &NewtonSettings{
		MaxIter:      50,
		ScoreTol:     1e-9,
		DecrementTol: 1e-12,
		SingularTol:  1e-7,
		MaxHalving:   20,
	}
}

// NewtonStep describes a single Newton-Raphson update.
type NewtonStep struct {

	// Coeff is the point at which the step was computed.
	Coeff []float64

	// Next is the proposed next iterate.  If Converged is true it is
	// either Coeff (small score) or the final Newton step (small
	// decrement).
	Next []float64

	// LogLike, Score and Hess are evaluated at Coeff.
	LogLike   float64
	Score     []float64
	ScoreNorm float64
	Hess      []float64

	// Decrement is score' I^-1 score, zero if the score test stopped
	// the iterations first.
	Decrement float64

	// Scale is the diagonal of the information matrix used to
	// normalize the singularity check.
	Scale []float64

	Converged bool
}

// Step computes one Newton-Raphson update for model starting at coeff.
// It does not modify coeff.  If scale is nil, the diagonal of the
// information matrix at coeff is used to normalize the singularity
// check.  A singular information matrix is reported as a *SingularError,
// whose Iter field is left for the caller to fill in.
func Step(model RegFitter, coeff, scale []float64, settings *NewtonSettings) (*NewtonStep, error) {

	if settings == nil {
		settings = DefaultNewtonSettings()
	}

	p := model.NumParams()
	param := NewGenericParameter(coeff)

	st := &NewtonStep{
		Coeff:   append([]float64(nil), coeff...),
		LogLike: model.LogLike(param, false),
		Score:   make([]float64, p),
		Hess:    make([]float64, p*p),
	}
	model.Score(param, st.Score)
	model.Hessian(param, ObsHess, st.Hess)
	st.ScoreNorm = floats.Norm(st.Score, 2)

	info := make([]float64, p*p)
	for i, h := range st.Hess {
		info[i] = -h
	}

	if scale == nil {
		scale = make([]float64, p)
		for j := 0; j < p; j++ {
			scale[j] = info[j*p+j]
		}
	}
	st.Scale = scale

	if j, bad := checkInformation(info, p, scale, settings.SingularTol); bad {
		return st, newSingularError(j, settings.Names, st.Coeff, nil)
	}

	if st.ScoreNorm < settings.ScoreTol {
		st.Converged = true
		st.Next = append([]float64(nil), coeff...)
		return st, nil
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(p, info)); !ok {
		return st, newSingularError(-1, settings.Names, st.Coeff, nil)
	}

	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, mat.NewVecDense(p, st.Score)); err != nil {
		return st, newSingularError(-1, settings.Names, st.Coeff, err)
	}

	st.Next = make([]float64, p)
	for j := range st.Next {
		st.Next[j] = coeff[j] + delta.AtVec(j)
	}

	st.Decrement = mat.Dot(&delta, mat.NewVecDense(p, st.Score))
	if st.Decrement < settings.DecrementTol*(1+math.Abs(st.LogLike)) {
		st.Converged = true
	}

	return st, nil
}

func newSingularError(j int, names []string, coeff []float64, err error) *SingularError {
	e := &SingularError{Index: j, Coeff: coeff, Err: err}
	if j >= 0 && j < len(names) {
		e.Name = names[j]
	}
	return e
}

// checkInformation reports whether the information matrix is numerically
// singular relative to scale, and if so which variable carries the largest
// weight in the degenerate direction.
func checkInformation(info []float64, p int, scale []float64, tol float64) (int, bool) {

	for j := 0; j < p; j++ {
		if !(scale[j] > 0) || math.IsNaN(info[j*p+j]) {
			return j, true
		}
	}

	sc := mat.NewSymDense(p, nil)
	for j1 := 0; j1 < p; j1++ {
		for j2 := j1; j2 < p; j2++ {
			v := info[j1*p+j2] / math.Sqrt(scale[j1]*scale[j2])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return j1, true
			}
			sc.SetSym(j1, j2, v)
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(sc, true); !ok {
		return -1, true
	}

	// Eigenvalues are in ascending order.
	vals := es.Values(nil)
	if vals[0] > tol {
		return -1, false
	}

	var vecs mat.Dense
	es.VectorsTo(&vecs)
	jmax, vmax := -1, -1.0
	for j := 0; j < p; j++ {
		if v := math.Abs(vecs.At(j, 0)); v >= vmax {
			jmax, vmax = j, v
		}
	}

	return jmax, true
}

// NewtonResult is the outcome of a Newton-Raphson fit.
type NewtonResult struct {
	Coeff     []float64
	LogLike   float64
	Iter      int
	ScoreNorm float64
	Hess      []float64
}

// NewtonRaphson maximizes the log-likelihood of model starting from start,
// iterating Step until the score norm or the Newton decrement is below its
// tolerance.  At most
// settings.MaxIter updates are made.  On failure the returned result holds
// the last iterate along with a *SingularError or *ConvergenceError.
func NewtonRaphson(ctx context.Context, model RegFitter, start []float64, settings *NewtonSettings) (*NewtonResult, error) {

	if settings == nil {
		settings = DefaultNewtonSettings()
	}
	maxiter := settings.MaxIter
	if maxiter <= 0 {
		maxiter = DefaultNewtonSettings().MaxIter
	}

	coeff := append([]float64(nil), start...)
	if len(coeff) == 0 {
		coeff = make([]float64, model.NumParams())
	}

	var scale []float64
	rslt := &NewtonResult{Coeff: coeff, ScoreNorm: math.Inf(1)}

	for iter := 0; ; iter++ {

		rslt.Iter = iter
		if err := ctx.Err(); err != nil {
			return rslt, &ConvergenceError{Iter: iter, Coeff: rslt.Coeff, ScoreNorm: rslt.ScoreNorm, Err: err}
		}

		st, err := Step(model, coeff, scale, settings)
		scale = st.Scale
		rslt.LogLike = st.LogLike
		rslt.ScoreNorm = st.ScoreNorm
		rslt.Hess = st.Hess
		if err != nil {
			if se, ok := err.(*SingularError); ok {
				se.Iter = iter
			}
			return rslt, err
		}

		if settings.Log != nil {
			settings.Log.Printf("iteration %d: loglike=%.8f score norm=%.3g", iter, st.LogLike, st.ScoreNorm)
		}

		if st.Converged {
			if !floats.Equal(st.Next, coeff) {
				rslt.Coeff = st.Next
				finish(model, rslt)
			}
			return rslt, nil
		}

		if iter >= maxiter {
			return rslt, &ConvergenceError{Iter: iter, Coeff: rslt.Coeff, ScoreNorm: st.ScoreNorm}
		}

		// Halve the step until the log-likelihood does not decrease.
		next := st.Next
		ll := model.LogLike(NewGenericParameter(next), false)
		for h := 0; h < settings.MaxHalving && !ascends(ll, st.LogLike); h++ {
			for j := range next {
				next[j] = (next[j] + coeff[j]) / 2
			}
			ll = model.LogLike(NewGenericParameter(next), false)
		}
		if !ascends(ll, st.LogLike) {
			return rslt, &ConvergenceError{Iter: iter, Coeff: rslt.Coeff, ScoreNorm: st.ScoreNorm, Err: ErrLineSearch}
		}

		coeff = next
		rslt.Coeff = coeff
	}
}

func ascends(ll, ll0 float64) bool {
	return ll >= ll0-1e-12*math.Abs(ll0)
}

// finish evaluates the log-likelihood, score norm and Hessian at rslt.Coeff.
func finish(model RegFitter, rslt *NewtonResult) {
	p := len(rslt.Coeff)
	param := NewGenericParameter(rslt.Coeff)
	score := make([]float64, p)
	rslt.LogLike = model.LogLike(param, false)
	model.Score(param, score)
	rslt.ScoreNorm = floats.Norm(score, 2)
	rslt.Hess = make([]float64, p*p)
	model.Hessian(param, ObsHess, rslt.Hess)
}
