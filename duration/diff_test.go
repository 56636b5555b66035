// Test the PH regression log-likelihood, score and Hessian functions using
// numeric derivatives.  The tests confirm that the analytic derivatives agree
// with the numeric derivatives of the log-likelihood function.

package duration

import (
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/schwarzpat/survival-analysis/statmodel"
)

const (
	tol = 1e-5
)

// A test problem
type difftestprob struct {
	title      string
	data       func(testing.TB) *EventTable
	stratified bool
	l2wgt      map[string]float64
	params     [][]float64
}

var diffTests = []difftestprob{
	{
		title:  "data1",
		data:   data1,
		params: [][]float64{{0}, {1}, {-1}, {0.5}, {-0.5}},
	},
	{
		title:  "data2",
		data:   data2,
		params: [][]float64{{1, 0}, {0, 1}, {1, 1}, {-1, 1}, {-2, 1}},
	},
	{
		title:      "data2 stratified",
		data:       data2,
		stratified: true,
		params:     [][]float64{{1, 0}, {0, 1}, {1, 1}, {-1, 1}, {-2, 1}},
	},
	{
		title:  "data3",
		data:   data3,
		params: [][]float64{{1, 0}, {0, 1}, {1, 1}, {-1, 1}, {2, -1}},
	},
	{
		title:  "data3 penalized",
		data:   data3,
		l2wgt:  map[string]float64{"x1": 0.5, "x2": 2},
		params: [][]float64{{1, 0}, {0, 1}, {1, 1}, {-1, 1}, {-0.5, 1.3}},
	},
}

func diffModels(t *testing.T, dt difftestprob) []*PHReg {

	var models []*PHReg
	for _, ties := range []TieMethod{Efron, Breslow} {
		config := DefaultPHRegConfig()
		config.Ties = ties
		config.Stratified = dt.stratified
		config.L2Penalty = dt.l2wgt

		model, err := NewPHReg(dt.data(t), config)
		if err != nil {
			t.Fatal(err)
		}
		models = append(models, model)
	}

	return models
}

func TestGrad(t *testing.T) {

	for _, dt := range diffTests {
		for _, model := range diffModels(t, dt) {

			p := len(dt.params[0])
			ngrad := make([]float64, p)
			score := make([]float64, p)

			loglike := func(x []float64) float64 {
				return model.LogLike(&PHParameter{x}, true)
			}

			fdset := &fd.Settings{
				Formula: fd.Central,
				Step:    1e-6,
			}

			for _, params := range dt.params {
				fd.Gradient(ngrad, loglike, params, fdset)
				model.Score(&PHParameter{params}, score)
				if !floats.EqualApprox(score, ngrad, tol) {
					t.Errorf("%s %v\nNumerical:  %v\nAnalytical: %v\n", dt.title, model.Ties(), ngrad, score)
				}
			}
		}
	}
}

func TestHess(t *testing.T) {

	for _, dt := range diffTests {
		for _, model := range diffModels(t, dt) {

			p := len(dt.params[0])
			hess := make([]float64, p*p)
			nhess := mat.NewDense(p, p, nil)

			score := func(y, x []float64) {
				model.Score(&PHParameter{x}, y)
			}

			fdset := &fd.JacobianSettings{
				Formula: fd.Central,
				Step:    1e-5,
			}

			for _, params := range dt.params {
				fd.Jacobian(nhess, score, params, fdset)
				model.Hessian(&PHParameter{params}, statmodel.ObsHess, hess)
				if !floats.EqualApprox(hess, nhess.RawMatrix().Data, tol) {
					t.Errorf("%s %v\nNumerical:  %v\nAnalytical: %v\n", dt.title, model.Ties(), nhess.RawMatrix().Data, hess)
				}
			}
		}
	}
}
