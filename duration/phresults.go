package duration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/schwarzpat/survival-analysis/statmodel"
)

// PHResults describes the results of a proportional hazards model fit.
// The values are computed when the results are created, so a PHResults
// can be read from several goroutines.
type PHResults struct {
	statmodel.BaseResults

	// Log partial likelihood at zero
	nullLogLike float64

	iter int

	lrTest, waldTest, scoreTest TestResult

	// Breslow baseline cumulative hazard per stratum, at the event
	// times of the stratum
	baseTimes, baseHaz [][]float64
}

// TestResult is a chi-square test of the null hypothesis that all
// coefficients are zero.
type TestResult struct {
	Stat   float64
	DF     int
	PValue float64
}

func newTestResult(stat float64, df int) TestResult {
	tr := TestResult{Stat: stat, DF: df, PValue: math.NaN()}
	if !math.IsNaN(stat) {
		tr.PValue = distuv.ChiSquared{K: float64(df)}.Survival(stat)
	}
	return tr
}

func newPHResults(ph *PHReg, nr *statmodel.NewtonResult, vcov []float64) *PHResults {

	p := ph.NumParams()
	coeff := append([]float64(nil), nr.Coeff...)

	var xna []string
	for _, j := range ph.xpos {
		xna = append(xna, ph.varnames[j])
	}

	ll := ph.accumulate(coeff, nil, nil)

	rslt := &PHResults{
		BaseResults: statmodel.NewBaseResults(ph, ll, coeff, xna, vcov),
		iter:        nr.Iter,
	}

	zc := make([]float64, p)
	score0 := make([]float64, p)
	hess0 := make([]float64, p*p)
	rslt.nullLogLike = ph.accumulate(zc, score0, hess0)

	rslt.lrTest = newTestResult(2*(ll-rslt.nullLogLike), p)
	rslt.scoreTest = newTestResult(quadInverse(score0, hess0), p)

	if vcov != nil {
		vn := make([]float64, p*p)
		for i, v := range vcov {
			vn[i] = -v
		}
		rslt.waldTest = newTestResult(quadInverse(coeff, vn), p)
	} else {
		rslt.waldTest = newTestResult(math.NaN(), p)
	}

	for s := range ph.stratumix {
		ti, h := ph.BaselineCumHaz(s, coeff)
		rslt.baseTimes = append(rslt.baseTimes, ti)
		rslt.baseHaz = append(rslt.baseHaz, h)
	}

	return rslt
}

// quadInverse returns u' (-h)^{-1} u, or NaN if -h is not positive definite.
func quadInverse(u, h []float64) float64 {

	p := len(u)
	info := make([]float64, p*p)
	for i, v := range h {
		info[i] = -v
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(p, info)); !ok {
		return math.NaN()
	}

	uv := mat.NewVecDense(p, u)
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, uv); err != nil {
		return math.NaN()
	}

	return mat.Dot(uv, &x)
}

// Iterations returns the number of Newton-Raphson iterations used.
func (rslt *PHResults) Iterations() int {
	return rslt.iter
}

// Ties returns the method that was used to handle tied event times.
func (rslt *PHResults) Ties() TieMethod {
	return rslt.Model().(*PHReg).ties
}

// NullLogLike returns the log partial likelihood with all coefficients zero.
func (rslt *PHResults) NullLogLike() float64 {
	return rslt.nullLogLike
}

// HazardRatios returns exp(coef) for every covariate.
func (rslt *PHResults) HazardRatios() []float64 {
	hr := make([]float64, len(rslt.Params()))
	for j, b := range rslt.Params() {
		hr[j] = math.Exp(b)
	}
	return hr
}

// ConfInt returns the lower and upper confidence limits for the hazard
// ratios, exp(coef -/+ z*se), at the configured confidence level.  Both
// are nil if the fit produced no standard errors.
func (rslt *PHResults) ConfInt() ([]float64, []float64) {

	se := rslt.StdErr()
	if se == nil {
		return nil, nil
	}

	z := rslt.zcrit()
	var lcb, ucb []float64
	for j, b := range rslt.Params() {
		lcb = append(lcb, math.Exp(b-z*se[j]))
		ucb = append(ucb, math.Exp(b+z*se[j]))
	}

	return lcb, ucb
}

func (rslt *PHResults) zcrit() float64 {
	ph := rslt.Model().(*PHReg)
	return distuv.UnitNormal.Quantile(1 - (1-ph.confLevel)/2)
}

// LikelihoodRatioTest compares the fitted model to the model with all
// coefficients equal to zero.
func (rslt *PHResults) LikelihoodRatioTest() TestResult {
	return rslt.lrTest
}

// WaldTest returns b' V^{-1} b, where V is the estimated covariance of
// the coefficients b.
func (rslt *PHResults) WaldTest() TestResult {
	return rslt.waldTest
}

// ScoreTest returns the score (log-rank type) test evaluated at zero.
func (rslt *PHResults) ScoreTest() TestResult {
	return rslt.scoreTest
}

// Strata returns the stratum keys, in the order used by BaselineCumHaz.
// An unstratified model has a single stratum with an empty key.
func (rslt *PHResults) Strata() []string {
	return rslt.Model().(*PHReg).strataKeys
}

// BaselineCumHaz returns the Breslow estimate of the cumulative baseline
// hazard for the given stratum, at the event times of the stratum.  The
// baseline corresponds to all covariates equal to zero.
func (rslt *PHResults) BaselineCumHaz(stratum string) ([]float64, []float64, error) {
	for s, k := range rslt.Strata() {
		if k == stratum {
			return rslt.baseTimes[s], rslt.baseHaz[s], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: unknown stratum %q", ErrInvalidInput, stratum)
}

// Concordance returns the concordance between the fitted linear
// predictor and the observed survival times.
func (rslt *PHResults) Concordance() (float64, error) {

	ph := rslt.Model().(*PHReg)
	c := NewConcordance(ph.data[ph.timepos], ph.data[ph.statuspos], rslt.FittedValues(nil)).Done()

	return c.Concordance(math.Inf(1))
}

func (rslt *PHResults) summaryStats() (int, int, int) {

	ph := rslt.Model().(*PHReg)
	status := ph.data[ph.statuspos]

	var n, e, ns int
	for _, ix := range ph.stratumix {
		n += ix[1] - ix[0]
		for i := ix[0]; i < ix[1]; i++ {
			e += int(status[i])
		}
		ns++
	}

	return n, e, ns
}

// PHSummary summarizes a fitted proportional hazards regression model.
type PHSummary struct {

	// The results structure
	results *PHResults

	// Messages that are appended to the table
	messages []string
}

// Summary displays a summary table of the model results.
func (rslt *PHResults) Summary() *PHSummary {

	ph := rslt.Model().(*PHReg)

	var msg []string
	if ph.skipEarlyCensor > 0 {
		msg = append(msg, fmt.Sprintf("%d cases were censored before the first event and are not used", ph.skipEarlyCensor))
	}
	if rslt.StdErr() == nil {
		msg = append(msg, "The fit did not complete, standard errors are not available")
	}

	return &PHSummary{
		results:  rslt,
		messages: msg,
	}
}

// String returns a string representation of a summary table for the model.
func (phs *PHSummary) String() string {

	rslt := phs.results
	n, e, ns := rslt.summaryStats()

	sum := &statmodel.SummaryTable{
		Msg: phs.messages,
	}

	sum.Title = "Proportional hazards regression analysis"

	sum.Top = append(sum.Top, fmt.Sprintf("  Sample size: %10d", n))
	sum.Top = append(sum.Top, fmt.Sprintf("  Strata:      %10d", ns))
	sum.Top = append(sum.Top, fmt.Sprintf("  Events:      %10d", e))
	sum.Top = append(sum.Top, fmt.Sprintf("  Ties:        %10s", rslt.Ties()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Iterations:  %10d", rslt.Iterations()))
	sum.Top = append(sum.Top, fmt.Sprintf("  Log like:    %10.4f", rslt.LogLike()))

	hr := rslt.HazardRatios()

	if rslt.StdErr() != nil {
		sum.ColNames = []string{"Variable   ", "Coefficient", "SE", "HR", "LCB", "UCB", "Z-score", "P-value"}
		fs, fn := statmodel.FmtStrings, statmodel.FmtFloats
		sum.ColFmt = []statmodel.Fmter{fs, fn, fn, fn, fn, fn, fn, fn}
		lcb, ucb := rslt.ConfInt()
		sum.Cols = []interface{}{rslt.Names(), rslt.Params(), rslt.StdErr(), hr, lcb, ucb,
			rslt.ZScores(), rslt.PValues()}

		lr := rslt.LikelihoodRatioTest()
		sum.Msg = append(sum.Msg, fmt.Sprintf("Likelihood ratio test: %.4f on %d df, p=%.4g", lr.Stat, lr.DF, lr.PValue))
		w := rslt.WaldTest()
		sum.Msg = append(sum.Msg, fmt.Sprintf("Wald test:             %.4f on %d df, p=%.4g", w.Stat, w.DF, w.PValue))
		sc := rslt.ScoreTest()
		sum.Msg = append(sum.Msg, fmt.Sprintf("Score test:            %.4f on %d df, p=%.4g", sc.Stat, sc.DF, sc.PValue))
	} else {
		sum.ColNames = []string{"Variable   ", "Coefficient", "HR"}
		sum.ColFmt = []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtFloats, statmodel.FmtFloats}
		sum.Cols = []interface{}{rslt.Names(), rslt.Params(), hr}
	}

	return sum.String()
}
