// Package duration supports various methods for statistical analysis
// of duration data (survival analysis).
package duration

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/schwarzpat/survival-analysis/statmodel"
)

// PHParameter contains a parameter value for a proportional hazards
// regression model.
type PHParameter struct {
	coeff []float64
}

// GetCoeff returns the array of model coefficients from a parameter value.
func (p *PHParameter) GetCoeff() []float64 {
	return p.coeff
}

// SetCoeff sets the array of model coefficients for a parameter value.
func (p *PHParameter) SetCoeff(x []float64) {
	p.coeff = x
}

// Clone returns a deep copy of the parameter value.
func (p *PHParameter) Clone() statmodel.Parameter {
	q := make([]float64, len(p.coeff))
	copy(q, p.coeff)
	return &PHParameter{q}
}

// FitReport summarizes one call to Fit for a FitObserver.
type FitReport struct {
	Ties       TieMethod
	Iterations int
	Elapsed    time.Duration
	Err        error
}

// FitObserver is notified once at the end of every fit.
type FitObserver interface {
	ObserveFit(FitReport)
}

// PHReg describes a proportional hazards regression model for right
// censored data.
type PHReg struct {

	// The names of the variables.  The order agrees with the order of 'data'.
	varnames []string

	// The data to which the model is fit
	data [][]statmodel.Dtype

	// Starting values, optional
	start []float64

	// Position of the event variable
	statuspos int

	// Position of the time variable
	timepos int

	// Position of the stratum variable, -1 if not stratified
	stratapos int

	// Stratum keys, indexed by the values in the stratum column
	strataKeys []string

	// Start and end position of the strata
	stratumix [][2]int

	// The sorted times at which events occur in each stratum
	etimes [][]float64

	// enter[i][j] are the row indices that enter the risk set at
	// the jth distinct time in stratum i
	enter [][][]int

	// event[i][j] are the row indices that have an event at
	// the jth distinct time in stratum i
	event [][][]int

	// exit[i][j] are the row indices that exit the risk set at
	// the jth distinct time in stratum i
	exit [][][]int

	// L2 (ridge) weights for each variable
	l2wgt []float64

	// The positions of the covariates in data
	xpos []int

	// If skip[i] is true, case i is skipped since it is censored before the first event.
	skip []bool

	// The number of cases that are skipped because they are censored before the first event
	skipEarlyCensor int

	ties      TieMethod
	confLevel float64
	timeout   time.Duration
	settings  *statmodel.NewtonSettings
	observer  FitObserver

	log *log.Logger
}

// NumObs returns the number of observations in the data set.
func (ph *PHReg) NumObs() int {
	return len(ph.data[0])
}

// NumParams returns the number of model parameters (regression coefficients).
func (ph *PHReg) NumParams() int {
	return len(ph.xpos)
}

// Dataset returns the data columns that are used to fit the model.
func (ph *PHReg) Dataset() [][]statmodel.Dtype {
	return ph.data
}

// Xpos return the positions of the covariates in the model's data.
func (ph *PHReg) Xpos() []int {
	return ph.xpos
}

// Ties returns the method used to handle tied event times.
func (ph *PHReg) Ties() TieMethod {
	return ph.ties
}

// PHRegConfig defines configuration parameters for a proportional hazards regression.
type PHRegConfig struct {

	// A logger to which logging information is written
	Log *log.Logger

	// Start contains starting values for the regression parameter estimates
	Start []float64

	// Ties selects the treatment of tied event times, Efron by default.
	Ties TieMethod

	// Stratified fits a separate baseline hazard for each stratum of
	// the event table.
	Stratified bool

	// L2Penalty maps covariate names to ridge penalty weights.
	L2Penalty map[string]float64

	// MaxIter bounds the number of Newton-Raphson iterations.
	MaxIter int

	// ScoreTol is the score vector norm at which the fit has converged.
	ScoreTol float64

	// DecrementTol is the Newton decrement, relative to 1 + |loglike|,
	// at which the fit has converged.
	DecrementTol float64

	// SingularTol is the smallest eigenvalue of the scaled information
	// matrix that is not considered singular.
	SingularTol float64

	// Timeout, if positive, bounds the wall-clock time of a fit.
	Timeout time.Duration

	// ConfLevel is the coverage probability of confidence intervals.
	ConfLevel float64

	// Observer, if not nil, is notified at the end of each fit.
	Observer FitObserver
}

// DefaultPHRegConfig returns a default configuration struct for a proportional hazards regression.
func DefaultPHRegConfig() *PHRegConfig {

	ns := statmodel.DefaultNewtonSettings()

	return &PHRegConfig{
		Ties:         Efron,
		MaxIter:      ns.MaxIter,
		ScoreTol:     ns.ScoreTol,
		DecrementTol: ns.DecrementTol,
		SingularTol:  ns.SingularTol,
		ConfLevel:    0.95,
	}
}

// NewPHReg returns a PHReg value that can be used to fit a
// proportional hazards regression model to the event table.
func NewPHReg(table *EventTable, config *PHRegConfig) (*PHReg, error) {

	if config == nil {
		config = DefaultPHRegConfig()
	}

	if table == nil || table.NumRows() == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidInput)
	}
	if table.NumCovariates() == 0 {
		return nil, fmt.Errorf("%w: no covariates", ErrInvalidInput)
	}
	if table.NumEvents() == 0 {
		return nil, ErrNoEvents
	}
	if config.Start != nil && len(config.Start) != table.NumCovariates() {
		return nil, fmt.Errorf("%w: %d starting values for %d covariates",
			ErrInvalidInput, len(config.Start), table.NumCovariates())
	}
	if !(config.ConfLevel > 0 && config.ConfLevel < 1) {
		return nil, fmt.Errorf("%w: confidence level %v is not in (0, 1)", ErrInvalidInput, config.ConfLevel)
	}

	ds := table.Dataset()
	data := ds.Data()
	varnames := ds.Names()

	xpos := make([]int, table.NumCovariates())
	for j := range xpos {
		xpos[j] = 2 + j
	}

	for vn := range config.L2Penalty {
		found := false
		for _, k := range xpos {
			found = found || varnames[k] == vn
		}
		if !found {
			return nil, fmt.Errorf("%w: penalized covariate '%s' not found", ErrInvalidInput, vn)
		}
	}

	var l2wgt []float64
	if len(config.L2Penalty) > 0 {
		l2wgt = make([]float64, len(xpos))
		for j, k := range xpos {
			l2wgt[j] = config.L2Penalty[varnames[k]]
		}
	}

	stratapos := -1
	var keys []string
	if config.Stratified {
		var six []int
		keys, six = table.strataIndex()
		col := make([]statmodel.Dtype, len(six))
		for i, s := range six {
			col[i] = statmodel.Dtype(s)
		}
		data = append(data, col)
		varnames = append(varnames, "__stratum")
		stratapos = len(data) - 1
	} else {
		keys = []string{""}
	}

	settings := statmodel.DefaultNewtonSettings()
	if config.MaxIter > 0 {
		settings.MaxIter = config.MaxIter
	}
	if config.ScoreTol > 0 {
		settings.ScoreTol = config.ScoreTol
	}
	if config.DecrementTol > 0 {
		settings.DecrementTol = config.DecrementTol
	}
	if config.SingularTol > 0 {
		settings.SingularTol = config.SingularTol
	}
	settings.Log = config.Log
	for _, k := range xpos {
		settings.Names = append(settings.Names, varnames[k])
	}

	ph := &PHReg{
		data:       data,
		varnames:   varnames,
		timepos:    0,
		statuspos:  1,
		xpos:       xpos,
		stratapos:  stratapos,
		strataKeys: keys,
		start:      config.Start,
		l2wgt:      l2wgt,
		ties:       config.Ties,
		confLevel:  config.ConfLevel,
		timeout:    config.Timeout,
		settings:   settings,
		observer:   config.Observer,
		log:        config.Log,
	}

	ph.init()

	return ph, nil
}

func (ph *PHReg) init() {
	ph.sortByStratum()
	ph.setupTimes()
}

func (a argsort) Len() int {
	return len(a.s)
}

func (a argsort) Swap(i, j int) {
	a.s[i], a.s[j] = a.s[j], a.s[i]
	a.inds[i], a.inds[j] = a.inds[j], a.inds[i]
}

func (a argsort) Less(i, j int) bool {
	return a.s[i] < a.s[j]
}

type argsort struct {
	s    []statmodel.Dtype
	inds []int
}

func (ph *PHReg) sortByStratum() {

	time := ph.data[ph.timepos]
	nobs := len(time)

	if ph.stratapos == -1 {
		ph.stratumix = [][2]int{{0, nobs}}
		return
	}

	strata := ph.data[ph.stratapos]

	inds := make([]int, nobs)
	for i := range inds {
		inds[i] = i
	}
	a := argsort{s: strata, inds: inds}
	sort.Stable(a)

	tmp := make([]statmodel.Dtype, nobs)

	re := func(pos int) {
		x := ph.data[pos]
		for i, j := range inds {
			tmp[i] = x[j]
		}
		x, tmp = tmp, x
		ph.data[pos] = x
	}

	// The stratum column was sorted in place.
	re(ph.timepos)
	re(ph.statuspos)
	for _, k := range ph.xpos {
		re(k)
	}

	var i0 int
	for i := 0; i <= len(strata); i++ {
		if i == len(strata) || (i > 0 && strata[i-1] != strata[i]) {
			ph.stratumix = append(ph.stratumix, [2]int{i0, i})
			i0 = i
		}
	}
}

func (ph *PHReg) setupTimes() {

	ph.skipEarlyCensor = 0

	time := ph.data[ph.timepos]
	status := ph.data[ph.statuspos]
	nobs := len(time)

	// Track cases that are omitted since they are
	// censored before the first event in their stratum.
	ph.skip = make([]bool, nobs)

	// Get the sorted distinct times where events occur
	for _, ix := range ph.stratumix {

		var et []float64

		for i := ix[0]; i < ix[1]; i++ {
			if status[i] == 1 {
				et = append(et, float64(time[i]))
			}
		}

		if len(et) > 0 {
			sort.Float64s(et)

			// Deduplicate
			j := 0
			for i := 1; i < len(et); i++ {
				if et[i] != et[j] {
					j++
					et[j] = et[i]
				}
			}
			et = et[0 : j+1]
		}
		ph.etimes = append(ph.etimes, et)

		// Indices of cases that enter or exit the risk set,
		// or have an event at each time point.
		enter := make([][]int, len(et))
		exit := make([][]int, len(et))
		event := make([][]int, len(et))
		ph.enter = append(ph.enter, enter)
		ph.exit = append(ph.exit, exit)
		ph.event = append(ph.event, event)

		// No events in this stratum
		if len(et) == 0 {
			for i := ix[0]; i < ix[1]; i++ {
				ph.skip[i] = true
				ph.skipEarlyCensor++
			}
			continue
		}

		// Risk set exit times
		for i := ix[0]; i < ix[1]; i++ {
			ii := sort.SearchFloat64s(et, float64(time[i]))
			if ii == len(et) {
				// Censored after last event, exits with the last event
				exit[ii-1] = append(exit[ii-1], i)
			} else if et[ii] == float64(time[i]) {
				// Event or censored at an event time
				exit[ii] = append(exit[ii], i)
			} else if ii == 0 {
				// Censored before first event, never enters
				ph.skip[i] = true
				ph.skipEarlyCensor++
			} else {
				// Censored between event times
				exit[ii-1] = append(exit[ii-1], i)
			}
		}

		// Event times
		for i := ix[0]; i < ix[1]; i++ {
			if status[i] == 0 || ph.skip[i] {
				continue
			}
			ii := sort.SearchFloat64s(et, float64(time[i]))
			event[ii] = append(event[ii], i)
		}

		// Everyone enters at time 0
		for i := ix[0]; i < ix[1]; i++ {
			if !ph.skip[i] {
				enter[0] = append(enter[0], i)
			}
		}
	}
}

func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

// riskSums holds the sums over the current risk set and over the tied
// events at one event time.  The weights are exp(lp - max(lp)) within
// the stratum.
type riskSums struct {
	s0, d0 float64
	s1, d1 []float64
	s2, d2 []float64

	// The linear predictor, shifted by its stratum maximum, and its
	// exponential.
	lp, elp []float64

	// The shift applied to lp in the current stratum
	shift float64
}

// walk visits each event time of each stratum in time order, calling fn
// with the risk set sums at that time.  Second moments are only
// accumulated if second is true.  walk does not modify ph, so it may be
// called concurrently.
func (ph *PHReg) walk(params []float64, second bool, fn func(s, k int, rs *riskSums)) {

	p := len(ph.xpos)
	rs := &riskSums{
		s1:  make([]float64, p),
		d1:  make([]float64, p),
		lp:  make([]float64, ph.NumObs()),
		elp: make([]float64, ph.NumObs()),
	}
	if second {
		rs.s2 = make([]float64, p*p)
		rs.d2 = make([]float64, p*p)
	}

	// Get the linear predictors
	for j, k := range ph.xpos {
		x := ph.data[k]
		for i := range x {
			rs.lp[i] += float64(x[i]) * params[j]
		}
	}

	// add accumulates case i into the sums s0, s1, s2 with sign sgn.
	add := func(i int, sgn float64, s0 *float64, s1, s2 []float64) {
		e := sgn * rs.elp[i]
		*s0 += e
		for j1, k1 := range ph.xpos {
			x1 := float64(ph.data[k1][i])
			s1[j1] += e * x1
			if !second {
				continue
			}
			for j2 := 0; j2 <= j1; j2++ {
				u := e * x1 * float64(ph.data[ph.xpos[j2]][i])
				s2[j1*p+j2] += u
				if j2 != j1 {
					s2[j2*p+j1] += u
				}
			}
		}
	}

	for s, ix := range ph.stratumix {

		if len(ph.etimes[s]) == 0 {
			continue
		}

		// We can add any constant here due to invariance in
		// the partial likelihood.
		rs.shift = floats.Max(rs.lp[ix[0]:ix[1]])
		for i := ix[0]; i < ix[1]; i++ {
			rs.lp[i] -= rs.shift
			rs.elp[i] = math.Exp(rs.lp[i])
		}

		rs.s0 = 0
		zero(rs.s1)
		zero(rs.s2)

		for k := range ph.etimes[s] {

			// Update for new entries
			for _, i := range ph.enter[s][k] {
				add(i, 1, &rs.s0, rs.s1, rs.s2)
			}

			// Sums over the tied events
			rs.d0 = 0
			zero(rs.d1)
			zero(rs.d2)
			for _, i := range ph.event[s][k] {
				add(i, 1, &rs.d0, rs.d1, rs.d2)
			}

			fn(s, k, rs)

			// Update for new exits
			for _, i := range ph.exit[s][k] {
				add(i, -1, &rs.s0, rs.s1, rs.s2)
			}
		}
	}
}

// accumulate returns the log partial likelihood at params.  If score
// and hess are not nil, the score vector and Hessian matrix are written
// into them.
func (ph *PHReg) accumulate(params, score, hess []float64) float64 {

	p := len(ph.xpos)
	if score != nil {
		zero(score)
	}
	if hess != nil {
		zero(hess)
	}

	a := make([]float64, p)
	var ll float64

	ph.walk(params, hess != nil, func(s, k int, rs *riskSums) {

		events := ph.event[s][k]
		d := len(events)

		for _, i := range events {
			ll += rs.lp[i]
			if score != nil {
				for j, kx := range ph.xpos {
					score[j] += float64(ph.data[kx][i])
				}
			}
		}

		// With Breslow ties every tied failure sees the full risk set,
		// so a single term is weighted by d.
		nterm, mult := d, 1.0
		if ph.ties == Breslow {
			nterm, mult = 1, float64(d)
		}

		for l := 0; l < nterm; l++ {
			f := float64(l) / float64(d)
			den := rs.s0 - f*rs.d0
			ll -= mult * math.Log(den)

			if score == nil {
				continue
			}
			for j := range a {
				a[j] = (rs.s1[j] - f*rs.d1[j]) / den
			}
			floats.AddScaled(score, -mult, a)

			if hess == nil {
				continue
			}
			for j1 := 0; j1 < p; j1++ {
				for j2 := 0; j2 < p; j2++ {
					q := j1*p + j2
					hess[q] -= mult * ((rs.s2[q]-f*rs.d2[q])/den - a[j1]*a[j2])
				}
			}
		}
	})

	// Account for L2 weights if present.
	if len(ph.l2wgt) > 0 {
		for j, x := range params {
			ll -= ph.l2wgt[j] * x * x
			if score != nil {
				score[j] -= 2 * ph.l2wgt[j] * x
			}
			if hess != nil {
				hess[j*p+j] -= 2 * ph.l2wgt[j]
			}
		}
	}

	return ll
}

// LogLike returns the log partial likelihood at the given parameter value.
// The 'exact' parameter is ignored here.
func (ph *PHReg) LogLike(param statmodel.Parameter, exact bool) float64 {
	return ph.accumulate(param.GetCoeff(), nil, nil)
}

// Score computes the score vector for the proportional hazards
// regression model at the given parameter setting.
func (ph *PHReg) Score(param statmodel.Parameter, score []float64) {
	ph.accumulate(param.GetCoeff(), score, nil)
}

// Hessian computes the Hessian matrix for the model evaluated at the
// given parameter setting.  The Hessian type parameter is not used
// here, the observed Hessian is always returned.
func (ph *PHReg) Hessian(param statmodel.Parameter, ht statmodel.HessType, hess []float64) {
	p := len(ph.xpos)
	ph.accumulate(param.GetCoeff(), make([]float64, p), hess)
}

// BaselineCumHaz returns the Breslow estimator of the baseline cumulative
// hazard function for the given stratum, evaluated at the event times of
// the stratum.  The baseline corresponds to all covariates equal to zero.
func (ph *PHReg) BaselineCumHaz(stratum int, params []float64) ([]float64, []float64) {

	h0 := make([]float64, len(ph.etimes[stratum]))

	ph.walk(params, false, func(s, k int, rs *riskSums) {
		if s != stratum {
			return
		}
		h0[k] = float64(len(ph.event[s][k])) / rs.s0 * math.Exp(-rs.shift)
	})

	for k := 1; k < len(h0); k++ {
		h0[k] += h0[k-1]
	}

	return append([]float64(nil), ph.etimes[stratum]...), h0
}

// failMessage logs information that can help diagnose optimization failures.
func (ph *PHReg) failMessage(coeff []float64, err error) {

	if ph.log == nil {
		return
	}

	ph.log.Printf("proportional hazards fit failed: %v", err)

	var b strings.Builder
	b.WriteString("Current point:\n")
	for j, x := range coeff {
		na := ph.varnames[ph.xpos[j]]
		b.WriteString(fmt.Sprintf("%16.8f %s\n", x, na))
	}

	time := ph.data[ph.timepos]
	status := ph.data[ph.statuspos]

	b.WriteString("\nCovariate means and standard deviations:\n")
	nobs := float64(ph.NumObs())
	for _, k := range ph.xpos {
		x := ph.data[k]
		mn := floats.Sum(x) / nobs
		var sd float64
		for i := range x {
			u := float64(x[i]) - mn
			sd += u * u
		}
		sd = math.Sqrt(sd / nobs)
		b.WriteString(fmt.Sprintf("%16.8f %16.8f %s\n", mn, sd, ph.varnames[k]))
	}

	b.WriteString("\nStratum    Size       Events   Event_rate    Mean_time\n")
	for s, ix := range ph.stratumix {
		var e, em float64
		for i := ix[0]; i < ix[1]; i++ {
			e += float64(status[i])
			em += float64(time[i])
		}
		n := float64(ix[1] - ix[0])
		b.WriteString(fmt.Sprintf("%4d      %4.0f   %10.0f %12.3f %12.3f\n", s+1, n, e, e/n, em/n))
	}

	ph.log.Print(b.String())
}

// Fit fits the model to the data.
func (ph *PHReg) Fit() (*PHResults, error) {
	return ph.FitContext(context.Background())
}

// FitContext fits the model to the data, giving up when ctx is done or the
// configured timeout elapses.  If the fit fails to converge, or the
// information matrix is singular, the returned results hold the last
// iterate (without standard errors) along with the error.
func (ph *PHReg) FitContext(ctx context.Context) (rslt *PHResults, err error) {

	t0 := time.Now()
	iter := 0
	if ph.observer != nil {
		defer func() {
			ph.observer.ObserveFit(FitReport{
				Ties:       ph.ties,
				Iterations: iter,
				Elapsed:    time.Since(t0),
				Err:        err,
			})
		}()
	}

	if ph.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ph.timeout)
		defer cancel()
	}

	start := ph.start
	if start == nil {
		start = make([]float64, len(ph.xpos))
	}

	nr, err := statmodel.NewtonRaphson(ctx, ph, start, ph.settings)
	iter = nr.Iter
	if err != nil {
		ph.failMessage(nr.Coeff, err)
		return newPHResults(ph, nr, nil), err
	}

	vcov, err := statmodel.GetVcov(ph, &PHParameter{nr.Coeff})
	if err != nil {
		if se, ok := err.(*statmodel.SingularError); ok {
			se.Iter = nr.Iter
		}
		ph.failMessage(nr.Coeff, err)
		return newPHResults(ph, nr, nil), err
	}

	return newPHResults(ph, nr, vcov), nil
}
