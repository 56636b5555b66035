package duration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/schwarzpat/survival-analysis/statmodel"
)

// Transform is a function of time against which the scaled Schoenfeld
// residuals are correlated in a proportional hazards test.
type Transform int

// TransformKM, the default, uses one minus the pooled Kaplan-Meier
// estimate just before each event time.
const (
	TransformKM Transform = iota
	TransformIdentity
	TransformLog
	TransformRank
)

func (tr Transform) String() string {
	switch tr {
	case TransformKM:
		return "km"
	case TransformIdentity:
		return "identity"
	case TransformLog:
		return "log"
	case TransformRank:
		return "rank"
	}
	return fmt.Sprintf("Transform(%d)", int(tr))
}

// ParseTransform converts a transform name to a Transform.  The empty
// string gives TransformKM.
func ParseTransform(s string) (Transform, error) {
	switch s {
	case "", "km":
		return TransformKM, nil
	case "identity":
		return TransformIdentity, nil
	case "log":
		return TransformLog, nil
	case "rank":
		return TransformRank, nil
	}
	return TransformKM, fmt.Errorf("%w: unknown transform %q", ErrInvalidInput, s)
}

// PHTestResult is the test of proportional hazards for one covariate, or
// for all covariates jointly.
type PHTestResult struct {
	Name   string
	Rho    float64
	Chi2   float64
	DF     int
	PValue float64
}

// PHTest tests the proportional hazards assumption of a fitted model,
// using the correlation between the scaled Schoenfeld residuals and a
// function of time.  Large statistics indicate a coefficient that
// changes over time.
type PHTest struct {
	results   *PHResults
	transform Transform

	// Event times, one per event, ordered by stratum then time
	times []float64

	// The transformed event times
	g []float64

	// resid[i] and scaled[i] are the residuals of the i'th event
	resid, scaled [][]float64

	covariates []PHTestResult
	global     PHTestResult
}

// NewPHTest computes the test for the given fitted model.  The results
// must carry a covariance matrix.  PHResults is not modified, so several
// tests may be run concurrently on the same results.
func NewPHTest(results *PHResults, transform Transform) (*PHTest, error) {

	vcov := results.VCov()
	if vcov == nil {
		return nil, fmt.Errorf("%w: fitted model has no covariance matrix", ErrInvalidInput)
	}

	ph := results.Model().(*PHReg)
	p := ph.NumParams()

	pt := &PHTest{
		results:   results,
		transform: transform,
	}
	pt.residuals(ph, results.Params())

	d := len(pt.times)
	if d < 2 {
		return nil, fmt.Errorf("%w: at least two events are needed", ErrNoEvents)
	}

	pt.g = pt.transformTimes(ph)

	gbar := stat.Mean(pt.g, nil)
	var gss float64
	for _, v := range pt.g {
		gss += (v - gbar) * (v - gbar)
	}
	if gss == 0 {
		return nil, fmt.Errorf("%w: all events occur at the same transformed time", ErrInvalidInput)
	}

	vm := mat.NewDense(p, p, vcov)
	beta := results.Params()
	fd := float64(d)

	// Scaled residuals
	pt.scaled = make([][]float64, d)
	var sv mat.VecDense
	for i, r := range pt.resid {
		sv.MulVec(vm, mat.NewVecDense(p, r))
		s := make([]float64, p)
		for j := range s {
			s[j] = beta[j] + fd*sv.AtVec(j)
		}
		pt.scaled[i] = s
	}

	u := mat.NewVecDense(p, nil)
	for i, r := range pt.resid {
		u.AddScaledVec(u, pt.g[i]-gbar, mat.NewVecDense(p, r))
	}
	var vu mat.VecDense
	vu.MulVec(vm, u)

	col := make([]float64, d)
	for j := 0; j < p; j++ {
		for i := range col {
			col[i] = pt.scaled[i][j]
		}
		num := fd * vu.AtVec(j)
		chi2 := num * num / (fd * vm.At(j, j) * gss)
		pt.covariates = append(pt.covariates, PHTestResult{
			Name:   results.Names()[j],
			Rho:    stat.Correlation(pt.g, col, nil),
			Chi2:   chi2,
			DF:     1,
			PValue: distuv.ChiSquared{K: 1}.Survival(chi2),
		})
	}

	chi2 := fd * mat.Dot(u, &vu) / gss
	pt.global = PHTestResult{
		Name:   "GLOBAL",
		Rho:    math.NaN(),
		Chi2:   chi2,
		DF:     p,
		PValue: distuv.ChiSquared{K: float64(p)}.Survival(chi2),
	}

	return pt, nil
}

// residuals computes the Schoenfeld residuals of every event.  The
// covariate mean at a time with tied events is the average over the
// partial risk sets used by the tie method of the model.
func (pt *PHTest) residuals(ph *PHReg, coeff []float64) {

	p := ph.NumParams()
	time := ph.data[ph.timepos]
	xbar := make([]float64, p)

	ph.walk(coeff, false, func(s, k int, rs *riskSums) {

		events := ph.event[s][k]
		d := len(events)
		zero(xbar)

		if ph.ties == Breslow {
			for j := range xbar {
				xbar[j] = rs.s1[j] / rs.s0
			}
		} else {
			for l := 0; l < d; l++ {
				f := float64(l) / float64(d)
				den := rs.s0 - f*rs.d0
				for j := range xbar {
					xbar[j] += (rs.s1[j] - f*rs.d1[j]) / den / float64(d)
				}
			}
		}

		for _, i := range events {
			r := make([]float64, p)
			for j, kx := range ph.xpos {
				r[j] = float64(ph.data[kx][i]) - xbar[j]
			}
			pt.resid = append(pt.resid, r)
			pt.times = append(pt.times, float64(time[i]))
		}
	})
}

func (pt *PHTest) transformTimes(ph *PHReg) []float64 {

	g := make([]float64, len(pt.times))

	switch pt.transform {
	case TransformIdentity:
		copy(g, pt.times)
	case TransformLog:
		for i, t := range pt.times {
			g[i] = math.Log(t)
		}
	case TransformRank:
		// Average ranks of the event times
		ii := make([]int, len(pt.times))
		for i := range ii {
			ii[i] = i
		}
		sort.SliceStable(ii, func(a, b int) bool { return pt.times[ii[a]] < pt.times[ii[b]] })
		for i := 0; i < len(ii); {
			j := i
			for j < len(ii) && pt.times[ii[j]] == pt.times[ii[i]] {
				j++
			}
			r := float64(i+j+1) / 2
			for k := i; k < j; k++ {
				g[ii[k]] = r
			}
			i = j
		}
	default:
		dur := append([]float64(nil), ph.data[ph.timepos]...)
		st := ph.data[ph.statuspos]
		ii := make([]int, len(dur))
		for i := range ii {
			ii[i] = i
		}
		sort.SliceStable(ii, func(a, b int) bool { return dur[ii[a]] < dur[ii[b]] })
		sdur := make([]float64, len(dur))
		ev := make([]bool, len(dur))
		for i, j := range ii {
			sdur[i] = dur[j]
			ev[i] = st[j] == 1
		}
		km := fitCurve("", sdur, ev, 0, ConfLog)
		for i, t := range pt.times {
			g[i] = 1 - km.evalLeft(t)
		}
	}

	return g
}

// Transform returns the time transform used by the test.
func (pt *PHTest) Transform() Transform {
	return pt.transform
}

// Times returns the event times, one per event.
func (pt *PHTest) Times() []float64 {
	return pt.times
}

// TransformedTimes returns the transformed event times.
func (pt *PHTest) TransformedTimes() []float64 {
	return pt.g
}

// Residuals returns the Schoenfeld residuals, one row per event.
func (pt *PHTest) Residuals() [][]float64 {
	return pt.resid
}

// ScaledResiduals returns the scaled Schoenfeld residuals, one row per
// event.  Plotted against time, each column estimates the time course
// of the corresponding coefficient.
func (pt *PHTest) ScaledResiduals() [][]float64 {
	return pt.scaled
}

// Covariates returns the test for each covariate.
func (pt *PHTest) Covariates() []PHTestResult {
	return pt.covariates
}

// Global returns the joint test for all covariates.
func (pt *PHTest) Global() PHTestResult {
	return pt.global
}

// Summary returns a text table of the test results.
func (pt *PHTest) Summary() string {

	var names []string
	var rho, chi2, pv []float64
	var df []int
	rows := append(append([]PHTestResult(nil), pt.covariates...), pt.global)
	for _, r := range rows {
		names = append(names, r.Name)
		rho = append(rho, r.Rho)
		chi2 = append(chi2, r.Chi2)
		df = append(df, r.DF)
		pv = append(pv, r.PValue)
	}

	sum := &statmodel.SummaryTable{
		Title:    "Test of proportional hazards",
		Top:      []string{fmt.Sprintf("  Transform:   %10s", pt.transform), fmt.Sprintf("  Events:      %10d", len(pt.times))},
		ColNames: []string{"Variable   ", "Rho", "Chi2", "DF", "P-value"},
		ColFmt: []statmodel.Fmter{statmodel.FmtStrings, statmodel.FmtFloats, statmodel.FmtFloats,
			statmodel.FmtInts, statmodel.FmtFloats},
		Cols: []interface{}{names, rho, chi2, df, pv},
	}

	return sum.String()
}
