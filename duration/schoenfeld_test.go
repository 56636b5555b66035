package duration

import (
	"errors"
	"math"
	"sync"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

func fitOrFail(t testing.TB, table *EventTable, config *PHRegConfig) *PHResults {
	t.Helper()
	ph, err := NewPHReg(table, config)
	if err != nil {
		t.Fatal(err)
	}
	rslt, err := ph.Fit()
	if err != nil {
		t.Fatal(err)
	}
	return rslt
}

func TestSchoenfeldResiduals(t *testing.T) {

	for _, ties := range []TieMethod{Efron, Breslow} {

		config := DefaultPHRegConfig()
		config.Ties = ties
		rslt := fitOrFail(t, data3(t), config)

		pt, err := NewPHTest(rslt, TransformKM)
		if err != nil {
			t.Fatal(err)
		}

		// One residual per event
		if len(pt.Residuals()) != 6 || len(pt.Times()) != 6 {
			t.Fatalf("got %d residuals, expected 6", len(pt.Residuals()))
		}

		// At the maximum the residuals sum to the score, which is zero,
		// so the scaled residuals average to the coefficients.
		p := len(rslt.Params())
		rsum := make([]float64, p)
		ssum := make([]float64, p)
		for i := range pt.Residuals() {
			floats.Add(rsum, pt.Residuals()[i])
			floats.Add(ssum, pt.ScaledResiduals()[i])
		}
		floats.Scale(1/float64(len(pt.Residuals())), ssum)
		if !floats.EqualApprox(rsum, make([]float64, p), 1e-8) {
			t.Errorf("%v: residuals sum to %v", ties, rsum)
		}
		if !floats.EqualApprox(ssum, rslt.Params(), 1e-8) {
			t.Errorf("%v: scaled residuals average to %v, expected %v", ties, ssum, rslt.Params())
		}

		for _, r := range append(pt.Covariates(), pt.Global()) {
			if !(r.Chi2 >= 0) || !(r.PValue >= 0 && r.PValue <= 1) {
				t.Errorf("%v: bad test result %+v", ties, r)
			}
		}
		if pt.Global().DF != p {
			t.Fail()
		}
		_ = pt.Summary()
	}
}

func TestPHTestTransforms(t *testing.T) {

	rslt := fitOrFail(t, data3(t), nil)

	// Several tests can share one fitted model.
	trs := []Transform{TransformKM, TransformIdentity, TransformLog, TransformRank}
	pts := make([]*PHTest, len(trs))
	errs := make([]error, len(trs))
	var wg sync.WaitGroup
	for k, tr := range trs {
		wg.Add(1)
		go func(k int, tr Transform) {
			defer wg.Done()
			pts[k], errs[k] = NewPHTest(rslt, tr)
		}(k, tr)
	}
	wg.Wait()

	for k, err := range errs {
		if err != nil {
			t.Fatalf("%v: %v", trs[k], err)
		}
	}

	// Event times 1, 1, 3, 5, 6, 7
	if !floats.Equal(pts[1].TransformedTimes(), []float64{1, 1, 3, 5, 6, 7}) {
		t.Errorf("identity %v", pts[1].TransformedTimes())
	}
	if !floats.EqualApprox(pts[2].TransformedTimes(), []float64{0, 0, math.Log(3), math.Log(5), math.Log(6), math.Log(7)}, 1e-12) {
		t.Errorf("log %v", pts[2].TransformedTimes())
	}
	if !floats.Equal(pts[3].TransformedTimes(), []float64{1.5, 1.5, 3, 4, 5, 6}) {
		t.Errorf("rank %v", pts[3].TransformedTimes())
	}

	// 1 - KM(t-): 0 at the first time, then increasing.
	g := pts[0].TransformedTimes()
	if g[0] != 0 || g[1] != 0 {
		t.Errorf("km %v", g)
	}
	for i := 2; i < len(g); i++ {
		if g[i] <= g[i-1] || g[i] >= 1 {
			t.Errorf("km %v", g)
		}
	}

	if _, err := ParseTransform("sqrt"); !errors.Is(err, ErrInvalidInput) {
		t.Fail()
	}
}

// Under proportional hazards the test rejects at about its nominal level.
func TestPHTestCalibration(t *testing.T) {

	if testing.Short() {
		t.Skip("skipping simulation")
	}

	rng := rand.New(rand.NewSource(7713))
	nrep := 200
	var reject int
	for r := 0; r < nrep; r++ {
		table := simData(t, rng, 150, []float64{0.7})
		pt, err := NewPHTest(fitOrFail(t, table, nil), TransformKM)
		if err != nil {
			t.Fatal(err)
		}
		if pt.Covariates()[0].PValue < 0.05 {
			reject++
		}
	}

	rate := float64(reject) / float64(nrep)
	if rate < 0.01 || rate > 0.1 {
		t.Errorf("rejection rate %v under the null", rate)
	}
}

// Crossing hazards are detected.
func TestPHTestViolation(t *testing.T) {

	rng := rand.New(rand.NewSource(3390))
	n := 600
	time := make([]float64, n)
	status := make([]float64, n)
	x := make([]float64, n)
	for i := range time {
		x[i] = float64(i % 2)
		e := rng.ExpFloat64()
		if x[i] == 1 {
			// Weibull with shape 3: low early hazard, high late hazard
			time[i] = math.Pow(e, 1.0/3)
		} else {
			time[i] = e
		}
		status[i] = 1
		if c := 3 * rng.Float64(); c < time[i] {
			time[i], status[i] = c, 0
		}
	}

	rslt := fitOrFail(t, covTable(t, time, status, nil, []string{"x"}, x), nil)
	for _, tr := range []Transform{TransformKM, TransformIdentity, TransformRank} {
		pt, err := NewPHTest(rslt, tr)
		if err != nil {
			t.Fatal(err)
		}
		r := pt.Covariates()[0]
		if r.PValue > 1e-4 || r.Rho <= 0 {
			t.Errorf("%v: violation not detected, %+v", tr, r)
		}
		if math.Abs(pt.Global().Chi2-r.Chi2) > 1e-8*r.Chi2 {
			t.Errorf("%v: one covariate global test %v differs from %v", tr, pt.Global().Chi2, r.Chi2)
		}
	}
}
