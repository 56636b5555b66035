package duration

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestSF1(t *testing.T) {

	var time []float64
	var status []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, float64(i+1))
		status = append(status, 1)
	}

	sf, err := NewSurvfuncRight(mustTable(t, time, status, nil)).Done()
	if err != nil {
		t.Fatal(err)
	}
	c := sf.Curve("")

	// Check times and risk set sizes
	times := c.Time()
	nrisk := c.NumRisk()
	for i := 0; i < n; i++ {
		if times[i] != float64(i+1) {
			t.Fail()
		}
		if nrisk[i] != float64(n-i) {
			t.Fail()
		}
	}

	// From Python Statsmodels
	se := []float64{0.04873397, 0.06708204, 0.0798436, 0.08944272,
		0.09682458, 0.10246951, 0.10665365, 0.10954451,
		0.11124298, 0.1118034, 0.11124298, 0.10954451,
		0.10665365, 0.10246951, 0.09682458, 0.08944272,
		0.0798436, 0.06708204, 0.04873397}

	// Check probabilities and standard errors
	sp := c.SurvProb()
	spse := c.SurvProbSE()
	for i := 0; i < n; i++ {
		p := 1 - float64(i+1)/float64(n)
		if math.Abs(sp[i]-p) > 1e-6 {
			t.Fail()
		}

		if i < n-1 && math.Abs(spse[i]-se[i]) > 1e-6 {
			t.Fail()
		}
	}

	// Everyone has failed at the end.
	if sp[n-1] != 0 || spse[n-1] != 0 {
		t.Fail()
	}

	if c.Median() != 10 {
		t.Errorf("median %v, expected 10", c.Median())
	}
}

// Every other subject is censored.
func TestSF2(t *testing.T) {

	var time []float64
	var status []float64
	n := 20

	for i := 0; i < n; i++ {
		time = append(time, 10+float64(i))
		status = append(status, float64(i%2))
	}

	sf, err := NewSurvfuncRight(mustTable(t, time, status, nil)).Done()
	if err != nil {
		t.Fatal(err)
	}
	c := sf.Curve("")

	// Check times and risk set sizes
	times := c.Time()
	if len(times) != 10 {
		t.Fatalf("got %d times, expected 10", len(times))
	}
	for i := 0; i < 10; i++ {
		if times[i] != float64(11+2*i) {
			t.Fail()
		}
	}

	nriskExp := []float64{19, 17, 15, 13, 11, 9, 7, 5, 3, 1}
	if !floats.EqualApprox(c.NumRisk(), nriskExp, 1e-6) {
		t.Fail()
	}

	pr := []float64{0.94736842, 0.89164087, 0.83219814, 0.76818290, 0.69834809,
		0.62075386, 0.53207474, 0.42565979, 0.28377319, 0}
	se := []float64{0.05122782, 0.07243970, 0.08870761, 0.10240949, 0.11445991,
		0.12531298, 0.13519508, 0.14407306, 0.15048774, 0}

	if !floats.EqualApprox(pr, c.SurvProb(), 1e-6) {
		t.Fail()
	}
	if !floats.EqualApprox(se, c.SurvProbSE(), 1e-6) {
		t.Fail()
	}

	// Log transformed band
	lcb, ucb := c.ConfBand()
	lcbExp := []float64{0.85210124, 0.76038875, 0.67529492, 0.59154474, 0.50647641}
	ucbExp := []float64{1, 1, 1, 0.99756608, 0.96290775}
	if !floats.EqualApprox(lcb[0:5], lcbExp, 1e-6) {
		t.Fail()
	}
	if !floats.EqualApprox(ucb[0:5], ucbExp, 1e-6) {
		t.Fail()
	}
}

func TestSFBands(t *testing.T) {

	time := []float64{2, 3, 3, 5, 6, 6, 6, 8, 9, 12, 12, 15}
	status := []float64{1, 1, 0, 1, 1, 1, 0, 0, 1, 1, 0, 0}

	for _, ct := range []ConfType{ConfLog, ConfLogLog, ConfPlain} {

		sf, err := NewSurvfuncRight(mustTable(t, time, status, nil)).ConfType(ct).ConfLevel(0.9).Done()
		if err != nil {
			t.Fatal(err)
		}

		last := 1.0
		for _, st := range sf.Curve("").Steps() {
			if st.SurvProb > last || st.SurvProb < 0 {
				t.Errorf("%v: survival is not monotone", ct)
			}
			last = st.SurvProb
			if st.Var < 0 {
				t.Errorf("%v: negative variance", ct)
			}
			if st.Lower < 0 || st.Upper > 1 || st.Lower > st.SurvProb || st.Upper < st.SurvProb {
				t.Errorf("%v: band [%v, %v] does not contain %v inside [0, 1]", ct, st.Lower, st.Upper, st.SurvProb)
			}
		}

		// The final time is censored, so the curve ends above zero.
		c := sf.Curve("")
		if c.Time()[len(c.Time())-1] != 15 || last == 0 {
			t.Errorf("%v: last step should be kept at time 15", ct)
		}
	}
}

func TestSFStrata(t *testing.T) {

	time := []float64{5, 10, 15, 3, 6, 9, 2, 4}
	status := []float64{1, 1, 1, 1, 1, 1, 0, 0}
	strata := []string{"a", "a", "a", "b", "b", "b", "c", "c"}

	sf, err := NewSurvfuncRight(mustTable(t, time, status, strata)).Done()
	if err != nil {
		t.Fatal(err)
	}

	if len(sf.Curves()) != 3 {
		t.Fatalf("got %d curves, expected 3", len(sf.Curves()))
	}

	a := sf.Curve("a")
	if a.Eval(1) != 1 || math.Abs(a.Eval(5)-2.0/3) > 1e-12 || math.Abs(a.Eval(12)-1.0/3) > 1e-12 {
		t.Errorf("unexpected step function values")
	}
	if a.Median() != 10 {
		t.Errorf("median %v, expected 10", a.Median())
	}

	// All censored: one flat step at the last time and a warning.
	c := sf.Curve("c")
	if len(c.Time()) != 1 || c.Time()[0] != 4 || c.SurvProb()[0] != 1 || c.SurvProbVar()[0] != 0 {
		t.Errorf("unexpected curve for censored stratum: %v", c.Steps())
	}
	if !math.IsNaN(c.Median()) {
		t.Fail()
	}
	w := sf.Warnings()
	if len(w) != 1 || w[0].Kind != WarnNoEvents || w[0].Stratum != "c" {
		t.Errorf("unexpected warnings %v", w)
	}

	if sf.Curve("d") != nil {
		t.Fail()
	}
}

func TestSFInvalid(t *testing.T) {

	table := mustTable(t, []float64{1, 2}, []float64{1, 0}, nil)
	_, err := NewSurvfuncRight(table).ConfLevel(1.5).Done()
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
