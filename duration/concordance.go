package duration

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Concordance calculates the survival concordance of Uno et al.
// (https://www.ncbi.nlm.nih.gov/pmc/articles/PMC3079915).  Every usable
// pair is visited, so the result is deterministic.
type Concordance struct {

	// The risk scores that are being assessed
	score []float64

	// Event or censoring time
	time []float64

	// Event status
	status []float64

	// The survival function for the censoring distribution
	sf *SurvCurve
}

// NewConcordance creates a new Concordance value with the given parameters.
// Higher scores are taken to indicate higher risk, i.e. shorter survival.
func NewConcordance(time, status, score []float64) *Concordance {

	c := &Concordance{
		time:   time,
		status: status,
		score:  score,
	}

	return c
}

// Done signals that the Concordance value has been built and now can be fit.
func (c *Concordance) Done() *Concordance {

	// Sort everything by time
	n := len(c.time)
	ii := make([]int, n)
	time1 := make([]float64, n)
	status1 := make([]float64, n)
	score1 := make([]float64, n)
	censored := make([]bool, n)
	copy(time1, c.time)
	floats.Argsort(time1, ii)
	for i, j := range ii {
		status1[i] = c.status[j]
		score1[i] = c.score[j]

		// We want the survival function for censoring
		censored[i] = c.status[j] == 0
	}

	c.sf = fitCurve("", time1, censored, 0, ConfLog)

	c.time = time1
	c.status = status1
	c.score = score1

	return c
}

// Concordance returns the concordance statistic, using the given truncation
// time.  Pairs are used when the shorter time is an event before trunc.
// Tied scores count one half.
func (c *Concordance) Concordance(trunc float64) (float64, error) {

	if c.sf == nil {
		c.Done()
	}

	time := c.time
	status := c.status
	score := c.score
	n := len(time)

	jt := sort.SearchFloat64s(time, trunc)
	if jt == 0 {
		return 0, fmt.Errorf("%w: no observations before time %v", ErrInvalidInput, trunc)
	}

	var numer, denom float64
	for j1 := 0; j1 < jt; j1++ {

		if status[j1] != 1 {
			continue
		}

		g := c.sf.evalLeft(time[j1])
		if g == 0 {
			continue
		}
		w := 1 / (g * g)

		for j2 := j1 + 1; j2 < n; j2++ {
			if time[j2] <= time[j1] {
				continue
			}
			denom += w
			switch {
			case score[j1] > score[j2]:
				numer += w
			case score[j1] == score[j2]:
				numer += w / 2
			}
		}
	}

	if denom == 0 {
		return 0, fmt.Errorf("%w: no comparable pairs", ErrInvalidInput)
	}

	return numer / denom, nil
}
