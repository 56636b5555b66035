package duration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/schwarzpat/survival-analysis/statmodel"
)

// LogRankResult holds the outcome of a comparison of survival between
// strata.
type LogRankResult struct {

	// Strata holds the sorted stratum keys.  The other slices are
	// indexed like Strata.
	Strata []string

	// Observed and Expected are the (weighted) observed and expected
	// numbers of events in each stratum under the null hypothesis of
	// equal survival.
	Observed []float64
	Expected []float64

	// Variance is the covariance matrix of Observed - Expected,
	// vectorized by rows.
	Variance []float64

	// Rho is the Fleming-Harrington exponent used to weight the event
	// times; 0 gives the log-rank test.
	Rho float64

	Chi2   float64
	DF     int
	PValue float64
}

// Diff returns Observed - Expected for each stratum.
func (lr *LogRankResult) Diff() []float64 {
	d := make([]float64, len(lr.Observed))
	for i := range d {
		d[i] = lr.Observed[i] - lr.Expected[i]
	}
	return d
}

// LogRank compares the survival distributions of the strata of the table.
// Each distinct event time is weighted by S(t-)^rho, where S is the
// Kaplan-Meier estimate for the pooled data, so rho = 0 gives the
// log-rank test and rho = 1 the Peto-Peto-Prentice variant.
func LogRank(table *EventTable, rho float64) (*LogRankResult, error) {

	keys, six := table.strataIndex()
	ng := len(keys)
	if ng < 2 {
		return nil, ErrTooFewStrata
	}

	// Rows sorted by time
	n := table.NumRows()
	ii := make([]int, n)
	for i := range ii {
		ii[i] = i
	}
	sort.SliceStable(ii, func(a, b int) bool {
		return table.rows[ii[a]].Duration < table.rows[ii[b]].Duration
	})

	var pooled *SurvCurve
	if rho != 0 {
		dur, ev := table.outcomes()
		pooled = fitCurve("", dur, ev, 0, ConfLog)
	}

	// Risk set sizes by stratum
	acc := make([]riskAccumulator, ng)
	for g := range acc {
		acc[g].reset(0)
	}
	for _, g := range six {
		acc[g].atRisk++
	}

	lr := &LogRankResult{
		Strata:   keys,
		Observed: make([]float64, ng),
		Expected: make([]float64, ng),
		Variance: make([]float64, ng*ng),
		Rho:      rho,
		DF:       ng - 1,
	}

	for i := 0; i < n; i++ {
		r := table.rows[ii[i]]
		acc[six[ii[i]]].add(r.Event)
		if i < n-1 && table.rows[ii[i+1]].Duration == r.Duration {
			continue
		}

		var nt, dt float64
		for g := range acc {
			nt += acc[g].atRisk
			dt += acc[g].events
		}

		if dt > 0 {
			w := 1.0
			if pooled != nil {
				w = math.Pow(pooled.evalLeft(r.Duration), rho)
			}
			for g := range acc {
				lr.Observed[g] += w * acc[g].events
				lr.Expected[g] += w * acc[g].atRisk * dt / nt
			}
			if nt > 1 {
				f := w * w * dt * (nt - dt) / (nt - 1)
				for g1 := range acc {
					p1 := acc[g1].atRisk / nt
					for g2 := range acc {
						p2 := acc[g2].atRisk / nt
						v := -p1 * p2
						if g1 == g2 {
							v += p1
						}
						lr.Variance[g1*ng+g2] += f * v
					}
				}
			}
		}

		for g := range acc {
			acc[g].advance()
		}
	}

	// The statistic uses all but the last stratum, since the differences
	// sum to zero.
	m := ng - 1
	u := mat.NewVecDense(m, nil)
	vr := mat.NewDense(m, m, nil)
	for g1 := 0; g1 < m; g1++ {
		u.SetVec(g1, lr.Observed[g1]-lr.Expected[g1])
		for g2 := 0; g2 < m; g2++ {
			vr.Set(g1, g2, lr.Variance[g1*ng+g2])
		}
	}

	var vi mat.Dense
	if err := vi.Inverse(vr); err != nil {
		return nil, fmt.Errorf("log-rank variance: %w", &statmodel.SingularError{Index: -1, Err: err})
	}

	var viu mat.VecDense
	viu.MulVec(&vi, u)
	lr.Chi2 = mat.Dot(u, &viu)
	lr.PValue = distuv.ChiSquared{K: float64(lr.DF)}.Survival(lr.Chi2)

	return lr, nil
}
