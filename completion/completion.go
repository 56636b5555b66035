// Package completion turns raw subject records with missing values into
// complete event tables.  Each strategy is a Completer; the survival
// estimators only ever see the completed table.
package completion

import (
	"fmt"
	"math"
	"sort"

	"github.com/schwarzpat/survival-analysis/duration"
)

// RawTable holds subject records in columns.  Missing numeric values are
// NaN and a missing stratum is the empty string.  Strata may be nil when
// the data are not stratified.
type RawTable struct {
	CovNames []string
	Time     []float64
	Status   []float64
	Strata   []string

	// Covs[j] holds the values of covariate CovNames[j].
	Covs [][]float64
}

// NumRows returns the number of records.
func (rt *RawTable) NumRows() int {
	return len(rt.Time)
}

func (rt *RawTable) check() error {
	n := len(rt.Time)
	if len(rt.Status) != n || (rt.Strata != nil && len(rt.Strata) != n) {
		return fmt.Errorf("%w: columns have different lengths", ErrMalformedTable)
	}
	if len(rt.Covs) != len(rt.CovNames) {
		return fmt.Errorf("%w: %d covariate columns for %d names", ErrMalformedTable, len(rt.Covs), len(rt.CovNames))
	}
	for j, c := range rt.Covs {
		if len(c) != n {
			return fmt.Errorf("%w: covariate %q has %d values, expected %d", ErrMalformedTable, rt.CovNames[j], len(c), n)
		}
	}
	return nil
}

// outcomeMissing reports whether the time or status of row i is missing.
// Outcomes are never imputed.
func (rt *RawTable) outcomeMissing(i int) bool {
	return math.IsNaN(rt.Time[i]) || math.IsNaN(rt.Status[i])
}

// missing returns the positions of the missing covariates of row i, with
// -1 standing for a missing stratum.
func (rt *RawTable) missing(i int) []int {
	var m []int
	if rt.Strata != nil && rt.Strata[i] == "" {
		m = append(m, -1)
	}
	for j, c := range rt.Covs {
		if math.IsNaN(c[i]) {
			m = append(m, j)
		}
	}
	return m
}

// complete returns the indices of the rows with nothing missing.
func (rt *RawTable) complete() []int {
	var ix []int
	for i := range rt.Time {
		if !rt.outcomeMissing(i) && len(rt.missing(i)) == 0 {
			ix = append(ix, i)
		}
	}
	return ix
}

// build turns the selected rows, with donor values filled in, into an
// event table.  donor[k] is the row whose values fill the gaps of row
// ix[k], or -1 if nothing needs filling.  donor may be nil.
func (rt *RawTable) build(ix, donor []int) (*duration.EventTable, error) {

	n := len(ix)
	time := make([]float64, n)
	status := make([]float64, n)
	var strata []string
	if rt.Strata != nil {
		strata = make([]string, n)
	}
	covs := make([][]float64, len(rt.Covs))
	for j := range covs {
		covs[j] = make([]float64, n)
	}

	for k, i := range ix {
		d := -1
		if donor != nil {
			d = donor[k]
		}
		time[k] = rt.Time[i]
		status[k] = rt.Status[i]
		if strata != nil {
			strata[k] = rt.Strata[i]
			if strata[k] == "" && d >= 0 {
				strata[k] = rt.Strata[d]
			}
		}
		for j, c := range rt.Covs {
			covs[j][k] = c[i]
			if math.IsNaN(c[i]) && d >= 0 {
				covs[j][k] = c[d]
			}
		}
	}

	return duration.EventTableFromColumns(rt.CovNames, time, status, strata, covs)
}

// Options controls a completion.
type Options struct {

	// K is the number of nearest donors from which MultipleImputer
	// draws.  Zero means 5.
	K int

	// Seed and Draw determine the random donor choices of
	// MultipleImputer.  Completions with the same seed and draw index
	// are identical.
	Seed uint64
	Draw int
}

// Completer produces a complete event table from a raw table.
type Completer interface {
	Complete(raw *RawTable, opts Options) (*duration.EventTable, error)
}

var registry = map[string]func() Completer{
	"drop":     func() Completer { return DropIncomplete{} },
	"donor":    func() Completer { return DonorImputer{} },
	"multiple": func() Completer { return MultipleImputer{} },
}

// New returns the completion strategy with the given name.
func New(name string) (Completer, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return f(), nil
}

// Names returns the names of the available strategies, sorted.
func Names() []string {
	var na []string
	for k := range registry {
		na = append(na, k)
	}
	sort.Strings(na)
	return na
}
