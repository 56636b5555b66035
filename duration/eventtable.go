package duration

import (
	"fmt"
	"math"
	"sort"

	"github.com/schwarzpat/survival-analysis/statmodel"
)

// Row is one subject in an event table.
type Row struct {

	// Duration is the time from the origin to the event or to censoring.
	Duration float64

	// Event is true if the event was observed at Duration, false if the
	// subject was right censored at Duration.
	Event bool

	// Stratum identifies the group used to stratify survival curves.
	Stratum string

	// Covariates holds the regression covariates, in the order given by
	// the table's covariate names.
	Covariates []float64
}

// EventTable is a validated, immutable set of subjects.  It is safe for
// concurrent use.
type EventTable struct {
	covnames []string
	rows     []Row
}

// Names of the columns exposed by Dataset, ahead of the covariates.
const (
	TimeVar   = "time"
	StatusVar = "status"
)

// NewEventTable validates the rows and returns an event table holding a
// copy of them.  covnames gives the name and order of the covariates.
// Every problem found is reported in a *ValidationError.
func NewEventTable(covnames []string, rows []Row) (*EventTable, error) {

	var probs []RowProblem
	for i, r := range rows {
		switch {
		case math.IsNaN(r.Duration):
			probs = append(probs, RowProblem{i, "duration is missing"})
		case math.IsInf(r.Duration, 0):
			probs = append(probs, RowProblem{i, "duration is infinite"})
		case r.Duration <= 0:
			probs = append(probs, RowProblem{i, fmt.Sprintf("duration %v is not positive", r.Duration)})
		}
		if len(r.Covariates) != len(covnames) {
			msg := fmt.Sprintf("%d covariates, expected %d", len(r.Covariates), len(covnames))
			probs = append(probs, RowProblem{i, msg})
			continue
		}
		for j, x := range r.Covariates {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				msg := fmt.Sprintf("covariate %q is missing or infinite", covnames[j])
				probs = append(probs, RowProblem{i, msg})
			}
		}
	}

	if len(probs) > 0 {
		return nil, &ValidationError{Problems: probs}
	}

	return newEventTable(covnames, rows), nil
}

// newEventTable copies already validated rows.
func newEventTable(covnames []string, rows []Row) *EventTable {

	et := &EventTable{
		covnames: append([]string(nil), covnames...),
		rows:     make([]Row, len(rows)),
	}
	for i, r := range rows {
		r.Covariates = append([]float64(nil), r.Covariates...)
		et.rows[i] = r
	}

	return et
}

// EventTableFromColumns builds an event table from columns.  status must
// be 0 (censored) or 1 (event) for every row; a NaN status is a missing
// outcome and is rejected.  strata may be nil, in which case every row
// is placed in a single stratum with an empty key.  covs[j] holds the
// values of covariate covnames[j].
func EventTableFromColumns(covnames []string, time, status []float64, strata []string, covs [][]float64) (*EventTable, error) {

	n := len(time)
	if len(status) != n || (strata != nil && len(strata) != n) {
		return nil, fmt.Errorf("%w: columns have different lengths", ErrInvalidInput)
	}
	if len(covs) != len(covnames) {
		return nil, fmt.Errorf("%w: %d covariate columns for %d names", ErrInvalidInput, len(covs), len(covnames))
	}
	for j, c := range covs {
		if len(c) != n {
			return nil, fmt.Errorf("%w: covariate %q has %d values, expected %d", ErrInvalidInput, covnames[j], len(c), n)
		}
	}

	var probs []RowProblem
	rows := make([]Row, n)
	for i := range rows {
		switch status[i] {
		case 0, 1:
		default:
			if math.IsNaN(status[i]) {
				probs = append(probs, RowProblem{i, "status is missing"})
			} else {
				probs = append(probs, RowProblem{i, fmt.Sprintf("status %v is not 0 or 1", status[i])})
			}
		}
		x := make([]float64, len(covs))
		for j := range covs {
			x[j] = covs[j][i]
		}
		rows[i] = Row{Duration: time[i], Event: status[i] == 1, Covariates: x}
		if strata != nil {
			rows[i].Stratum = strata[i]
		}
	}

	et, err := NewEventTable(covnames, rows)
	if len(probs) > 0 {
		if ve, ok := err.(*ValidationError); ok {
			probs = append(probs, ve.Problems...)
		}
		sort.SliceStable(probs, func(i, j int) bool { return probs[i].Row < probs[j].Row })
		return nil, &ValidationError{Problems: probs}
	}

	return et, err
}

// NumRows returns the number of subjects.
func (et *EventTable) NumRows() int {
	return len(et.rows)
}

// NumCovariates returns the length of the covariate vector.
func (et *EventTable) NumCovariates() int {
	return len(et.covnames)
}

// CovariateNames returns the names of the covariates.
func (et *EventTable) CovariateNames() []string {
	return append([]string(nil), et.covnames...)
}

// Row returns a copy of row i.
func (et *EventTable) Row(i int) Row {
	r := et.rows[i]
	r.Covariates = append([]float64(nil), r.Covariates...)
	return r
}

// NumEvents returns the number of observed events.
func (et *EventTable) NumEvents() int {
	var e int
	for _, r := range et.rows {
		if r.Event {
			e++
		}
	}
	return e
}

// Strata returns the sorted distinct stratum keys.
func (et *EventTable) Strata() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range et.rows {
		if !seen[r.Stratum] {
			seen[r.Stratum] = true
			keys = append(keys, r.Stratum)
		}
	}
	sort.Strings(keys)
	return keys
}

// Subset returns the rows belonging to the given stratum.
func (et *EventTable) Subset(stratum string) *EventTable {
	var rows []Row
	for _, r := range et.rows {
		if r.Stratum == stratum {
			rows = append(rows, r)
		}
	}
	return newEventTable(et.covnames, rows)
}

// Resample returns a table made of the rows at the given indices, which
// may repeat.
func (et *EventTable) Resample(ix []int) *EventTable {
	rows := make([]Row, len(ix))
	for i, j := range ix {
		rows[i] = et.rows[j]
	}
	return newEventTable(et.covnames, rows)
}

// Dataset returns the table in columnar form, with columns named by
// TimeVar, StatusVar and the covariate names, in that order.  The status
// column is 1 for events and 0 for censored rows.  The columns are
// freshly allocated.
func (et *EventTable) Dataset() statmodel.Dataset {

	n := len(et.rows)
	da := make([][]statmodel.Dtype, 2+len(et.covnames))
	for j := range da {
		da[j] = make([]statmodel.Dtype, n)
	}

	for i, r := range et.rows {
		da[0][i] = r.Duration
		if r.Event {
			da[1][i] = 1
		}
		for j, x := range r.Covariates {
			da[2+j][i] = x
		}
	}

	names := append([]string{TimeVar, StatusVar}, et.covnames...)

	return statmodel.NewDataset(da, names)
}

// strataIndex returns, for every row, the position of its stratum key
// in Strata().
func (et *EventTable) strataIndex() ([]string, []int) {
	keys := et.Strata()
	pos := make(map[string]int, len(keys))
	for i, k := range keys {
		pos[k] = i
	}
	ix := make([]int, len(et.rows))
	for i, r := range et.rows {
		ix[i] = pos[r.Stratum]
	}
	return keys, ix
}
