package completion

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/schwarzpat/survival-analysis/duration"
)

// DonorImputer fills the missing covariates of a record with the values of
// its nearest complete record (hot-deck imputation).  Distance is
// Euclidean over the covariates the record does have, each scaled by its
// standard deviation among the complete records.  Donors are taken from
// the record's own stratum when it is known and has complete records.
// Records with a missing time or status are dropped.
type DonorImputer struct{}

// Complete implements Completer.
func (DonorImputer) Complete(raw *RawTable, opts Options) (*duration.EventTable, error) {
	return completeWith(raw, func(ranked []int) int {
		return ranked[0]
	}, 1)
}

// completeWith fills every incomplete record from a donor chosen by pick
// among its nearest k complete records, in order of distance.
func completeWith(raw *RawTable, pick func(ranked []int) int, k int) (*duration.EventTable, error) {

	if err := raw.check(); err != nil {
		return nil, err
	}

	pool := raw.complete()
	nd := newDonorIndex(raw, pool)

	var ix, donor []int
	for i := 0; i < raw.NumRows(); i++ {
		if raw.outcomeMissing(i) {
			continue
		}
		ix = append(ix, i)
		if len(raw.missing(i)) == 0 {
			donor = append(donor, -1)
			continue
		}
		if len(pool) == 0 {
			return nil, ErrNoDonors
		}
		donor = append(donor, pick(nd.nearest(i, k)))
	}

	return raw.build(ix, donor)
}

type donorIndex struct {
	raw  *RawTable
	pool []int

	// Standard deviation of each covariate among the complete records
	scale []float64
}

func newDonorIndex(raw *RawTable, pool []int) *donorIndex {

	nd := &donorIndex{
		raw:   raw,
		pool:  pool,
		scale: make([]float64, len(raw.Covs)),
	}

	x := make([]float64, len(pool))
	for j, c := range raw.Covs {
		for k, i := range pool {
			x[k] = c[i]
		}
		nd.scale[j] = 1
		if len(pool) > 1 {
			if _, sd := stat.MeanStdDev(x, nil); sd > 0 {
				nd.scale[j] = sd
			}
		}
	}

	return nd
}

// nearest returns up to k complete records closest to record i.  Ties
// are broken by row order, so the result is deterministic.
func (nd *donorIndex) nearest(i, k int) []int {

	raw := nd.raw

	cands := nd.pool
	if raw.Strata != nil && raw.Strata[i] != "" {
		var same []int
		for _, j := range nd.pool {
			if raw.Strata[j] == raw.Strata[i] {
				same = append(same, j)
			}
		}
		if len(same) > 0 {
			cands = same
		}
	}

	dist := make([]float64, len(cands))
	for m, j := range cands {
		var d float64
		for l, c := range raw.Covs {
			if math.IsNaN(c[i]) {
				continue
			}
			u := (c[i] - c[j]) / nd.scale[l]
			d += u * u
		}
		dist[m] = d
	}

	order := make([]int, len(cands))
	for m := range order {
		order[m] = m
	}
	sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

	if k > len(order) {
		k = len(order)
	}
	ranked := make([]int, k)
	for m := range ranked {
		ranked[m] = cands[order[m]]
	}

	return ranked
}
