package completion

import (
	"golang.org/x/exp/rand"

	"github.com/schwarzpat/survival-analysis/duration"
)

// MultipleImputer fills the missing covariates of a record from a donor
// drawn at random among its K nearest complete records.  Repeating the
// completion with Draw = 0, 1, 2, ... gives the imputed data sets of a
// multiple imputation; combining the analyses is left to the caller.
type MultipleImputer struct{}

// Complete implements Completer.
func (MultipleImputer) Complete(raw *RawTable, opts Options) (*duration.EventTable, error) {

	k := opts.K
	if k <= 0 {
		k = 5
	}

	rng := rand.New(rand.NewSource(opts.Seed + uint64(opts.Draw)))

	return completeWith(raw, func(ranked []int) int {
		return ranked[rng.Intn(len(ranked))]
	}, k)
}
