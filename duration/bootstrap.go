package duration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

// BootstrapConfig controls a bootstrap of a proportional hazards fit.
type BootstrapConfig struct {

	// Reps is the number of bootstrap replicates.
	Reps int

	// Workers is the number of replicates fit concurrently.  Values
	// below one are treated as one.
	Workers int

	// Seed determines the resamples.  Replicate r draws from a source
	// seeded with Seed+r, so the results do not depend on Workers.
	Seed uint64

	// ConfLevel is the coverage of the percentile intervals, 0.95 if zero.
	ConfLevel float64
}

// BootstrapResults holds the coefficient estimates from the replicates
// that were fit successfully.
type BootstrapResults struct {
	Names []string

	// Coeff[r] holds the estimates from replicate r, or nil if the
	// replicate failed.
	Coeff [][]float64

	// Failures maps replicate index to the fitting error.
	Failures map[int]error

	// StdErr is the standard deviation of each coefficient over the
	// successful replicates.
	StdErr []float64

	// Lower and Upper are percentile confidence limits.
	Lower, Upper []float64
}

// NumSuccess returns the number of replicates that were fit successfully.
func (br *BootstrapResults) NumSuccess() int {
	return len(br.Coeff) - len(br.Failures)
}

// BootstrapPHReg resamples the rows of table with replacement and fits a
// proportional hazards model to each resample.  Replicate fits that fail
// are recorded in Failures and otherwise ignored.  If ctx is cancelled,
// the remaining replicates are not fit and ctx.Err() is returned.
func BootstrapPHReg(ctx context.Context, table *EventTable, config *PHRegConfig, bc BootstrapConfig) (*BootstrapResults, error) {

	if bc.Reps < 2 {
		return nil, fmt.Errorf("%w: at least two bootstrap replicates are needed", ErrInvalidInput)
	}
	if table == nil || table.NumRows() == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidInput)
	}
	if config == nil {
		config = DefaultPHRegConfig()
	}
	nw := bc.Workers
	if nw < 1 {
		nw = 1
	}
	level := bc.ConfLevel
	if level == 0 {
		level = 0.95
	}
	if !(level > 0 && level < 1) {
		return nil, fmt.Errorf("%w: confidence level %v is not in (0, 1)", ErrInvalidInput, level)
	}

	// Replicate fits share no mutable state with the caller.
	cfg := *config
	cfg.Log = nil
	cfg.Observer = nil

	br := &BootstrapResults{
		Names:    table.CovariateNames(),
		Coeff:    make([][]float64, bc.Reps),
		Failures: make(map[int]error),
	}

	n := table.NumRows()
	errs := make([]error, bc.Reps)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < nw; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix := make([]int, n)
			for r := range jobs {
				rng := rand.New(rand.NewSource(bc.Seed + uint64(r)))
				for i := range ix {
					ix[i] = rng.Intn(n)
				}
				br.Coeff[r], errs[r] = fitReplicate(ctx, table.Resample(ix), &cfg)
			}
		}()
	}

feed:
	for r := 0; r < bc.Reps; r++ {
		select {
		case jobs <- r:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for r, err := range errs {
		if err != nil {
			br.Failures[r] = err
			br.Coeff[r] = nil
		}
	}

	if br.NumSuccess() < 2 {
		return br, fmt.Errorf("%w: only %d bootstrap replicates succeeded", ErrInvalidInput, br.NumSuccess())
	}

	p := table.NumCovariates()
	br.StdErr = make([]float64, p)
	br.Lower = make([]float64, p)
	br.Upper = make([]float64, p)
	col := make([]float64, 0, bc.Reps)
	for j := 0; j < p; j++ {
		col = col[:0]
		for _, c := range br.Coeff {
			if c != nil {
				col = append(col, c[j])
			}
		}
		br.StdErr[j] = stat.StdDev(col, nil)
		sort.Float64s(col)
		br.Lower[j] = stat.Quantile((1-level)/2, stat.Empirical, col, nil)
		br.Upper[j] = stat.Quantile(1-(1-level)/2, stat.Empirical, col, nil)
	}

	return br, nil
}

func fitReplicate(ctx context.Context, table *EventTable, config *PHRegConfig) ([]float64, error) {

	ph, err := NewPHReg(table, config)
	if err != nil {
		return nil, err
	}

	rslt, err := ph.FitContext(ctx)
	if err != nil {
		return nil, err
	}

	return rslt.Params(), nil
}
