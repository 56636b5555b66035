package duration

import (
	"context"
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

func TestBootstrapWorkers(t *testing.T) {

	rng := rand.New(rand.NewSource(808))
	table := simData(t, rng, 200, []float64{0.5, -0.5})

	var brs []*BootstrapResults
	for _, nw := range []int{1, 4} {
		br, err := BootstrapPHReg(context.Background(), table, nil, BootstrapConfig{Reps: 40, Workers: nw, Seed: 12})
		if err != nil {
			t.Fatal(err)
		}
		brs = append(brs, br)
	}

	// The replicates do not depend on the number of workers.
	for r := range brs[0].Coeff {
		if !floats.Equal(brs[0].Coeff[r], brs[1].Coeff[r]) {
			t.Fatalf("replicate %d differs", r)
		}
	}
	if !floats.Equal(brs[0].StdErr, brs[1].StdErr) {
		t.Fail()
	}

	// Bootstrap standard errors are close to the model based ones.
	rslt := fitOrFail(t, table, nil)
	br := brs[0]
	for j, se := range rslt.StdErr() {
		if math.Abs(br.StdErr[j]/se-1) > 0.5 {
			t.Errorf("bootstrap SE %v, model SE %v", br.StdErr[j], se)
		}
		if !(br.Lower[j] < rslt.Params()[j] && rslt.Params()[j] < br.Upper[j]) {
			t.Errorf("percentile interval [%v, %v] does not cover %v", br.Lower[j], br.Upper[j], rslt.Params()[j])
		}
	}
	if br.NumSuccess()+len(br.Failures) != 40 {
		t.Fail()
	}

	// A different seed gives different replicates.
	br2, err := BootstrapPHReg(context.Background(), table, nil, BootstrapConfig{Reps: 40, Workers: 2, Seed: 13})
	if err != nil {
		t.Fatal(err)
	}
	if floats.Equal(br2.Coeff[0], br.Coeff[0]) {
		t.Errorf("seed had no effect")
	}
}

func TestBootstrapCancel(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BootstrapPHReg(ctx, data3(t), nil, BootstrapConfig{Reps: 10, Workers: 2})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if _, err := BootstrapPHReg(context.Background(), data3(t), nil, BootstrapConfig{Reps: 1}); !errors.Is(err, ErrInvalidInput) {
		t.Fail()
	}
}
