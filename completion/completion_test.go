package completion_test

import (
	"errors"
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/schwarzpat/survival-analysis/completion"
)

func rawTable() *completion.RawTable {
	nan := math.NaN()
	return &completion.RawTable{
		CovNames: []string{"age", "dose"},
		Time:     []float64{5, 8, 3, nan, 9, 4, 7},
		Status:   []float64{1, 0, 1, 1, 1, nan, 0},
		Strata:   []string{"a", "a", "b", "b", "", "a", "b"},
		Covs: [][]float64{
			{50, 62, 48, 70, 61, 55, nan},
			{1, 2, 1, 3, nan, 2, 1},
		},
	}
}

func TestCompletion(t *testing.T) {
	Convey("Given a raw table with missing values", t, func() {
		raw := rawTable()

		Convey("When the strategies are listed", func() {
			Convey("Then all three are available", func() {
				So(completion.Names(), ShouldResemble, []string{"donor", "drop", "multiple"})
			})

			Convey("And an unknown name is rejected", func() {
				_, err := completion.New("mean")
				So(errors.Is(err, completion.ErrUnknownStrategy), ShouldBeTrue)
			})
		})

		Convey("When incomplete rows are dropped", func() {
			c, err := completion.New("drop")
			So(err, ShouldBeNil)
			et, err := c.Complete(raw, completion.Options{})

			Convey("Then only complete rows remain", func() {
				So(err, ShouldBeNil)
				So(et.NumRows(), ShouldEqual, 3)
				So(et.Row(2).Duration, ShouldEqual, 3)
			})
		})

		Convey("When missing values are taken from the nearest donor", func() {
			c, err := completion.New("donor")
			So(err, ShouldBeNil)
			et, err := c.Complete(raw, completion.Options{})
			So(err, ShouldBeNil)

			Convey("Then rows with missing outcomes are dropped", func() {
				So(et.NumRows(), ShouldEqual, 5)
			})

			Convey("Then the stratum and dose come from the closest complete row", func() {
				// Row 4 has age 61, closest to row 1 (age 62).
				r := et.Row(3)
				So(r.Duration, ShouldEqual, 9)
				So(r.Stratum, ShouldEqual, "a")
				So(r.Covariates, ShouldResemble, []float64{61, 2})
			})

			Convey("Then donors come from the same stratum", func() {
				// Row 6 is in stratum b, where row 2 is the only donor.
				r := et.Row(4)
				So(r.Covariates, ShouldResemble, []float64{48, 1})
			})
		})

		Convey("When a multiple imputation is drawn", func() {
			c, err := completion.New("multiple")
			So(err, ShouldBeNil)

			opts := completion.Options{K: 3, Seed: 101}
			et1, err1 := c.Complete(raw, opts)
			et2, err2 := c.Complete(raw, opts)

			Convey("Then the same seed and draw give the same table", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				for i := 0; i < et1.NumRows(); i++ {
					So(et2.Row(i), ShouldResemble, et1.Row(i))
				}
			})

			Convey("Then imputed values come from complete rows", func() {
				for d := 0; d < 10; d++ {
					opts.Draw = d
					et, err := c.Complete(raw, opts)
					So(err, ShouldBeNil)
					So(et.Row(3).Covariates[1], ShouldBeIn, []float64{1, 2})
				}
			})
		})

		Convey("When no row is complete", func() {
			raw.Covs[0] = []float64{math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()}
			_, err := completion.DonorImputer{}.Complete(raw, completion.Options{})

			Convey("Then imputation fails", func() {
				So(errors.Is(err, completion.ErrNoDonors), ShouldBeTrue)
			})
		})

		Convey("When the columns do not line up", func() {
			raw.Status = raw.Status[:3]
			_, err := completion.DropIncomplete{}.Complete(raw, completion.Options{})

			Convey("Then the table is rejected", func() {
				So(errors.Is(err, completion.ErrMalformedTable), ShouldBeTrue)
			})
		})
	})
}
