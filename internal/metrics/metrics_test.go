package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/schwarzpat/survival-analysis/duration"
	"github.com/schwarzpat/survival-analysis/statmodel"
)

func TestOutcome(t *testing.T) {
	Convey("Given fit errors", t, func() {
		Convey("Then they are classified by kind", func() {
			So(Outcome(nil), ShouldEqual, OutcomeOK)
			So(Outcome(&statmodel.SingularError{Index: 0}), ShouldEqual, OutcomeSingular)
			So(Outcome(&statmodel.ConvergenceError{Iter: 50}), ShouldEqual, OutcomeNoConvergence)
			So(Outcome(errors.New("boom")), ShouldEqual, OutcomeError)
		})
	})
}

func TestManagerObserveFit(t *testing.T) {
	Convey("Given a metrics manager with a custom registry", t, func() {
		registry := prometheus.NewRegistry()
		m := NewManager(WithPrometheusRegistry(registry), WithNamespace("test"))
		So(m.Registry(), ShouldEqual, registry)

		Convey("When fits are observed", func() {
			m.ObserveFit(duration.FitReport{Ties: duration.Efron, Iterations: 4, Elapsed: time.Millisecond})
			m.ObserveFit(duration.FitReport{Ties: duration.Efron, Iterations: 7, Elapsed: 2 * time.Millisecond})
			m.ObserveFit(duration.FitReport{Ties: duration.Breslow, Iterations: 19, Err: &statmodel.SingularError{}})

			mfs, err := registry.Gather()
			So(err, ShouldBeNil)

			counts := make(map[string]float64)
			var iterCount uint64
			for _, mf := range mfs {
				switch mf.GetName() {
				case "test_fits_total":
					for _, mm := range mf.GetMetric() {
						var key []string
						for _, lp := range mm.GetLabel() {
							key = append(key, lp.GetValue())
						}
						counts[strings.Join(key, "/")] = mm.GetCounter().GetValue()
					}
				case "test_fit_iterations":
					iterCount = mf.GetMetric()[0].GetHistogram().GetSampleCount()
				}
			}

			Convey("Then they are counted by tie method and outcome", func() {
				So(counts["ok/efron"], ShouldEqual, 2)
				So(counts["singular/breslow"], ShouldEqual, 1)
				So(iterCount, ShouldEqual, 3)
			})
		})

		Convey("When the metrics are written to a file", func() {
			m.ObserveFit(duration.FitReport{Ties: duration.Efron, Iterations: 3})
			path := filepath.Join(t.TempDir(), "survfit.prom")
			So(m.WriteFile(path), ShouldBeNil)

			b, err := os.ReadFile(path)

			Convey("Then the file holds the text format", func() {
				So(err, ShouldBeNil)
				So(string(b), ShouldContainSubstring, "test_fits_total")
				So(string(b), ShouldContainSubstring, "test_fit_duration_seconds")
			})
		})
	})
}
