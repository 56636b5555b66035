// Command survfit estimates survival curves and proportional hazards
// models from CSV files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/schwarzpat/survival-analysis/completion"
	"github.com/schwarzpat/survival-analysis/duration"
	"github.com/schwarzpat/survival-analysis/internal/config"
	"github.com/schwarzpat/survival-analysis/internal/metrics"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Manager
	out     io.Writer
	json    bool
	cols    columns
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {

	a := &app{out: out}
	var cfgPath, covs string

	rootCmd := &cobra.Command{
		Use:           "survfit",
		Short:         "Survival curves and proportional hazards regression",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(errOut, cfg.LogLevel).With("run_id", uuid.NewString(), "command", cmd.Name())
			a.metrics = metrics.NewManager()
			for _, c := range strings.Split(covs, ",") {
				if c = strings.TrimSpace(c); c != "" {
					a.cols.Covariates = append(a.cols.Covariates, c)
				}
			}
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if a.cfg.MetricsFile == "" {
				return nil
			}
			return a.metrics.WriteFile(a.cfg.MetricsFile)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "YAML configuration file")
	pf.BoolVar(&a.json, "json", false, "write results as JSON")
	pf.StringVar(&a.cols.Time, "time", duration.TimeVar, "name of the time column")
	pf.StringVar(&a.cols.Status, "status", duration.StatusVar, "name of the status column (1 = event, 0 = censored)")
	pf.StringVar(&a.cols.Strata, "strata", "", "name of the stratum column")
	pf.StringVar(&covs, "covariates", "", "comma separated covariate columns")

	rootCmd.AddCommand(
		kmCmd(a),
		coxCmd(a),
		zphCmd(a),
		bootCmd(a),
	)

	return rootCmd
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

// load reads and completes the data file.
func (a *app) load(name string) (*duration.EventTable, error) {

	f, err := openData(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := readRaw(f, a.cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	c, err := completion.New(a.cfg.Completion)
	if err != nil {
		return nil, err
	}
	table, err := c.Complete(raw, completion.Options{K: a.cfg.ImputeK, Seed: a.cfg.Seed, Draw: a.cfg.Draw})
	if err != nil {
		return nil, err
	}

	a.logger.Info("data loaded", "file", name, "raw_rows", raw.NumRows(), "rows", table.NumRows(),
		"events", table.NumEvents(), "completion", a.cfg.Completion)

	return table, nil
}

func (a *app) phregConfig() *duration.PHRegConfig {
	pc := a.cfg.PHRegConfig()
	pc.Stratified = a.cols.Strata != ""
	pc.Observer = a.metrics
	pc.Log = slog.NewLogLogger(a.logger.Handler(), slog.LevelDebug)
	return pc
}

func (a *app) fit(ctx context.Context, table *duration.EventTable) (*duration.PHResults, error) {

	ph, err := duration.NewPHReg(table, a.phregConfig())
	if err != nil {
		return nil, err
	}

	rslt, err := ph.FitContext(ctx)
	if err != nil {
		a.logger.Error("fit failed", "error", err, "outcome", metrics.Outcome(err))
		return nil, err
	}
	a.logger.Info("fit converged", "iterations", rslt.Iterations(), "loglike", rslt.LogLike())

	return rslt, nil
}

func (a *app) writeJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type curveJSON struct {
	Stratum string              `json:"stratum"`
	Median  *float64            `json:"median"`
	Steps   []duration.SurvStep `json:"steps"`
}

type kmJSON struct {
	Curves   []curveJSON             `json:"curves"`
	Warnings []string                `json:"warnings,omitempty"`
	LogRank  *duration.LogRankResult `json:"log_rank,omitempty"`
}

func kmCmd(a *app) *cobra.Command {
	var rho float64
	cmd := &cobra.Command{
		Use:   "km <file.csv>",
		Short: "Kaplan-Meier curves per stratum, with a log-rank test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cols.Covariates = nil
			table, err := a.load(args[0])
			if err != nil {
				return err
			}

			ct, err := a.cfg.SurvConfType()
			if err != nil {
				return err
			}
			sf, err := duration.NewSurvfuncRight(table).ConfLevel(a.cfg.ConfLevel).ConfType(ct).Done()
			if err != nil {
				return err
			}

			var res kmJSON
			for _, w := range sf.Warnings() {
				a.logger.Warn("degenerate stratum", "stratum", w.Stratum, "msg", w.Msg)
				res.Warnings = append(res.Warnings, w.String())
			}
			for _, c := range sf.Curves() {
				cj := curveJSON{Stratum: c.Stratum(), Steps: c.Steps()}
				if m := c.Median(); !math.IsNaN(m) {
					cj.Median = &m
				}
				res.Curves = append(res.Curves, cj)
			}
			if len(table.Strata()) > 1 {
				if res.LogRank, err = duration.LogRank(table, rho); err != nil {
					return err
				}
			}

			if a.json {
				return a.writeJSON(res)
			}

			for _, c := range res.Curves {
				fmt.Fprintf(a.out, "Stratum %q\n", c.Stratum)
				fmt.Fprintf(a.out, "%10s %10s %10s %10s %10s %10s\n", "Time", "At risk", "Events", "Survival", "LCB", "UCB")
				for _, st := range c.Steps {
					fmt.Fprintf(a.out, "%10.4g %10.0f %10.0f %10.4f %10.4f %10.4f\n",
						st.Time, st.NumRisk, st.NumEvents, st.SurvProb, st.Lower, st.Upper)
				}
				fmt.Fprintln(a.out)
			}
			if lr := res.LogRank; lr != nil {
				fmt.Fprintf(a.out, "Log-rank test (rho=%g): chi2=%.4f on %d df, p=%.4g\n", lr.Rho, lr.Chi2, lr.DF, lr.PValue)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&rho, "rho", 0, "Fleming-Harrington weight exponent for the log-rank test")
	return cmd
}

type coefJSON struct {
	Name        string  `json:"name"`
	Coef        float64 `json:"coef"`
	SE          float64 `json:"se"`
	HazardRatio float64 `json:"hazard_ratio"`
	Lower       float64 `json:"lower"`
	Upper       float64 `json:"upper"`
	Z           float64 `json:"z"`
	PValue      float64 `json:"p_value"`
}

type coxJSON struct {
	Ties        string              `json:"ties"`
	Iterations  int                 `json:"iterations"`
	LogLike     float64             `json:"loglike"`
	Coef        []coefJSON          `json:"coefficients"`
	LR          duration.TestResult `json:"likelihood_ratio"`
	Wald        duration.TestResult `json:"wald"`
	Score       duration.TestResult `json:"score"`
	Concordance float64             `json:"concordance"`
}

func coxCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cox <file.csv>",
		Short: "Fit a proportional hazards regression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := a.load(args[0])
			if err != nil {
				return err
			}
			rslt, err := a.fit(cmd.Context(), table)
			if err != nil {
				return err
			}

			if !a.json {
				fmt.Fprint(a.out, rslt.Summary().String())
				return nil
			}

			res := coxJSON{
				Ties:       rslt.Ties().String(),
				Iterations: rslt.Iterations(),
				LogLike:    rslt.LogLike(),
				LR:         rslt.LikelihoodRatioTest(),
				Wald:       rslt.WaldTest(),
				Score:      rslt.ScoreTest(),
			}
			lcb, ucb := rslt.ConfInt()
			hr := rslt.HazardRatios()
			for j, na := range rslt.Names() {
				res.Coef = append(res.Coef, coefJSON{
					Name:        na,
					Coef:        rslt.Params()[j],
					SE:          rslt.StdErr()[j],
					HazardRatio: hr[j],
					Lower:       lcb[j],
					Upper:       ucb[j],
					Z:           rslt.ZScores()[j],
					PValue:      rslt.PValues()[j],
				})
			}
			if res.Concordance, err = rslt.Concordance(); err != nil {
				return err
			}

			return a.writeJSON(res)
		},
	}
}

// phTestJSON holds one row of the proportional hazards test.  Values that
// are not defined, such as the correlation of the global row, are null.
type phTestJSON struct {
	Name   string   `json:"name"`
	Rho    *float64 `json:"rho"`
	Chi2   *float64 `json:"chi2"`
	DF     int      `json:"df"`
	PValue *float64 `json:"p_value"`
}

type zphJSON struct {
	Transform  string       `json:"transform"`
	Covariates []phTestJSON `json:"covariates"`
	Global     phTestJSON   `json:"global"`
}

func finite(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}

func newPHTestJSON(r duration.PHTestResult) phTestJSON {
	return phTestJSON{
		Name:   r.Name,
		Rho:    finite(r.Rho),
		Chi2:   finite(r.Chi2),
		DF:     r.DF,
		PValue: finite(r.PValue),
	}
}

func zphCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "zph <file.csv>",
		Short: "Test the proportional hazards assumption",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := a.load(args[0])
			if err != nil {
				return err
			}
			rslt, err := a.fit(cmd.Context(), table)
			if err != nil {
				return err
			}

			tr, err := duration.ParseTransform(a.cfg.Transform)
			if err != nil {
				return err
			}
			pt, err := duration.NewPHTest(rslt, tr)
			if err != nil {
				return err
			}

			if a.json {
				res := zphJSON{Transform: tr.String(), Global: newPHTestJSON(pt.Global())}
				for _, r := range pt.Covariates() {
					res.Covariates = append(res.Covariates, newPHTestJSON(r))
				}
				return a.writeJSON(res)
			}

			fmt.Fprint(a.out, pt.Summary())
			return nil
		},
	}
}

func bootCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "boot <file.csv>",
		Short: "Bootstrap the proportional hazards coefficients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := a.load(args[0])
			if err != nil {
				return err
			}

			pc := a.phregConfig()
			bc := duration.BootstrapConfig{
				Reps:      a.cfg.BootstrapReps,
				Workers:   a.cfg.Workers,
				Seed:      a.cfg.Seed,
				ConfLevel: a.cfg.ConfLevel,
			}
			br, err := duration.BootstrapPHReg(cmd.Context(), table, pc, bc)
			if err != nil {
				return err
			}
			for r, ferr := range br.Failures {
				a.logger.Warn("bootstrap replicate failed", "replicate", r, "error", ferr)
			}

			if a.json {
				return a.writeJSON(map[string]interface{}{
					"names":     br.Names,
					"std_err":   br.StdErr,
					"lower":     br.Lower,
					"upper":     br.Upper,
					"succeeded": br.NumSuccess(),
					"failed":    len(br.Failures),
				})
			}

			fmt.Fprintf(a.out, "%d of %d replicates succeeded\n", br.NumSuccess(), bc.Reps)
			fmt.Fprintf(a.out, "%-12s %10s %10s %10s\n", "Variable", "SE", "LCB", "UCB")
			for j, na := range br.Names {
				fmt.Fprintf(a.out, "%-12s %10.4f %10.4f %10.4f\n", na, br.StdErr[j], br.Lower[j], br.Upper[j])
			}
			return nil
		},
	}
}
