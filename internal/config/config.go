// Package config defines the survfit configuration and its loading.
//
// Values are layered: defaults from New, then an optional YAML file, then
// SURVFIT_* environment variables.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/schwarzpat/survival-analysis/completion"
	"github.com/schwarzpat/survival-analysis/duration"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Ties selects the tie method of the Cox fitter: efron or breslow.
	Ties string `koanf:"ties"`

	// ConfLevel is the coverage of confidence intervals and bands.
	ConfLevel float64 `koanf:"conf_level"`

	// ConfType is the Kaplan-Meier band transform: log, log-log or plain.
	ConfType string `koanf:"conf_type"`

	// MaxIter, ScoreTol, DecrementTol and SingularTol control
	// Newton-Raphson.
	MaxIter      int     `koanf:"max_iter"`
	ScoreTol     float64 `koanf:"score_tol"`
	DecrementTol float64 `koanf:"decrement_tol"`
	SingularTol  float64 `koanf:"singular_tol"`

	// Timeout bounds a single fit, zero for no limit.
	Timeout time.Duration `koanf:"timeout"`

	// Transform is the time transform of the proportional hazards test.
	Transform string `koanf:"transform"`

	// Completion names the missing-data strategy: drop, donor or multiple.
	Completion string `koanf:"completion"`

	// ImputeK is the number of nearest donors used by multiple imputation.
	ImputeK int `koanf:"impute_k"`

	// Draw is the multiple imputation draw index.
	Draw int `koanf:"draw"`

	// Seed seeds imputation draws and bootstrap resampling.
	Seed uint64 `koanf:"seed"`

	// BootstrapReps and Workers control the bootstrap.
	BootstrapReps int `koanf:"bootstrap_reps"`
	Workers       int `koanf:"workers"`

	// MetricsFile, if set, receives the fit metrics in the Prometheus
	// text format when the command finishes.
	MetricsFile string `koanf:"metrics_file"`
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:      "info",
		Ties:          "efron",
		ConfLevel:     0.95,
		ConfType:      "log",
		MaxIter:       50,
		ScoreTol:      1e-9,
		DecrementTol:  1e-12,
		SingularTol:   1e-7,
		Transform:     "km",
		Completion:    "drop",
		ImputeK:       5,
		Seed:          1,
		BootstrapReps: 200,
		Workers:       runtime.NumCPU(),
	}
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if _, err := duration.ParseTieMethod(c.Ties); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.SurvConfType(); err != nil {
		return err
	}
	if _, err := duration.ParseTransform(c.Transform); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := completion.New(c.Completion); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !(c.ConfLevel > 0 && c.ConfLevel < 1) {
		return fmt.Errorf("%w: conf_level %v must be in (0, 1)", ErrInvalidConfig, c.ConfLevel)
	}
	if c.MaxIter < 1 {
		return fmt.Errorf("%w: max_iter must be positive", ErrInvalidConfig)
	}
	if !(c.ScoreTol > 0) || !(c.DecrementTol > 0) || !(c.SingularTol > 0) {
		return fmt.Errorf("%w: tolerances must be positive", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.BootstrapReps < 2 || c.Workers < 1 || c.ImputeK < 1 || c.Draw < 0 {
		return fmt.Errorf("%w: bootstrap_reps, workers, impute_k and draw are out of range", ErrInvalidConfig)
	}

	return nil
}

// SurvConfType returns the Kaplan-Meier band transform.
func (c *Config) SurvConfType() (duration.ConfType, error) {
	switch c.ConfType {
	case "log":
		return duration.ConfLog, nil
	case "log-log":
		return duration.ConfLogLog, nil
	case "plain":
		return duration.ConfPlain, nil
	}
	return duration.ConfLog, fmt.Errorf("%w: conf_type %q", ErrInvalidConfig, c.ConfType)
}

// PHRegConfig returns the Cox fitter settings.
func (c *Config) PHRegConfig() *duration.PHRegConfig {
	pc := duration.DefaultPHRegConfig()
	pc.Ties, _ = duration.ParseTieMethod(c.Ties)
	pc.ConfLevel = c.ConfLevel
	pc.MaxIter = c.MaxIter
	pc.ScoreTol = c.ScoreTol
	pc.DecrementTol = c.DecrementTol
	pc.SingularTol = c.SingularTol
	pc.Timeout = c.Timeout
	return pc
}
