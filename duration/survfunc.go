package duration

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// ConfType selects the transformation used to build pointwise confidence
// bands for a survival curve.
type ConfType int

// ConfLog builds the band on the log scale and clips it to [0, 1],
// ConfLogLog builds it on the log(-log) scale, which always stays inside
// [0, 1], and ConfPlain uses the untransformed Greenwood standard error.
const (
	ConfLog ConfType = iota
	ConfLogLog
	ConfPlain
)

func (c ConfType) String() string {
	switch c {
	case ConfLog:
		return "log"
	case ConfLogLog:
		return "log-log"
	case ConfPlain:
		return "plain"
	}
	return fmt.Sprintf("ConfType(%d)", int(c))
}

// SurvfuncRight uses the method of Kaplan and Meier to estimate the
// survival distribution based on (possibly) right censored data.  A
// separate curve is estimated for each stratum of the event table.
type SurvfuncRight struct {

	// The data used to perform the estimation.
	table *EventTable

	// Coverage probability of the confidence bands
	confLevel float64

	// Transformation used for the confidence bands
	confType ConfType

	// The fitted curves, in the order of the sorted stratum keys
	curves []*SurvCurve

	warnings []Warning
}

// NewSurvfuncRight creates a new value for fitting survival functions to
// the given table.
func NewSurvfuncRight(table *EventTable) *SurvfuncRight {

	return &SurvfuncRight{
		table:     table,
		confLevel: 0.95,
		confType:  ConfLog,
	}
}

// ConfLevel sets the coverage probability of the confidence bands.
func (sf *SurvfuncRight) ConfLevel(level float64) *SurvfuncRight {
	sf.confLevel = level
	return sf
}

// ConfType sets the transformation used for the confidence bands.
func (sf *SurvfuncRight) ConfType(ct ConfType) *SurvfuncRight {
	sf.confType = ct
	return sf
}

// SurvCurve is the Kaplan-Meier estimate for one stratum.
type SurvCurve struct {
	stratum string

	// Times at which events occur, sorted.  The last observed time is
	// retained even if no event occurs there.
	times []float64

	// Number of events at each time in times
	nEvents []float64

	// Number of people at risk just before each time in times
	nRisk []float64

	// The estimated survival function evaluated at each time in times
	survProb []float64

	// Greenwood variance of the values in survProb
	survProbVar []float64

	// Pointwise confidence band
	lcb, ucb []float64
}

// SurvStep is one step of a survival curve.
type SurvStep struct {
	Time      float64
	SurvProb  float64
	Var       float64
	NumRisk   float64
	NumEvents float64
	Lower     float64
	Upper     float64
}

// riskAccumulator tracks the risk set while the sorted observation times
// of one stratum are scanned.
type riskAccumulator struct {
	atRisk   float64
	events   float64
	censored float64
}

func (ra *riskAccumulator) reset(n int) {
	ra.atRisk = float64(n)
	ra.events = 0
	ra.censored = 0
}

func (ra *riskAccumulator) add(event bool) {
	if event {
		ra.events++
	} else {
		ra.censored++
	}
}

// advance removes the subjects seen at the current time from the risk set.
func (ra *riskAccumulator) advance() {
	ra.atRisk -= ra.events + ra.censored
	ra.events = 0
	ra.censored = 0
}

// Done fits a curve to every stratum.  The strata are fit concurrently.
func (sf *SurvfuncRight) Done() (*SurvfuncRight, error) {

	if sf.table == nil || sf.table.NumRows() == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidInput)
	}
	if !(sf.confLevel > 0 && sf.confLevel < 1) {
		return nil, fmt.Errorf("%w: confidence level %v is not in (0, 1)", ErrInvalidInput, sf.confLevel)
	}

	z := distuv.UnitNormal.Quantile(1 - (1-sf.confLevel)/2)

	keys := sf.table.Strata()
	sf.curves = make([]*SurvCurve, len(keys))
	sf.warnings = sf.warnings[:0]

	var wg sync.WaitGroup
	for k, key := range keys {
		wg.Add(1)
		go func(k int, key string) {
			defer wg.Done()
			dur, ev := sf.table.Subset(key).outcomes()
			sf.curves[k] = fitCurve(key, dur, ev, z, sf.confType)
		}(k, key)
	}
	wg.Wait()

	for _, c := range sf.curves {
		if c.totalEvents() == 0 {
			sf.warnings = append(sf.warnings, Warning{
				Kind:    WarnNoEvents,
				Stratum: c.stratum,
				Msg:     "all subjects are censored, the survival curve is flat at 1",
			})
		}
	}

	return sf, nil
}

// Curves returns the fitted curves in the order of the sorted stratum keys.
func (sf *SurvfuncRight) Curves() []*SurvCurve {
	return sf.curves
}

// Curve returns the curve for the given stratum, or nil if there is none.
func (sf *SurvfuncRight) Curve(stratum string) *SurvCurve {
	for _, c := range sf.curves {
		if c.stratum == stratum {
			return c
		}
	}
	return nil
}

// Warnings returns the degenerate-data warnings raised during fitting.
func (sf *SurvfuncRight) Warnings() []Warning {
	return sf.warnings
}

// outcomes returns the durations and event indicators sorted by time.
func (et *EventTable) outcomes() ([]float64, []bool) {
	dur := make([]float64, len(et.rows))
	ev := make([]bool, len(et.rows))
	ii := make([]int, len(et.rows))
	for i := range ii {
		ii[i] = i
	}
	sort.SliceStable(ii, func(a, b int) bool {
		return et.rows[ii[a]].Duration < et.rows[ii[b]].Duration
	})
	for i, j := range ii {
		dur[i] = et.rows[j].Duration
		ev[i] = et.rows[j].Event
	}
	return dur, ev
}

// eventstats returns the distinct times with the number at risk and
// the number of events at each.  dur must be sorted.
func eventstats(dur []float64, ev []bool) (times, nRisk, nEvents []float64) {

	var ra riskAccumulator
	ra.reset(len(dur))

	for i := 0; i < len(dur); i++ {
		ra.add(ev[i])
		if i == len(dur)-1 || dur[i+1] != dur[i] {
			times = append(times, dur[i])
			nRisk = append(nRisk, ra.atRisk)
			nEvents = append(nEvents, ra.events)
			ra.advance()
		}
	}

	return
}

// compress removes times where no events occurred.
func (c *SurvCurve) compress() {

	var ix []int
	for i := 0; i < len(c.times); i++ {
		// Only retain events, except for the last point,
		// which is retained even if there are no events.
		if c.nEvents[i] > 0 || i == len(c.times)-1 {
			ix = append(ix, i)
		}
	}

	if len(ix) < len(c.times) {
		for i, j := range ix {
			c.times[i] = c.times[j]
			c.nEvents[i] = c.nEvents[j]
			c.nRisk[i] = c.nRisk[j]
		}
		c.times = c.times[0:len(ix)]
		c.nEvents = c.nEvents[0:len(ix)]
		c.nRisk = c.nRisk[0:len(ix)]
	}
}

func fitCurve(stratum string, dur []float64, ev []bool, z float64, ct ConfType) *SurvCurve {

	c := &SurvCurve{stratum: stratum}
	c.times, c.nRisk, c.nEvents = eventstats(dur, ev)
	c.compress()

	m := len(c.times)
	c.survProb = make([]float64, m)
	c.survProbVar = make([]float64, m)
	c.lcb = make([]float64, m)
	c.ucb = make([]float64, m)

	x := float64(1)
	var gw float64
	for i := range c.times {
		d := c.nEvents[i]
		n := c.nRisk[i]
		x *= 1 - d/n
		c.survProb[i] = x
		if d < n {
			gw += d / (n * (n - d))
		} else {
			gw = math.Inf(1)
		}

		if x == 0 {
			// Everyone remaining has failed.
			c.survProbVar[i] = 0
			continue
		}
		c.survProbVar[i] = x * x * gw
		c.lcb[i], c.ucb[i] = band(x, gw, z, ct)
	}

	return c
}

// band returns a confidence band for the survival probability s, given
// the cumulative Greenwood sum gw.
func band(s, gw, z float64, ct ConfType) (float64, float64) {

	se := math.Sqrt(gw)

	var lo, hi float64
	switch ct {
	case ConfLogLog:
		if s == 1 {
			return 1, 1
		}
		q := se / math.Abs(math.Log(s))
		lo = math.Pow(s, math.Exp(z*q))
		hi = math.Pow(s, math.Exp(-z*q))
	case ConfPlain:
		lo = s - z*s*se
		hi = s + z*s*se
	default:
		lo = s * math.Exp(-z*se)
		hi = s * math.Exp(z*se)
	}

	return math.Max(lo, 0), math.Min(hi, 1)
}

func (c *SurvCurve) totalEvents() float64 {
	var e float64
	for _, d := range c.nEvents {
		e += d
	}
	return e
}

// Stratum returns the stratum key of the curve.
func (c *SurvCurve) Stratum() string {
	return c.stratum
}

// Time returns the times at which the survival function changes.
func (c *SurvCurve) Time() []float64 {
	return c.times
}

// NumRisk returns the number of people at risk at each time point
// where the survival function changes.
func (c *SurvCurve) NumRisk() []float64 {
	return c.nRisk
}

// NumEvents returns the number of events at each time point where the
// survival function changes.
func (c *SurvCurve) NumEvents() []float64 {
	return c.nEvents
}

// SurvProb returns the estimated survival probabilities at the points
// where the survival function changes.
func (c *SurvCurve) SurvProb() []float64 {
	return c.survProb
}

// SurvProbVar returns the Greenwood variances of the estimated survival
// probabilities.
func (c *SurvCurve) SurvProbVar() []float64 {
	return c.survProbVar
}

// SurvProbSE returns the standard errors of the estimated survival
// probabilities at the points where the survival function changes.
func (c *SurvCurve) SurvProbSE() []float64 {
	se := make([]float64, len(c.survProbVar))
	for i, v := range c.survProbVar {
		se[i] = math.Sqrt(v)
	}
	return se
}

// ConfBand returns the lower and upper pointwise confidence limits.
func (c *SurvCurve) ConfBand() ([]float64, []float64) {
	return c.lcb, c.ucb
}

// Steps returns the curve as a sequence of steps.
func (c *SurvCurve) Steps() []SurvStep {
	steps := make([]SurvStep, len(c.times))
	for i := range c.times {
		steps[i] = SurvStep{
			Time:      c.times[i],
			SurvProb:  c.survProb[i],
			Var:       c.survProbVar[i],
			NumRisk:   c.nRisk[i],
			NumEvents: c.nEvents[i],
			Lower:     c.lcb[i],
			Upper:     c.ucb[i],
		}
	}
	return steps
}

// Eval returns the estimated probability of surviving past time t.
func (c *SurvCurve) Eval(t float64) float64 {
	i := sort.SearchFloat64s(c.times, t)
	if i < len(c.times) && c.times[i] == t {
		return c.survProb[i]
	}
	if i == 0 {
		return 1
	}
	return c.survProb[i-1]
}

// evalLeft returns the estimated probability of surviving to just
// before time t.
func (c *SurvCurve) evalLeft(t float64) float64 {
	i := sort.SearchFloat64s(c.times, t)
	if i == 0 {
		return 1
	}
	return c.survProb[i-1]
}

// Median returns the smallest time at which the survival probability is
// at most one half, or NaN if the curve never gets that low.
func (c *SurvCurve) Median() float64 {
	for i, p := range c.survProb {
		if p <= 0.5 {
			return c.times[i]
		}
	}
	return math.NaN()
}
