package trust

import (
	"math"
	"time"
)

// DecayConfig tunes the temporal-coherence model. Trust drifts toward the
// baseline exponentially; activity, sustained performance, and the team's
// metabolic state all scale the effective rate.
type DecayConfig struct {
	Baseline float64

	// Per-dimension base rates, in units of 1/DecayPeriod.
	Rates map[Dimension]float64

	// DecayPeriod is the time unit of the rate constants.
	DecayPeriod time.Duration

	// ActivityFloor is the decay multiplier approached under heavy activity
	// (1.0 = activity has no effect, 0.0 = activity freezes decay).
	ActivityFloor float64

	// ActivityWindow normalises the action rate.
	ActivityWindow time.Duration

	// Dimensions above SustainedThreshold decay at SustainedFactor rate.
	SustainedThreshold float64
	SustainedFactor    float64
}

// DefaultDecayConfig mirrors the production constants: ~50% decay toward
// baseline per month of inactivity on the mid-rate dimensions.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Baseline: Baseline,
		Rates: map[Dimension]float64{
			Competence:  0.02,
			Reliability: 0.05,
			Consistency: 0.03,
			Witnesses:   0.10,
			Lineage:     0.01,
			Alignment:   0.04,
		},
		DecayPeriod:        24 * time.Hour,
		ActivityFloor:      0.3,
		ActivityWindow:     7 * 24 * time.Hour,
		SustainedThreshold: 0.8,
		SustainedFactor:    0.5,
	}
}

// defaultRate is applied to dimensions absent from the rate table.
const defaultRate = 0.03

// metabolicFactors scales decay by team metabolic state. Hibernation, torpor,
// estivation and dreaming freeze decay; sleep slows it to a tenth; molting
// slightly accelerates it.
var metabolicFactors = map[string]float64{
	"active":      1.0,
	"rest":        0.9,
	"sleep":       0.1,
	"hibernation": 0.0,
	"torpor":      0.0,
	"estivation":  0.0,
	"dreaming":    0.0,
	"molting":     1.2,
}

// MetabolicFactor returns the decay multiplier for a metabolic state name.
// Unknown states decay at the full rate.
func MetabolicFactor(state string) float64 {
	if f, ok := metabolicFactors[state]; ok {
		return f
	}
	return 1.0
}

// Calculator applies time-based decay to trust vectors. It is stateless; all
// member state lives on the caller.
type Calculator struct {
	cfg DecayConfig
}

// NewCalculator builds a calculator; a nil config selects the defaults.
func NewCalculator(cfg *DecayConfig) *Calculator {
	if cfg == nil {
		c := DefaultDecayConfig()
		return &Calculator{cfg: c}
	}
	return &Calculator{cfg: *cfg}
}

// Config exposes the active configuration.
func (c *Calculator) Config() DecayConfig { return c.cfg }

// ApplyDecay decays the vector from lastUpdate to now given the
// (quality-adjusted) action count since the last update and the team's
// metabolic state ("" means active). The input vector is not mutated.
func (c *Calculator) ApplyDecay(v Vector, lastUpdate, now time.Time, actions int, metabolicState string) Vector {
	delta := now.Sub(lastUpdate)
	periods := delta.Seconds() / c.cfg.DecayPeriod.Seconds()
	if periods <= 0 {
		return v.Clone()
	}

	activity := c.activityFactor(actions, delta)
	metabolic := 1.0
	if metabolicState != "" {
		metabolic = MetabolicFactor(metabolicState)
	}

	out := make(Vector, len(v))
	for d, value := range v {
		out[d] = c.decayDimension(d, value, periods, activity*metabolic)
	}
	return out
}

func (c *Calculator) decayDimension(d Dimension, value, periods, factor float64) float64 {
	rate, ok := c.cfg.Rates[d]
	if !ok {
		rate = defaultRate
	}
	effective := rate * factor
	if value > c.cfg.SustainedThreshold {
		effective *= c.cfg.SustainedFactor
	}
	diff := value - c.cfg.Baseline
	return clamp01(c.cfg.Baseline + diff*math.Exp(-effective*periods))
}

// activityFactor maps the action rate over the elapsed window to a decay
// multiplier: no activity decays at the full rate; heavy activity approaches
// the floor asymptotically.
func (c *Calculator) activityFactor(actions int, elapsed time.Duration) float64 {
	if actions <= 0 {
		return 1.0
	}
	seconds := elapsed.Seconds()
	if seconds < 1 {
		seconds = 1
	}
	rate := float64(actions) / seconds * c.cfg.ActivityWindow.Seconds()
	base := c.cfg.ActivityFloor
	return base + (1-base)*math.Exp(-rate)
}

// TimeToBaseline estimates how long a dimension takes to decay to within
// threshold of the baseline with no activity.
func (c *Calculator) TimeToBaseline(d Dimension, current, threshold float64) time.Duration {
	rate, ok := c.cfg.Rates[d]
	if !ok {
		rate = defaultRate
	}
	diff := math.Abs(current - c.cfg.Baseline)
	if diff <= threshold {
		return 0
	}
	periods := -math.Log(threshold/diff) / rate
	return time.Duration(periods * float64(c.cfg.DecayPeriod))
}

// ProjectDecay returns daily snapshots of the vector decaying over the given
// horizon with a constant activity level.
func (c *Calculator) ProjectDecay(v Vector, start time.Time, days int, actionsPerDay int) []Vector {
	snapshots := make([]Vector, 0, days+1)
	snapshots = append(snapshots, v.Clone())
	current := v.Clone()
	for day := 1; day <= days; day++ {
		prev := start.Add(time.Duration(day-1) * 24 * time.Hour)
		next := start.Add(time.Duration(day) * 24 * time.Hour)
		current = c.ApplyDecay(current, prev, next, actionsPerDay, "")
		snapshots = append(snapshots, current.Clone())
	}
	return snapshots
}
