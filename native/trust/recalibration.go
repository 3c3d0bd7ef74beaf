package trust

import (
	"math"
	"time"
)

// Daily recalibration rates per dormant state. Longer and deeper dormancy
// pulls trust harder toward baseline: information about a sleeping entity
// goes stale.
var recalibrationRates = map[string]float64{
	"sleep":       0.05,
	"hibernation": 0.15,
	"torpor":      0.10,
	"estivation":  0.08,
}

// WakeRecalibration pulls a vector toward baseline proportionally to how long
// the team spent dormant. Applied to every member when the team exits a
// dormant metabolic state.
func (c *Calculator) WakeRecalibration(v Vector, dormancyStart, wake time.Time, dormantState string) Vector {
	rate, ok := recalibrationRates[dormantState]
	if !ok {
		return v.Clone()
	}
	days := wake.Sub(dormancyStart).Hours() / 24
	if days <= 0 {
		return v.Clone()
	}
	factor := math.Exp(-rate * days)
	out := make(Vector, len(v))
	for d, value := range v {
		diff := value - c.cfg.Baseline
		out[d] = clamp01(c.cfg.Baseline + diff*factor)
	}
	return out
}
