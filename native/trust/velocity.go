package trust

import "time"

// VelocityCaps bounds the positive trust gain per dimension per UTC day.
// Negative deltas are never capped: penalties always apply in full.
var VelocityCaps = map[Dimension]float64{
	Reliability: 0.10,
	Competence:  0.08,
	Alignment:   0.06,
	Consistency: 0.05,
	Witnesses:   0.15,
	Lineage:     0.03,
}

const defaultVelocityCap = 0.10

// epochDayLayout keys velocity epochs by UTC calendar date. The day boundary
// is the UTC midnight regardless of local zone.
const epochDayLayout = "2006-01-02"

// VelocityTracker accumulates the positive gain applied to each dimension
// within the current UTC day. It resets automatically when the day rolls.
type VelocityTracker struct {
	Epoch  string                `json:"epoch"`
	Gained map[Dimension]float64 `json:"gained"`
}

// NewVelocityTracker returns an empty tracker.
func NewVelocityTracker() *VelocityTracker {
	return &VelocityTracker{Gained: make(map[Dimension]float64)}
}

// roll resets the tracker if now falls in a different UTC day than the epoch.
func (t *VelocityTracker) roll(now time.Time) {
	day := now.UTC().Format(epochDayLayout)
	if t.Epoch != day {
		t.Epoch = day
		t.Gained = make(map[Dimension]float64)
	}
}

// Apply caps a proposed delta for a dimension. Positive deltas are limited to
// the remaining headroom for the day and the consumed headroom is recorded;
// negative deltas pass through untouched.
func (t *VelocityTracker) Apply(d Dimension, delta float64, now time.Time) float64 {
	if delta <= 0 {
		return delta
	}
	t.roll(now)
	cap := VelocityCaps[d]
	if cap == 0 {
		cap = defaultVelocityCap
	}
	remaining := cap - t.Gained[d]
	if remaining <= 0 {
		return 0
	}
	if delta > remaining {
		delta = remaining
	}
	t.Gained[d] += delta
	return delta
}

// GainedToday reports the headroom already consumed for a dimension.
func (t *VelocityTracker) GainedToday(d Dimension, now time.Time) float64 {
	t.roll(now)
	return t.Gained[d]
}
