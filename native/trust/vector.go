package trust

// Dimension names one axis of the six-dimensional trust vector.
type Dimension string

const (
	Competence  Dimension = "competence"
	Reliability Dimension = "reliability"
	Consistency Dimension = "consistency"
	Witnesses   Dimension = "witnesses"
	Lineage     Dimension = "lineage"
	Alignment   Dimension = "alignment"
)

// Dimensions lists every axis in canonical order.
var Dimensions = []Dimension{Competence, Reliability, Consistency, Witnesses, Lineage, Alignment}

// Baseline is the neutral trust level every dimension starts at and decays
// toward.
const Baseline = 0.5

// scoreWeights sum to exactly 1.0; the aggregate score is the plain weighted
// sum with no renormalisation.
var scoreWeights = map[Dimension]float64{
	Competence:  0.25,
	Reliability: 0.20,
	Consistency: 0.15,
	Witnesses:   0.15,
	Lineage:     0.15,
	Alignment:   0.10,
}

// Vector is a per-member trust tensor. Values are always clamped to [0, 1].
type Vector map[Dimension]float64

// NewVector returns a vector with every dimension at baseline.
func NewVector() Vector {
	v := make(Vector, len(Dimensions))
	for _, d := range Dimensions {
		v[d] = Baseline
	}
	return v
}

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for d, val := range v {
		out[d] = val
	}
	return out
}

// Score computes the weighted aggregate trust score. Missing dimensions count
// at baseline so partially-populated vectors from older storage still score.
func (v Vector) Score() float64 {
	score := 0.0
	for d, w := range scoreWeights {
		val, ok := v[d]
		if !ok {
			val = Baseline
		}
		score += val * w
	}
	return score
}

// Set clamps value into [0, 1] and stores it.
func (v Vector) Set(d Dimension, value float64) {
	v[d] = clamp01(value)
}

// Add applies a delta to one dimension, clamping the result.
func (v Vector) Add(d Dimension, delta float64) {
	v[d] = clamp01(v[d] + delta)
}

// ToMap converts to a plain string-keyed map for JSON persistence.
func (v Vector) ToMap() map[string]float64 {
	out := make(map[string]float64, len(v))
	for d, val := range v {
		out[string(d)] = val
	}
	return out
}

// VectorFromMap rebuilds a vector from persisted form. Unknown keys are
// dropped; missing dimensions default to baseline.
func VectorFromMap(m map[string]float64) Vector {
	v := NewVector()
	for _, d := range Dimensions {
		if val, ok := m[string(d)]; ok {
			v[d] = clamp01(val)
		}
	}
	return v
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
