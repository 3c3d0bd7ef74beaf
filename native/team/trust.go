package team

import (
	"fmt"
	"math"
	"time"

	"hardbound/native/trust"
	"hardbound/observability"
)

// Outcome labels a completed action's result for trust accounting.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// ParseOutcome rejects unknown outcome labels.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome: %q", s)
}

// Base delta per unit magnitude by outcome.
func outcomeDelta(outcome Outcome, magnitude float64) float64 {
	switch outcome {
	case OutcomeSuccess:
		return magnitude * 0.05
	case OutcomeFailure:
		return -magnitude * 0.10
	default:
		return magnitude * 0.02
	}
}

// Outcome deltas land on the performance dimensions with role-appropriate
// multipliers; witnesses/lineage move only through witnessing and history.
var outcomeMultipliers = map[trust.Dimension]float64{
	trust.Reliability: 1.0,
	trust.Competence:  0.5,
	trust.Alignment:   0.3,
}

const (
	witnessBaseDelta       = 0.03
	witnessHalflife        = 3.0
	witnessWindowDays      = 30
	rejoinWitnessCooldown  = 72 * time.Hour
)

// Witness deltas land mostly on the witnesses dimension with spillover into
// reliability and consistency.
var witnessWeights = map[trust.Dimension]float64{
	trust.Witnesses:   1.0,
	trust.Reliability: 0.3,
	trust.Consistency: 0.2,
}

func (t *Team) activityWindow(lct string) *trust.ActivityWindow {
	w, ok := t.activity[lct]
	if !ok {
		w = trust.NewActivityWindow(lct)
		t.activity[lct] = w
	}
	return w
}

// qualityAdjustedActions substitutes quality-scored activity for the raw
// action count so micro-pinging cannot preserve trust.
func (t *Team) qualityAdjustedActions(lct string, raw int, now time.Time) int {
	w, ok := t.activity[lct]
	if !ok || w.Len() == 0 {
		return raw
	}
	return w.QualityAdjustedActions(raw, now)
}

func (t *Team) metabolicStateLocked() string {
	if t.hb == nil {
		return "active"
	}
	return string(t.hb.State())
}

// UpdateMemberTrust applies an outcome to a member's trust vector: pending
// decay first, then the capped outcome deltas. Returns the updated vector.
func (t *Team) UpdateMemberTrust(lct string, outcome Outcome, magnitude float64) (trust.Vector, error) {
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return nil, err
	}
	if magnitude < 0 || magnitude > 1 {
		return nil, fmt.Errorf("magnitude out of range: %v", magnitude)
	}

	t.mu.Lock()
	member, ok := t.members[lct]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotMember, lct)
	}

	now := t.now().UTC()
	t.activityWindow(lct).Record("trust_update_"+string(outcome), 0, now)

	vector := t.applyPendingDecayLocked(member, now)

	delta := outcomeDelta(outcome, magnitude)
	velocity := member.velocity()
	for dim, multiplier := range outcomeMultipliers {
		applied := velocity.Apply(dim, delta*multiplier, now)
		vector.Add(dim, applied)
	}

	member.setTrust(vector)
	member.LastTrustUpdate = now.Format(time.RFC3339Nano)
	member.ActionCount++
	err := t.store()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := t.hb.SubmitTransaction("trust_update", t.adminOrTeam(), map[string]any{
		"target": lct, "outcome": string(outcome), "magnitude": magnitude,
	}, lct, 0); err != nil {
		return nil, err
	}
	observability.Metrics().TrustUpdates.WithLabelValues(string(outcome)).Inc()
	return vector, nil
}

// applyPendingDecayLocked decays the member's vector up to now. Caller holds
// the team lock.
func (t *Team) applyPendingDecayLocked(member *Member, now time.Time) trust.Vector {
	vector := member.trustVector()
	if t.calc == nil || member.LastTrustUpdate == "" {
		return vector
	}
	last, err := time.Parse(time.RFC3339Nano, member.LastTrustUpdate)
	if err != nil {
		return vector
	}
	actions := t.qualityAdjustedActions(member.LCTID, member.ActionCount, now)
	return t.calc.ApplyDecay(vector, last, now, actions, t.metabolicStateLocked())
}

// WitnessMember records one member attesting to another. Repeated same-pair
// attestations suffer exponential diminishing returns, witnessing from a
// freshly-rejoined member is blocked for 72 h, and velocity caps still apply.
func (t *Team) WitnessMember(witnessLCT, targetLCT string, quality float64) (trust.Vector, error) {
	if witnessLCT == targetLCT {
		return nil, fmt.Errorf("cannot witness yourself")
	}
	if quality < 0 || quality > 1 {
		return nil, fmt.Errorf("witness quality out of range: %v", quality)
	}

	t.mu.Lock()
	target, ok := t.members[targetLCT]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: target %s", ErrNotMember, targetLCT)
	}
	witness, ok := t.members[witnessLCT]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: witness %s", ErrNotMember, witnessLCT)
	}

	now := t.now().UTC()

	// Post-rejoin cooldown: a member whose membership lapsed must wait
	// before their attestations count again.
	if witness.RejoinedAt != "" {
		rejoined, err := time.Parse(time.RFC3339Nano, witness.RejoinedAt)
		if err == nil && now.Sub(rejoined) < rejoinWitnessCooldown {
			t.mu.Unlock()
			return nil, fmt.Errorf("witness %s is in post-rejoin cooldown", witnessLCT)
		}
	}

	t.activityWindow(witnessLCT).Record("witness_given", 0, now)
	t.activityWindow(targetLCT).Record("witness_received", 0, now)

	// Same-pair history inside the rolling window.
	if target.WitnessLog == nil {
		target.WitnessLog = make(map[string][]string)
	}
	cutoff := now.AddDate(0, 0, -witnessWindowDays)
	history := target.WitnessLog[witnessLCT][:0]
	for _, ts := range target.WitnessLog[witnessLCT] {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err == nil && parsed.After(cutoff) {
			history = append(history, ts)
		}
	}
	pairCount := len(history)

	diminishing := math.Pow(2, -float64(pairCount)/witnessHalflife)
	baseDelta := witnessBaseDelta * quality * diminishing

	vector := target.trustVector()
	velocity := target.velocity()
	for dim, weight := range witnessWeights {
		applied := velocity.Apply(dim, baseDelta*weight, now)
		vector.Add(dim, applied)
	}

	history = append(history, now.Format(time.RFC3339Nano))
	target.WitnessLog[witnessLCT] = history
	target.setTrust(vector)
	target.LastTrustUpdate = now.Format(time.RFC3339Nano)
	err := t.store()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := t.led.RecordAudit(t.teamID, "witness_attestation", "hardbound", targetLCT, "", "", "ok",
		map[string]any{
			"witness":            witnessLCT,
			"target":             targetLCT,
			"quality":            quality,
			"pair_count":         pairCount + 1,
			"diminishing_factor": diminishing,
		}); err != nil {
		return nil, err
	}
	if _, err := t.hb.SubmitTransaction("witness_attestation", witnessLCT, map[string]any{
		"target": targetLCT, "quality": quality,
	}, targetLCT, 0); err != nil {
		return nil, err
	}
	return vector, nil
}

// WitnessEffectiveness reports how much impact the next attestation from a
// witness will have on the target, in [0, 1].
func (t *Team) WitnessEffectiveness(witnessLCT, targetLCT string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.members[targetLCT]
	if !ok || target.WitnessLog == nil {
		if !ok {
			return 0
		}
		return 1
	}
	now := t.now().UTC()
	cutoff := now.AddDate(0, 0, -witnessWindowDays)
	recent := 0
	for _, ts := range target.WitnessLog[witnessLCT] {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err == nil && parsed.After(cutoff) {
			recent++
		}
	}
	return math.Pow(2, -float64(recent)/witnessHalflife)
}

// GetMemberTrust returns the member's trust vector, decayed to now when
// applyDecay is set. Non-members return nil.
func (t *Team) GetMemberTrust(lct string, applyDecay bool) trust.Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	member, ok := t.members[lct]
	if !ok {
		return nil
	}
	if !applyDecay {
		return member.trustVector()
	}
	return t.applyPendingDecayLocked(member, t.now().UTC())
}

// GetMemberTrustScore returns the weighted aggregate trust score.
func (t *Team) GetMemberTrustScore(lct string, applyDecay bool) float64 {
	vector := t.GetMemberTrust(lct, applyDecay)
	if vector == nil {
		return 0
	}
	return vector.Score()
}
