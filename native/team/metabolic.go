package team

import (
	"log/slog"
	"time"

	"hardbound/native/heartbeat"
)

// MetabolicState reports the team's current metabolic state.
func (t *Team) MetabolicState() heartbeat.MetabolicState {
	return t.hb.State()
}

// Pulse fires a heartbeat, sealing pending transactions into a block. The
// sentinel defaults to the admin when unset.
func (t *Team) Pulse(sentinelLCT string) (*heartbeat.Block, error) {
	if sentinelLCT == "" {
		sentinelLCT = t.AdminLCT()
	}
	return t.hb.Heartbeat(sentinelLCT)
}

// MetabolicTransition moves the team to a new state. Waking from a dormant
// state recalibrates every member's trust toward baseline in proportion to
// the dormancy duration.
func (t *Team) MetabolicTransition(to heartbeat.MetabolicState, trigger string) (*heartbeat.Transition, error) {
	from := t.hb.State()
	transition, err := t.hb.TransitionState(to, trigger, nil)
	if err != nil {
		return nil, err
	}

	if from.Dormant() && (to == heartbeat.StateActive || to == heartbeat.StateRest) {
		if err := t.applyWakeRecalibration(from); err != nil {
			return nil, err
		}
	}

	if _, err := t.led.RecordAudit(t.teamID, "metabolic_transition", "hardbound", string(to), "", "", "ok",
		map[string]any{
			"from":     string(transition.FromState),
			"to":       string(transition.ToState),
			"trigger":  trigger,
			"atp_cost": transition.ATPCost,
		}); err != nil {
		return nil, err
	}
	return transition, nil
}

// applyWakeRecalibration finds when the dormant state was entered and pulls
// every member's trust toward baseline accordingly.
func (t *Team) applyWakeRecalibration(dormant heartbeat.MetabolicState) error {
	if t.calc == nil {
		return nil
	}
	history, err := t.hb.TransitionHistory()
	if err != nil {
		return err
	}

	now := t.now().UTC()
	dormancyStart := now.Add(-24 * time.Hour) // fallback when history is thin
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ToState == dormant {
			if parsed, err := time.Parse(time.RFC3339Nano, history[i].Timestamp); err == nil {
				dormancyStart = parsed
			}
			break
		}
	}

	t.mu.Lock()
	recalibrated := 0
	for _, member := range t.members {
		vector := member.trustVector()
		member.setTrust(t.calc.WakeRecalibration(vector, dormancyStart, now, string(dormant)))
		recalibrated++
	}
	err = t.store()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if recalibrated == 0 {
		return nil
	}
	slog.Info("wake recalibration applied",
		"team", t.teamID, "dormant_state", string(dormant), "members", recalibrated)

	_, err = t.led.RecordAudit(t.teamID, "wake_recalibration", "hardbound", string(dormant), "", "", "ok",
		map[string]any{
			"dormant_state":         string(dormant),
			"dormancy_start":        dormancyStart.Format(time.RFC3339Nano),
			"wake_time":             now.Format(time.RFC3339Nano),
			"members_recalibrated":  recalibrated,
		})
	return err
}

// MetabolicHealth returns the heartbeat ledger's health report.
func (t *Team) MetabolicHealth() (*heartbeat.Health, error) {
	return t.hb.MetabolicHealth()
}
