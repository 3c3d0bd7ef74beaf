package heartbeat

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testClock steps a fake wall clock.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time            { return c.t }
func (c *testClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func openTestLedger(t *testing.T, teamID string) (*Ledger, *testClock) {
	t.Helper()
	l, err := Open(teamID, filepath.Join(t.TempDir(), "heartbeat.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	clock := newTestClock()
	l.SetNowFunc(clock.now)
	return l, clock
}

func TestHeartbeatSealsPendingPool(t *testing.T) {
	l, clock := openTestLedger(t, "web4:team:alpha")

	if _, err := l.SubmitTransaction("r6_created", "web4:soft:dev:a", map[string]any{"r6_id": "r6:1"}, "", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := l.SubmitTransaction("r6_executed", "web4:soft:dev:a", nil, "", 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if l.PendingCount() != 2 {
		t.Fatalf("expected 2 pending, got %d", l.PendingCount())
	}

	clock.advance(60 * time.Second)
	block, err := l.Heartbeat("web4:soft:admin:a")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if block.BlockNumber != 0 || block.PreviousHash != "genesis" {
		t.Fatalf("first block should be genesis-linked #0: %+v", block)
	}
	if block.TxCount != 2 {
		t.Fatalf("expected 2 txns sealed, got %d", block.TxCount)
	}
	// 0.01 * 60 * 1.0 + 2 ATP of tx cost.
	want := 0.6 + 2.0
	if diff := block.EnergyCost - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected energy cost: %v", block.EnergyCost)
	}
	if l.PendingCount() != 0 {
		t.Fatalf("pool should drain after sealing")
	}

	clock.advance(60 * time.Second)
	block2, err := l.Heartbeat("")
	if err != nil {
		t.Fatalf("heartbeat 2: %v", err)
	}
	if block2.BlockNumber != 1 || block2.PreviousHash != block.BlockHash {
		t.Fatalf("chain linkage broken: %+v", block2)
	}

	ok, detail, err := l.VerifyChain()
	if err != nil || !ok {
		t.Fatalf("chain should verify: %v %s", err, detail)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	l, _ := openTestLedger(t, "web4:team:alpha")
	if _, err := l.TransitionState(StateHibernation, "manual", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("active->hibernation should be illegal, got %v", err)
	}
	if _, err := l.TransitionState(StateSleep, "manual", nil); err != nil {
		t.Fatalf("active->sleep should be legal: %v", err)
	}
	if _, err := l.TransitionState(StateHibernation, "manual", nil); err != nil {
		t.Fatalf("sleep->hibernation should be legal: %v", err)
	}
}

func TestRestWakesOnTransaction(t *testing.T) {
	l, clock := openTestLedger(t, "web4:team:alpha")
	if _, err := l.TransitionState(StateRest, "end_of_day", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if l.State() != StateRest {
		t.Fatalf("expected rest, got %s", l.State())
	}
	clock.advance(time.Minute)
	if _, err := l.SubmitTransaction("r6_created", "web4:soft:dev:a", nil, "", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if l.State() != StateActive {
		t.Fatalf("transaction should wake the team, got %s", l.State())
	}
	// The wake transition rides the pending pool, not a recursive wake.
	clock.advance(time.Minute)
	block, err := l.Heartbeat("")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	foundWake := false
	for _, tx := range block.Transactions {
		if tx.TxType == "metabolic_transition" {
			foundWake = true
		}
	}
	if !foundWake {
		t.Fatalf("wake transition should appear in the sealed block")
	}
}

func TestWakePenaltyScalesWithDwell(t *testing.T) {
	// Full dwell: no penalty.
	l, clock := openTestLedger(t, "web4:team:alpha")
	if _, err := l.TransitionState(StateSleep, "scheduled", nil); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	clock.advance(time.Hour)
	tr, err := l.TransitionState(StateActive, "wake", nil)
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if tr.ATPCost != 0 {
		t.Fatalf("full dwell should cost nothing, got %v", tr.ATPCost)
	}

	// Zero dwell: full penalty.
	l2, _ := openTestLedger(t, "web4:team:beta")
	if _, err := l2.TransitionState(StateSleep, "scheduled", nil); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	tr2, err := l2.TransitionState(StateActive, "wake", nil)
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if diff := tr2.ATPCost - 10; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("instant wake from sleep should cost the full 10 ATP, got %v", tr2.ATPCost)
	}

	// Half dwell: half penalty.
	l3, clock3 := openTestLedger(t, "web4:team:gamma")
	if _, err := l3.TransitionState(StateSleep, "scheduled", nil); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	clock3.advance(30 * time.Minute)
	tr3, err := l3.TransitionState(StateActive, "wake", nil)
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if diff := tr3.ATPCost - 5; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("half dwell should cost half the penalty, got %v", tr3.ATPCost)
	}
}

func TestMoltingEntryCost(t *testing.T) {
	l, _ := openTestLedger(t, "web4:team:alpha")
	tr, err := l.TransitionState(StateMolting, "renewal", nil)
	if err != nil {
		t.Fatalf("molting: %v", err)
	}
	if tr.ATPCost != 25 {
		t.Fatalf("molting entry should cost 25 ATP, got %v", tr.ATPCost)
	}
}

func TestAutoTransitionIdleToRest(t *testing.T) {
	l, clock := openTestLedger(t, "web4:team:alpha")
	if _, err := l.SubmitTransaction("r6_created", "web4:soft:dev:a", nil, "", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.advance(time.Minute)
	if _, err := l.Heartbeat(""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// An hour of silence flips the team to rest at the next pulse.
	clock.advance(2 * time.Hour)
	if _, err := l.Heartbeat(""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if l.State() != StateRest {
		t.Fatalf("idle team should auto-rest, got %s", l.State())
	}
}

func TestAutoTransitionATPCritical(t *testing.T) {
	l, clock := openTestLedger(t, "web4:team:alpha")
	// Drain reserves to under 10%.
	if _, err := l.db.Exec("UPDATE team_state SET atp_reserves = 50 WHERE team_id = ?", "web4:team:alpha"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	clock.advance(time.Minute)
	if _, err := l.Heartbeat(""); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if l.State() != StateTorpor {
		t.Fatalf("ATP-critical team should enter torpor, got %s", l.State())
	}
}

func TestHeartbeatFailsWhenReservesExhausted(t *testing.T) {
	l, clock := openTestLedger(t, "web4:team:alpha")
	if _, err := l.db.Exec("UPDATE team_state SET atp_reserves = 0.1 WHERE team_id = ?", "web4:team:alpha"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := l.SubmitTransaction("r6_executed", "web4:soft:dev:a", nil, "", 50); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.advance(time.Minute)
	if _, err := l.Heartbeat(""); !errors.Is(err, ErrInsufficientReserves) {
		t.Fatalf("expected ErrInsufficientReserves, got %v", err)
	}
	// Pending pool survives the failed seal.
	if l.PendingCount() != 1 {
		t.Fatalf("pending pool should survive a failed seal")
	}
}

func TestMetabolicHealthRegularity(t *testing.T) {
	l, clock := openTestLedger(t, "web4:team:alpha")
	for i := 0; i < 20; i++ {
		clock.advance(60 * time.Second)
		if _, err := l.Heartbeat(""); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	health, err := l.MetabolicHealth()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.HeartbeatRegularity < 0.99 {
		t.Fatalf("metronomic pulses should score ~1.0 regularity, got %v", health.HeartbeatRegularity)
	}

	irregular, clock2 := openTestLedger(t, "web4:team:beta")
	intervals := []time.Duration{5 * time.Second, 600 * time.Second, 10 * time.Second, 900 * time.Second}
	for i := 0; i < 20; i++ {
		clock2.advance(intervals[i%len(intervals)])
		if _, err := irregular.Heartbeat(""); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	h2, err := irregular.MetabolicHealth()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h2.HeartbeatRegularity >= health.HeartbeatRegularity {
		t.Fatalf("irregular pulses should score lower: %v vs %v", h2.HeartbeatRegularity, health.HeartbeatRegularity)
	}
}

func TestSleeperSavesEnergy(t *testing.T) {
	// Honest team: 100 pulses at 60s; with no new transactions the idle rule
	// moves it from active to rest after the first hour.
	honest, hClock := openTestLedger(t, "web4:team:honest")
	for i := 0; i < 10; i++ {
		if _, err := honest.SubmitTransaction("r6_executed", "web4:soft:dev:h", nil, "", 2); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for i := 0; i < 100; i++ {
		hClock.advance(60 * time.Second)
		if _, err := honest.Heartbeat(""); err != nil {
			t.Fatalf("honest heartbeat: %v", err)
		}
	}

	// Sleeper: same work in one pulse, then rest -> sleep for the remainder.
	sleeper, sClock := openTestLedger(t, "web4:team:sleeper")
	for i := 0; i < 10; i++ {
		if _, err := sleeper.SubmitTransaction("r6_executed", "web4:soft:dev:s", nil, "", 2); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	sClock.advance(60 * time.Second)
	if _, err := sleeper.Heartbeat(""); err != nil {
		t.Fatalf("sleeper heartbeat: %v", err)
	}
	if _, err := sleeper.TransitionState(StateRest, "work_complete", nil); err != nil {
		t.Fatalf("rest: %v", err)
	}
	sClock.advance(60 * time.Second)
	if _, err := sleeper.Heartbeat(""); err != nil {
		t.Fatalf("sleeper heartbeat: %v", err)
	}
	if _, err := sleeper.TransitionState(StateSleep, "scheduled", nil); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	for i := 0; i < 97; i++ {
		sClock.advance(60 * time.Second)
		if _, err := sleeper.Heartbeat(""); err != nil {
			t.Fatalf("sleeper heartbeat %d: %v", i, err)
		}
	}

	hHealth, err := honest.MetabolicHealth()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	sHealth, err := sleeper.MetabolicHealth()
	if err != nil {
		t.Fatalf("health: %v", err)
	}

	if sHealth.TotalEnergySpent >= 0.5*hHealth.TotalEnergySpent {
		t.Fatalf("sleeper should spend far less energy: sleeper=%v honest=%v",
			sHealth.TotalEnergySpent, hHealth.TotalEnergySpent)
	}

	ok, _, err := honest.VerifyChain()
	if err != nil || !ok {
		t.Fatalf("honest chain must verify")
	}
	ok, _, err = sleeper.VerifyChain()
	if err != nil || !ok {
		t.Fatalf("sleeper chain must verify")
	}
}

func TestParseStateRejectsUnknown(t *testing.T) {
	if _, err := ParseState("comatose"); err == nil {
		t.Fatalf("unknown state must be a parse failure")
	}
}
