package team

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"hardbound/native/defense"
	"hardbound/native/heartbeat"
	"hardbound/native/ledger"
	"hardbound/native/trust"
	"hardbound/storage"
)

type fixture struct {
	team  *Team
	led   *ledger.Ledger
	now   time.Time
	setNow func(time.Time)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "governance.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	f := &fixture{led: led, now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}

	tm, err := Create(DefaultConfig("core"), led, storage.NewMemDB())
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	tm.SetNowFunc(func() time.Time { return f.now })
	f.team = tm
	f.setNow = func(ts time.Time) { f.now = ts }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestCreateAndLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	if err := f.team.SetAdmin("web4:soft:admin:a", "software", false); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, nil); err != nil {
		t.Fatalf("add member: %v", err)
	}

	loaded, err := Load(f.team.TeamID(), f.led, storage.NewMemDB())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.AdminLCT() != "web4:soft:admin:a" {
		t.Fatalf("admin not restored: %s", loaded.AdminLCT())
	}
	member, ok := loaded.GetMember("web4:soft:dev:d")
	if !ok || member.Role != RoleDeveloper || member.ATPBudget != 100 {
		t.Fatalf("member not restored: %+v", member)
	}
	if _, err := Load("web4:team:ghost", f.led, nil); !errors.Is(err, ErrTeamNotFound) {
		t.Fatalf("expected ErrTeamNotFound, got %v", err)
	}
}

func TestAddMemberDuplicateFails(t *testing.T) {
	f := newFixture(t)
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleMember, nil); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
}

func TestRemoveMemberAuthorization(t *testing.T) {
	f := newFixture(t)
	if err := f.team.SetAdmin("web4:soft:admin:a", "software", false); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Non-admin without multi-sig is rejected.
	if err := f.team.RemoveMember("web4:soft:dev:d", "web4:soft:dev:x", "spite", ""); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	// Admin removal works.
	if err := f.team.RemoveMember("web4:soft:dev:d", "web4:soft:admin:a", "inactive", ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := f.team.GetMember("web4:soft:dev:d"); ok {
		t.Fatalf("member should be gone")
	}
	// Admin cannot be removed.
	if err := f.team.RemoveMember("web4:soft:admin:a", "web4:soft:admin:a", "", ""); err == nil {
		t.Fatalf("admin removal must fail")
	}
}

func TestWitnessLogSurvivesRejoin(t *testing.T) {
	f := newFixture(t)
	if err := f.team.SetAdmin("web4:soft:admin:a", "software", false); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	for _, lct := range []string{"web4:soft:dev:w", "web4:soft:dev:d"} {
		if _, err := f.team.AddMember(lct, RoleDeveloper, nil); err != nil {
			t.Fatalf("add %s: %v", lct, err)
		}
	}
	if _, err := f.team.WitnessMember("web4:soft:dev:w", "web4:soft:dev:d", 1.0); err != nil {
		t.Fatalf("witness: %v", err)
	}
	effBefore := f.team.WitnessEffectiveness("web4:soft:dev:w", "web4:soft:dev:d")

	// Remove and re-add the target: the witness log must survive so the
	// diminishing-returns counter does not reset.
	if err := f.team.RemoveMember("web4:soft:dev:d", "web4:soft:admin:a", "cycling", ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, nil); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	effAfter := f.team.WitnessEffectiveness("web4:soft:dev:w", "web4:soft:dev:d")
	if math.Abs(effAfter-effBefore) > 1e-9 {
		t.Fatalf("witness effectiveness reset on rejoin: %v vs %v", effAfter, effBefore)
	}

	// The rejoined member cannot witness for 72 h.
	if _, err := f.team.WitnessMember("web4:soft:dev:d", "web4:soft:dev:w", 1.0); err == nil {
		t.Fatalf("rejoined member should be in witnessing cooldown")
	}
	f.advance(73 * time.Hour)
	if _, err := f.team.WitnessMember("web4:soft:dev:d", "web4:soft:dev:w", 1.0); err != nil {
		t.Fatalf("cooldown should expire after 72h: %v", err)
	}
}

func TestATPAccounting(t *testing.T) {
	f := newFixture(t)
	budget := 10
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, &budget); err != nil {
		t.Fatalf("add: %v", err)
	}

	left, err := f.team.ConsumeMemberATP("web4:soft:dev:d", 4)
	if err != nil || left != 6 {
		t.Fatalf("consume: left=%d err=%v", left, err)
	}
	if _, err := f.team.ConsumeMemberATP("web4:soft:dev:d", 7); !errors.Is(err, ErrInsufficientATP) {
		t.Fatalf("expected ErrInsufficientATP, got %v", err)
	}
	member, _ := f.team.GetMember("web4:soft:dev:d")
	if member.ATPConsumed != 4 {
		t.Fatalf("failed overdraw must not debit, consumed=%d", member.ATPConsumed)
	}

	reward, err := f.team.RewardMemberATP("web4:soft:dev:d", "success", 2)
	if err != nil || reward != 2 {
		t.Fatalf("reward: %d %v", reward, err)
	}
	if got := f.team.GetMemberATP("web4:soft:dev:d"); got != 8 {
		t.Fatalf("expected 8 remaining after reward, got %d", got)
	}
	// Failure outcomes earn nothing.
	if reward, _ := f.team.RewardMemberATP("web4:soft:dev:d", "failure", 2); reward != 0 {
		t.Fatalf("failure should not be rewarded")
	}
}

func TestUpdateMemberTrustOutcomes(t *testing.T) {
	f := newFixture(t)
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	vector, err := f.team.UpdateMemberTrust("web4:soft:dev:d", OutcomeSuccess, 1.0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if diff := vector[trust.Reliability] - 0.55; math.Abs(diff) > 1e-9 {
		t.Fatalf("success with magnitude 1 should add 0.05 reliability, got %v", vector[trust.Reliability])
	}
	if diff := vector[trust.Competence] - 0.525; math.Abs(diff) > 1e-9 {
		t.Fatalf("competence multiplier 0.5 expected, got %v", vector[trust.Competence])
	}

	vector, err = f.team.UpdateMemberTrust("web4:soft:dev:d", OutcomeFailure, 1.0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if vector[trust.Reliability] >= 0.55 {
		t.Fatalf("failure should drop reliability, got %v", vector[trust.Reliability])
	}

	if _, err := f.team.UpdateMemberTrust("web4:soft:ghost:x", OutcomeSuccess, 0.5); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestVelocityCapDefeatsRapidInflation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.team.AddMember("web4:soft:sybil:s", RoleDeveloper, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	// 20 rapid 0.7-magnitude successes in one UTC day.
	for i := 0; i < 20; i++ {
		f.advance(time.Minute)
		if _, err := f.team.UpdateMemberTrust("web4:soft:sybil:s", OutcomeSuccess, 0.7); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	vector := f.team.GetMemberTrust("web4:soft:sybil:s", false)
	for dim, cap := range trust.VelocityCaps {
		if vector[dim] > trust.Baseline+cap+1e-9 {
			t.Fatalf("dimension %s exceeded its daily cap: %v > %v", dim, vector[dim], trust.Baseline+cap)
		}
	}
}

func TestWitnessDiminishingReturns(t *testing.T) {
	f := newFixture(t)
	for _, lct := range []string{"web4:soft:dev:w", "web4:soft:dev:d"} {
		if _, err := f.team.AddMember(lct, RoleDeveloper, nil); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	var gains []float64
	prev := f.team.GetMemberTrust("web4:soft:dev:d", false)[trust.Witnesses]
	for i := 0; i < 6; i++ {
		f.advance(time.Hour)
		vector, err := f.team.WitnessMember("web4:soft:dev:w", "web4:soft:dev:d", 1.0)
		if err != nil {
			t.Fatalf("witness %d: %v", i, err)
		}
		gains = append(gains, vector[trust.Witnesses]-prev)
		prev = vector[trust.Witnesses]
	}
	// Strictly diminishing same-pair impact.
	for i := 1; i < len(gains); i++ {
		if gains[i] >= gains[i-1] {
			t.Fatalf("gain %d (%v) should be below gain %d (%v)", i, gains[i], i-1, gains[i-1])
		}
	}
	// Third attestation halves the base effect (halflife 3).
	if eff := f.team.WitnessEffectiveness("web4:soft:dev:w", "web4:soft:dev:d"); eff > 0.3 {
		t.Fatalf("effectiveness should be well below 1 after 6 attestations: %v", eff)
	}
}

func TestWakeRecalibrationOnTransition(t *testing.T) {
	f := newFixture(t)
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Lift trust above baseline, then sleep for a long time.
	for i := 0; i < 3; i++ {
		f.advance(25 * time.Hour)
		if _, err := f.team.UpdateMemberTrust("web4:soft:dev:d", OutcomeSuccess, 1.0); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	before := f.team.GetMemberTrust("web4:soft:dev:d", false)[trust.Reliability]
	if before <= trust.Baseline {
		t.Fatalf("setup should lift reliability above baseline")
	}

	if _, err := f.team.MetabolicTransition(heartbeat.StateSleep, "scheduled"); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	f.advance(20 * 24 * time.Hour)
	if _, err := f.team.MetabolicTransition(heartbeat.StateActive, "wake"); err != nil {
		t.Fatalf("wake: %v", err)
	}

	after := f.team.GetMemberTrust("web4:soft:dev:d", false)[trust.Reliability]
	if after >= before {
		t.Fatalf("long dormancy should pull trust toward baseline: before=%v after=%v", before, after)
	}
	if after < trust.Baseline {
		t.Fatalf("recalibration must not cross baseline: %v", after)
	}
}

func TestAuditHealthFlagsSybilCluster(t *testing.T) {
	f := newFixture(t)
	sybils := []string{
		"web4:soft:sybil:1", "web4:soft:sybil:2", "web4:soft:sybil:3",
		"web4:soft:sybil:4", "web4:soft:sybil:5",
	}
	for _, lct := range sybils {
		if _, err := f.team.AddMember(lct, RoleDeveloper, nil); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Mutual witnessing rounds among the Sybils only.
	for round := 0; round < 10; round++ {
		f.advance(time.Hour)
		for i, witness := range sybils {
			target := sybils[(i+1)%len(sybils)]
			if _, err := f.team.WitnessMember(witness, target, 1.0); err != nil {
				t.Fatalf("witness: %v", err)
			}
		}
	}

	report := f.team.AuditHealth()
	if report.Sybil.OverallRisk != defense.RiskCritical && report.Sybil.OverallRisk != defense.RiskHigh {
		t.Fatalf("closed witness ring should score high/critical, got %s", report.Sybil.OverallRisk)
	}
	if report.HealthScore >= 100 {
		t.Fatalf("health score should reflect the finding, got %d", report.HealthScore)
	}
	if len(report.Recommendations) == 0 {
		t.Fatalf("expected remediation recommendations")
	}
}

func TestAuditChainStaysValid(t *testing.T) {
	f := newFixture(t)
	if err := f.team.SetAdmin("web4:soft:admin:a", "software", false); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if _, err := f.team.AddMember("web4:soft:dev:d", RoleDeveloper, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.team.UpdateMemberTrust("web4:soft:dev:d", OutcomeSuccess, 0.5); err != nil {
		t.Fatalf("update: %v", err)
	}
	ok, detail, err := f.team.VerifyAuditChain()
	if err != nil || !ok {
		t.Fatalf("audit chain should verify: %v %s", err, detail)
	}
	trail, err := f.team.AuditTrail()
	if err != nil || len(trail) < 3 {
		t.Fatalf("expected audit records for create/admin/add: %v %d", err, len(trail))
	}
}
