package multisig

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"hardbound/native/ledger"
	"hardbound/native/team"
	"hardbound/storage"
)

type fixture struct {
	team    *team.Team
	manager *Manager
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "governance.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	cfg := team.DefaultConfig("msig")
	cfg.EnableTrustDecay = false // deterministic trust for quorum math
	tm, err := team.Create(cfg, led, storage.NewMemDB())
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	f := &fixture{team: tm, now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	tm.SetNowFunc(func() time.Time { return f.now })

	manager, err := NewManager(tm)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.SetNowFunc(func() time.Time { return f.now })
	f.manager = manager

	if err := tm.SetAdmin("web4:soft:admin:a", "software", false); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) addMember(t *testing.T, lct string) {
	t.Helper()
	if _, err := f.team.AddMember(lct, team.RoleDeveloper, nil); err != nil {
		t.Fatalf("add %s: %v", lct, err)
	}
}

// boost lifts a member's trust by simulating days of capped successes and
// diverse witnessing until the aggregate score clears the target.
func (f *fixture) boost(t *testing.T, lct string, witnesses []string, target float64) {
	t.Helper()
	for day := 0; day < 40; day++ {
		f.advance(24 * time.Hour)
		for i := 0; i < 2; i++ {
			f.advance(time.Minute)
			if _, err := f.team.UpdateMemberTrust(lct, team.OutcomeSuccess, 1.0); err != nil {
				t.Fatalf("boost update: %v", err)
			}
		}
		for _, w := range witnesses {
			f.advance(time.Minute)
			if _, err := f.team.WitnessMember(w, lct, 1.0); err != nil {
				t.Fatalf("boost witness: %v", err)
			}
		}
		if f.team.GetMemberTrustScore(lct, true) >= target {
			return
		}
	}
	t.Fatalf("could not boost %s to %v (at %v)", lct, target, f.team.GetMemberTrustScore(lct, true))
}

func TestCreateProposalPermissions(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, "web4:soft:dev:d")

	// Outsider cannot propose.
	if _, err := f.manager.CreateProposal("web4:soft:ghost:x", PolicyChange, nil, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	// Member cannot propose admin-only actions.
	if _, err := f.manager.CreateProposal("web4:soft:dev:d", TeamDissolution, nil, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for admin-only action, got %v", err)
	}
	// Member can propose a policy change.
	p, err := f.manager.CreateProposal("web4:soft:dev:d", PolicyChange, map[string]any{"rule": "merge"}, "add merge rule")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != StatusPending || p.MinApprovals != 2 {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	// Dissolution carries the strictest bar.
	d, err := f.manager.CreateProposal("web4:soft:admin:a", TeamDissolution, nil, "wind down")
	if err != nil {
		t.Fatalf("create dissolution: %v", err)
	}
	if d.MinApprovals != 4 || d.TrustThreshold != 0.8 || d.TrustWeightedQuorum != 3.0 {
		t.Fatalf("dissolution quorum wrong: %+v", d)
	}
}

func TestVoteRulesAndQuorum(t *testing.T) {
	f := newFixture(t)
	for _, lct := range []string{"web4:soft:dev:p", "web4:soft:dev:v1", "web4:soft:dev:v2", "web4:soft:dev:v3"} {
		f.addMember(t, lct)
	}

	p, err := f.manager.CreateProposal("web4:soft:dev:p", BudgetAllocation,
		map[string]any{"amount": 50}, "infra budget")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Proposer cannot vote on their own proposal.
	if _, err := f.manager.Vote(p.ProposalID, "web4:soft:dev:p", true, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("self-vote should be denied, got %v", err)
	}

	p2, err := f.manager.Vote(p.ProposalID, "web4:soft:dev:v1", true, "lgtm")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if p2.Status != StatusPending {
		t.Fatalf("one vote should not reach quorum")
	}

	// Double voting fails and leaves the ballot list unchanged.
	if _, err := f.manager.Vote(p.ProposalID, "web4:soft:dev:v1", true, "again"); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	check, _ := f.manager.GetProposal(p.ProposalID)
	if len(check.Votes) != 1 {
		t.Fatalf("duplicate vote must not append, have %d", len(check.Votes))
	}

	p3, err := f.manager.Vote(p.ProposalID, "web4:soft:dev:v2", true, "")
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	// Two approvals at baseline trust 0.5 = weighted 1.0, count 2 >= 2.
	if p3.Status != StatusApproved {
		t.Fatalf("quorum should be reached: %+v", p3)
	}

	// Vote tally invariant: approvals + rejections == ballots, no duplicates.
	if p3.ApprovalCount()+p3.RejectionCount() != len(p3.Votes) {
		t.Fatalf("tally mismatch")
	}
}

func TestConflictOfInterestAndVeto(t *testing.T) {
	f := newFixture(t)
	attackers := []string{"web4:soft:atk:0", "web4:soft:atk:1", "web4:soft:atk:2"}
	honest := []string{"web4:soft:hon:0", "web4:soft:hon:1", "web4:soft:hon:2"}
	for _, lct := range append(append([]string{}, attackers...), honest...) {
		f.addMember(t, lct)
	}
	// Lift one honest member above the veto threshold.
	f.boost(t, honest[0], []string{honest[1], honest[2], attackers[1], attackers[2]}, VetoTrustThreshold)

	// Attacker proposes a payout to themself.
	p, err := f.manager.CreateProposal(attackers[0], BudgetAllocation,
		map[string]any{"recipient": attackers[0], "amount": 500}, "totally legit bonus")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(p.Beneficiaries) != 1 || p.Beneficiaries[0] != attackers[0] {
		t.Fatalf("recipient should be flagged as beneficiary: %+v", p.Beneficiaries)
	}
	// Quorum raised by 1.5x: ceil(2*1.5)=3 approvals, weighted 1.5.
	if p.MinApprovals != 3 {
		t.Fatalf("beneficiary proposal should need 3 approvals, got %d", p.MinApprovals)
	}

	// The beneficiary cannot approve their own payout (also the proposer).
	if _, err := f.manager.Vote(p.ProposalID, attackers[0], true, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("beneficiary vote should be denied, got %v", err)
	}

	// Accomplices approve; the raised quorum keeps it pending.
	for _, atk := range attackers[1:] {
		p, err = f.manager.Vote(p.ProposalID, atk, true, "")
		if err != nil {
			t.Fatalf("attacker vote: %v", err)
		}
	}
	if p.Status != StatusPending {
		t.Fatalf("raised quorum should hold: %+v", p.Status)
	}

	// The high-trust honest member's rejection is a veto.
	p, err = f.manager.Vote(p.ProposalID, honest[0], false, "self-dealing")
	if err != nil {
		t.Fatalf("veto: %v", err)
	}
	if p.Status != StatusRejected || p.VetoedBy != honest[0] {
		t.Fatalf("veto should finalize rejection: status=%s vetoed_by=%s", p.Status, p.VetoedBy)
	}

	// Finalized proposals take no further votes.
	if _, err := f.manager.Vote(p.ProposalID, honest[1], true, ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestExecuteRequiresAdminAndVotingPeriod(t *testing.T) {
	f := newFixture(t)
	for _, lct := range []string{"web4:soft:dev:p", "web4:soft:dev:v1", "web4:soft:dev:v2"} {
		f.addMember(t, lct)
	}
	// Two ballots must clear the rule's 0.6 trust floor and its 1.5 weighted quorum.
	for _, v := range []string{"web4:soft:dev:v1", "web4:soft:dev:v2"} {
		f.boost(t, v, nil, 0.75)
	}
	p, err := f.manager.CreateProposal("web4:soft:dev:p", PolicyChange, map[string]any{"rule": "merge"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, v := range []string{"web4:soft:dev:v1", "web4:soft:dev:v2"} {
		if p, err = f.manager.Vote(p.ProposalID, v, true, ""); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	if p.Status != StatusApproved {
		t.Fatalf("should be approved: %s", p.Status)
	}

	// Non-admin cannot execute.
	if _, err := f.manager.ExecuteProposal(p.ProposalID, "web4:soft:dev:v1", nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	// The mandatory voting period delays execution even after quorum.
	if _, err := f.manager.ExecuteProposal(p.ProposalID, "web4:soft:admin:a", nil); !errors.Is(err, ErrVotingPeriodOpen) {
		t.Fatalf("expected ErrVotingPeriodOpen, got %v", err)
	}

	f.advance(2 * time.Hour)
	executed := false
	p, err = f.manager.ExecuteProposal(p.ProposalID, "web4:soft:admin:a",
		func(action CriticalAction, data map[string]any) (map[string]any, error) {
			executed = true
			return map[string]any{"applied": true}, nil
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !executed || p.Status != StatusExecuted {
		t.Fatalf("callback should run and status flip: %+v", p)
	}
}

func TestExecutionFailureCaptured(t *testing.T) {
	f := newFixture(t)
	for _, lct := range []string{"web4:soft:dev:p", "web4:soft:dev:v1", "web4:soft:dev:v2"} {
		f.addMember(t, lct)
	}
	// Two ballots must clear the rule's 0.6 trust floor and its 1.5 weighted quorum.
	for _, v := range []string{"web4:soft:dev:v1", "web4:soft:dev:v2"} {
		f.boost(t, v, nil, 0.75)
	}
	p, err := f.manager.CreateProposal("web4:soft:dev:p", MemberRemoval,
		map[string]any{"member_lct": "web4:soft:dev:v9"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, v := range []string{"web4:soft:dev:v1", "web4:soft:dev:v2"} {
		if p, err = f.manager.Vote(p.ProposalID, v, true, ""); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	f.advance(2 * time.Hour)
	p, err = f.manager.ExecuteProposal(p.ProposalID, "web4:soft:admin:a",
		func(action CriticalAction, data map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("target is not a member")
		})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if p.Status != StatusFailed {
		t.Fatalf("failure should mark proposal failed: %s", p.Status)
	}
	if p.ExecutionResult["error"] != "target is not a member" {
		t.Fatalf("error should be captured: %+v", p.ExecutionResult)
	}
}

func TestProposalExpiry(t *testing.T) {
	f := newFixture(t)
	for _, lct := range []string{"web4:soft:dev:p", "web4:soft:dev:v1"} {
		f.addMember(t, lct)
	}
	p, err := f.manager.CreateProposal("web4:soft:dev:p", SecretRotation, nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.advance(13 * time.Hour) // secret rotation expires after 12h
	if _, err := f.manager.Vote(p.ProposalID, "web4:soft:dev:v1", true, ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("vote on expired proposal should fail, got %v", err)
	}
	check, _ := f.manager.GetProposal(p.ProposalID)
	if check.Status != StatusExpired {
		t.Fatalf("expiry should be persisted: %s", check.Status)
	}

	pending, err := f.manager.PendingProposals()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for _, pp := range pending {
		if pp.ProposalID == p.ProposalID {
			t.Fatalf("expired proposal must not be listed as pending")
		}
	}
}
