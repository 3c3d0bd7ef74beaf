package federation

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "federation.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r.SetNowFunc(func() time.Time { return now })
	return r, &now
}

func register(t *testing.T, r *Registry, teamID, name, creator string) {
	t.Helper()
	if _, err := r.RegisterTeam(teamID, name, nil, nil, "", creator, 5); err != nil {
		t.Fatalf("register %s: %v", teamID, err)
	}
}

func TestRegisterAndFind(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, err := r.RegisterTeam("team:alpha", "Alpha Corp", []string{"finance", "audit"}, nil, "", "", 5); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Duplicate registration fails without altering state.
	if _, err := r.RegisterTeam("team:alpha", "Alpha Clone", nil, nil, "", "", 3); !errors.Is(err, ErrTeamRegistered) {
		t.Fatalf("expected ErrTeamRegistered, got %v", err)
	}
	team, err := r.GetTeam("team:alpha")
	if err != nil || team.Name != "Alpha Corp" || team.MemberCount != 5 {
		t.Fatalf("state altered by duplicate: %+v %v", team, err)
	}
	if team.WitnessScore != 1.0 {
		t.Fatalf("fresh team should start at witness score 1.0")
	}

	register(t, r, "team:beta", "Beta Labs", "")
	teams, err := r.FindTeams(FindQuery{Domain: "finance"})
	if err != nil || len(teams) != 1 || teams[0].TeamID != "team:alpha" {
		t.Fatalf("domain filter wrong: %v %v", teams, err)
	}
}

func TestWitnessScoreBayesianSmoothing(t *testing.T) {
	r, _ := openTestRegistry(t)
	register(t, r, "team:w", "Witness", "")
	register(t, r, "team:p", "Proposer", "")

	// Two events for one proposal, outcome succeeded.
	if _, err := r.RecordWitnessEvent("team:w", "team:p", "w:member1", "msig:001"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := r.RecordWitnessEvent("team:w", "team:p", "w:member2", "msig:001"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if n, err := r.UpdateWitnessOutcome("msig:001", OutcomeSucceeded); err != nil || n != 2 {
		t.Fatalf("outcome: %d %v", n, err)
	}
	team, _ := r.GetTeam("team:w")
	// (1 success + 5 prior) / (2 events + 5 prior).
	want := 6.0 / 7.0
	if diff := team.WitnessScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("witness score %v, want %v", team.WitnessScore, want)
	}

	// A failure keeps the score smoothed, not tanked.
	if _, err := r.RecordWitnessEvent("team:w", "team:p", "w:member1", "msig:002"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := r.UpdateWitnessOutcome("msig:002", OutcomeFailed); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	team, _ = r.GetTeam("team:w")
	if team.WitnessScore < 0.5 {
		t.Fatalf("bayesian smoothing should keep a new team's score above 0.5: %v", team.WitnessScore)
	}
}

func TestWitnessPoolExclusions(t *testing.T) {
	r, _ := openTestRegistry(t)
	register(t, r, "team:req", "Requester", "web4:soft:creator:one")
	register(t, r, "team:sibling", "Sibling", "web4:soft:creator:one")
	register(t, r, "team:neutral", "Neutral", "web4:soft:creator:two")
	register(t, r, "team:partner", "Partner", "web4:soft:creator:three")

	// Saturate reciprocity between requester and partner.
	for i := 0; i < 5; i++ {
		pid := fmt.Sprintf("msig:%03d", i)
		if _, err := r.RecordWitnessEvent("team:req", "team:partner", "req:m", pid); err != nil {
			t.Fatalf("record: %v", err)
		}
		if _, err := r.RecordWitnessEvent("team:partner", "team:req", "partner:m", pid+"x"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	pool, err := r.FindWitnessPool("team:req", 5, 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, candidate := range pool {
		if candidate.TeamID == "team:req" {
			t.Fatalf("requester must be excluded")
		}
		if candidate.TeamID == "team:sibling" {
			t.Fatalf("same-creator team must be excluded")
		}
		if candidate.TeamID == "team:partner" {
			t.Fatalf("high-reciprocity partner must be excluded")
		}
	}
	if len(pool) != 1 || pool[0].TeamID != "team:neutral" {
		t.Fatalf("only the neutral team should qualify: %v", pool)
	}
}

func TestSelectWitnessesDeterministicWithSeed(t *testing.T) {
	r, _ := openTestRegistry(t)
	for i := 0; i < 8; i++ {
		register(t, r, fmt.Sprintf("team:%d", i), fmt.Sprintf("Team %d", i), fmt.Sprintf("creator:%d", i))
	}
	seed := int64(42)
	first, err := r.SelectWitnesses("team:0", 3, &seed)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	second, err := r.SelectWitnesses("team:0", 3, &seed)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 witnesses: %d %d", len(first), len(second))
	}
	for i := range first {
		if first[i].TeamID != second[i].TeamID {
			t.Fatalf("seeded selection should be deterministic: %v vs %v", first[i].TeamID, second[i].TeamID)
		}
	}
}

func TestReciprocityThresholds(t *testing.T) {
	r, _ := openTestRegistry(t)
	register(t, r, "team:a", "A", "ca")
	register(t, r, "team:b", "B", "cb")

	// Three mutual events: below the evidence floor.
	for i := 0; i < 3; i++ {
		if i < 2 {
			r.RecordWitnessEvent("team:a", "team:b", "a:m", fmt.Sprintf("p%d", i))
		} else {
			r.RecordWitnessEvent("team:b", "team:a", "b:m", fmt.Sprintf("p%d", i))
		}
	}
	report, err := r.CheckReciprocity("team:a", "team:b")
	if err != nil {
		t.Fatalf("reciprocity: %v", err)
	}
	if report.IsSuspicious {
		t.Fatalf("three events should be under the evidence floor: %+v", report)
	}

	// One more mutual event crosses both thresholds (ratio 1.0, evidence 4).
	r.RecordWitnessEvent("team:b", "team:a", "b:m", "p3")
	report, _ = r.CheckReciprocity("team:a", "team:b")
	if !report.IsSuspicious {
		t.Fatalf("four exclusive mutual events should flag: %+v", report)
	}

	collusion, err := r.GetCollusionReport()
	if err != nil {
		t.Fatalf("collusion: %v", err)
	}
	if len(collusion.FlaggedPairs) != 1 || collusion.Health == HealthHealthy {
		t.Fatalf("collusion report should flag the pair: %+v", collusion)
	}
}

func TestLineageReport(t *testing.T) {
	r, _ := openTestRegistry(t)
	register(t, r, "team:x1", "X1", "web4:soft:creator:x")
	register(t, r, "team:x2", "X2", "web4:soft:creator:x")
	register(t, r, "team:y", "Y", "web4:soft:creator:y")

	report, err := r.GetLineageReport()
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(report.MultiTeamCreators) != 1 || report.Health != HealthConcerning {
		t.Fatalf("multi-team creator should warn: %+v", report)
	}

	// Same-creator witnessing escalates to critical.
	r.RecordWitnessEvent("team:x1", "team:x2", "x1:m", "p1")
	report, _ = r.GetLineageReport()
	if report.Health != HealthCritical || len(report.SameCreatorWitnessPairs) != 1 {
		t.Fatalf("same-creator witnessing should be critical: %+v", report)
	}
}

func TestCrossTeamProposalVetoMode(t *testing.T) {
	r, now := openTestRegistry(t)
	for _, id := range []string{"team:p", "team:t1", "team:t2"} {
		register(t, r, id, id, "c:"+id)
	}
	p, err := r.CreateCrossTeamProposal(CrossTeamProposalSpec{
		ProposingTeamID: "team:p",
		ProposerLCT:     "p:admin",
		ActionType:      "resource_sharing",
		Description:     "share compute",
		TargetTeamIDs:   []string{"team:t1", "team:t2"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	*now = now.Add(time.Hour)
	p, err = r.ApproveCrossTeamProposal(p.ProposalID, "team:t1", "t1:admin")
	if err != nil || p.Status != "pending" {
		t.Fatalf("first approval: %v %s", err, p.Status)
	}
	// Duplicate approvals fail.
	if _, err := r.ApproveCrossTeamProposal(p.ProposalID, "team:t1", "t1:admin"); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	// Non-targets cannot vote.
	if _, err := r.ApproveCrossTeamProposal(p.ProposalID, "team:p", "p:admin"); !errors.Is(err, ErrNotTarget) {
		t.Fatalf("expected ErrNotTarget, got %v", err)
	}

	*now = now.Add(time.Hour)
	p, err = r.ApproveCrossTeamProposal(p.ProposalID, "team:t2", "t2:admin")
	if err != nil || p.Status != "approved" {
		t.Fatalf("second approval should settle: %v %s", err, p.Status)
	}
}

func TestCrossTeamProposalVetoRejection(t *testing.T) {
	r, _ := openTestRegistry(t)
	for _, id := range []string{"team:p", "team:t1", "team:t2"} {
		register(t, r, id, id, "c:"+id)
	}
	p, err := r.CreateCrossTeamProposal(CrossTeamProposalSpec{
		ProposingTeamID: "team:p",
		ProposerLCT:     "p:admin",
		ActionType:      "access_grant",
		TargetTeamIDs:   []string{"team:t1", "team:t2"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err = r.RejectCrossTeamProposal(p.ProposalID, "team:t1", "t1:admin", "too risky")
	if err != nil || p.Status != "rejected" {
		t.Fatalf("veto mode: one rejection should block: %v %s", err, p.Status)
	}
}

func TestOutsiderRequirement(t *testing.T) {
	r, _ := openTestRegistry(t)
	for _, id := range []string{"team:p", "team:t1", "team:out"} {
		register(t, r, id, id, "c:"+id)
	}
	p, err := r.CreateCrossTeamProposal(CrossTeamProposalSpec{
		ProposingTeamID: "team:p",
		ProposerLCT:     "p:admin",
		ActionType:      "budget_share",
		TargetTeamIDs:   []string{"team:t1"},
		RequireOutsider: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Target approval alone does not settle without an outsider.
	p, err = r.ApproveCrossTeamProposal(p.ProposalID, "team:t1", "t1:admin")
	if err != nil || p.Status != "pending" {
		t.Fatalf("should wait for outsider: %v %s", err, p.Status)
	}
	// Proposing team cannot be its own outsider.
	if _, err := r.ApproveAsOutsider(p.ProposalID, "team:p", "p:admin"); err == nil {
		t.Fatalf("proposer as outsider should fail")
	}
	p, err = r.ApproveAsOutsider(p.ProposalID, "team:out", "out:admin")
	if err != nil || p.Status != "approved" {
		t.Fatalf("outsider attestation should settle: %v %s", err, p.Status)
	}
}

// Federation collusion chain: a one-way approval cycle evades pairwise
// reciprocity but the DFS cycle detector catches it.
func TestApprovalCycleDetection(t *testing.T) {
	r, now := openTestRegistry(t)
	teams := []string{"team:x", "team:y", "team:z"}
	for _, id := range teams {
		register(t, r, id, id, "c:"+id)
	}

	// X's proposals approved by Y, Y's by Z, Z's by X. Five rounds.
	chain := map[string]string{"team:x": "team:y", "team:y": "team:z", "team:z": "team:x"}
	for round := 0; round < 5; round++ {
		for proposer, approver := range chain {
			p, err := r.CreateCrossTeamProposal(CrossTeamProposalSpec{
				ProposingTeamID: proposer,
				ProposerLCT:     proposer + ":admin",
				ActionType:      "resource_sharing",
				TargetTeamIDs:   []string{approver},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			*now = now.Add(2 * time.Hour)
			if _, err := r.ApproveCrossTeamProposal(p.ProposalID, approver, approver+":admin"); err != nil {
				t.Fatalf("approve: %v", err)
			}
		}
	}

	// Pairwise reciprocity stays clean: the chain is one-directional.
	for i := 0; i < len(teams); i++ {
		for j := i + 1; j < len(teams); j++ {
			pair, err := r.CheckApprovalReciprocity(teams[i], teams[j])
			if err != nil {
				t.Fatalf("pair: %v", err)
			}
			if pair.IsSuspicious {
				t.Fatalf("one-way chain should not flag pairwise: %+v", pair)
			}
		}
	}

	report, err := r.DetectApprovalCycles(3, 2)
	if err != nil {
		t.Fatalf("cycles: %v", err)
	}
	if report.SuspiciousCycles < 1 {
		t.Fatalf("cycle detector should flag the ring: %+v", report)
	}
	found := false
	for _, cycle := range report.Cycles {
		if cycle.IsSuspicious && cycle.Length == 3 && cycle.BalanceRatio > 0.5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a balanced 3-cycle: %+v", report.Cycles)
	}
}

func TestApprovalTiming(t *testing.T) {
	r, now := openTestRegistry(t)
	for _, id := range []string{"team:p", "team:t1", "team:t2"} {
		register(t, r, id, id, "c:"+id)
	}
	p, err := r.CreateCrossTeamProposal(CrossTeamProposalSpec{
		ProposingTeamID: "team:p",
		ProposerLCT:     "p:admin",
		ActionType:      "fast_deal",
		TargetTeamIDs:   []string{"team:t1", "team:t2"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Approvals 30 seconds after creation: very suspicious.
	*now = now.Add(30 * time.Second)
	if _, err := r.ApproveCrossTeamProposal(p.ProposalID, "team:t1", "t1:admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	*now = now.Add(10 * time.Second)
	if _, err := r.ApproveCrossTeamProposal(p.ProposalID, "team:t2", "t2:admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	timing, err := r.AnalyzeApprovalTiming(p.ProposalID)
	if err != nil {
		t.Fatalf("timing: %v", err)
	}
	if !timing.IsSuspicious {
		t.Fatalf("sub-minute approvals should flag: %+v", timing)
	}

	sweep, err := r.GetTemporalAnalysisReport()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.FlaggedCount != 1 || sweep.Health == HealthHealthy {
		t.Fatalf("temporal sweep should flag the proposal: %+v", sweep)
	}
}

func TestSignedPatternBindsToRegistry(t *testing.T) {
	r, _ := openTestRegistry(t)
	signed, err := r.SignPattern("lineage_report", map[string]any{"creators": 2}, "federation:system")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !r.VerifyPatternSignature(signed) {
		t.Fatalf("signature should verify against its own registry")
	}
	other, err := Open(filepath.Join(t.TempDir(), "other.db"))
	if err != nil {
		t.Fatalf("open other: %v", err)
	}
	defer other.Close()
	if other.VerifyPatternSignature(signed) {
		t.Fatalf("signature must not verify against a different registry")
	}
}

func TestFederationHealthDashboard(t *testing.T) {
	r, _ := openTestRegistry(t)
	register(t, r, "team:a", "A", "ca")
	register(t, r, "team:b", "B", "cb")

	report, err := r.FederationHealth(map[string][]string{
		"team:a": {"lct:1", "lct:2"},
		"team:b": {"lct:3"},
	})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.OverallHealth != "healthy" || report.HealthScore != 100 {
		t.Fatalf("clean federation should be healthy: %+v", report)
	}
	if report.Signature == "" {
		t.Fatalf("dashboard should be signed")
	}

	// Saturated mutual witnessing degrades the score.
	for i := 0; i < 3; i++ {
		r.RecordWitnessEvent("team:a", "team:b", "a:m", fmt.Sprintf("h%d", i))
		r.RecordWitnessEvent("team:b", "team:a", "b:m", fmt.Sprintf("g%d", i))
	}
	report, err = r.FederationHealth(nil)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.HealthScore >= 100 || len(report.Issues) == 0 {
		t.Fatalf("collusive federation should lose points: %+v", report)
	}
}

func TestMemberOverlapAnalysis(t *testing.T) {
	r, _ := openTestRegistry(t)
	report := r.AnalyzeMemberOverlap(map[string][]string{
		"team:a": {"lct:1", "lct:2", "lct:3"},
		"team:b": {"lct:1", "lct:2", "lct:3"},
		"team:c": {"lct:9"},
	})
	if report.Health != HealthCritical {
		t.Fatalf("fully overlapping teams should be critical: %+v", report)
	}
	if len(report.MultiTeamLCTs) != 3 {
		t.Fatalf("three shared members expected: %+v", report.MultiTeamLCTs)
	}
}
