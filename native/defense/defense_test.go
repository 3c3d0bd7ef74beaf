package defense

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSybilDetectorFlagsUniformCluster(t *testing.T) {
	detector := NewSybilDetector()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Five members with byte-identical trust profiles plus closed witnessing.
	trusts := make(map[string]map[string]float64)
	sybils := []string{"s1", "s2", "s3", "s4", "s5"}
	for _, lct := range sybils {
		trusts[lct] = map[string]float64{
			"competence": 0.61, "reliability": 0.62, "consistency": 0.6,
			"witnesses": 0.65, "lineage": 0.5, "alignment": 0.6,
		}
	}
	var pairs []WitnessPair
	for i, w := range sybils {
		pairs = append(pairs, WitnessPair{Witness: w, Target: sybils[(i+1)%len(sybils)]})
	}

	report := detector.AnalyzeTeam("web4:team:sybil", trusts, nil, pairs, now)
	if report.OverallRisk != RiskCritical && report.OverallRisk != RiskHigh {
		t.Fatalf("uniform cluster with closed witnessing should score high/critical, got %s", report.OverallRisk)
	}
	if len(report.Clusters) == 0 || len(report.Recommendations) == 0 {
		t.Fatalf("expected clusters and recommendations: %+v", report)
	}
}

func TestSybilDetectorCleanTeam(t *testing.T) {
	detector := NewSybilDetector()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	trusts := map[string]map[string]float64{
		"a": {"competence": 0.9, "reliability": 0.4, "consistency": 0.7, "witnesses": 0.3, "lineage": 0.5, "alignment": 0.8},
		"b": {"competence": 0.3, "reliability": 0.8, "consistency": 0.5, "witnesses": 0.9, "lineage": 0.6, "alignment": 0.2},
		"c": {"competence": 0.6, "reliability": 0.55, "consistency": 0.35, "witnesses": 0.7, "lineage": 0.45, "alignment": 0.65},
	}
	report := detector.AnalyzeTeam("web4:team:clean", trusts, nil, nil, now)
	if report.OverallRisk == RiskCritical || report.OverallRisk == RiskHigh {
		t.Fatalf("diverse team should not score high: %s", report.OverallRisk)
	}
}

func TestSybilTimingCorrelation(t *testing.T) {
	detector := NewSybilDetector()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	base := now.Add(-time.Hour)

	synchronized := map[string][]time.Time{}
	for _, lct := range []string{"bot1", "bot2"} {
		var times []time.Time
		for i := 0; i < 10; i++ {
			times = append(times, base.Add(time.Duration(i)*time.Minute))
		}
		synchronized[lct] = times
	}
	trusts := map[string]map[string]float64{
		"bot1": {"competence": 0.5}, "bot2": {"competence": 0.9},
	}
	report := detector.AnalyzeTeam("web4:team:bots", trusts, synchronized, nil, now)
	found := false
	for _, c := range report.Clusters {
		if c.TimingCorrelation >= 0.7 {
			found = true
		}
	}
	if !found {
		t.Fatalf("synchronized actors should flag on timing: %+v", report.Clusters)
	}
}

func TestPartitionResilience(t *testing.T) {
	// Star topology: hub is a critical bridge.
	star := NewGraph([][2]string{{"hub", "a"}, {"hub", "b"}, {"hub", "c"}, {"hub", "d"}})
	report := AnalyzePartitionResilience(star)
	if report.Resilience != "fragile" {
		t.Fatalf("star graph should be fragile: %+v", report)
	}
	foundHub := false
	for _, bridge := range report.CriticalBridges {
		if bridge.Node == "hub" {
			foundHub = true
		}
	}
	if !foundHub {
		t.Fatalf("hub should be flagged as the bridge: %+v", report.CriticalBridges)
	}

	// Ring topology: every neighbor pair has an alternate path.
	ring := NewGraph([][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "a"}})
	report = AnalyzePartitionResilience(ring)
	if report.Resilience != "robust" {
		t.Fatalf("ring graph should be robust: %+v", report)
	}

	// Disconnected graph.
	split := NewGraph([][2]string{{"a", "b"}, {"c", "d"}})
	report = AnalyzePartitionResilience(split)
	if report.Resilience != "partitioned" || report.Components != 2 {
		t.Fatalf("split graph should report partitioned: %+v", report)
	}
}

func TestCascadeSimulation(t *testing.T) {
	nodes := map[string]*CascadeNode{
		"seed": {ID: "seed", Trust: 0.5, Edges: map[string]float64{"n1": 0.9, "n2": 0.9}},
		"n1":   {ID: "n1", Trust: 0.2, Edges: map[string]float64{"n3": 0.9}},
		"n2":   {ID: "n2", Trust: 0.9, Edges: map[string]float64{}},
		"n3":   {ID: "n3", Trust: 0.2, Edges: map[string]float64{}},
		"far":  {ID: "far", Trust: 0.5, Edges: map[string]float64{}},
	}
	result := SimulateCascade(nodes, []string{"seed"}, 1.0, 10)

	if result.FinalDamage["n1"] <= result.FinalDamage["n2"] {
		t.Fatalf("low-trust neighbor should take more damage: n1=%v n2=%v",
			result.FinalDamage["n1"], result.FinalDamage["n2"])
	}
	if _, hit := result.FinalDamage["far"]; hit {
		t.Fatalf("unconnected node must not take damage")
	}
	if !result.Contained {
		t.Fatalf("cascade should be contained: %+v", result)
	}
	// Damping: round 2 damage into n3 is attenuated below round 1 into n1.
	if len(result.Rounds) >= 2 {
		if result.Rounds[1].Damage["n3"] >= result.Rounds[0].Damage["n1"] {
			t.Fatalf("damping should attenuate later rounds: %+v", result.Rounds)
		}
	}
}

func TestRecoveryStateMachine(t *testing.T) {
	m, err := OpenRecoveryManager(filepath.Join(t.TempDir(), "recovery.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c, err := m.OpenCase("fed:compromised", "cycle collusion detected", "federation:system")
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	if c.State != string(RecoveryActive) {
		t.Fatalf("cases start active: %s", c.State)
	}

	// Legal pipeline: active -> under_review -> quarantined -> recovering -> recovered.
	for _, to := range []RecoveryState{RecoveryUnderReview, RecoveryQuarantined, RecoveryRecovering, RecoveryRecovered} {
		if c, err = m.Transition(c.ID, to, "audit"); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	// Terminal states accept no edges.
	if _, err := m.Transition(c.ID, RecoveryActive, "undo"); !errors.Is(err, ErrIllegalRecoveryTransition) {
		t.Fatalf("recovered is terminal, got %v", err)
	}

	history, err := m.CaseHistory(c.ID)
	if err != nil || len(history) != 4 {
		t.Fatalf("expected 4 transition records: %v %d", err, len(history))
	}

	// Illegal shortcut is rejected.
	c2, err := m.OpenCase("fed:other", "fast-approval pattern", "federation:system")
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	if _, err := m.Transition(c2.ID, RecoveryRevoked, "skip"); !errors.Is(err, ErrIllegalRecoveryTransition) {
		t.Fatalf("active -> revoked should be illegal, got %v", err)
	}
}

func TestReportArchiveSignatures(t *testing.T) {
	m, err := OpenRecoveryManager(filepath.Join(t.TempDir(), "recovery.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	record, err := m.ArchiveReport("cascade_simulation", "fed:compromised",
		map[string]any{"total_damage": 2.4, "affected_nodes": 3}, "federation:system")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !m.VerifyReport(record) {
		t.Fatalf("archived report should verify")
	}

	tampered := *record
	tampered.Payload = `{"total_damage":0,"affected_nodes":0}`
	if m.VerifyReport(&tampered) {
		t.Fatalf("tampered report must not verify")
	}

	reports, err := m.ReportsFor("fed:compromised")
	if err != nil || len(reports) != 1 {
		t.Fatalf("expected one archived report: %v %d", err, len(reports))
	}
}
