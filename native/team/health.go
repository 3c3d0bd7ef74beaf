package team

import (
	"time"

	"hardbound/native/defense"
)

// TrustStats summarises the team's trust distribution.
type TrustStats struct {
	Avg              float64  `json:"avg"`
	Min              float64  `json:"min"`
	Max              float64  `json:"max"`
	LowTrustMembers  []string `json:"low_trust_members"`
	HighTrustMembers []string `json:"high_trust_members"`
}

// WitnessStats summarises one member's incoming attestations.
type WitnessStats struct {
	TotalAttestations int `json:"total_attestations"`
	UniqueWitnesses   int `json:"unique_witnesses"`
}

// HealthReport is the team-level audit assembled for monitoring.
type HealthReport struct {
	TeamID          string                  `json:"team_id"`
	Timestamp       string                  `json:"timestamp"`
	MemberCount     int                     `json:"member_count"`
	Sybil           *defense.Report         `json:"sybil"`
	Trust           TrustStats              `json:"trust"`
	WitnessHealth   map[string]WitnessStats `json:"witness_health"`
	HealthScore     int                     `json:"health_score"`
	Recommendations []string                `json:"recommendations"`
}

// AuditHealth runs Sybil detection over current member state and combines it
// with trust and witness statistics into a 0-100 score.
func (t *Team) AuditHealth() *HealthReport {
	t.mu.Lock()
	now := t.now().UTC()
	memberTrusts := make(map[string]map[string]float64, len(t.members))
	var witnessPairs []defense.WitnessPair
	witnessHealth := make(map[string]WitnessStats, len(t.members))
	for lct, member := range t.members {
		memberTrusts[lct] = member.Trust
		total := 0
		for witness, timestamps := range member.WitnessLog {
			total += len(timestamps)
			for range timestamps {
				witnessPairs = append(witnessPairs, defense.WitnessPair{Witness: witness, Target: lct})
			}
		}
		witnessHealth[lct] = WitnessStats{
			TotalAttestations: total,
			UniqueWitnesses:   len(member.WitnessLog),
		}
	}
	teamID := t.teamID
	t.mu.Unlock()

	detector := defense.NewSybilDetector()
	sybil := detector.AnalyzeTeam(teamID, memberTrusts, nil, witnessPairs, now)

	report := &HealthReport{
		TeamID:        teamID,
		Timestamp:     now.Format(time.RFC3339Nano),
		MemberCount:   len(memberTrusts),
		Sybil:         sybil,
		WitnessHealth: witnessHealth,
	}

	stats := TrustStats{Min: 1, LowTrustMembers: []string{}, HighTrustMembers: []string{}}
	if len(memberTrusts) == 0 {
		stats.Min = 0
	}
	total := 0.0
	for lct := range memberTrusts {
		score := t.GetMemberTrustScore(lct, true)
		total += score
		if score < stats.Min {
			stats.Min = score
		}
		if score > stats.Max {
			stats.Max = score
		}
		if score < 0.3 {
			stats.LowTrustMembers = append(stats.LowTrustMembers, lct)
		} else if score > 0.85 {
			stats.HighTrustMembers = append(stats.HighTrustMembers, lct)
		}
	}
	if len(memberTrusts) > 0 {
		stats.Avg = total / float64(len(memberTrusts))
	}
	report.Trust = stats

	score := 100
	switch sybil.OverallRisk {
	case defense.RiskCritical:
		score -= 40
	case defense.RiskHigh:
		score -= 25
	case defense.RiskModerate:
		score -= 15
	}
	if n := len(stats.LowTrustMembers); n > 0 {
		penalty := n * 5
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
	}
	if score < 0 {
		score = 0
	}
	report.HealthScore = score
	report.Recommendations = sybil.Recommendations
	return report
}
