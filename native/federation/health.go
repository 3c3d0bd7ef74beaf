package federation

import (
	"time"
)

// HealthReport is the aggregate federation dashboard combining the
// sub-reports into one signed assessment.
type HealthReport struct {
	OverallHealth  string          `json:"overall_health"` // healthy, warning, degraded, critical
	HealthScore    int             `json:"health_score"`
	Collusion      *CollusionReport `json:"collusion"`
	ApprovalGraph  *ApprovalReciprocityReport `json:"approval_graph"`
	Cycles         *CycleReport    `json:"cycles"`
	Temporal       *TemporalReport `json:"temporal"`
	MemberOverlap  *OverlapReport  `json:"member_overlap,omitempty"`
	ActiveTeams    int             `json:"active_teams"`
	SuspendedTeams int             `json:"suspended_teams"`
	Issues         []string        `json:"issues"`
	AnalyzedAt     string          `json:"analyzed_at"`
	Signature      string          `json:"signature"`
}

// FederationHealth composes the collusion, approval-graph, cycle, and
// temporal sweeps into a single scored dashboard and signs it. Team rosters
// are optional; when present they feed the overlap analysis.
func (r *Registry) FederationHealth(teamMembers map[string][]string) (*HealthReport, error) {
	report := &HealthReport{Issues: []string{}}
	score := 100

	collusion, err := r.GetCollusionReport()
	if err != nil {
		return nil, err
	}
	report.Collusion = collusion
	switch collusion.Health {
	case HealthCritical:
		score -= 30
		report.Issues = append(report.Issues, "critical witness collusion between teams")
	case HealthConcerning:
		score -= 15
		report.Issues = append(report.Issues, "suspicious witness reciprocity pairs")
	}
	switch collusion.Lineage.Health {
	case HealthCritical:
		score -= 25
		report.Issues = append(report.Issues, "same-creator teams witnessing each other")
	case HealthConcerning:
		score -= 10
		report.Issues = append(report.Issues, "entities operating multiple teams")
	}

	approvals, err := r.GetApprovalReciprocityReport()
	if err != nil {
		return nil, err
	}
	report.ApprovalGraph = approvals
	if approvals.Health != HealthHealthy {
		score -= 10
		report.Issues = append(report.Issues, "reciprocal cross-team approval pairs")
	}

	cycles, err := r.DetectApprovalCycles(3, 2)
	if err != nil {
		return nil, err
	}
	report.Cycles = cycles
	if cycles.SuspiciousCycles > 0 {
		score -= 20
		report.Issues = append(report.Issues, "cyclic approval chains detected")
	}

	temporal, err := r.GetTemporalAnalysisReport()
	if err != nil {
		return nil, err
	}
	report.Temporal = temporal
	if temporal.Health == HealthCritical {
		score -= 15
		report.Issues = append(report.Issues, "majority of proposals approved suspiciously fast")
	} else if temporal.Health == HealthConcerning {
		score -= 5
		report.Issues = append(report.Issues, "fast-approval proposals present")
	}

	if teamMembers != nil {
		overlap := r.AnalyzeMemberOverlap(teamMembers)
		report.MemberOverlap = overlap
		switch overlap.Health {
		case HealthCritical:
			score -= 20
			report.Issues = append(report.Issues, "fully overlapping team rosters (shell teams)")
		case HealthConcerning:
			score -= 10
			report.Issues = append(report.Issues, "high member overlap between teams")
		}
	}

	active, err := r.FindTeams(FindQuery{Status: StatusActive, Limit: 1000})
	if err != nil {
		return nil, err
	}
	suspended, err := r.FindTeams(FindQuery{Status: StatusSuspended, Limit: 1000})
	if err != nil {
		return nil, err
	}
	report.ActiveTeams = len(active)
	report.SuspendedTeams = len(suspended)
	if len(suspended) > len(active) {
		score -= 15
		report.Issues = append(report.Issues, "more suspended than active teams")
	}

	if score < 0 {
		score = 0
	}
	report.HealthScore = score
	switch {
	case score >= 80:
		report.OverallHealth = "healthy"
	case score >= 60:
		report.OverallHealth = "warning"
	case score >= 40:
		report.OverallHealth = "degraded"
	default:
		report.OverallHealth = "critical"
	}
	report.AnalyzedAt = r.now().UTC().Format(time.RFC3339Nano)

	signed, err := r.SignPattern("federation_health", map[string]any{
		"overall_health": report.OverallHealth,
		"health_score":   report.HealthScore,
		"issues":         report.Issues,
		"analyzed_at":    report.AnalyzedAt,
	}, "federation:system")
	if err != nil {
		return nil, err
	}
	report.Signature = signed.Signature
	return report, nil
}
