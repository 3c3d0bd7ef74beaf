package federation

import (
	"fmt"
)

// ReciprocityReport analyses mutual witnessing between two teams. High
// reciprocity means the pair mostly witness each other, a collusion signal.
type ReciprocityReport struct {
	TeamA            string  `json:"team_a"`
	TeamB            string  `json:"team_b"`
	AWitnessesB      int     `json:"a_witnesses_b"`
	BWitnessesA      int     `json:"b_witnesses_a"`
	ATotalWitnessing int     `json:"a_total_witnessing"`
	BTotalWitnessing int     `json:"b_total_witnessing"`
	PairTotal        int     `json:"pair_total"`
	ReciprocityRatio float64 `json:"reciprocity_ratio"`
	IsSuspicious     bool    `json:"is_suspicious"`
}

// CheckReciprocity measures the window-normalised mutual witnessing ratio
// for a pair and flags it over 0.6 with at least 4 evidence events.
func (r *Registry) CheckReciprocity(teamA, teamB string) (*ReciprocityReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkReciprocity(teamA, teamB)
}

func (r *Registry) checkReciprocity(teamA, teamB string) (*ReciprocityReport, error) {
	countPair := func(witness, proposer string) (int, error) {
		var n int
		err := r.db.QueryRow(`
            SELECT COUNT(*) FROM (
                SELECT 1 FROM witness_records
                WHERE witness_team_id = ? AND proposal_team_id = ?
                ORDER BY timestamp DESC LIMIT ?
            )
        `, witness, proposer, ReciprocityWindow).Scan(&n)
		return n, err
	}
	countTotal := func(witness string) (int, error) {
		var n int
		err := r.db.QueryRow(`
            SELECT COUNT(*) FROM (
                SELECT 1 FROM witness_records
                WHERE witness_team_id = ?
                ORDER BY timestamp DESC LIMIT ?
            )
        `, witness, ReciprocityWindow).Scan(&n)
		return n, err
	}

	aForB, err := countPair(teamA, teamB)
	if err != nil {
		return nil, fmt.Errorf("count a->b: %w", err)
	}
	bForA, err := countPair(teamB, teamA)
	if err != nil {
		return nil, fmt.Errorf("count b->a: %w", err)
	}
	aTotal, err := countTotal(teamA)
	if err != nil {
		return nil, fmt.Errorf("count a total: %w", err)
	}
	bTotal, err := countTotal(teamB)
	if err != nil {
		return nil, fmt.Errorf("count b total: %w", err)
	}

	report := &ReciprocityReport{
		TeamA:            teamA,
		TeamB:            teamB,
		AWitnessesB:      aForB,
		BWitnessesA:      bForA,
		ATotalWitnessing: aTotal,
		BTotalWitnessing: bTotal,
		PairTotal:        aForB + bForA,
	}
	if total := aTotal + bTotal; total > 0 {
		report.ReciprocityRatio = float64(report.PairTotal) / float64(total)
	}
	report.IsSuspicious = report.ReciprocityRatio > MaxReciprocityRatio &&
		report.PairTotal >= minReciprocityEvidence
	return report, nil
}

// CollusionHealth grades an analysis report.
type CollusionHealth string

const (
	HealthHealthy    CollusionHealth = "healthy"
	HealthConcerning CollusionHealth = "concerning"
	HealthCritical   CollusionHealth = "critical"
)

// CollusionReport sweeps every active pair for witness reciprocity and folds
// in the lineage analysis.
type CollusionReport struct {
	TotalTeams     int                  `json:"total_teams"`
	PairsAnalyzed  int                  `json:"pairs_analyzed"`
	FlaggedPairs   []*ReciprocityReport `json:"flagged_pairs"`
	CollusionRatio float64              `json:"collusion_ratio"`
	Lineage        *LineageReport       `json:"lineage"`
	Health         CollusionHealth      `json:"health"`
}

// GetCollusionReport checks every active pair and grades overall health.
func (r *Registry) GetCollusionReport() (*CollusionReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.activeTeamIDs()
	if err != nil {
		return nil, err
	}

	report := &CollusionReport{TotalTeams: len(ids), FlaggedPairs: []*ReciprocityReport{}}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			report.PairsAnalyzed++
			reciprocity, err := r.checkReciprocity(ids[i], ids[j])
			if err != nil {
				return nil, err
			}
			if reciprocity.IsSuspicious {
				report.FlaggedPairs = append(report.FlaggedPairs, reciprocity)
			}
		}
	}
	if report.PairsAnalyzed > 0 {
		report.CollusionRatio = float64(len(report.FlaggedPairs)) / float64(report.PairsAnalyzed)
	}

	lineage, err := r.lineageReport()
	if err != nil {
		return nil, err
	}
	report.Lineage = lineage

	switch {
	case lineage.Health == HealthCritical || len(report.FlaggedPairs) > 2:
		report.Health = HealthCritical
	case lineage.Health == HealthConcerning || len(report.FlaggedPairs) > 0:
		report.Health = HealthConcerning
	default:
		report.Health = HealthHealthy
	}
	return report, nil
}

// MultiTeamCreator is one entity that registered several teams.
type MultiTeamCreator struct {
	CreatorLCT string   `json:"creator_lct"`
	TeamCount  int      `json:"team_count"`
	TeamIDs    []string `json:"team_ids"`
}

// SameCreatorWitnessPair surfaces same-creator teams witnessing each other.
type SameCreatorWitnessPair struct {
	CreatorLCT       string  `json:"creator_lct"`
	TeamA            string  `json:"team_a"`
	TeamB            string  `json:"team_b"`
	WitnessEvents    int     `json:"witness_events"`
	ReciprocityRatio float64 `json:"reciprocity_ratio"`
}

// LineageReport analyses team-creation lineage for Sybil team farming.
type LineageReport struct {
	MultiTeamCreators       []MultiTeamCreator       `json:"multi_team_creators"`
	SameCreatorWitnessPairs []SameCreatorWitnessPair `json:"same_creator_witness_pairs"`
	Health                  CollusionHealth          `json:"health"`
}

// GetLineageReport groups active teams by creator and cross-references the
// witness graph.
func (r *Registry) GetLineageReport() (*LineageReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lineageReport()
}

func (r *Registry) lineageReport() (*LineageReport, error) {
	rows, err := r.db.Query(`
        SELECT creator_lct, GROUP_CONCAT(team_id) AS team_ids, COUNT(*) AS team_count
        FROM federated_teams
        WHERE creator_lct != '' AND status = 'active'
        GROUP BY creator_lct
        HAVING COUNT(*) > 1
        ORDER BY creator_lct
    `)
	if err != nil {
		return nil, fmt.Errorf("lineage query: %w", err)
	}
	defer rows.Close()

	report := &LineageReport{
		MultiTeamCreators:       []MultiTeamCreator{},
		SameCreatorWitnessPairs: []SameCreatorWitnessPair{},
	}
	for rows.Next() {
		var creator, teamIDsCSV string
		var count int
		if err := rows.Scan(&creator, &teamIDsCSV, &count); err != nil {
			return nil, err
		}
		report.MultiTeamCreators = append(report.MultiTeamCreators, MultiTeamCreator{
			CreatorLCT: creator,
			TeamCount:  count,
			TeamIDs:    splitCSV(teamIDsCSV),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The pool holds a single connection; release it before the reciprocity
	// queries below.
	rows.Close()

	for _, mc := range report.MultiTeamCreators {
		ids := mc.TeamIDs
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				reciprocity, err := r.checkReciprocity(ids[i], ids[j])
				if err != nil {
					return nil, err
				}
				if reciprocity.PairTotal > 0 {
					report.SameCreatorWitnessPairs = append(report.SameCreatorWitnessPairs, SameCreatorWitnessPair{
						CreatorLCT:       mc.CreatorLCT,
						TeamA:            ids[i],
						TeamB:            ids[j],
						WitnessEvents:    reciprocity.PairTotal,
						ReciprocityRatio: reciprocity.ReciprocityRatio,
					})
				}
			}
		}
	}

	switch {
	case len(report.SameCreatorWitnessPairs) > 0:
		report.Health = HealthCritical
	case len(report.MultiTeamCreators) > 0:
		report.Health = HealthConcerning
	default:
		report.Health = HealthHealthy
	}
	return report, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// OverlapPair grades shared membership between two teams.
type OverlapPair struct {
	TeamA         string   `json:"team_a"`
	TeamB         string   `json:"team_b"`
	SharedMembers []string `json:"shared_members"`
	OverlapRatio  float64  `json:"overlap_ratio"`
	Risk          string   `json:"risk"`
}

// OverlapReport analyses member overlap across teams: shared LCTs can be
// legitimate cross-team work or shell teams.
type OverlapReport struct {
	TeamsAnalyzed   int             `json:"teams_analyzed"`
	MultiTeamLCTs   map[string][]string `json:"multi_team_members"`
	PairAnalysis    []OverlapPair   `json:"pair_analysis"`
	Health          CollusionHealth `json:"health"`
}

// AnalyzeMemberOverlap grades shared LCTs across the supplied rosters.
func (r *Registry) AnalyzeMemberOverlap(teamMembers map[string][]string) *OverlapReport {
	report := &OverlapReport{
		TeamsAnalyzed: len(teamMembers),
		MultiTeamLCTs: make(map[string][]string),
		PairAnalysis:  []OverlapPair{},
		Health:        HealthHealthy,
	}

	lctTeams := make(map[string][]string)
	sets := make(map[string]map[string]struct{}, len(teamMembers))
	ids := make([]string, 0, len(teamMembers))
	for teamID, members := range teamMembers {
		ids = append(ids, teamID)
		set := make(map[string]struct{}, len(members))
		for _, lct := range members {
			set[lct] = struct{}{}
			lctTeams[lct] = append(lctTeams[lct], teamID)
		}
		sets[teamID] = set
	}
	for lct, teams := range lctTeams {
		if len(teams) > 1 {
			report.MultiTeamLCTs[lct] = teams
		}
	}

	critical, high := 0, 0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := sets[ids[i]], sets[ids[j]]
			var shared []string
			for lct := range a {
				if _, ok := b[lct]; ok {
					shared = append(shared, lct)
				}
			}
			if len(shared) == 0 {
				continue
			}
			smaller := len(a)
			if len(b) < smaller {
				smaller = len(b)
			}
			ratio := float64(len(shared)) / float64(maxInt(smaller, 1))
			risk := "low"
			switch {
			case ratio >= 0.8:
				risk = "critical"
				critical++
			case ratio >= 0.3:
				risk = "high"
				high++
			case len(shared) >= 3:
				risk = "moderate"
			}
			report.PairAnalysis = append(report.PairAnalysis, OverlapPair{
				TeamA:         ids[i],
				TeamB:         ids[j],
				SharedMembers: shared,
				OverlapRatio:  ratio,
				Risk:          risk,
			})
		}
	}
	switch {
	case critical > 0:
		report.Health = HealthCritical
	case high > 0:
		report.Health = HealthConcerning
	}
	return report
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
