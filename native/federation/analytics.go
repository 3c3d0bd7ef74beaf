package federation

import (
	"fmt"
	"sort"
	"time"
)

// Approval-graph thresholds.
const (
	approvalReciprocityRatio = 0.7
	approvalConcentration    = 0.5
	minApprovalEvidence      = 4

	verySuspiciousApproval = 60 * time.Second
	suspiciousAverage      = 300 * time.Second
	allFastWindow          = 600 * time.Second
)

// ApprovalReciprocity analyses mutual cross-team proposal approvals.
type ApprovalReciprocity struct {
	TeamA            string  `json:"team_a"`
	TeamB            string  `json:"team_b"`
	AApprovesB       int     `json:"a_approves_b"`
	BApprovesA       int     `json:"b_approves_a"`
	ATotalApprovals  int     `json:"a_total_approvals"`
	BTotalApprovals  int     `json:"b_total_approvals"`
	PairTotal        int     `json:"pair_total"`
	ReciprocityRatio float64 `json:"reciprocity_ratio"`
	AConcentration   float64 `json:"a_concentration"`
	BConcentration   float64 `json:"b_concentration"`
	IsSuspicious     bool    `json:"is_suspicious"`
}

// CheckApprovalReciprocity flags pairs with balanced, concentrated mutual
// approval: a quid-pro-quo signature.
func (r *Registry) CheckApprovalReciprocity(teamA, teamB string) (*ApprovalReciprocity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkApprovalReciprocity(teamA, teamB)
}

func (r *Registry) checkApprovalReciprocity(teamA, teamB string) (*ApprovalReciprocity, error) {
	count := func(query string, args ...any) (int, error) {
		var n int
		err := r.db.QueryRow(query, args...).Scan(&n)
		return n, err
	}

	aApprovesB, err := count(
		"SELECT COUNT(*) FROM xteam_approval_records WHERE proposing_team_id = ? AND approving_team_id = ?",
		teamB, teamA)
	if err != nil {
		return nil, err
	}
	bApprovesA, err := count(
		"SELECT COUNT(*) FROM xteam_approval_records WHERE proposing_team_id = ? AND approving_team_id = ?",
		teamA, teamB)
	if err != nil {
		return nil, err
	}
	aTotal, err := count(
		"SELECT COUNT(*) FROM xteam_approval_records WHERE approving_team_id = ?", teamA)
	if err != nil {
		return nil, err
	}
	bTotal, err := count(
		"SELECT COUNT(*) FROM xteam_approval_records WHERE approving_team_id = ?", teamB)
	if err != nil {
		return nil, err
	}

	report := &ApprovalReciprocity{
		TeamA:           teamA,
		TeamB:           teamB,
		AApprovesB:      aApprovesB,
		BApprovesA:      bApprovesA,
		ATotalApprovals: aTotal,
		BTotalApprovals: bTotal,
		PairTotal:       aApprovesB + bApprovesA,
	}
	if report.PairTotal > 0 {
		min, max := aApprovesB, bApprovesA
		if min > max {
			min, max = max, min
		}
		if max > 0 {
			report.ReciprocityRatio = float64(min) / float64(max)
		}
	}
	if aTotal > 0 {
		report.AConcentration = float64(aApprovesB) / float64(aTotal)
	}
	if bTotal > 0 {
		report.BConcentration = float64(bApprovesA) / float64(bTotal)
	}
	report.IsSuspicious = report.ReciprocityRatio > approvalReciprocityRatio &&
		report.PairTotal >= minApprovalEvidence &&
		(report.AConcentration > approvalConcentration || report.BConcentration > approvalConcentration)
	return report, nil
}

// ApprovalReciprocityReport sweeps the whole approval graph.
type ApprovalReciprocityReport struct {
	TotalTeams    int                    `json:"total_teams"`
	PairsAnalyzed int                    `json:"pairs_analyzed"`
	FlaggedPairs  []*ApprovalReciprocity `json:"flagged_pairs"`
	Health        CollusionHealth        `json:"health"`
}

// GetApprovalReciprocityReport checks every participating pair.
func (r *Registry) GetApprovalReciprocityReport() (*ApprovalReciprocityReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`
        SELECT DISTINCT proposing_team_id FROM xteam_approval_records
        UNION
        SELECT DISTINCT approving_team_id FROM xteam_approval_records
    `)
	if err != nil {
		return nil, err
	}
	var teams []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		teams = append(teams, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(teams)

	report := &ApprovalReciprocityReport{TotalTeams: len(teams), FlaggedPairs: []*ApprovalReciprocity{}, Health: HealthHealthy}
	for i := 0; i < len(teams); i++ {
		for j := i + 1; j < len(teams); j++ {
			report.PairsAnalyzed++
			pair, err := r.checkApprovalReciprocity(teams[i], teams[j])
			if err != nil {
				return nil, err
			}
			if pair.IsSuspicious {
				report.FlaggedPairs = append(report.FlaggedPairs, pair)
			}
		}
	}
	switch {
	case len(report.FlaggedPairs) > 2:
		report.Health = HealthCritical
	case len(report.FlaggedPairs) > 0:
		report.Health = HealthConcerning
	}
	return report, nil
}

// ApprovalCycle is a cyclic approval chain A→B→C→A that evades pairwise
// reciprocity checks.
type ApprovalCycle struct {
	Cycle          []string `json:"cycle"`
	Length         int      `json:"length"`
	TotalApprovals int      `json:"total_approvals"`
	AvgPerEdge     float64  `json:"avg_per_edge"`
	BalanceRatio   float64  `json:"balance_ratio"`
	EdgeWeights    []int    `json:"edge_weights"`
	IsSuspicious   bool     `json:"is_suspicious"`
}

// CycleReport carries detected approval cycles.
type CycleReport struct {
	TotalCycles      int             `json:"total_cycles"`
	SuspiciousCycles int             `json:"suspicious_cycles"`
	Cycles           []ApprovalCycle `json:"cycles"`
	GraphNodes       int             `json:"graph_nodes"`
	GraphEdges       int             `json:"graph_edges"`
	Health           CollusionHealth `json:"health"`
}

// DetectApprovalCycles finds cyclic approval chains by DFS over the weighted
// directed graph (edge: approver → proposer) and rates each by balance and
// volume.
func (r *Registry) DetectApprovalCycles(minCycleLength, minApprovals int) (*CycleReport, error) {
	if minCycleLength < 2 {
		minCycleLength = 3
	}
	if minApprovals < 1 {
		minApprovals = 2
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`
        SELECT approving_team_id, proposing_team_id, COUNT(*) AS count
        FROM xteam_approval_records
        GROUP BY approving_team_id, proposing_team_id
        HAVING count >= ?
    `, minApprovals)
	if err != nil {
		return nil, err
	}
	graph := make(map[string][]string)
	edgeCounts := make(map[[2]string]int)
	nodeSet := make(map[string]struct{})
	for rows.Next() {
		var approver, proposer string
		var count int
		if err := rows.Scan(&approver, &proposer, &count); err != nil {
			rows.Close()
			return nil, err
		}
		graph[approver] = append(graph[approver], proposer)
		edgeCounts[[2]string{approver, proposer}] = count
		nodeSet[approver] = struct{}{}
		nodeSet[proposer] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, neighbors := range graph {
		sort.Strings(neighbors)
	}
	nodes := make([]string, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	// DFS per start node with a visited set; cycles deduplicate on their
	// edge sets so rotations of the same loop count once.
	type frame struct {
		node    string
		path    []string
		visited map[string]struct{}
	}
	seen := make(map[string]struct{})
	var cycles [][]string
	for _, start := range nodes {
		stack := []frame{{node: start, path: []string{start}, visited: map[string]struct{}{start: {}}}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, neighbor := range graph[f.node] {
				if neighbor == start && len(f.path) >= minCycleLength {
					cycle := append(append([]string(nil), f.path...), start)
					key := cycleKey(cycle)
					if _, dup := seen[key]; !dup {
						seen[key] = struct{}{}
						cycles = append(cycles, cycle)
					}
				} else if _, visited := f.visited[neighbor]; !visited {
					nv := make(map[string]struct{}, len(f.visited)+1)
					for k := range f.visited {
						nv[k] = struct{}{}
					}
					nv[neighbor] = struct{}{}
					stack = append(stack, frame{
						node:    neighbor,
						path:    append(append([]string(nil), f.path...), neighbor),
						visited: nv,
					})
				}
			}
		}
	}

	report := &CycleReport{
		TotalCycles: len(cycles),
		GraphNodes:  len(nodes),
		GraphEdges:  len(edgeCounts),
		Cycles:      []ApprovalCycle{},
		Health:      HealthHealthy,
	}
	for _, cycle := range cycles {
		edges := len(cycle) - 1
		weights := make([]int, 0, edges)
		total := 0
		minW, maxW := -1, 0
		for i := 0; i < edges; i++ {
			w := edgeCounts[[2]string{cycle[i], cycle[i+1]}]
			weights = append(weights, w)
			total += w
			if minW == -1 || w < minW {
				minW = w
			}
			if w > maxW {
				maxW = w
			}
		}
		avg := float64(total) / float64(edges)
		balance := 0.0
		if maxW > 0 {
			balance = float64(minW) / float64(maxW)
		}
		entry := ApprovalCycle{
			Cycle:          cycle,
			Length:         edges,
			TotalApprovals: total,
			AvgPerEdge:     avg,
			BalanceRatio:   balance,
			EdgeWeights:    weights,
			IsSuspicious:   balance > 0.5 && avg >= float64(minApprovals),
		}
		report.Cycles = append(report.Cycles, entry)
		if entry.IsSuspicious {
			report.SuspiciousCycles++
		}
	}
	sort.Slice(report.Cycles, func(i, j int) bool {
		a, b := report.Cycles[i], report.Cycles[j]
		if a.IsSuspicious != b.IsSuspicious {
			return a.IsSuspicious
		}
		return a.TotalApprovals > b.TotalApprovals
	})
	switch {
	case report.SuspiciousCycles > 2:
		report.Health = HealthCritical
	case report.SuspiciousCycles > 0:
		report.Health = HealthConcerning
	}
	return report, nil
}

func cycleKey(cycle []string) string {
	edges := make([]string, 0, len(cycle)-1)
	for i := 0; i < len(cycle)-1; i++ {
		edges = append(edges, cycle[i]+">"+cycle[i+1])
	}
	sort.Strings(edges)
	key := ""
	for _, e := range edges {
		key += e + "|"
	}
	return key
}

// ApprovalTiming analyses how fast a proposal gathered approvals.
// Pre-arranged collusion approves in seconds; honest review takes hours.
type ApprovalTiming struct {
	ProposalID      string             `json:"proposal_id"`
	ApprovalCount   int                `json:"approval_count"`
	FastestSeconds  float64            `json:"fastest_approval_seconds"`
	AverageSeconds  float64            `json:"average_approval_seconds"`
	ApprovalSeconds map[string]float64 `json:"approval_seconds"`
	IsSuspicious    bool               `json:"is_suspicious"`
	Reason          string             `json:"reason"`
}

// AnalyzeApprovalTiming rates a single proposal's approval cadence.
func (r *Registry) AnalyzeApprovalTiming(proposalID string) (*ApprovalTiming, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.analyzeApprovalTiming(proposalID)
}

func (r *Registry) analyzeApprovalTiming(proposalID string) (*ApprovalTiming, error) {
	p, err := r.loadXTeamProposal(proposalID)
	if err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	timing := &ApprovalTiming{
		ProposalID:      proposalID,
		ApprovalCount:   len(p.Approvals),
		ApprovalSeconds: map[string]float64{},
		Reason:          "no approvals yet",
	}
	if len(p.Approvals) == 0 {
		return timing, nil
	}

	fastest := -1.0
	slowest := 0.0
	total := 0.0
	for teamID, approval := range p.Approvals {
		ts, err := time.Parse(time.RFC3339Nano, approval.Timestamp)
		if err != nil {
			continue
		}
		delta := ts.Sub(created).Seconds()
		timing.ApprovalSeconds[teamID] = delta
		total += delta
		if fastest < 0 || delta < fastest {
			fastest = delta
		}
		if delta > slowest {
			slowest = delta
		}
	}
	timing.FastestSeconds = fastest
	timing.AverageSeconds = total / float64(len(timing.ApprovalSeconds))

	veryFast := fastest < verySuspiciousApproval.Seconds()
	fastAverage := timing.AverageSeconds < suspiciousAverage.Seconds()
	allFast := slowest < allFastWindow.Seconds()

	timing.IsSuspicious = veryFast || (fastAverage && allFast)
	reasons := ""
	if veryFast {
		reasons = fmt.Sprintf("approval within %.0fs", fastest)
	}
	if fastAverage {
		if reasons != "" {
			reasons += "; "
		}
		reasons += fmt.Sprintf("average %.0fs", timing.AverageSeconds)
	}
	if allFast {
		if reasons != "" {
			reasons += "; "
		}
		reasons += "all approvals within 10 minutes"
	}
	if reasons == "" {
		reasons = "normal timing"
	}
	timing.Reason = reasons
	return timing, nil
}

// TemporalReport sweeps all approved proposals for timing anomalies.
type TemporalReport struct {
	TotalProposals   int               `json:"total_proposals"`
	FlaggedCount     int               `json:"flagged_count"`
	NormalCount      int               `json:"normal_count"`
	FlaggedProposals []*ApprovalTiming `json:"flagged_proposals"`
	Health           CollusionHealth   `json:"health"`
}

// GetTemporalAnalysisReport runs timing analysis over every approved
// cross-team proposal.
func (r *Registry) GetTemporalAnalysisReport() (*TemporalReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query("SELECT proposal_id FROM cross_team_proposals WHERE status = 'approved'")
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &TemporalReport{FlaggedProposals: []*ApprovalTiming{}, Health: HealthHealthy}
	for _, id := range ids {
		timing, err := r.analyzeApprovalTiming(id)
		if err != nil {
			continue
		}
		report.TotalProposals++
		if timing.IsSuspicious {
			report.FlaggedCount++
			report.FlaggedProposals = append(report.FlaggedProposals, timing)
		} else {
			report.NormalCount++
		}
	}
	switch {
	case report.TotalProposals > 0 && float64(report.FlaggedCount)/float64(report.TotalProposals) > 0.5:
		report.Health = HealthCritical
	case report.FlaggedCount > 0:
		report.Health = HealthConcerning
	}
	return report, nil
}
