package federation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hardbound/crypto"
)

var (
	// ErrProposalNotFound is returned for unknown cross-team proposal ids.
	ErrProposalNotFound = errors.New("federation: proposal not found")

	// ErrProposalNotPending rejects votes on settled proposals.
	ErrProposalNotPending = errors.New("federation: proposal not pending")

	// ErrNotTarget rejects votes from teams outside the target set.
	ErrNotTarget = errors.New("federation: team not a proposal target")

	// ErrAlreadyApproved rejects duplicate team approvals.
	ErrAlreadyApproved = errors.New("federation: team already approved")
)

// VotingMode selects how cross-team approvals tally.
type VotingMode string

const (
	// VotingVeto requires the approval count; any rejection blocks.
	VotingVeto VotingMode = "veto"
	// VotingWeighted passes on reputation-weighted approval ratio.
	VotingWeighted VotingMode = "weighted"
)

// ParseVotingMode rejects unknown labels.
func ParseVotingMode(s string) (VotingMode, error) {
	switch VotingMode(s) {
	case VotingVeto, VotingWeighted:
		return VotingMode(s), nil
	}
	return "", fmt.Errorf("unknown voting mode: %q", s)
}

// TeamApproval is one team's vote on a cross-team proposal.
type TeamApproval struct {
	ApproverLCT string `json:"approver_lct"`
	Timestamp   string `json:"timestamp"`
	Reason      string `json:"reason,omitempty"`
}

// CrossTeamProposal requires approval from multiple federation teams.
type CrossTeamProposal struct {
	ProposalID        string                  `json:"proposal_id"`
	ProposingTeamID   string                  `json:"proposing_team_id"`
	ProposerLCT       string                  `json:"proposer_lct"`
	ActionType        string                  `json:"action_type"`
	Description       string                  `json:"description"`
	TargetTeamIDs     []string                `json:"target_team_ids"`
	RequiredApprovals int                     `json:"required_approvals"`
	Parameters        map[string]any          `json:"parameters"`
	Status            string                  `json:"status"`
	Approvals         map[string]TeamApproval `json:"approvals"`
	Rejections        map[string]TeamApproval `json:"rejections"`
	CreatedAt         string                  `json:"created_at"`
	ClosedAt          string                  `json:"closed_at,omitempty"`
	Outcome           string                  `json:"outcome,omitempty"`

	// Outsider requirement: anti-collusion attestation from outside the
	// proposing group.
	RequireOutsider     bool          `json:"require_outsider"`
	OutsiderTeamIDs     []string      `json:"outsider_team_ids"`
	HasOutsiderApproval bool          `json:"has_outsider_approval"`
	OutsiderApproval    *TeamApproval `json:"outsider_approval,omitempty"`
	OutsiderTeamID      string        `json:"outsider_team_id,omitempty"`

	VotingMode        VotingMode `json:"voting_mode"`
	ApprovalThreshold float64    `json:"approval_threshold"`
	WeightedApproval  float64    `json:"weighted_approval,omitempty"`
	WeightedRejection float64    `json:"weighted_rejection,omitempty"`
}

const xteamSchema = `
CREATE TABLE IF NOT EXISTS cross_team_proposals (
    proposal_id TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS xteam_approval_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    proposing_team_id TEXT NOT NULL,
    approving_team_id TEXT NOT NULL,
    proposal_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    outcome TEXT DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_xteam_approvals_teams
    ON xteam_approval_records(proposing_team_id, approving_team_id);
`

// CrossTeamProposalSpec parameterises proposal creation.
type CrossTeamProposalSpec struct {
	ProposingTeamID   string
	ProposerLCT       string
	ActionType        string
	Description       string
	TargetTeamIDs     []string
	RequiredApprovals int // default: all targets
	Parameters        map[string]any
	RequireOutsider   bool
	OutsiderTeamIDs   []string
	VotingMode        VotingMode // default: veto
	ApprovalThreshold float64    // weighted mode, default 0.5
}

// CreateCrossTeamProposal persists a proposal whose approval events feed the
// reciprocity and cycle analytics.
func (r *Registry) CreateCrossTeamProposal(spec CrossTeamProposalSpec) (*CrossTeamProposal, error) {
	if spec.VotingMode == "" {
		spec.VotingMode = VotingVeto
	}
	if _, err := ParseVotingMode(string(spec.VotingMode)); err != nil {
		return nil, err
	}
	if spec.ApprovalThreshold == 0 {
		spec.ApprovalThreshold = 0.5
	}
	if spec.VotingMode == VotingWeighted && (spec.ApprovalThreshold <= 0 || spec.ApprovalThreshold > 1) {
		return nil, fmt.Errorf("approval threshold must be in (0, 1]: %v", spec.ApprovalThreshold)
	}
	if len(spec.TargetTeamIDs) == 0 {
		return nil, fmt.Errorf("cross-team proposal needs target teams")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	proposing, err := r.getTeam(spec.ProposingTeamID)
	if err != nil {
		return nil, err
	}
	if proposing.Status != StatusActive {
		return nil, fmt.Errorf("proposing team not active: %s", spec.ProposingTeamID)
	}
	for _, tid := range spec.TargetTeamIDs {
		target, err := r.getTeam(tid)
		if err != nil {
			return nil, err
		}
		if target.Status != StatusActive {
			return nil, fmt.Errorf("target team not active: %s", tid)
		}
	}

	required := spec.RequiredApprovals
	if required == 0 {
		required = len(spec.TargetTeamIDs)
	}
	if required > len(spec.TargetTeamIDs) {
		return nil, fmt.Errorf("required approvals (%d) exceed target teams (%d)",
			required, len(spec.TargetTeamIDs))
	}
	if spec.Parameters == nil {
		spec.Parameters = map[string]any{}
	}
	if spec.OutsiderTeamIDs == nil {
		spec.OutsiderTeamIDs = []string{}
	}

	now := r.now().UTC()
	seed := fmt.Sprintf("xteam:%s:%s:%s", spec.ProposingTeamID, spec.ActionType, now.Format(time.RFC3339Nano))
	p := &CrossTeamProposal{
		ProposalID:        "xteam:" + crypto.ShortHash(seed),
		ProposingTeamID:   spec.ProposingTeamID,
		ProposerLCT:       spec.ProposerLCT,
		ActionType:        spec.ActionType,
		Description:       spec.Description,
		TargetTeamIDs:     spec.TargetTeamIDs,
		RequiredApprovals: required,
		Parameters:        spec.Parameters,
		Status:            "pending",
		Approvals:         map[string]TeamApproval{},
		Rejections:        map[string]TeamApproval{},
		CreatedAt:         now.Format(time.RFC3339Nano),
		RequireOutsider:   spec.RequireOutsider,
		OutsiderTeamIDs:   spec.OutsiderTeamIDs,
		VotingMode:        spec.VotingMode,
		ApprovalThreshold: spec.ApprovalThreshold,
	}
	if err := r.insertXTeamProposal(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) insertXTeamProposal(p *CrossTeamProposal) error {
	data, err := crypto.CanonicalJSON(p)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
        INSERT INTO cross_team_proposals (proposal_id, data, status, created_at)
        VALUES (?, ?, ?, ?)
    `, p.ProposalID, string(data), p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cross-team proposal: %w", err)
	}
	return nil
}

func (r *Registry) saveXTeamProposal(p *CrossTeamProposal) error {
	data, err := crypto.CanonicalJSON(p)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		"UPDATE cross_team_proposals SET data = ?, status = ? WHERE proposal_id = ?",
		string(data), p.Status, p.ProposalID,
	)
	if err != nil {
		return fmt.Errorf("save cross-team proposal: %w", err)
	}
	return nil
}

func (r *Registry) loadXTeamProposal(proposalID string) (*CrossTeamProposal, error) {
	var data string
	err := r.db.QueryRow(
		"SELECT data FROM cross_team_proposals WHERE proposal_id = ?", proposalID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("load cross-team proposal: %w", err)
	}
	var p CrossTeamProposal
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode cross-team proposal: %w", err)
	}
	return &p, nil
}

// GetCrossTeamProposal loads a proposal by id.
func (r *Registry) GetCrossTeamProposal(proposalID string) (*CrossTeamProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadXTeamProposal(proposalID)
}

// PendingCrossTeamProposals lists pending proposals targeting a team.
func (r *Registry) PendingCrossTeamProposals(teamID string) ([]*CrossTeamProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query("SELECT data FROM cross_team_proposals WHERE status = 'pending'")
	if err != nil {
		return nil, fmt.Errorf("load pending proposals: %w", err)
	}
	defer rows.Close()
	var out []*CrossTeamProposal
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p CrossTeamProposal
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decode cross-team proposal: %w", err)
		}
		if contains(p.TargetTeamIDs, teamID) {
			out = append(out, &p)
		}
	}
	return out, rows.Err()
}

func (r *Registry) recordApprovalEvent(proposingTeamID, approvingTeamID, proposalID, timestamp string) error {
	_, err := r.db.Exec(`
        INSERT INTO xteam_approval_records
        (proposing_team_id, approving_team_id, proposal_id, timestamp)
        VALUES (?, ?, ?, ?)
    `, proposingTeamID, approvingTeamID, proposalID, timestamp)
	if err != nil {
		return fmt.Errorf("record approval event: %w", err)
	}
	return nil
}

// weightedVotes tallies reputation-weighted approval and rejection ratios.
func (r *Registry) weightedVotes(p *CrossTeamProposal) (approval, rejection float64, err error) {
	totalWeight := 0.0
	approvalWeight := 0.0
	rejectionWeight := 0.0
	for _, tid := range p.TargetTeamIDs {
		weight := 1.0
		if team, err := r.getTeam(tid); err == nil {
			weight = team.WitnessScore
		}
		totalWeight += weight
		if _, ok := p.Approvals[tid]; ok {
			approvalWeight += weight
		}
		if _, ok := p.Rejections[tid]; ok {
			rejectionWeight += weight
		}
	}
	if totalWeight == 0 {
		return 0, 0, nil
	}
	return approvalWeight / totalWeight, rejectionWeight / totalWeight, nil
}

// ApproveCrossTeamProposal records a target team's approval and advances the
// state machine under the configured voting mode.
func (r *Registry) ApproveCrossTeamProposal(proposalID, approvingTeamID, approverLCT string) (*CrossTeamProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.loadXTeamProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != "pending" {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotPending, p.Status)
	}
	if !contains(p.TargetTeamIDs, approvingTeamID) {
		return nil, fmt.Errorf("%w: %s", ErrNotTarget, approvingTeamID)
	}
	if _, ok := p.Approvals[approvingTeamID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyApproved, approvingTeamID)
	}

	now := r.now().UTC().Format(time.RFC3339Nano)
	p.Approvals[approvingTeamID] = TeamApproval{ApproverLCT: approverLCT, Timestamp: now}
	if err := r.recordApprovalEvent(p.ProposingTeamID, approvingTeamID, proposalID, now); err != nil {
		return nil, err
	}

	outsiderMet := !p.RequireOutsider || p.HasOutsiderApproval
	approvalsMet := false
	if p.VotingMode == VotingWeighted {
		approvalRatio, rejectionRatio, err := r.weightedVotes(p)
		if err != nil {
			return nil, err
		}
		p.WeightedApproval = approvalRatio
		p.WeightedRejection = rejectionRatio
		approvalsMet = approvalRatio >= p.ApprovalThreshold
	} else {
		approvalsMet = len(p.Approvals) >= p.RequiredApprovals
	}

	if approvalsMet && outsiderMet {
		p.Status = "approved"
		p.ClosedAt = now
		p.Outcome = "approved"
	}
	if err := r.saveXTeamProposal(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RejectCrossTeamProposal records a rejection. Veto mode blocks immediately;
// weighted mode blocks when the rejection weight passes 1 - threshold.
func (r *Registry) RejectCrossTeamProposal(proposalID, rejectingTeamID, rejectorLCT, reason string) (*CrossTeamProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.loadXTeamProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != "pending" {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotPending, p.Status)
	}
	if !contains(p.TargetTeamIDs, rejectingTeamID) {
		return nil, fmt.Errorf("%w: %s", ErrNotTarget, rejectingTeamID)
	}

	now := r.now().UTC().Format(time.RFC3339Nano)
	p.Rejections[rejectingTeamID] = TeamApproval{ApproverLCT: rejectorLCT, Timestamp: now, Reason: reason}

	if p.VotingMode == VotingVeto {
		p.Status = "rejected"
		p.ClosedAt = now
		p.Outcome = "rejected"
	} else {
		approvalRatio, rejectionRatio, err := r.weightedVotes(p)
		if err != nil {
			return nil, err
		}
		p.WeightedApproval = approvalRatio
		p.WeightedRejection = rejectionRatio
		if rejectionRatio > 1-p.ApprovalThreshold {
			p.Status = "rejected"
			p.ClosedAt = now
			p.Outcome = "rejected"
		}
	}
	if err := r.saveXTeamProposal(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ApproveAsOutsider records neutral third-party attestation for proposals
// carrying the outsider requirement.
func (r *Registry) ApproveAsOutsider(proposalID, outsiderTeamID, approverLCT string) (*CrossTeamProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.loadXTeamProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != "pending" {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotPending, p.Status)
	}
	if !p.RequireOutsider {
		return nil, fmt.Errorf("proposal does not require outsider approval")
	}
	if len(p.OutsiderTeamIDs) > 0 {
		if !contains(p.OutsiderTeamIDs, outsiderTeamID) {
			return nil, fmt.Errorf("team %s not an eligible outsider", outsiderTeamID)
		}
	} else {
		if contains(p.TargetTeamIDs, outsiderTeamID) {
			return nil, fmt.Errorf("team %s is a target, not an outsider", outsiderTeamID)
		}
		if outsiderTeamID == p.ProposingTeamID {
			return nil, fmt.Errorf("proposing team cannot be an outsider")
		}
	}
	if p.HasOutsiderApproval {
		return nil, fmt.Errorf("proposal already has outsider approval")
	}

	now := r.now().UTC().Format(time.RFC3339Nano)
	p.HasOutsiderApproval = true
	p.OutsiderTeamID = outsiderTeamID
	p.OutsiderApproval = &TeamApproval{ApproverLCT: approverLCT, Timestamp: now}

	if len(p.Approvals) >= p.RequiredApprovals {
		p.Status = "approved"
		p.ClosedAt = now
		p.Outcome = "approved"
	}
	if err := r.saveXTeamProposal(p); err != nil {
		return nil, err
	}
	return p, nil
}
