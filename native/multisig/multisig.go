package multisig

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"hardbound/crypto"
	"hardbound/native/team"
	"hardbound/observability"
)

var (
	// ErrProposalNotFound is returned for unknown proposal ids.
	ErrProposalNotFound = errors.New("multisig: proposal not found")

	// ErrNotPending rejects votes on finalized or expired proposals.
	ErrNotPending = errors.New("multisig: proposal not pending")

	// ErrPermissionDenied covers voter/proposer/beneficiary authority failures.
	ErrPermissionDenied = errors.New("multisig: permission denied")

	// ErrAlreadyVoted rejects duplicate ballots.
	ErrAlreadyVoted = errors.New("multisig: already voted")

	// ErrVotingPeriodOpen delays execution until the mandatory window closes.
	ErrVotingPeriodOpen = errors.New("multisig: voting period still open")
)

// Status is a proposal's lifecycle phase.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// ParseStatus rejects unknown labels from storage.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusExecuted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown proposal status: %q", s)
}

// CriticalAction enumerates operations requiring multi-sig approval.
type CriticalAction string

const (
	AdminTransfer    CriticalAction = "admin_transfer"
	PolicyChange     CriticalAction = "policy_change"
	SecretRotation   CriticalAction = "secret_rotation"
	MemberRemoval    CriticalAction = "member_removal"
	BudgetAllocation CriticalAction = "budget_allocation"
	TeamDissolution  CriticalAction = "team_dissolution"
)

// ParseCriticalAction rejects unknown labels.
func ParseCriticalAction(s string) (CriticalAction, error) {
	switch CriticalAction(s) {
	case AdminTransfer, PolicyChange, SecretRotation, MemberRemoval, BudgetAllocation, TeamDissolution:
		return CriticalAction(s), nil
	}
	return "", fmt.Errorf("unknown critical action: %q", s)
}

// Quorum is the bar a proposal must clear.
type Quorum struct {
	MinApprovals        int           `json:"min_approvals"`
	TrustThreshold      float64       `json:"trust_threshold"`
	TrustWeightedQuorum float64       `json:"trust_weighted_quorum"`
	ExpiryHours         int           `json:"expiry_hours"`
	VotingPeriod        time.Duration `json:"-"`
}

// quorumRequirements tabulates the bar per critical action. Admin transfer
// and dissolution carry the long mandatory voting window.
var quorumRequirements = map[CriticalAction]Quorum{
	AdminTransfer:    {MinApprovals: 3, TrustThreshold: 0.7, TrustWeightedQuorum: 2.0, ExpiryHours: 48, VotingPeriod: 24 * time.Hour},
	PolicyChange:     {MinApprovals: 2, TrustThreshold: 0.6, TrustWeightedQuorum: 1.5, ExpiryHours: 24, VotingPeriod: time.Hour},
	SecretRotation:   {MinApprovals: 2, TrustThreshold: 0.7, TrustWeightedQuorum: 1.5, ExpiryHours: 12, VotingPeriod: time.Hour},
	MemberRemoval:    {MinApprovals: 2, TrustThreshold: 0.6, TrustWeightedQuorum: 1.5, ExpiryHours: 24, VotingPeriod: time.Hour},
	BudgetAllocation: {MinApprovals: 2, TrustThreshold: 0.5, TrustWeightedQuorum: 1.0, ExpiryHours: 24, VotingPeriod: time.Hour},
	TeamDissolution:  {MinApprovals: 4, TrustThreshold: 0.8, TrustWeightedQuorum: 3.0, ExpiryHours: 72, VotingPeriod: 24 * time.Hour},
}

// QuorumFor returns the tabulated requirements for an action.
func QuorumFor(action CriticalAction) Quorum {
	if q, ok := quorumRequirements[action]; ok {
		return q
	}
	return Quorum{MinApprovals: 2, TrustThreshold: 0.5, TrustWeightedQuorum: 1.0, ExpiryHours: 24, VotingPeriod: time.Hour}
}

// Only the admin may propose these.
var adminOnlyActions = map[CriticalAction]bool{
	AdminTransfer:   true,
	TeamDissolution: true,
}

// VetoTrustThreshold is the trust score from which a single rejection
// finalizes a proposal.
const VetoTrustThreshold = 0.85

// beneficiaryQuorumFactor raises the bar on proposals that pay a member.
const beneficiaryQuorumFactor = 1.5

// Vote is one ballot with the voter's trust snapshot.
type Vote struct {
	VoterLCT   string  `json:"voter_lct"`
	Approve    bool    `json:"approve"`
	TrustScore float64 `json:"trust_score"`
	Timestamp  string  `json:"timestamp"`
	Comment    string  `json:"comment,omitempty"`
}

// Proposal is a multi-sig proposal for a critical action.
type Proposal struct {
	ProposalID  string         `json:"proposal_id"`
	TeamID      string         `json:"team_id"`
	Action      CriticalAction `json:"action"`
	ProposerLCT string         `json:"proposer_lct"`
	CreatedAt   string         `json:"created_at"`
	ExpiresAt   string         `json:"expires_at"`

	ActionData  map[string]any `json:"action_data"`
	Description string         `json:"description"`

	Status Status `json:"status"`
	Votes  []Vote `json:"votes"`

	MinApprovals        int     `json:"min_approvals"`
	TrustThreshold      float64 `json:"trust_threshold"`
	TrustWeightedQuorum float64 `json:"trust_weighted_quorum"`

	// Conflict-of-interest tracking.
	Beneficiaries []string `json:"beneficiaries,omitempty"`
	VetoedBy      string   `json:"vetoed_by,omitempty"`

	ExecutedAt      string         `json:"executed_at,omitempty"`
	ExecutedBy      string         `json:"executed_by,omitempty"`
	ExecutionResult map[string]any `json:"execution_result,omitempty"`
}

// ApprovalCount tallies approving ballots.
func (p *Proposal) ApprovalCount() int {
	n := 0
	for _, v := range p.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

// RejectionCount tallies rejecting ballots.
func (p *Proposal) RejectionCount() int {
	return len(p.Votes) - p.ApprovalCount()
}

// TrustWeightedApprovals sums approving voters' trust snapshots.
func (p *Proposal) TrustWeightedApprovals() float64 {
	total := 0.0
	for _, v := range p.Votes {
		if v.Approve {
			total += v.TrustScore
		}
	}
	return total
}

// HasVoted reports whether an LCT already cast a ballot.
func (p *Proposal) HasVoted(lct string) bool {
	for _, v := range p.Votes {
		if v.VoterLCT == lct {
			return true
		}
	}
	return false
}

func (p *Proposal) isBeneficiary(lct string) bool {
	for _, b := range p.Beneficiaries {
		if b == lct {
			return true
		}
	}
	return false
}

// CheckQuorum reports whether the proposal clears its bar.
func (p *Proposal) CheckQuorum() (bool, string) {
	if p.ApprovalCount() < p.MinApprovals {
		return false, fmt.Sprintf("need %d approvals, have %d", p.MinApprovals, p.ApprovalCount())
	}
	if p.TrustWeightedApprovals() < p.TrustWeightedQuorum {
		return false, fmt.Sprintf("need trust-weighted quorum %.2f, have %.2f",
			p.TrustWeightedQuorum, p.TrustWeightedApprovals())
	}
	return true, "quorum reached"
}

func (p *Proposal) expired(now time.Time) bool {
	expires, err := time.Parse(time.RFC3339Nano, p.ExpiresAt)
	if err != nil {
		return false
	}
	return now.After(expires)
}

// Callback performs the approved action; the team mutates through it.
type Callback func(action CriticalAction, data map[string]any) (map[string]any, error)

// Manager runs the proposal state machine for one team. Vote counts and
// status are updated atomically under the manager lock.
type Manager struct {
	team *team.Team
	db   *sql.DB

	mu  sync.Mutex
	now func() time.Time
}

const msSchema = `
CREATE TABLE IF NOT EXISTS proposals (
    proposal_id TEXT PRIMARY KEY,
    team_id TEXT NOT NULL,
    action TEXT NOT NULL,
    proposer_lct TEXT NOT NULL,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    status TEXT NOT NULL,
    action_data TEXT NOT NULL,
    description TEXT DEFAULT '',
    votes TEXT NOT NULL,
    min_approvals INTEGER NOT NULL,
    trust_threshold REAL NOT NULL,
    trust_weighted_quorum REAL NOT NULL,
    beneficiaries TEXT DEFAULT '[]',
    vetoed_by TEXT DEFAULT '',
    executed_at TEXT,
    executed_by TEXT,
    execution_result TEXT
);
CREATE INDEX IF NOT EXISTS idx_proposals_team_status ON proposals(team_id, status);
`

// NewManager binds a manager to a team, sharing the team's ledger database.
func NewManager(t *team.Team) (*Manager, error) {
	db := t.Ledger().DB()
	if _, err := db.Exec(msSchema); err != nil {
		return nil, fmt.Errorf("apply multisig schema: %w", err)
	}
	return &Manager{team: t, db: db, now: time.Now}, nil
}

// SetNowFunc overrides the wall clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CreateProposal opens a proposal. Admin-only actions require the admin;
// conflict-of-interest detection marks member recipients as beneficiaries and
// raises the quorum.
func (m *Manager) CreateProposal(proposerLCT string, action CriticalAction, actionData map[string]any, description string) (*Proposal, error) {
	if _, err := ParseCriticalAction(string(action)); err != nil {
		return nil, err
	}
	isAdmin := m.team.IsAdmin(proposerLCT)
	_, isMember := m.team.GetMember(proposerLCT)
	if !isAdmin && !isMember {
		return nil, fmt.Errorf("%w: proposer must be admin or member", ErrPermissionDenied)
	}
	if adminOnlyActions[action] && !isAdmin {
		return nil, fmt.Errorf("%w: only admin can propose %s", ErrPermissionDenied, action)
	}
	if actionData == nil {
		actionData = map[string]any{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	quorum := QuorumFor(action)
	seed := fmt.Sprintf("proposal:%s:%s:%s", m.team.TeamID(), action, now.Format(time.RFC3339Nano))
	p := &Proposal{
		ProposalID:          "msig:" + crypto.ShortHash(seed),
		TeamID:              m.team.TeamID(),
		Action:              action,
		ProposerLCT:         proposerLCT,
		CreatedAt:           now.Format(time.RFC3339Nano),
		ExpiresAt:           now.Add(time.Duration(quorum.ExpiryHours) * time.Hour).Format(time.RFC3339Nano),
		ActionData:          actionData,
		Description:         description,
		Status:              StatusPending,
		Votes:               []Vote{},
		MinApprovals:        quorum.MinApprovals,
		TrustThreshold:      quorum.TrustThreshold,
		TrustWeightedQuorum: quorum.TrustWeightedQuorum,
	}

	// Conflict of interest: a proposal paying out to a current member is
	// flagged and its quorum raised.
	if recipient, ok := actionData["recipient"].(string); ok && recipient != "" {
		if _, member := m.team.GetMember(recipient); member {
			p.Beneficiaries = []string{recipient}
			p.MinApprovals = int(math.Ceil(float64(p.MinApprovals) * beneficiaryQuorumFactor))
			p.TrustWeightedQuorum *= beneficiaryQuorumFactor
		}
	}

	if err := m.save(p); err != nil {
		return nil, err
	}

	if _, err := m.team.Ledger().RecordAudit(m.team.TeamID(), "multisig_proposal_created", "hardbound",
		p.ProposalID, "", "", "ok", map[string]any{
			"action":        string(action),
			"proposer":      proposerLCT,
			"description":   description,
			"min_approvals": p.MinApprovals,
			"beneficiaries": p.Beneficiaries,
			"expires_at":    p.ExpiresAt,
		}); err != nil {
		return nil, err
	}
	return p, nil
}

// Vote casts a ballot. Rules: pending and unexpired; voter is admin or
// member; voter trust clears the bar; no duplicates; beneficiaries and the
// proposer cannot vote. A high-trust rejection is a veto that finalizes the
// proposal regardless of approvals.
func (m *Manager) Vote(proposalID, voterLCT string, approve bool, comment string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.load(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, p.Status)
	}
	now := m.now().UTC()
	if p.expired(now) {
		p.Status = StatusExpired
		if err := m.save(p); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: expired", ErrNotPending)
	}

	isAdmin := m.team.IsAdmin(voterLCT)
	_, isMember := m.team.GetMember(voterLCT)
	if !isAdmin && !isMember {
		return nil, fmt.Errorf("%w: voter must be admin or member", ErrPermissionDenied)
	}

	trustScore := m.team.GetMemberTrustScore(voterLCT, true)
	if isAdmin && !isMember {
		// Admin is referenced by LCT, not a member row; admins vote at the
		// trust floor of the rule they administer.
		trustScore = p.TrustThreshold
	}
	if trustScore < p.TrustThreshold {
		return nil, fmt.Errorf("%w: insufficient trust %.2f < %.2f", ErrPermissionDenied, trustScore, p.TrustThreshold)
	}
	if p.HasVoted(voterLCT) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyVoted, voterLCT)
	}
	if p.isBeneficiary(voterLCT) {
		return nil, fmt.Errorf("%w: beneficiaries cannot vote on their own payout", ErrPermissionDenied)
	}
	if voterLCT == p.ProposerLCT {
		return nil, fmt.Errorf("%w: cannot vote on your own proposal", ErrPermissionDenied)
	}

	p.Votes = append(p.Votes, Vote{
		VoterLCT:   voterLCT,
		Approve:    approve,
		TrustScore: trustScore,
		Timestamp:  now.Format(time.RFC3339Nano),
		Comment:    comment,
	})

	// Veto: a rejection from a high-trust member finalizes immediately.
	if !approve && trustScore >= VetoTrustThreshold {
		p.Status = StatusRejected
		p.VetoedBy = voterLCT
	}

	if p.Status == StatusPending {
		if reached, _ := p.CheckQuorum(); reached {
			p.Status = StatusApproved
		}
		if p.RejectionCount() > m.team.MemberCount()/2 {
			p.Status = StatusRejected
		}
	}

	if err := m.save(p); err != nil {
		return nil, err
	}
	if _, err := m.team.Ledger().RecordAudit(m.team.TeamID(), "multisig_vote", "hardbound",
		p.ProposalID, "", "", "ok", map[string]any{
			"voter":          voterLCT,
			"approve":        approve,
			"trust_score":    trustScore,
			"status":         string(p.Status),
			"approval_count": p.ApprovalCount(),
			"trust_weighted": p.TrustWeightedApprovals(),
			"vetoed_by":      p.VetoedBy,
		}); err != nil {
		return nil, err
	}
	if _, err := m.team.Heartbeat().SubmitTransaction("multisig_vote", voterLCT, map[string]any{
		"proposal_id": p.ProposalID, "approve": approve,
	}, p.ProposerLCT, 0); err != nil {
		return nil, err
	}
	return p, nil
}

// ExecuteProposal runs an approved proposal through the callback once the
// mandatory voting period has elapsed. Only the admin executes. Failures are
// captured on the proposal rather than retried.
func (m *Manager) ExecuteProposal(proposalID, executorLCT string, callback Callback) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.load(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, fmt.Errorf("%w: status %s", ErrNotPending, p.Status)
	}
	if !m.team.IsAdmin(executorLCT) {
		return nil, fmt.Errorf("%w: only admin can execute proposals", ErrPermissionDenied)
	}

	now := m.now().UTC()
	created, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
	if err == nil {
		if window := QuorumFor(p.Action).VotingPeriod; now.Sub(created) < window {
			return nil, fmt.Errorf("%w: executable after %s", ErrVotingPeriodOpen,
				created.Add(window).Format(time.RFC3339Nano))
		}
	}

	var result map[string]any
	var execErr error
	if callback != nil {
		result, execErr = callback(p.Action, p.ActionData)
	} else {
		result = map[string]any{"action": string(p.Action), "note": "no callback supplied"}
	}

	p.ExecutedAt = now.Format(time.RFC3339Nano)
	p.ExecutedBy = executorLCT
	if execErr != nil {
		p.Status = StatusFailed
		p.ExecutionResult = map[string]any{"error": execErr.Error()}
	} else {
		p.Status = StatusExecuted
		p.ExecutionResult = result
	}

	if err := m.save(p); err != nil {
		return nil, err
	}
	observability.Metrics().Proposals.WithLabelValues(string(p.Action), string(p.Status)).Inc()
	if _, err := m.team.Ledger().RecordAudit(m.team.TeamID(), "multisig_executed", "hardbound",
		p.ProposalID, "", "", "ok", map[string]any{
			"executor": executorLCT,
			"status":   string(p.Status),
			"action":   string(p.Action),
			"result":   p.ExecutionResult,
		}); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProposal loads a proposal by id. Proposals are queryable forever.
func (m *Manager) GetProposal(proposalID string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(proposalID)
}

// PendingProposals returns pending, unexpired proposals; expired ones are
// finalized on the way through.
func (m *Manager) PendingProposals() ([]*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(
		"SELECT proposal_id FROM proposals WHERE team_id = ? AND status = ?",
		m.team.TeamID(), string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("load pending proposals: %w", err)
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

	now := m.now().UTC()
	var pending []*Proposal
	for _, id := range ids {
		p, err := m.load(id)
		if err != nil {
			return nil, err
		}
		if p.expired(now) {
			p.Status = StatusExpired
			if err := m.save(p); err != nil {
				return nil, err
			}
			continue
		}
		pending = append(pending, p)
	}
	return pending, nil
}

func (m *Manager) load(proposalID string) (*Proposal, error) {
	row := m.db.QueryRow(`
        SELECT proposal_id, team_id, action, proposer_lct, created_at, expires_at,
               status, action_data, description, votes, min_approvals,
               trust_threshold, trust_weighted_quorum, beneficiaries,
               COALESCE(vetoed_by, ''), COALESCE(executed_at, ''),
               COALESCE(executed_by, ''), COALESCE(execution_result, '')
        FROM proposals WHERE proposal_id = ?
    `, proposalID)

	var p Proposal
	var actionStr, statusStr, actionData, votes, beneficiaries, execResult string
	err := row.Scan(&p.ProposalID, &p.TeamID, &actionStr, &p.ProposerLCT,
		&p.CreatedAt, &p.ExpiresAt, &statusStr, &actionData, &p.Description,
		&votes, &p.MinApprovals, &p.TrustThreshold, &p.TrustWeightedQuorum,
		&beneficiaries, &p.VetoedBy, &p.ExecutedAt, &p.ExecutedBy, &execResult)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	if p.Action, err = ParseCriticalAction(actionStr); err != nil {
		return nil, err
	}
	if p.Status, err = ParseStatus(statusStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actionData), &p.ActionData); err != nil {
		return nil, fmt.Errorf("decode action data: %w", err)
	}
	if err := json.Unmarshal([]byte(votes), &p.Votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	if err := json.Unmarshal([]byte(beneficiaries), &p.Beneficiaries); err != nil {
		return nil, fmt.Errorf("decode beneficiaries: %w", err)
	}
	if execResult != "" {
		if err := json.Unmarshal([]byte(execResult), &p.ExecutionResult); err != nil {
			return nil, fmt.Errorf("decode execution result: %w", err)
		}
	}
	return &p, nil
}

func (m *Manager) save(p *Proposal) error {
	actionData, err := crypto.CanonicalJSON(p.ActionData)
	if err != nil {
		return err
	}
	votes, err := crypto.CanonicalJSON(p.Votes)
	if err != nil {
		return err
	}
	if p.Beneficiaries == nil {
		p.Beneficiaries = []string{}
	}
	beneficiaries, err := crypto.CanonicalJSON(p.Beneficiaries)
	if err != nil {
		return err
	}
	var execResult any
	if p.ExecutionResult != nil {
		raw, err := crypto.CanonicalJSON(p.ExecutionResult)
		if err != nil {
			return err
		}
		execResult = string(raw)
	}
	_, err = m.db.Exec(`
        INSERT INTO proposals
        (proposal_id, team_id, action, proposer_lct, created_at, expires_at,
         status, action_data, description, votes, min_approvals,
         trust_threshold, trust_weighted_quorum, beneficiaries, vetoed_by,
         executed_at, executed_by, execution_result)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(proposal_id) DO UPDATE SET
            status = excluded.status,
            votes = excluded.votes,
            min_approvals = excluded.min_approvals,
            trust_weighted_quorum = excluded.trust_weighted_quorum,
            beneficiaries = excluded.beneficiaries,
            vetoed_by = excluded.vetoed_by,
            executed_at = excluded.executed_at,
            executed_by = excluded.executed_by,
            execution_result = excluded.execution_result
    `, p.ProposalID, p.TeamID, string(p.Action), p.ProposerLCT, p.CreatedAt,
		p.ExpiresAt, string(p.Status), string(actionData), p.Description,
		string(votes), p.MinApprovals, p.TrustThreshold, p.TrustWeightedQuorum,
		string(beneficiaries), p.VetoedBy, nullable(p.ExecutedAt), nullable(p.ExecutedBy), execResult)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
