package multifed

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hardbound/crypto"
)

var (
	// ErrProposalNotFound is returned for unknown cross-federation proposals.
	ErrProposalNotFound = errors.New("multifed: proposal not found")

	// ErrNotAffected rejects approvals from federations outside the set.
	ErrNotAffected = errors.New("multifed: federation not affected by proposal")

	// ErrWitnessIneligible rejects witnesses without standing.
	ErrWitnessIneligible = errors.New("multifed: witness federation not eligible")
)

// Severity grades a cross-federation action's blast radius.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity rejects unknown labels.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity: %q", s)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// severityPolicy fixes the floor and approval bar per severity tier.
type severityPolicy struct {
	minApprovalRatio float64
	requireWitness   bool
}

var severityPolicies = map[Severity]severityPolicy{
	SeverityLow:      {minApprovalRatio: 0.5, requireWitness: false},
	SeverityMedium:   {minApprovalRatio: 0.6, requireWitness: false},
	SeverityHigh:     {minApprovalRatio: 0.75, requireWitness: true},
	SeverityCritical: {minApprovalRatio: 1.0, requireWitness: true},
}

// actionSeverityFloors maps action types to the severity they cannot be
// downgraded below. Creators cannot disguise a dissolution as routine.
var actionSeverityFloors = map[string]Severity{
	"resource_sharing":  SeverityLow,
	"access_grant":      SeverityMedium,
	"policy_alignment":  SeverityMedium,
	"member_exchange":   SeverityHigh,
	"admin_transfer":    SeverityCritical,
	"team_dissolution":  SeverityCritical,
	"federation_merge":  SeverityCritical,
	"federation_split":  SeverityCritical,
}

// ClassifyActionSeverity returns the severity floor for an action type.
// Unknown actions default to medium: unclassified is not harmless.
func ClassifyActionSeverity(actionType string) Severity {
	if s, ok := actionSeverityFloors[actionType]; ok {
		return s
	}
	return SeverityMedium
}

// FederationApproval is one federation's sign-off.
type FederationApproval struct {
	Approved       bool     `json:"approved"`
	Timestamp      string   `json:"timestamp"`
	ApprovingTeams []string `json:"approving_teams"`
}

// Proposal spans multiple federations.
type Proposal struct {
	ProposalID            string   `json:"proposal_id"`
	ProposingFederationID string   `json:"proposing_federation_id"`
	ProposingTeamID       string   `json:"proposing_team_id"`
	AffectedFederationIDs []string `json:"affected_federation_ids"`
	ActionType            string   `json:"action_type"`
	Description           string   `json:"description"`
	CreatedAt             string   `json:"created_at"`
	Status                string   `json:"status"`
	Severity              Severity `json:"severity"`
	SeverityOverridden    bool     `json:"severity_overridden"`

	FederationApprovals map[string]FederationApproval `json:"federation_approvals"`

	RequiresExternalWitness bool     `json:"requires_external_federation_witness"`
	ExternalWitnesses       []string `json:"external_witnesses"`
}

const xfedSchema = `
CREATE TABLE IF NOT EXISTS cross_federation_proposals (
    proposal_id TEXT PRIMARY KEY,
    proposing_federation_id TEXT NOT NULL,
    proposing_team_id TEXT NOT NULL,
    affected_federation_ids TEXT NOT NULL,
    action_type TEXT NOT NULL,
    description TEXT NOT NULL,
    created_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    severity TEXT NOT NULL DEFAULT 'medium',
    severity_overridden INTEGER NOT NULL DEFAULT 0,
    federation_approvals TEXT NOT NULL DEFAULT '{}',
    requires_external_federation_witness INTEGER NOT NULL DEFAULT 1,
    external_witnesses TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_xfed_proposals_status ON cross_federation_proposals(status);

CREATE TABLE IF NOT EXISTS audit_records (
    sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    federation_id TEXT NOT NULL,
    detail TEXT NOT NULL,
    risk_level TEXT NOT NULL DEFAULT 'info',
    timestamp TEXT NOT NULL,
    previous_hash TEXT NOT NULL,
    hash TEXT NOT NULL
);
`

// AuditRecord is one entry in the cross-federation governance audit chain.
type AuditRecord struct {
	Sequence     int64          `json:"sequence"`
	EventType    string         `json:"event_type"`
	FederationID string         `json:"federation_id"`
	Detail       map[string]any `json:"detail"`
	RiskLevel    string         `json:"risk_level"`
	Timestamp    string         `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

func (a *AuditRecord) computeHash() (string, error) {
	return crypto.HashCanonical(map[string]any{
		"sequence":      a.Sequence,
		"event_type":    a.EventType,
		"federation_id": a.FederationID,
		"detail":        a.Detail,
		"risk_level":    a.RiskLevel,
		"timestamp":     a.Timestamp,
		"previous_hash": a.PreviousHash,
	})
}

// recordAudit appends to the cross-federation audit chain. Caller holds the
// registry lock.
func (r *Registry) recordAudit(eventType, federationID string, detail map[string]any, riskLevel string) (*AuditRecord, error) {
	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err := r.db.QueryRow(
		"SELECT sequence, hash FROM audit_records ORDER BY sequence DESC LIMIT 1",
	).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load audit tip: %w", err)
	}
	record := &AuditRecord{
		Sequence:     1,
		EventType:    eventType,
		FederationID: federationID,
		Detail:       detail,
		RiskLevel:    riskLevel,
		Timestamp:    r.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: crypto.GenesisHash,
	}
	if lastSeq.Valid {
		record.Sequence = lastSeq.Int64 + 1
		record.PreviousHash = lastHash.String
	}
	hash, err := record.computeHash()
	if err != nil {
		return nil, err
	}
	record.Hash = hash

	detailJSON, err := crypto.CanonicalJSON(record.Detail)
	if err != nil {
		return nil, err
	}
	_, err = r.db.Exec(`
        INSERT INTO audit_records
        (sequence, event_type, federation_id, detail, risk_level, timestamp, previous_hash, hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, record.Sequence, record.EventType, record.FederationID, string(detailJSON),
		record.RiskLevel, record.Timestamp, record.PreviousHash, record.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	return record, nil
}

// AuditTrail returns the cross-federation audit chain in order.
func (r *Registry) AuditTrail() ([]AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`
        SELECT sequence, event_type, federation_id, detail, risk_level,
               timestamp, previous_hash, hash
        FROM audit_records ORDER BY sequence ASC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var detailJSON string
		if err := rows.Scan(&rec.Sequence, &rec.EventType, &rec.FederationID,
			&detailJSON, &rec.RiskLevel, &rec.Timestamp, &rec.PreviousHash, &rec.Hash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detailJSON), &rec.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// VerifyAuditChain recomputes the cross-federation chain.
func (r *Registry) VerifyAuditChain() (bool, string, error) {
	records, err := r.AuditTrail()
	if err != nil {
		return false, "", err
	}
	prev := crypto.GenesisHash
	for i := range records {
		rec := &records[i]
		if rec.PreviousHash != prev {
			return false, fmt.Sprintf("audit chain broken at sequence %d", rec.Sequence), nil
		}
		expected, err := rec.computeHash()
		if err != nil {
			return false, "", err
		}
		if expected != rec.Hash {
			return false, fmt.Sprintf("audit hash mismatch at sequence %d", rec.Sequence), nil
		}
		prev = rec.Hash
	}
	return true, "", nil
}

// ProposalSpec parameterises cross-federation proposal creation.
type ProposalSpec struct {
	ProposingFederationID  string
	ProposingTeamID        string
	AffectedFederationIDs  []string
	ActionType             string
	Description            string
	RequireExternalWitness bool
	// Severity is the creator's claim; the classifier may escalate it.
	Severity Severity
}

// CreateProposal opens a cross-federation proposal. Critical actions
// auto-escalate severity regardless of what the creator requested; an
// attempted downgrade lands in the audit chain at warning risk.
func (r *Registry) CreateProposal(spec ProposalSpec) (*Proposal, error) {
	if len(spec.AffectedFederationIDs) == 0 {
		return nil, fmt.Errorf("cross-federation proposal needs affected federations")
	}
	if spec.Severity == "" {
		spec.Severity = SeverityLow
	}
	if _, err := ParseSeverity(string(spec.Severity)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	affected := spec.AffectedFederationIDs
	found := false
	for _, id := range affected {
		if id == spec.ProposingFederationID {
			found = true
			break
		}
	}
	if !found {
		affected = append([]string{spec.ProposingFederationID}, affected...)
	}

	floor := ClassifyActionSeverity(spec.ActionType)
	severity := spec.Severity
	overridden := false
	if severityRank(floor) > severityRank(severity) {
		severity = floor
		overridden = true
	}
	policy := severityPolicies[severity]
	requiresWitness := spec.RequireExternalWitness || policy.requireWitness

	now := r.now().UTC()
	var existing int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM cross_federation_proposals").Scan(&existing); err != nil {
		return nil, fmt.Errorf("count cross-federation proposals: %w", err)
	}
	seed := fmt.Sprintf("xfed:%s:%s:%d", spec.ProposingTeamID, now.Format(time.RFC3339Nano), existing)
	p := &Proposal{
		ProposalID:              "xfed:" + crypto.ShortHash(seed),
		ProposingFederationID:   spec.ProposingFederationID,
		ProposingTeamID:         spec.ProposingTeamID,
		AffectedFederationIDs:   affected,
		ActionType:              spec.ActionType,
		Description:             spec.Description,
		CreatedAt:               now.Format(time.RFC3339Nano),
		Status:                  "pending",
		Severity:                severity,
		SeverityOverridden:      overridden,
		FederationApprovals:     map[string]FederationApproval{},
		RequiresExternalWitness: requiresWitness,
		ExternalWitnesses:       []string{},
	}

	affectedJSON, err := crypto.CanonicalJSON(p.AffectedFederationIDs)
	if err != nil {
		return nil, err
	}
	_, err = r.db.Exec(`
        INSERT INTO cross_federation_proposals
        (proposal_id, proposing_federation_id, proposing_team_id,
         affected_federation_ids, action_type, description, created_at,
         status, severity, severity_overridden, federation_approvals,
         requires_external_federation_witness, external_witnesses)
        VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, '{}', ?, '[]')
    `, p.ProposalID, p.ProposingFederationID, p.ProposingTeamID,
		string(affectedJSON), p.ActionType, p.Description, p.CreatedAt,
		string(p.Severity), boolToInt(p.SeverityOverridden), boolToInt(p.RequiresExternalWitness))
	if err != nil {
		return nil, fmt.Errorf("insert cross-federation proposal: %w", err)
	}

	if overridden {
		if _, err := r.recordAudit("severity_override", spec.ProposingFederationID, map[string]any{
			"proposal_id":        p.ProposalID,
			"action_type":        spec.ActionType,
			"requested_severity": string(spec.Severity),
			"applied_severity":   string(severity),
		}, "warning"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// GetProposal loads a cross-federation proposal by id.
func (r *Registry) GetProposal(proposalID string) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadProposal(proposalID)
}

func (r *Registry) loadProposal(proposalID string) (*Proposal, error) {
	row := r.db.QueryRow(`
        SELECT proposal_id, proposing_federation_id, proposing_team_id,
               affected_federation_ids, action_type, description, created_at,
               status, severity, severity_overridden, federation_approvals,
               requires_external_federation_witness, external_witnesses
        FROM cross_federation_proposals WHERE proposal_id = ?
    `, proposalID)
	var p Proposal
	var affectedJSON, severityStr, approvalsJSON, witnessesJSON string
	var overridden, requiresWitness int
	err := row.Scan(&p.ProposalID, &p.ProposingFederationID, &p.ProposingTeamID,
		&affectedJSON, &p.ActionType, &p.Description, &p.CreatedAt, &p.Status,
		&severityStr, &overridden, &approvalsJSON, &requiresWitness, &witnessesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("load cross-federation proposal: %w", err)
	}
	if p.Severity, err = ParseSeverity(severityStr); err != nil {
		return nil, err
	}
	p.SeverityOverridden = overridden != 0
	p.RequiresExternalWitness = requiresWitness != 0
	if err := json.Unmarshal([]byte(affectedJSON), &p.AffectedFederationIDs); err != nil {
		return nil, fmt.Errorf("decode affected federations: %w", err)
	}
	if err := json.Unmarshal([]byte(approvalsJSON), &p.FederationApprovals); err != nil {
		return nil, fmt.Errorf("decode federation approvals: %w", err)
	}
	if err := json.Unmarshal([]byte(witnessesJSON), &p.ExternalWitnesses); err != nil {
		return nil, fmt.Errorf("decode external witnesses: %w", err)
	}
	return &p, nil
}

func (r *Registry) saveProposal(p *Proposal) error {
	approvalsJSON, err := crypto.CanonicalJSON(p.FederationApprovals)
	if err != nil {
		return err
	}
	witnessesJSON, err := crypto.CanonicalJSON(p.ExternalWitnesses)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
        UPDATE cross_federation_proposals
        SET status = ?, federation_approvals = ?, external_witnesses = ?
        WHERE proposal_id = ?
    `, p.Status, string(approvalsJSON), string(witnessesJSON), p.ProposalID)
	if err != nil {
		return fmt.Errorf("save cross-federation proposal: %w", err)
	}
	return nil
}

// ApproveFromFederation records one federation's approval. The proposal
// settles only when the severity tier's approval ratio is met and, when
// required, an external witness has attested.
func (r *Registry) ApproveFromFederation(proposalID, approvingFederationID string, approvingTeams []string) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.loadProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != "pending" {
		return nil, fmt.Errorf("proposal not pending: %s", p.Status)
	}
	affected := false
	for _, id := range p.AffectedFederationIDs {
		if id == approvingFederationID {
			affected = true
			break
		}
	}
	if !affected {
		return nil, fmt.Errorf("%w: %s", ErrNotAffected, approvingFederationID)
	}

	p.FederationApprovals[approvingFederationID] = FederationApproval{
		Approved:       true,
		Timestamp:      r.now().UTC().Format(time.RFC3339Nano),
		ApprovingTeams: approvingTeams,
	}

	approvedCount := 0
	for _, id := range p.AffectedFederationIDs {
		if approval, ok := p.FederationApprovals[id]; ok && approval.Approved {
			approvedCount++
		}
	}
	ratio := float64(approvedCount) / float64(len(p.AffectedFederationIDs))
	policy := severityPolicies[p.Severity]
	witnessed := !p.RequiresExternalWitness || len(p.ExternalWitnesses) > 0

	if ratio >= policy.minApprovalRatio && witnessed {
		p.Status = "approved"
	}
	if err := r.saveProposal(p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddExternalWitness attests a proposal from a federation outside the
// affected set with sufficient trust from the proposer.
func (r *Registry) AddExternalWitness(proposalID, witnessFederationID, witnessTeamID string) (*Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.loadProposal(proposalID)
	if err != nil {
		return nil, err
	}
	for _, id := range p.AffectedFederationIDs {
		if id == witnessFederationID {
			return nil, fmt.Errorf("%w: federation is affected by the proposal", ErrWitnessIneligible)
		}
	}
	trust, err := r.getTrust(p.ProposingFederationID, witnessFederationID)
	if err != nil {
		return nil, fmt.Errorf("%w: no trust edge from proposer", ErrWitnessIneligible)
	}
	if !trust.WitnessAllowed {
		return nil, fmt.Errorf("%w: witnessing not allowed", ErrWitnessIneligible)
	}
	if trust.TrustScore < MinCrossFedTrust {
		return nil, fmt.Errorf("%w: trust %.2f below %.2f",
			ErrWitnessIneligible, trust.TrustScore, MinCrossFedTrust)
	}

	entry := witnessFederationID + ":" + witnessTeamID
	dup := false
	for _, w := range p.ExternalWitnesses {
		if w == entry {
			dup = true
			break
		}
	}
	if !dup {
		p.ExternalWitnesses = append(p.ExternalWitnesses, entry)
	}
	if err := r.saveProposal(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RequirementsCheck explains what a proposal still needs.
type RequirementsCheck struct {
	ProposalID          string   `json:"proposal_id"`
	AffectedFederations []string `json:"affected_federations"`
	ApprovedFederations []string `json:"approved_federations"`
	MissingApprovals    []string `json:"missing_approvals"`
	ExternalWitnesses   []string `json:"external_witnesses"`
	RequiresWitness     bool     `json:"requires_external_witness"`
	HasWitness          bool     `json:"has_external_witness"`
	AllRequirementsMet  bool     `json:"all_requirements_met"`
	CurrentStatus       string   `json:"current_status"`
	Severity            Severity `json:"severity"`
}

// CheckProposalRequirements reports missing approvals and witness status.
func (r *Registry) CheckProposalRequirements(proposalID string) (*RequirementsCheck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.loadProposal(proposalID)
	if err != nil {
		return nil, err
	}
	check := &RequirementsCheck{
		ProposalID:          p.ProposalID,
		AffectedFederations: p.AffectedFederationIDs,
		RequiresWitness:     p.RequiresExternalWitness,
		ExternalWitnesses:   p.ExternalWitnesses,
		HasWitness:          len(p.ExternalWitnesses) > 0,
		CurrentStatus:       p.Status,
		Severity:            p.Severity,
	}
	for _, id := range p.AffectedFederationIDs {
		if approval, ok := p.FederationApprovals[id]; ok && approval.Approved {
			check.ApprovedFederations = append(check.ApprovedFederations, id)
		} else {
			check.MissingApprovals = append(check.MissingApprovals, id)
		}
	}
	check.AllRequirementsMet = len(check.MissingApprovals) == 0 &&
		(!check.RequiresWitness || check.HasWitness)
	return check, nil
}
