package r6

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"hardbound/crypto"
	"hardbound/native/multisig"
	"hardbound/native/policy"
	"hardbound/native/team"
	"hardbound/observability"
)

var (
	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("r6: request not found")

	// ErrNotPending rejects operations on settled requests.
	ErrNotPending = errors.New("r6: request not pending")

	// ErrNotApproved rejects execution before approval.
	ErrNotApproved = errors.New("r6: request not approved")

	// ErrPermissionDenied covers membership/approval authority failures.
	ErrPermissionDenied = errors.New("r6: permission denied")
)

// Status is an R6 request's lifecycle phase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// ParseStatus rejects unknown labels from storage.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted,
		StatusFailed, StatusCancelled, StatusExpired:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown r6 status: %q", s)
}

// Reference carries the context of a request (issue, PR, discussion).
type Reference struct {
	Type string         `json:"type,omitempty"`
	ID   string         `json:"id,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Request captures intent: rules, role, request, reference, resource. The
// sixth R (result) lands on completion.
type Request struct {
	R6ID         string `json:"r6_id"`
	TeamID       string `json:"team_id"`
	RequesterLCT string `json:"requester_lct"`
	CreatedAt    string `json:"created_at"`

	ActionType    string `json:"action_type"`
	PolicyVersion int    `json:"policy_version"`

	RequesterRole  string  `json:"requester_role"`
	RequesterTrust float64 `json:"requester_trust"`

	Description string         `json:"description"`
	Target      string         `json:"target,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	Reference Reference `json:"reference"`

	ATPCost int `json:"atp_cost"`

	Status     Status   `json:"status"`
	Approvals  []string `json:"approvals"`
	Rejections []string `json:"rejections"`

	// LinkedProposalID is set when approval is delegated to multi-sig. The
	// request's status derives from the proposal, never the other way.
	LinkedProposalID string `json:"linked_proposal_id,omitempty"`

	ExpiresAt string `json:"expires_at,omitempty"`
}

func (r *Request) expired(now time.Time) bool {
	if r.ExpiresAt == "" {
		return false
	}
	expires, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return false
	}
	return now.After(expires)
}

// Response closes the workflow with the result.
type Response struct {
	R6ID     string `json:"r6_id"`
	Status   Status `json:"status"`
	ClosedAt string `json:"closed_at"`
	ClosedBy string `json:"closed_by"`

	ResultType   string         `json:"result_type"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	ATPConsumed int `json:"atp_consumed"`
	ATPReturned int `json:"atp_returned"`

	TrustDelta float64 `json:"trust_delta"`
}

// multisigActions maps R6 action types to critical actions for delegation.
var multisigActions = map[string]multisig.CriticalAction{
	"admin_transfer":    multisig.AdminTransfer,
	"policy_change":     multisig.PolicyChange,
	"secret_rotation":   multisig.SecretRotation,
	"member_removal":    multisig.MemberRemoval,
	"budget_allocation": multisig.BudgetAllocation,
	"team_dissolution":  multisig.TeamDissolution,
}

// defaultExpiry bounds how long a request may sit pending.
const defaultExpiry = 72 * time.Hour

// Workflow runs the R6 lifecycle for one team. Requests persist so approval
// chains survive restarts.
type Workflow struct {
	team *team.Team
	pol  *policy.Policy
	msig *multisig.Manager
	db   *sql.DB

	mu      sync.Mutex
	pending map[string]*Request
	expiry  time.Duration
	now     func() time.Time
}

const r6Schema = `
CREATE TABLE IF NOT EXISTS r6_requests (
    r6_id TEXT PRIMARY KEY,
    team_id TEXT NOT NULL,
    data TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_r6_team_status ON r6_requests(team_id, status);
`

// NewWorkflow binds the workflow to a team, its policy, and an optional
// multi-sig manager for delegation.
func NewWorkflow(t *team.Team, pol *policy.Policy, msig *multisig.Manager) (*Workflow, error) {
	if pol == nil {
		pol = policy.New(nil, time.Now())
	}
	db := t.Ledger().DB()
	if _, err := db.Exec(r6Schema); err != nil {
		return nil, fmt.Errorf("apply r6 schema: %w", err)
	}
	w := &Workflow{
		team:    t,
		pol:     pol,
		msig:    msig,
		db:      db,
		pending: make(map[string]*Request),
		expiry:  defaultExpiry,
		now:     time.Now,
	}
	if err := w.loadPending(); err != nil {
		return nil, err
	}
	return w, nil
}

// SetNowFunc overrides the wall clock, for tests.
func (w *Workflow) SetNowFunc(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// SetExpiry configures the pending-request lifetime.
func (w *Workflow) SetExpiry(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.expiry = d
	}
}

// Policy exposes the enforced policy.
func (w *Workflow) Policy() *policy.Policy { return w.pol }

func (w *Workflow) loadPending() error {
	rows, err := w.db.Query(
		"SELECT data FROM r6_requests WHERE team_id = ? AND status IN ('pending', 'approved')",
		w.team.TeamID(),
	)
	if err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		var req Request
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		if _, err := ParseStatus(string(req.Status)); err != nil {
			return err
		}
		w.pending[req.R6ID] = &req
	}
	return rows.Err()
}

func (w *Workflow) save(req *Request) error {
	data, err := crypto.CanonicalJSON(req)
	if err != nil {
		return err
	}
	_, err = w.db.Exec(`
        INSERT INTO r6_requests (r6_id, team_id, data, status, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(r6_id) DO UPDATE SET data = excluded.data, status = excluded.status
    `, req.R6ID, req.TeamID, string(data), string(req.Status), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	return nil
}

func (w *Workflow) delete(r6ID string) error {
	_, err := w.db.Exec("DELETE FROM r6_requests WHERE r6_id = ?", r6ID)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

// CreateRequest validates membership and policy, snapshots the requester's
// role and trust, and opens the request. Multi-sig rules spawn a linked
// proposal whose status drives this request.
func (w *Workflow) CreateRequest(requesterLCT, actionType, description, target string,
	parameters map[string]any, ref Reference) (*Request, error) {

	member, ok := w.team.GetMember(requesterLCT)
	if !ok {
		return nil, fmt.Errorf("%w: not a team member: %s", ErrPermissionDenied, requesterLCT)
	}
	rule, ok := w.pol.GetRule(actionType)
	if !ok {
		return nil, fmt.Errorf("no policy rule for action: %s", actionType)
	}

	trustScore := w.team.GetMemberTrustScore(requesterLCT, true)
	decision := w.pol.CheckPermission(actionType, string(member.Role), trustScore, w.team.GetMemberATP(requesterLCT))
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, decision.Reason)
	}

	w.mu.Lock()
	now := w.now().UTC()
	seed := fmt.Sprintf("%s:%s:%s", w.team.TeamID(), requesterLCT, now.Format(time.RFC3339Nano))
	req := &Request{
		R6ID:           "r6:" + crypto.ShortHash(seed),
		TeamID:         w.team.TeamID(),
		RequesterLCT:   requesterLCT,
		CreatedAt:      now.Format(time.RFC3339Nano),
		ActionType:     actionType,
		PolicyVersion:  w.pol.Version,
		RequesterRole:  string(member.Role),
		RequesterTrust: trustScore,
		Description:    description,
		Target:         target,
		Parameters:     parameters,
		Reference:      ref,
		ATPCost:        rule.ATPCost,
		Status:         StatusPending,
		Approvals:      []string{},
		Rejections:     []string{},
		ExpiresAt:      now.Add(w.expiry).Format(time.RFC3339Nano),
	}
	w.mu.Unlock()

	// Multi-sig delegation: critical actions ride a linked proposal.
	if rule.Approval == policy.ApprovalMultiSig && w.msig != nil {
		if critical, ok := multisigActions[actionType]; ok {
			proposal, err := w.msig.CreateProposal(requesterLCT, critical, parameters,
				fmt.Sprintf("[%s] %s", req.R6ID, description))
			if err == nil {
				req.LinkedProposalID = proposal.ProposalID
			}
			// A failed proposal spawn leaves a plain multi-count request.
		}
	}

	w.mu.Lock()
	w.pending[req.R6ID] = req
	err := w.save(req)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := w.team.Ledger().RecordAudit(w.team.TeamID(), "r6_created", "hardbound",
		req.R6ID, "", "", "ok", map[string]any{
			"requester":   requesterLCT,
			"action_type": actionType,
			"description": description,
			"atp_cost":    rule.ATPCost,
			"linked":      req.LinkedProposalID,
		}); err != nil {
		return nil, err
	}
	if _, err := w.team.Heartbeat().SubmitTransaction("r6_created", requesterLCT, map[string]any{
		"r6_id":       req.R6ID,
		"action_type": actionType,
		"atp_cost":    rule.ATPCost,
	}, "", 0); err != nil {
		return nil, err
	}
	return req, nil
}

// ApproveRequest records an approval. Admin rules need the admin; peer rules
// need a non-requester member; multi-sig rules relay to the linked proposal
// and mirror its status.
func (w *Workflow) ApproveRequest(r6ID, approverLCT string) (*Request, error) {
	w.mu.Lock()
	req, ok := w.pending[r6ID]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, r6ID)
	}
	if req.Status != StatusPending {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotPending, req.Status)
	}
	if req.expired(w.now().UTC()) {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: expired", ErrNotPending)
	}
	rule, ok := w.pol.GetRule(req.ActionType)
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("no policy rule for: %s", req.ActionType)
	}
	w.mu.Unlock()

	switch rule.Approval {
	case policy.ApprovalAdmin:
		if !w.team.IsAdmin(approverLCT) {
			return nil, fmt.Errorf("%w: only admin can approve this request", ErrPermissionDenied)
		}
	case policy.ApprovalPeer:
		if _, ok := w.team.GetMember(approverLCT); !ok {
			return nil, fmt.Errorf("%w: approver must be a team member", ErrPermissionDenied)
		}
		if approverLCT == req.RequesterLCT {
			return nil, fmt.Errorf("%w: cannot self-approve", ErrPermissionDenied)
		}
	case policy.ApprovalMultiSig:
		if _, ok := w.team.GetMember(approverLCT); !ok && !w.team.IsAdmin(approverLCT) {
			return nil, fmt.Errorf("%w: approver must be a team member", ErrPermissionDenied)
		}
	}

	w.mu.Lock()
	found := false
	for _, a := range req.Approvals {
		if a == approverLCT {
			found = true
			break
		}
	}
	if !found {
		req.Approvals = append(req.Approvals, approverLCT)
	}
	w.mu.Unlock()

	if req.LinkedProposalID != "" && w.msig != nil {
		// Relay the ballot; duplicates and ineligibility are the proposal's
		// concern. The request mirrors the proposal's status afterwards.
		_, _ = w.msig.Vote(req.LinkedProposalID, approverLCT, true, "")
		proposal, err := w.msig.GetProposal(req.LinkedProposalID)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		switch proposal.Status {
		case multisig.StatusApproved:
			req.Status = StatusApproved
		case multisig.StatusRejected, multisig.StatusExpired:
			req.Status = StatusRejected
		}
		w.mu.Unlock()
	} else {
		w.mu.Lock()
		switch rule.Approval {
		case policy.ApprovalMultiSig:
			if len(req.Approvals) >= rule.ApprovalCount {
				req.Status = StatusApproved
			}
		default:
			// none, admin, peer: a single approval settles it.
			req.Status = StatusApproved
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	err := w.save(req)
	cp := *req
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := w.team.Ledger().RecordAudit(w.team.TeamID(), "r6_approved", "hardbound",
		req.R6ID, "", "", "ok", map[string]any{
			"approver":  approverLCT,
			"status":    string(cp.Status),
			"approvals": cp.Approvals,
		}); err != nil {
		return nil, err
	}
	if _, err := w.team.Heartbeat().SubmitTransaction("r6_approved", approverLCT, map[string]any{
		"r6_id":          req.R6ID,
		"action_type":    req.ActionType,
		"status":         string(cp.Status),
		"approval_count": len(cp.Approvals),
	}, req.RequesterLCT, 0); err != nil {
		return nil, err
	}
	return &cp, nil
}

// RejectRequest settles a pending request as rejected and applies a small
// reliability penalty to the requester.
func (w *Workflow) RejectRequest(r6ID, rejectorLCT, reason string) (*Response, error) {
	w.mu.Lock()
	req, ok := w.pending[r6ID]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, r6ID)
	}
	if req.Status != StatusPending {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotPending, req.Status)
	}
	w.mu.Unlock()

	if _, ok := w.team.GetMember(rejectorLCT); !ok && !w.team.IsAdmin(rejectorLCT) {
		return nil, fmt.Errorf("%w: must be admin or member to reject", ErrPermissionDenied)
	}

	now := w.now().UTC()
	resp := &Response{
		R6ID:         r6ID,
		Status:       StatusRejected,
		ClosedAt:     now.Format(time.RFC3339Nano),
		ClosedBy:     rejectorLCT,
		ResultType:   "rejected",
		ErrorMessage: reason,
	}

	w.mu.Lock()
	req.Status = StatusRejected
	req.Rejections = append(req.Rejections, rejectorLCT)
	err := w.save(req)
	delete(w.pending, r6ID)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	before := w.team.GetMemberTrustScore(req.RequesterLCT, true)
	vector, err := w.team.UpdateMemberTrust(req.RequesterLCT, team.OutcomeFailure, 0.5)
	if err != nil {
		return nil, err
	}
	resp.TrustDelta = vector.Score() - before
	if _, err := w.team.Ledger().RecordAudit(w.team.TeamID(), "r6_rejected", "hardbound",
		r6ID, "", "", "ok", map[string]any{
			"rejector": rejectorLCT,
			"reason":   reason,
		}); err != nil {
		return nil, err
	}
	if _, err := w.team.Heartbeat().SubmitTransaction("r6_rejected", rejectorLCT, map[string]any{
		"r6_id": r6ID, "reason": reason,
	}, req.RequesterLCT, 0); err != nil {
		return nil, err
	}
	if err := w.delete(r6ID); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelRequest lets the requester withdraw a pending request.
func (w *Workflow) CancelRequest(r6ID, requesterLCT string) (*Response, error) {
	w.mu.Lock()
	req, ok := w.pending[r6ID]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, r6ID)
	}
	if req.Status != StatusPending {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotPending, req.Status)
	}
	if req.RequesterLCT != requesterLCT {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: only the requester can cancel", ErrPermissionDenied)
	}
	now := w.now().UTC()
	req.Status = StatusCancelled
	err := w.save(req)
	delete(w.pending, r6ID)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := w.team.Ledger().RecordAudit(w.team.TeamID(), "r6_cancelled", "hardbound",
		r6ID, "", "", "ok", map[string]any{"requester": requesterLCT}); err != nil {
		return nil, err
	}
	if err := w.delete(r6ID); err != nil {
		return nil, err
	}
	return &Response{
		R6ID:       r6ID,
		Status:     StatusCancelled,
		ClosedAt:   now.Format(time.RFC3339Nano),
		ClosedBy:   requesterLCT,
		ResultType: "cancelled",
	}, nil
}

// ExecuteRequest records the result of an approved request: ATP is consumed,
// trust moves with the outcome, and success earns back half the cost.
func (w *Workflow) ExecuteRequest(r6ID string, success bool, resultData map[string]any, errorMessage string) (*Response, error) {
	w.mu.Lock()
	req, ok := w.pending[r6ID]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, r6ID)
	}
	if req.Status != StatusApproved {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotApproved, req.Status)
	}
	w.mu.Unlock()

	if _, err := w.team.ConsumeMemberATP(req.RequesterLCT, req.ATPCost); err != nil {
		return nil, err
	}

	outcome := team.OutcomeSuccess
	status := StatusExecuted
	resultType := "success"
	reward := 0
	if !success {
		outcome = team.OutcomeFailure
		status = StatusFailed
		resultType = "error"
	}
	before := w.team.GetMemberTrustScore(req.RequesterLCT, true)
	vector, err := w.team.UpdateMemberTrust(req.RequesterLCT, outcome, 0.1)
	if err != nil {
		return nil, err
	}
	if success {
		base := req.ATPCost / 2
		if base < 1 {
			base = 1
		}
		if reward, err = w.team.RewardMemberATP(req.RequesterLCT, "success", base); err != nil {
			return nil, err
		}
	}

	now := w.now().UTC()
	resp := &Response{
		R6ID:        r6ID,
		Status:      status,
		ClosedAt:    now.Format(time.RFC3339Nano),
		ClosedBy:    req.RequesterLCT,
		ResultType:  resultType,
		ResultData:  resultData,
		ATPConsumed: req.ATPCost,
		ATPReturned: reward,
		TrustDelta:  vector.Score() - before,
	}
	if !success {
		resp.ErrorMessage = errorMessage
	}

	w.mu.Lock()
	req.Status = status
	err = w.save(req)
	delete(w.pending, r6ID)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := w.team.Ledger().RecordAudit(w.team.TeamID(), "r6_completed", "hardbound",
		r6ID, "", "", resultType, map[string]any{
			"request":  req,
			"response": resp,
		}); err != nil {
		return nil, err
	}
	if _, err := w.team.Heartbeat().SubmitTransaction("r6_executed", req.RequesterLCT, map[string]any{
		"r6_id":       r6ID,
		"action_type": req.ActionType,
		"result_type": resultType,
		"success":     success,
	}, "", float64(req.ATPCost)); err != nil {
		return nil, err
	}
	if err := w.delete(r6ID); err != nil {
		return nil, err
	}
	observability.Metrics().Requests.WithLabelValues(req.ActionType, string(status)).Inc()
	return resp, nil
}

// CleanupExpired prunes pending requests whose expiry has passed, applying a
// minor trust penalty to each requester. Returns the pruned requests.
func (w *Workflow) CleanupExpired() ([]*Request, error) {
	w.mu.Lock()
	now := w.now().UTC()
	var expired []*Request
	for id, req := range w.pending {
		if req.Status == StatusPending && req.expired(now) {
			req.Status = StatusExpired
			expired = append(expired, req)
			delete(w.pending, id)
		}
	}
	for _, req := range expired {
		if err := w.save(req); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	w.mu.Unlock()

	for _, req := range expired {
		if _, err := w.team.UpdateMemberTrust(req.RequesterLCT, team.OutcomeFailure, 0.02); err != nil {
			return nil, err
		}
		if _, err := w.team.Ledger().RecordAudit(w.team.TeamID(), "r6_expired", "hardbound",
			req.R6ID, "", "", "ok", map[string]any{"requester": req.RequesterLCT}); err != nil {
			return nil, err
		}
		if err := w.delete(req.R6ID); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// GetRequest returns a request from the pending set or storage.
func (w *Workflow) GetRequest(r6ID string) (*Request, error) {
	w.mu.Lock()
	if req, ok := w.pending[r6ID]; ok {
		cp := *req
		w.mu.Unlock()
		return &cp, nil
	}
	w.mu.Unlock()

	var data string
	err := w.db.QueryRow("SELECT data FROM r6_requests WHERE r6_id = ?", r6ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, r6ID)
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

// PendingRequests lists the open requests.
func (w *Workflow) PendingRequests() []*Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Request, 0, len(w.pending))
	for _, req := range w.pending {
		cp := *req
		out = append(out, &cp)
	}
	return out
}
