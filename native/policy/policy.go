package policy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoRule is returned for actions without a policy rule: denied by default.
	ErrNoRule = errors.New("policy: no rule for action")
)

// ApprovalMode selects how an action's R6 request gets approved.
type ApprovalMode string

const (
	ApprovalNone     ApprovalMode = "none"
	ApprovalAdmin    ApprovalMode = "admin"
	ApprovalPeer     ApprovalMode = "peer"
	ApprovalMultiSig ApprovalMode = "multi_sig"
)

// ParseApprovalMode rejects unknown labels coming from storage.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch ApprovalMode(s) {
	case ApprovalNone, ApprovalAdmin, ApprovalPeer, ApprovalMultiSig:
		return ApprovalMode(s), nil
	}
	return "", fmt.Errorf("unknown approval mode: %q", s)
}

// Rule maps one action type to its governance requirements.
type Rule struct {
	ActionType     string       `json:"action_type"`
	AllowedRoles   []string     `json:"allowed_roles"`
	TrustThreshold float64      `json:"trust_threshold"`
	ATPCost        int          `json:"atp_cost"`
	Approval       ApprovalMode `json:"approval"`
	ApprovalCount  int          `json:"approval_count"`
	Description    string       `json:"description"`
}

func (r Rule) roleAllowed(role string) bool {
	for _, allowed := range r.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// Policy is a versioned rule set: the team's law. The version strictly
// increases on every mutation.
type Policy struct {
	Version   int             `json:"version"`
	CreatedAt string          `json:"created_at"`
	Rules     map[string]Rule `json:"rules"`
}

// DefaultRules is the rule set teams start with.
func DefaultRules() []Rule {
	return []Rule{
		{
			ActionType:   "read",
			AllowedRoles: []string{"admin", "developer", "reviewer", "member", "observer"},
			Description:  "Read access - available to all",
		},
		{
			ActionType:     "write",
			AllowedRoles:   []string{"admin", "developer"},
			TrustThreshold: 0.5,
			ATPCost:        1,
			Description:    "Write access - developers and above",
		},
		{
			ActionType:     "commit",
			AllowedRoles:   []string{"admin", "developer"},
			TrustThreshold: 0.5,
			ATPCost:        2,
			Approval:       ApprovalPeer,
			Description:    "Commit code - requires peer review",
		},
		{
			ActionType:     "deploy",
			AllowedRoles:   []string{"admin", "deployer"},
			TrustThreshold: 0.7,
			ATPCost:        5,
			Approval:       ApprovalAdmin,
			Description:    "Deploy to environment - admin approval required",
		},
		{
			ActionType:     "admin_action",
			AllowedRoles:   []string{"admin"},
			TrustThreshold: 0.8,
			ATPCost:        10,
			Description:    "Administrative actions - admin only",
		},
	}
}

// New builds a policy from the given rules; nil selects the defaults.
func New(rules []Rule, now time.Time) *Policy {
	if rules == nil {
		rules = DefaultRules()
	}
	p := &Policy{
		Version:   1,
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
		Rules:     make(map[string]Rule, len(rules)),
	}
	for _, r := range rules {
		if r.Approval == "" {
			r.Approval = ApprovalNone
		}
		if r.ApprovalCount == 0 {
			r.ApprovalCount = 1
		}
		p.Rules[r.ActionType] = r
	}
	return p
}

// GetRule returns the rule for an action, if any.
func (p *Policy) GetRule(actionType string) (Rule, bool) {
	r, ok := p.Rules[actionType]
	return r, ok
}

// AddRule installs or replaces a rule and bumps the version.
func (p *Policy) AddRule(r Rule) {
	if r.Approval == "" {
		r.Approval = ApprovalNone
	}
	if r.ApprovalCount == 0 {
		r.ApprovalCount = 1
	}
	p.Rules[r.ActionType] = r
	p.Version++
}

// RemoveRule deletes a rule and bumps the version when it existed.
func (p *Policy) RemoveRule(actionType string) bool {
	if _, ok := p.Rules[actionType]; !ok {
		return false
	}
	delete(p.Rules, actionType)
	p.Version++
	return true
}

// Decision carries the outcome of a permission check with structured context
// for the caller's error message.
type Decision struct {
	Allowed bool
	Reason  string
	Rule    *Rule
}

// CheckPermission enforces role membership, trust threshold, and ATP
// affordability for an action. A missing rule denies by default.
func (p *Policy) CheckPermission(actionType, role string, trustScore float64, atpAvailable int) Decision {
	rule, ok := p.GetRule(actionType)
	if !ok {
		return Decision{Reason: fmt.Sprintf("no policy rule for action: %s", actionType)}
	}
	if !rule.roleAllowed(role) {
		return Decision{
			Reason: fmt.Sprintf("role %q not permitted for %q", role, actionType),
			Rule:   &rule,
		}
	}
	if trustScore < rule.TrustThreshold {
		return Decision{
			Reason: fmt.Sprintf("insufficient trust: %.2f < %.2f", trustScore, rule.TrustThreshold),
			Rule:   &rule,
		}
	}
	if atpAvailable < rule.ATPCost {
		return Decision{
			Reason: fmt.Sprintf("insufficient ATP: %d < %d", atpAvailable, rule.ATPCost),
			Rule:   &rule,
		}
	}
	return Decision{Allowed: true, Reason: "OK", Rule: &rule}
}
