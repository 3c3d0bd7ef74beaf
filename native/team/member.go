package team

import (
	"fmt"

	"hardbound/native/trust"
)

// Role assigns a member's authority within the team.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReviewer  Role = "reviewer"
	RoleDeployer  Role = "deployer"
	RoleDeveloper Role = "developer"
	RoleMember    Role = "member"
	RoleObserver  Role = "observer"
)

// ParseRole rejects unknown role labels coming from storage.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleReviewer, RoleDeployer, RoleDeveloper, RoleMember, RoleObserver:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Member is one entity participating in a team: an LCT identity with a role,
// an ATP budget, and a trust vector. Members are mutated only through Team
// operations so that audit and heartbeat side effects fire.
type Member struct {
	LCTID       string `json:"lct_id"`
	TeamID      string `json:"team_id"`
	Role        Role   `json:"role"`
	ATPBudget   int    `json:"atp_budget"`
	ATPConsumed int    `json:"atp_consumed"`

	Trust           map[string]float64 `json:"trust"`
	LastTrustUpdate string             `json:"last_trust_update"`
	ActionCount     int                `json:"action_count"`

	JoinedAt   string `json:"joined_at"`
	RejoinedAt string `json:"rejoined_at,omitempty"`

	// Velocity tracks positive trust gain within the current UTC day.
	Velocity *trust.VelocityTracker `json:"trust_velocity,omitempty"`

	// WitnessLog maps witness LCT -> attestation timestamps. It survives
	// remove/re-add cycles via the archive store.
	WitnessLog map[string][]string `json:"witness_log,omitempty"`

	// ArchivedTrust is populated when the member is removed.
	ArchivedTrust map[string]float64 `json:"archived_trust,omitempty"`
}

// ATPRemaining is the member's unspent budget.
func (m *Member) ATPRemaining() int { return m.ATPBudget - m.ATPConsumed }

func (m *Member) trustVector() trust.Vector {
	return trust.VectorFromMap(m.Trust)
}

func (m *Member) setTrust(v trust.Vector) {
	m.Trust = v.ToMap()
}

func (m *Member) velocity() *trust.VelocityTracker {
	if m.Velocity == nil {
		m.Velocity = trust.NewVelocityTracker()
	}
	return m.Velocity
}
