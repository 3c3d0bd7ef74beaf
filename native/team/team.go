package team

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"hardbound/crypto"
	"hardbound/native/heartbeat"
	"hardbound/native/ledger"
	"hardbound/native/trust"
	"hardbound/storage"
)

var (
	// ErrNotMember is returned when an LCT is not on the team.
	ErrNotMember = errors.New("team: not a member")

	// ErrAlreadyMember is returned by duplicate adds.
	ErrAlreadyMember = errors.New("team: already a member")

	// ErrNotAdmin is returned when an operation requires admin authority.
	ErrNotAdmin = errors.New("team: admin authority required")

	// ErrInsufficientATP is returned when a member's budget cannot cover a cost.
	ErrInsufficientATP = errors.New("team: insufficient ATP")

	// ErrTeamNotFound is returned when loading an unknown team id.
	ErrTeamNotFound = errors.New("team: not found")
)

// Config carries a team's human-chosen parameters.
type Config struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	HeartbeatMinSeconds int `json:"heartbeat_min_seconds"`
	HeartbeatMaxSeconds int `json:"heartbeat_max_seconds"`

	DefaultMemberBudget int     `json:"default_member_budget"`
	Reserves            float64 `json:"reserves"`

	ActionTrustThreshold float64 `json:"action_trust_threshold"`
	AdminTrustThreshold  float64 `json:"admin_trust_threshold"`

	EnableTrustDecay bool `json:"enable_trust_decay"`
}

// DefaultConfig fills a config with production defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		HeartbeatMinSeconds:  30,
		HeartbeatMaxSeconds:  3600,
		DefaultMemberBudget:  100,
		Reserves:             1000,
		ActionTrustThreshold: 0.5,
		AdminTrustThreshold:  0.8,
		EnableTrustDecay:     true,
	}
}

// Binding records how the admin identity is anchored. Hardware verification
// is external; the core only carries the verified flag.
type Binding struct {
	Type     string `json:"type"` // software, tpm2, fido2
	Verified bool   `json:"verified"`
	BoundAt  string `json:"bound_at"`
}

// Team is the aggregate owning members, admin, policy, ledger, and heartbeat.
// It is the only sanctioned mutator of member state.
type Team struct {
	teamID    string
	config    Config
	createdAt string
	adminLCT  string
	binding   *Binding

	members map[string]*Member

	led     *ledger.Ledger
	hb      *heartbeat.Ledger
	calc    *trust.Calculator
	archive storage.Database

	activity map[string]*trust.ActivityWindow

	mu  sync.Mutex
	now func() time.Time
}

const teamSchema = `
CREATE TABLE IF NOT EXISTS teams (
    team_id TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    created_at TEXT NOT NULL,
    admin_lct TEXT,
    admin_binding TEXT,
    members TEXT NOT NULL DEFAULT '{}'
);
`

// Create makes a new team backed by the shared ledger. The archive store
// holds removed-member history; pass storage.NewMemDB() for ephemeral teams.
func Create(cfg Config, led *ledger.Ledger, archive storage.Database) (*Team, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("team name required")
	}
	if _, err := led.DB().Exec(teamSchema); err != nil {
		return nil, fmt.Errorf("apply team schema: %w", err)
	}

	t := &Team{
		config:   cfg,
		members:  make(map[string]*Member),
		led:      led,
		archive:  archive,
		activity: make(map[string]*trust.ActivityWindow),
		now:      time.Now,
	}
	if cfg.EnableTrustDecay {
		t.calc = trust.NewCalculator(nil)
	}

	now := t.now().UTC()
	seed := fmt.Sprintf("team:%s:%s", cfg.Name, now.Format(time.RFC3339Nano))
	t.teamID = "web4:team:" + crypto.ShortHash(seed)
	t.createdAt = now.Format(time.RFC3339Nano)

	if err := t.store(); err != nil {
		return nil, err
	}
	if err := led.EnsureSession(t.teamID, t.teamID, cfg.Name, nil); err != nil {
		return nil, err
	}

	hb, err := heartbeat.New(t.teamID, led.DB())
	if err != nil {
		return nil, err
	}
	hb.SetMaxReserves(cfg.Reserves)
	t.hb = hb

	if _, err := led.RecordAudit(t.teamID, "team_created", "hardbound", cfg.Name, "", "", "ok",
		map[string]any{"config": cfg, "created_at": t.createdAt}); err != nil {
		return nil, err
	}
	return t, nil
}

// Load restores an existing team from the shared ledger database.
func Load(teamID string, led *ledger.Ledger, archive storage.Database) (*Team, error) {
	if _, err := led.DB().Exec(teamSchema); err != nil {
		return nil, fmt.Errorf("apply team schema: %w", err)
	}
	row := led.DB().QueryRow(`
        SELECT config, created_at, COALESCE(admin_lct, ''), COALESCE(admin_binding, ''), members
        FROM teams WHERE team_id = ?
    `, teamID)
	var configJSON, createdAt, adminLCT, bindingJSON, membersJSON string
	if err := row.Scan(&configJSON, &createdAt, &adminLCT, &bindingJSON, &membersJSON); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}

	t := &Team{
		teamID:    teamID,
		createdAt: createdAt,
		adminLCT:  adminLCT,
		members:   make(map[string]*Member),
		led:       led,
		archive:   archive,
		activity:  make(map[string]*trust.ActivityWindow),
		now:       time.Now,
	}
	if err := json.Unmarshal([]byte(configJSON), &t.config); err != nil {
		return nil, fmt.Errorf("decode team config: %w", err)
	}
	if bindingJSON != "" {
		var b Binding
		if err := json.Unmarshal([]byte(bindingJSON), &b); err != nil {
			return nil, fmt.Errorf("decode admin binding: %w", err)
		}
		t.binding = &b
	}
	if err := json.Unmarshal([]byte(membersJSON), &t.members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	if t.config.EnableTrustDecay {
		t.calc = trust.NewCalculator(nil)
	}

	hb, err := heartbeat.New(teamID, led.DB())
	if err != nil {
		return nil, err
	}
	hb.SetMaxReserves(t.config.Reserves)
	t.hb = hb
	return t, nil
}

// SetNowFunc overrides the wall clock for the team and its heartbeat ledger.
func (t *Team) SetNowFunc(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	t.hb.SetNowFunc(now)
	t.led.SetNowFunc(now)
}

// TeamID returns the team's LCT identifier.
func (t *Team) TeamID() string { return t.teamID }

// Config returns a copy of the team configuration.
func (t *Team) Config() Config { return t.config }

// CreatedAt returns the creation timestamp.
func (t *Team) CreatedAt() string { return t.createdAt }

// Ledger exposes the shared audit ledger.
func (t *Team) Ledger() *ledger.Ledger { return t.led }

// Heartbeat exposes the team's metabolic block chain.
func (t *Team) Heartbeat() *heartbeat.Ledger { return t.hb }

// AdminLCT returns the current admin identity, if set.
func (t *Team) AdminLCT() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adminLCT
}

func (t *Team) store() error {
	configJSON, err := crypto.CanonicalJSON(t.config)
	if err != nil {
		return err
	}
	membersJSON, err := crypto.CanonicalJSON(t.members)
	if err != nil {
		return err
	}
	var bindingJSON any
	if t.binding != nil {
		raw, err := crypto.CanonicalJSON(t.binding)
		if err != nil {
			return err
		}
		bindingJSON = string(raw)
	}
	_, err = t.led.DB().Exec(`
        INSERT INTO teams (team_id, config, created_at, admin_lct, admin_binding, members)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(team_id) DO UPDATE SET
            config = excluded.config,
            admin_lct = excluded.admin_lct,
            admin_binding = excluded.admin_binding,
            members = excluded.members
    `, t.teamID, string(configJSON), t.createdAt, t.adminLCT, bindingJSON, string(membersJSON))
	if err != nil {
		return fmt.Errorf("store team: %w", err)
	}
	return nil
}

// --- Admin management ---

// SetAdmin assigns the team admin. Hardware binding is external: the binding
// type is recorded and requireHardware rejects software-only assignment.
// Once an admin exists, transfer flows through multi-sig instead.
func (t *Team) SetAdmin(lct, bindingType string, requireHardware bool) error {
	if bindingType == "" {
		bindingType = "software"
	}
	if requireHardware && bindingType == "software" {
		return fmt.Errorf("hardware binding required for admin")
	}
	t.mu.Lock()
	t.adminLCT = lct
	t.binding = &Binding{
		Type:     bindingType,
		Verified: bindingType != "software",
		BoundAt:  t.now().UTC().Format(time.RFC3339Nano),
	}
	err := t.store()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = t.led.RecordAudit(t.teamID, "admin_set", "hardbound", lct, "", "", "ok",
		map[string]any{"binding_type": bindingType})
	return err
}

// IsAdmin reports whether the LCT is the current admin.
func (t *Team) IsAdmin(lct string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adminLCT != "" && t.adminLCT == lct
}

// AdminBinding returns the admin's binding record, if any.
func (t *Team) AdminBinding() *Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.binding == nil {
		return nil
	}
	b := *t.binding
	return &b
}

// --- Member management ---

// AddMember joins an entity to the team. A returning member's witness log is
// restored from the archive so remove/re-add cycles cannot shed history.
func (t *Team) AddMember(lct string, role Role, atpBudget *int) (*Member, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if _, ok := t.members[lct]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, lct)
	}

	budget := t.config.DefaultMemberBudget
	if atpBudget != nil {
		budget = *atpBudget
	}
	now := t.now().UTC()
	member := &Member{
		LCTID:           lct,
		TeamID:          t.teamID,
		Role:            role,
		ATPBudget:       budget,
		Trust:           trust.NewVector().ToMap(),
		LastTrustUpdate: now.Format(time.RFC3339Nano),
		JoinedAt:        now.Format(time.RFC3339Nano),
	}

	// Rejoin: restore archived witness history and stamp the rejoin time so
	// the 72 h witnessing cooldown applies.
	if archived, err := t.loadArchiveLocked(lct); err == nil && archived != nil {
		member.WitnessLog = archived.WitnessLog
		member.RejoinedAt = now.Format(time.RFC3339Nano)
	}

	t.members[lct] = member
	err := t.store()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, err := t.led.RecordAudit(t.teamID, "member_added", "hardbound", lct, "", "", "ok",
		map[string]any{"role": string(role), "atp_budget": budget}); err != nil {
		return nil, err
	}
	if _, err := t.hb.SubmitTransaction("member_added", t.adminOrTeam(), map[string]any{
		"member_lct": lct, "role": string(role),
	}, lct, 0); err != nil {
		return nil, err
	}
	return member, nil
}

// archivedMember is the snapshot written to the archive store on removal.
type archivedMember struct {
	LCTID         string              `json:"lct_id"`
	ArchivedTrust map[string]float64  `json:"archived_trust"`
	WitnessLog    map[string][]string `json:"witness_log"`
	RemovedAt     string              `json:"removed_at"`
	Reason        string              `json:"reason"`
}

func (t *Team) archiveKey(lct string) []byte {
	return []byte("member_archive:" + t.teamID + ":" + lct)
}

func (t *Team) loadArchiveLocked(lct string) (*archivedMember, error) {
	if t.archive == nil {
		return nil, nil
	}
	raw, err := t.archive.Get(t.archiveKey(lct))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var archived archivedMember
	if err := json.Unmarshal(raw, &archived); err != nil {
		return nil, fmt.Errorf("decode member archive: %w", err)
	}
	return &archived, nil
}

// RemoveMember removes a member, archiving their trust snapshot and witness
// log. Requires admin authority unless the removal came through multi-sig.
func (t *Team) RemoveMember(lct, requesterLCT, reason, viaMultisig string) error {
	t.mu.Lock()
	if lct == t.adminLCT {
		t.mu.Unlock()
		return fmt.Errorf("cannot remove admin; transfer admin via multi-sig first")
	}
	member, ok := t.members[lct]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMember, lct)
	}

	authMethod := ""
	switch {
	case viaMultisig != "":
		authMethod = "multisig:" + viaMultisig
	case requesterLCT != "" && t.adminLCT == requesterLCT:
		authMethod = "admin:" + requesterLCT
	default:
		t.mu.Unlock()
		return fmt.Errorf("%w: member removal needs admin or multi-sig approval", ErrNotAdmin)
	}

	member.ArchivedTrust = member.Trust
	now := t.now().UTC().Format(time.RFC3339Nano)
	if t.archive != nil {
		snapshot := archivedMember{
			LCTID:         lct,
			ArchivedTrust: member.Trust,
			WitnessLog:    member.WitnessLog,
			RemovedAt:     now,
			Reason:        reason,
		}
		raw, err := json.Marshal(snapshot)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		if err := t.archive.Put(t.archiveKey(lct), raw); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("archive member: %w", err)
		}
	}

	delete(t.members, lct)
	remaining := len(t.members)
	err := t.store()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := t.led.RecordAudit(t.teamID, "member_removed", "hardbound", lct, "", "", "ok",
		map[string]any{
			"reason":            reason,
			"auth_method":       authMethod,
			"archived_trust":    member.ArchivedTrust,
			"remaining_members": remaining,
		}); err != nil {
		return err
	}
	_, err = t.hb.SubmitTransaction("member_removed", t.adminOrTeam(), map[string]any{
		"member_lct": lct, "reason": reason,
	}, lct, 0)
	return err
}

// UpdateMemberRole changes a member's role; only the admin may do so.
func (t *Team) UpdateMemberRole(lct string, newRole Role, requesterLCT string) error {
	if _, err := ParseRole(string(newRole)); err != nil {
		return err
	}
	t.mu.Lock()
	if t.adminLCT == "" || t.adminLCT != requesterLCT {
		t.mu.Unlock()
		return fmt.Errorf("%w: only admin can change roles", ErrNotAdmin)
	}
	member, ok := t.members[lct]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMember, lct)
	}
	oldRole := member.Role
	member.Role = newRole
	err := t.store()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = t.led.RecordAudit(t.teamID, "role_changed", "hardbound", lct, "", "", "ok",
		map[string]any{"old_role": string(oldRole), "new_role": string(newRole), "approved_by": requesterLCT})
	return err
}

// GetMember returns a copy of the member record.
func (t *Team) GetMember(lct string) (*Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	member, ok := t.members[lct]
	if !ok {
		return nil, false
	}
	cp := *member
	return &cp, true
}

// ListMembers returns copies of all member records.
func (t *Team) ListMembers() []*Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Member, 0, len(t.members))
	for _, m := range t.members {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// MemberCount reports the current membership size.
func (t *Team) MemberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// --- ATP management ---

// ConsumeMemberATP debits a member's budget. The invariant
// atp_consumed <= atp_budget is preserved; overdraw fails.
func (t *Team) ConsumeMemberATP(lct string, amount int) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("atp amount must not be negative: %d", amount)
	}
	t.mu.Lock()
	member, ok := t.members[lct]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotMember, lct)
	}
	remaining := member.ATPRemaining()
	if amount > remaining {
		t.mu.Unlock()
		return remaining, fmt.Errorf("%w: need %d, have %d", ErrInsufficientATP, amount, remaining)
	}
	member.ATPConsumed += amount
	member.ActionCount++
	err := t.store()
	left := member.ATPRemaining()
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	_, err = t.hb.SubmitTransaction("atp_consumed", lct, map[string]any{"amount": amount}, "", 0)
	return left, err
}

// GetMemberATP reports the member's remaining budget (0 for non-members).
func (t *Team) GetMemberATP(lct string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	member, ok := t.members[lct]
	if !ok {
		return 0
	}
	return member.ATPRemaining()
}

// RewardMemberATP refunds part of a member's consumed budget after a
// successful outcome. The refund never drives consumption negative.
func (t *Team) RewardMemberATP(lct, outcome string, baseReward int) (int, error) {
	if baseReward < 0 {
		return 0, fmt.Errorf("reward must not be negative: %d", baseReward)
	}
	t.mu.Lock()
	member, ok := t.members[lct]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotMember, lct)
	}
	reward := baseReward
	if outcome != "success" {
		reward = 0
	}
	if reward > member.ATPConsumed {
		reward = member.ATPConsumed
	}
	member.ATPConsumed -= reward
	err := t.store()
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if reward > 0 {
		if _, err := t.hb.SubmitTransaction("atp_rewarded", lct, map[string]any{
			"outcome": outcome, "reward": reward,
		}, "", 0); err != nil {
			return reward, err
		}
	}
	return reward, nil
}

func (t *Team) adminOrTeam() string {
	if t.adminLCT != "" {
		return t.adminLCT
	}
	return t.teamID
}

// AuditTrail returns the team's audit chain.
func (t *Team) AuditTrail() ([]ledger.Record, error) {
	return t.led.SessionAuditTrail(t.teamID)
}

// VerifyAuditChain verifies the team's audit chain integrity.
func (t *Team) VerifyAuditChain() (bool, string, error) {
	return t.led.VerifyAuditChain(t.teamID)
}

// Summary is the team's dashboard row.
type Summary struct {
	TeamID      string          `json:"team_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	CreatedAt   string          `json:"created_at"`
	AdminLCT    string          `json:"admin_lct"`
	MemberCount int             `json:"member_count"`
	Members     []MemberSummary `json:"members"`
}

// MemberSummary is one member's dashboard row.
type MemberSummary struct {
	LCTID        string  `json:"lct_id"`
	Role         Role    `json:"role"`
	TrustScore   float64 `json:"trust_score"`
	ATPRemaining int     `json:"atp_remaining"`
}

// Summary assembles the dashboard view.
func (t *Team) Summary() Summary {
	members := t.ListMembers()
	out := Summary{
		TeamID:      t.teamID,
		Name:        t.config.Name,
		Description: t.config.Description,
		CreatedAt:   t.createdAt,
		AdminLCT:    t.AdminLCT(),
		MemberCount: len(members),
	}
	for _, m := range members {
		out.Members = append(out.Members, MemberSummary{
			LCTID:        m.LCTID,
			Role:         m.Role,
			TrustScore:   t.GetMemberTrustScore(m.LCTID, true),
			ATPRemaining: m.ATPRemaining(),
		})
	}
	return out
}
