package multifed

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
)

var (
	// ErrFederationExists is returned for duplicate registrations.
	ErrFederationExists = errors.New("multifed: federation already registered")

	// ErrFederationNotFound is returned for unknown federation ids.
	ErrFederationNotFound = errors.New("multifed: federation not found")

	// ErrNoTrustRelationship is returned when no edge exists for a pair.
	ErrNoTrustRelationship = errors.New("multifed: no trust relationship")
)

// Relationship labels the tie between two federations.
type Relationship string

const (
	RelationshipNone    Relationship = "none"
	RelationshipPeer    Relationship = "peer"
	RelationshipParent  Relationship = "parent"
	RelationshipChild   Relationship = "child"
	RelationshipTrusted Relationship = "trusted"
	RelationshipAllied  Relationship = "allied"
)

// ParseRelationship rejects unknown labels from storage.
func ParseRelationship(s string) (Relationship, error) {
	switch Relationship(s) {
	case RelationshipNone, RelationshipPeer, RelationshipParent,
		RelationshipChild, RelationshipTrusted, RelationshipAllied:
		return Relationship(s), nil
	}
	return "", fmt.Errorf("unknown federation relationship: %q", s)
}

// Profile is a federation's registry entry.
type Profile struct {
	FederationID string `json:"federation_id"`
	Name         string `json:"name"`
	CreatedAt    string `json:"created_at"`
	Status       string `json:"status"`

	MinTeamCount            int  `json:"min_team_count"`
	RequiresExternalWitness bool `json:"requires_external_witness"`

	ReputationScore float64 `json:"reputation_score"`
	ActiveTeamCount int     `json:"active_team_count"`
	ProposalCount   int     `json:"proposal_count"`
	SuccessRate     float64 `json:"success_rate"`
}

// Trust is the directed trust edge between two federations.
type Trust struct {
	SourceFederationID string       `json:"source_federation_id"`
	TargetFederationID string       `json:"target_federation_id"`
	Relationship       Relationship `json:"relationship"`
	EstablishedAt      string       `json:"established_at"`
	TrustScore         float64      `json:"trust_score"`
	WitnessAllowed     bool         `json:"witness_allowed"`
	LastInteraction    string       `json:"last_interaction"`
	SuccessfulInteractions int      `json:"successful_interactions"`
	FailedInteractions     int      `json:"failed_interactions"`
}

// Bootstrap limits: trust must be earned through age and interactions.
const (
	// MinCrossFedTrust gates cross-federation witnessing.
	MinCrossFedTrust = 0.4
	// MaxInitialTrust caps trust claimable at relationship creation.
	MaxInitialTrust = 0.5
	// TrustIncrementPerSuccess is the gain per successful interaction.
	TrustIncrementPerSuccess = 0.05
	// trustFailurePenalty is the loss per failed interaction.
	trustFailurePenalty = 0.10
	// trustFloor is the minimum trust after failures.
	trustFloor = 0.1
)

// trustLadderStep pairs a trust ceiling with its requirements.
type trustLadderStep struct {
	ceiling      float64
	minAgeDays   int
	minSuccesses int
}

// trustLadder tabulates the age and interaction requirements for each trust
// ceiling, lowest first.
var trustLadder = []trustLadderStep{
	{ceiling: 0.5, minAgeDays: 0, minSuccesses: 0},
	{ceiling: 0.6, minAgeDays: 7, minSuccesses: 3},
	{ceiling: 0.7, minAgeDays: 30, minSuccesses: 10},
	{ceiling: 0.8, minAgeDays: 90, minSuccesses: 25},
	{ceiling: 0.9, minAgeDays: 180, minSuccesses: 50},
	{ceiling: 1.0, minAgeDays: 365, minSuccesses: 100},
}

func maxTrustByAge(ageDays int) float64 {
	max := MaxInitialTrust
	for _, step := range trustLadder {
		if ageDays >= step.minAgeDays {
			max = step.ceiling
		}
	}
	return max
}

func maxTrustByInteractions(successes int) float64 {
	max := MaxInitialTrust
	for _, step := range trustLadder {
		if successes >= step.minSuccesses {
			max = step.ceiling
		}
	}
	return max
}

// Registry coordinates federations and their trust edges. It sits above
// individual federation registries.
type Registry struct {
	db     *sql.DB
	dbPath string

	mu  sync.Mutex
	now func() time.Time
}

const mfSchema = `
CREATE TABLE IF NOT EXISTS federations (
    federation_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    min_team_count INTEGER DEFAULT 3,
    requires_external_witness INTEGER DEFAULT 1,
    reputation_score REAL DEFAULT 0.5,
    active_team_count INTEGER DEFAULT 0,
    proposal_count INTEGER DEFAULT 0,
    success_rate REAL DEFAULT 0.5
);

CREATE TABLE IF NOT EXISTS inter_federation_trust (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_federation_id TEXT NOT NULL,
    target_federation_id TEXT NOT NULL,
    relationship TEXT NOT NULL,
    established_at TEXT NOT NULL,
    trust_score REAL DEFAULT 0.5,
    witness_allowed INTEGER DEFAULT 1,
    last_interaction TEXT DEFAULT '',
    successful_interactions INTEGER DEFAULT 0,
    failed_interactions INTEGER DEFAULT 0,
    UNIQUE (source_federation_id, target_federation_id)
);

CREATE INDEX IF NOT EXISTS idx_trust_source ON inter_federation_trust(source_federation_id);
`

// Open initialises the multi-federation registry at the sqlite DSN.
func Open(path string) (*Registry, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("multi-federation registry path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open multi-federation registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 30000"} {
		rows, err := db.Query(pragma)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("configure multi-federation registry: %w", err)
		}
		rows.Close()
	}
	for _, stmt := range []string{mfSchema, xfedSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply multi-federation schema: %w", err)
		}
	}
	return &Registry{db: db, dbPath: trimmed, now: time.Now}, nil
}

// SetNowFunc overrides the wall clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Close releases database resources.
func (r *Registry) Close() error { return r.db.Close() }

// RegisterFederation stores a new federation profile.
func (r *Registry) RegisterFederation(federationID, name string, minTeamCount int, requiresExternalWitness bool) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, _ := r.getFederation(federationID); existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrFederationExists, federationID)
	}
	if minTeamCount <= 0 {
		minTeamCount = 3
	}
	profile := &Profile{
		FederationID:            federationID,
		Name:                    name,
		CreatedAt:               r.now().UTC().Format(time.RFC3339Nano),
		Status:                  "active",
		MinTeamCount:            minTeamCount,
		RequiresExternalWitness: requiresExternalWitness,
		ReputationScore:         0.5,
		SuccessRate:             0.5,
	}
	_, err := r.db.Exec(`
        INSERT INTO federations
        (federation_id, name, created_at, min_team_count, requires_external_witness)
        VALUES (?, ?, ?, ?, ?)
    `, profile.FederationID, profile.Name, profile.CreatedAt,
		profile.MinTeamCount, boolToInt(profile.RequiresExternalWitness))
	if err != nil {
		return nil, fmt.Errorf("register federation: %w", err)
	}
	return profile, nil
}

// GetFederation loads a federation profile.
func (r *Registry) GetFederation(federationID string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getFederation(federationID)
}

func (r *Registry) getFederation(federationID string) (*Profile, error) {
	row := r.db.QueryRow("SELECT * FROM federations WHERE federation_id = ?", federationID)
	var p Profile
	var requiresWitness int
	err := row.Scan(&p.FederationID, &p.Name, &p.CreatedAt, &p.Status,
		&p.MinTeamCount, &requiresWitness, &p.ReputationScore,
		&p.ActiveTeamCount, &p.ProposalCount, &p.SuccessRate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFederationNotFound, federationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load federation: %w", err)
	}
	p.RequiresExternalWitness = requiresWitness != 0
	return &p, nil
}

// EstablishTrust creates (or replaces) the trust edge source→target. The
// bootstrap limits cap the initial score regardless of what was requested.
func (r *Registry) EstablishTrust(sourceID, targetID string, relationship Relationship,
	initialTrust float64, witnessAllowed bool) (*Trust, error) {

	if _, err := ParseRelationship(string(relationship)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	effective := initialTrust
	if effective > MaxInitialTrust {
		effective = MaxInitialTrust
	}
	if effective < 0 {
		effective = 0
	}
	if target, err := r.getFederation(targetID); err == nil {
		if ceiling := maxTrustByAge(r.ageDays(target.CreatedAt)); effective > ceiling {
			effective = ceiling
		}
	}

	trust := &Trust{
		SourceFederationID: sourceID,
		TargetFederationID: targetID,
		Relationship:       relationship,
		EstablishedAt:      r.now().UTC().Format(time.RFC3339Nano),
		TrustScore:         effective,
		WitnessAllowed:     witnessAllowed,
	}
	_, err := r.db.Exec(`
        INSERT INTO inter_federation_trust
        (source_federation_id, target_federation_id, relationship,
         established_at, trust_score, witness_allowed,
         successful_interactions, failed_interactions)
        VALUES (?, ?, ?, ?, ?, ?, 0, 0)
        ON CONFLICT(source_federation_id, target_federation_id) DO UPDATE SET
            relationship = excluded.relationship,
            trust_score = excluded.trust_score,
            witness_allowed = excluded.witness_allowed
    `, trust.SourceFederationID, trust.TargetFederationID, string(trust.Relationship),
		trust.EstablishedAt, trust.TrustScore, boolToInt(trust.WitnessAllowed))
	if err != nil {
		return nil, fmt.Errorf("establish trust: %w", err)
	}
	return trust, nil
}

func (r *Registry) ageDays(createdAt string) int {
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return 0
	}
	return int(r.now().UTC().Sub(created).Hours() / 24)
}

// GetTrust loads the directed edge source→target.
func (r *Registry) GetTrust(sourceID, targetID string) (*Trust, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getTrust(sourceID, targetID)
}

func (r *Registry) getTrust(sourceID, targetID string) (*Trust, error) {
	row := r.db.QueryRow(`
        SELECT source_federation_id, target_federation_id, relationship,
               established_at, trust_score, witness_allowed, last_interaction,
               successful_interactions, failed_interactions
        FROM inter_federation_trust
        WHERE source_federation_id = ? AND target_federation_id = ?
    `, sourceID, targetID)
	var t Trust
	var relationshipStr string
	var witnessAllowed int
	err := row.Scan(&t.SourceFederationID, &t.TargetFederationID, &relationshipStr,
		&t.EstablishedAt, &t.TrustScore, &witnessAllowed, &t.LastInteraction,
		&t.SuccessfulInteractions, &t.FailedInteractions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoTrustRelationship, sourceID, targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("load trust: %w", err)
	}
	if t.Relationship, err = ParseRelationship(relationshipStr); err != nil {
		return nil, err
	}
	t.WitnessAllowed = witnessAllowed != 0
	return &t, nil
}

// AllTrustEdges returns every directed edge in the registry.
func (r *Registry) AllTrustEdges() ([]*Trust, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`
        SELECT source_federation_id, target_federation_id, relationship,
               established_at, trust_score, witness_allowed, last_interaction,
               successful_interactions, failed_interactions
        FROM inter_federation_trust
        ORDER BY source_federation_id, target_federation_id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []*Trust
	for rows.Next() {
		var t Trust
		var relationshipStr string
		var witnessAllowed int
		if err := rows.Scan(&t.SourceFederationID, &t.TargetFederationID, &relationshipStr,
			&t.EstablishedAt, &t.TrustScore, &witnessAllowed, &t.LastInteraction,
			&t.SuccessfulInteractions, &t.FailedInteractions); err != nil {
			return nil, err
		}
		if t.Relationship, err = ParseRelationship(relationshipStr); err != nil {
			return nil, err
		}
		t.WitnessAllowed = witnessAllowed != 0
		edges = append(edges, &t)
	}
	return edges, rows.Err()
}

// InteractionResult reports the effect of RecordInteraction.
type InteractionResult struct {
	SourceFederation       string  `json:"source_federation"`
	TargetFederation       string  `json:"target_federation"`
	Success                bool    `json:"success"`
	PreviousTrust          float64 `json:"previous_trust"`
	NewTrust               float64 `json:"new_trust"`
	SuccessfulInteractions int     `json:"successful_interactions"`
	FailedInteractions     int     `json:"failed_interactions"`
}

// RecordInteraction counts an interaction and adjusts trust under the
// bootstrap ceilings: successes earn +0.05 up to the cap, failures cost 0.10
// with a 0.1 floor.
func (r *Registry) RecordInteraction(sourceID, targetID string, success bool) (*InteractionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trust, err := r.getTrust(sourceID, targetID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC().Format(time.RFC3339Nano)

	if success {
		trust.SuccessfulInteractions++
	} else {
		trust.FailedInteractions++
	}

	previous := trust.TrustScore
	newTrust := previous
	if success {
		ceiling := maxTrustByInteractions(trust.SuccessfulInteractions)
		if target, err := r.getFederation(targetID); err == nil {
			if ageCeiling := maxTrustByAge(r.ageDays(target.CreatedAt)); ageCeiling < ceiling {
				ceiling = ageCeiling
			}
		}
		newTrust = previous + TrustIncrementPerSuccess
		if newTrust > ceiling {
			newTrust = ceiling
		}
		if newTrust < previous {
			newTrust = previous
		}
	} else {
		newTrust = previous - trustFailurePenalty
		if newTrust < trustFloor {
			newTrust = trustFloor
		}
	}
	trust.TrustScore = newTrust

	_, err = r.db.Exec(`
        UPDATE inter_federation_trust
        SET trust_score = ?, successful_interactions = ?, failed_interactions = ?, last_interaction = ?
        WHERE source_federation_id = ? AND target_federation_id = ?
    `, trust.TrustScore, trust.SuccessfulInteractions, trust.FailedInteractions, now, sourceID, targetID)
	if err != nil {
		return nil, fmt.Errorf("record interaction: %w", err)
	}
	return &InteractionResult{
		SourceFederation:       sourceID,
		TargetFederation:       targetID,
		Success:                success,
		PreviousTrust:          previous,
		NewTrust:               newTrust,
		SuccessfulInteractions: trust.SuccessfulInteractions,
		FailedInteractions:     trust.FailedInteractions,
	}, nil
}

// BootstrapStatus introspects the trust constraints for a pair.
type BootstrapStatus struct {
	SourceFederation       string  `json:"source_federation"`
	TargetFederation       string  `json:"target_federation"`
	CurrentTrust           float64 `json:"current_trust"`
	MaxTrustByAge          float64 `json:"max_trust_by_age"`
	MaxTrustByInteractions float64 `json:"max_trust_by_interactions"`
	EffectiveTrustCap      float64 `json:"effective_trust_cap"`
	SuccessfulInteractions int     `json:"successful_interactions"`
	FailedInteractions     int     `json:"failed_interactions"`
	NextTrustLevel         float64 `json:"next_trust_level,omitempty"`
	InteractionsNeeded     int     `json:"interactions_needed_for_next"`
	DaysNeeded             int     `json:"days_needed_for_next"`
	CanIncrease            bool    `json:"can_increase"`
}

// GetTrustBootstrapStatus explains the current ceilings and what the next
// level requires.
func (r *Registry) GetTrustBootstrapStatus(sourceID, targetID string) (*BootstrapStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trust, err := r.getTrust(sourceID, targetID)
	if err != nil {
		return nil, err
	}
	ageDays := 0
	if target, err := r.getFederation(targetID); err == nil {
		ageDays = r.ageDays(target.CreatedAt)
	}
	status := &BootstrapStatus{
		SourceFederation:       sourceID,
		TargetFederation:       targetID,
		CurrentTrust:           trust.TrustScore,
		MaxTrustByAge:          maxTrustByAge(ageDays),
		MaxTrustByInteractions: maxTrustByInteractions(trust.SuccessfulInteractions),
		SuccessfulInteractions: trust.SuccessfulInteractions,
		FailedInteractions:     trust.FailedInteractions,
	}
	status.EffectiveTrustCap = status.MaxTrustByAge
	if status.MaxTrustByInteractions < status.EffectiveTrustCap {
		status.EffectiveTrustCap = status.MaxTrustByInteractions
	}
	status.CanIncrease = trust.TrustScore < status.EffectiveTrustCap

	for _, step := range trustLadder {
		if step.ceiling > trust.TrustScore {
			status.NextTrustLevel = step.ceiling
			if need := step.minSuccesses - trust.SuccessfulInteractions; need > 0 {
				status.InteractionsNeeded = need
			}
			if need := step.minAgeDays - ageDays; need > 0 {
				status.DaysNeeded = need
			}
			break
		}
	}
	return status, nil
}

// EligibleWitnessFederations lists federations the requester may call as
// external witnesses: witness-allowed edges over the trust floor, excluding
// the requester and any explicit exclusions, best first.
func (r *Registry) EligibleWitnessFederations(requestingID string, exclude []string, minTrust float64) ([]*Trust, error) {
	if minTrust <= 0 {
		minTrust = MinCrossFedTrust
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	excluded := map[string]struct{}{requestingID: {}}
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	rows, err := r.db.Query(`
        SELECT target_federation_id, trust_score FROM inter_federation_trust
        WHERE source_federation_id = ? AND witness_allowed = 1 AND trust_score >= ?
        ORDER BY trust_score DESC, target_federation_id ASC
    `, requestingID, minTrust)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eligible []*Trust
	for rows.Next() {
		var targetID string
		var score float64
		if err := rows.Scan(&targetID, &score); err != nil {
			return nil, err
		}
		if _, skip := excluded[targetID]; skip {
			continue
		}
		eligible = append(eligible, &Trust{
			SourceFederationID: requestingID,
			TargetFederationID: targetID,
			TrustScore:         score,
			WitnessAllowed:     true,
		})
	}
	return eligible, rows.Err()
}

// ActiveFederationIDs lists active federations in stable order.
func (r *Registry) ActiveFederationIDs() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query("SELECT federation_id FROM federations WHERE status = 'active'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
