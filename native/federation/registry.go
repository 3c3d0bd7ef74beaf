package federation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"

	"hardbound/crypto"
)

var (
	// ErrTeamRegistered is returned for duplicate registrations.
	ErrTeamRegistered = errors.New("federation: team already registered")

	// ErrTeamNotFound is returned for unknown team ids.
	ErrTeamNotFound = errors.New("federation: team not found")
)

// Status of a team in the federation. Suspension preserves history.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// ParseStatus rejects unknown labels from storage.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusSuspended, StatusRevoked:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown federation status: %q", s)
}

// Team is a team's public profile in the federation registry.
type Team struct {
	TeamID       string   `json:"team_id"`
	Name         string   `json:"name"`
	RegisteredAt string   `json:"registered_at"`
	Status       Status   `json:"status"`
	Domains      []string `json:"domains"`
	Capabilities []string `json:"capabilities"`
	AdminLCT     string   `json:"admin_lct"`
	CreatorLCT   string   `json:"creator_lct"`
	MemberCount  int      `json:"member_count"`

	// Witness reputation: Bayesian-smoothed success rate.
	WitnessScore     float64 `json:"witness_score"`
	WitnessCount     int     `json:"witness_count"`
	WitnessSuccesses int     `json:"witness_successes"`
	WitnessFailures  int     `json:"witness_failures"`
}

// WitnessOutcome labels how a witnessed proposal ended.
type WitnessOutcome string

const (
	OutcomePending   WitnessOutcome = "pending"
	OutcomeSucceeded WitnessOutcome = "succeeded"
	OutcomeFailed    WitnessOutcome = "failed"
	OutcomeReversed  WitnessOutcome = "reversed"
)

// WitnessRecord is one cross-team witnessing event.
type WitnessRecord struct {
	WitnessTeamID  string         `json:"witness_team_id"`
	ProposalTeamID string         `json:"proposal_team_id"`
	WitnessLCT     string         `json:"witness_lct"`
	ProposalID     string         `json:"proposal_id"`
	Timestamp      string         `json:"timestamp"`
	Outcome        WitnessOutcome `json:"outcome"`
}

// Thresholds for witnessing and collusion analysis.
const (
	// MinWitnessScore is the reputation floor to serve as external witness.
	MinWitnessScore = 0.3
	// ReciprocityWindow bounds how many recent events reciprocity examines.
	ReciprocityWindow = 50
	// MaxReciprocityRatio flags pairs whose mutual witnessing dominates.
	MaxReciprocityRatio = 0.6
	// minReciprocityEvidence is the minimum pair volume before flagging.
	minReciprocityEvidence = 4
	// witnessScorePrior is the Bayesian prior (pseudo-successes over
	// pseudo-observations) smoothing new teams' scores.
	witnessScorePrior = 5
)

// Registry is the cross-team discovery and witness-coordination backbone.
type Registry struct {
	db     *sql.DB
	dbPath string

	mu  sync.Mutex
	now func() time.Time
}

const fedSchema = `
CREATE TABLE IF NOT EXISTS federated_teams (
    team_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    registered_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    domains TEXT NOT NULL DEFAULT '[]',
    capabilities TEXT NOT NULL DEFAULT '[]',
    admin_lct TEXT DEFAULT '',
    creator_lct TEXT DEFAULT '',
    member_count INTEGER DEFAULT 0,
    witness_score REAL DEFAULT 1.0,
    witness_count INTEGER DEFAULT 0,
    witness_successes INTEGER DEFAULT 0,
    witness_failures INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS witness_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    witness_team_id TEXT NOT NULL,
    proposal_team_id TEXT NOT NULL,
    witness_lct TEXT NOT NULL,
    proposal_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    outcome TEXT DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_witness_records_teams
    ON witness_records(witness_team_id, proposal_team_id);
CREATE INDEX IF NOT EXISTS idx_creator_lct ON federated_teams(creator_lct);
`

// Open initialises the registry at the sqlite DSN.
func Open(path string) (*Registry, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("federation registry path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open federation registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 30000"} {
		rows, err := db.Query(pragma)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("configure federation registry: %w", err)
		}
		rows.Close()
	}
	for _, stmt := range []string{fedSchema, xteamSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply federation schema: %w", err)
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

// Path returns the DSN, used as the pattern-signing domain separator.
func (r *Registry) Path() string { return r.dbPath }

// RegisterTeam stores a public team profile with a fresh witness reputation.
// Re-registering an id fails without altering state.
func (r *Registry) RegisterTeam(teamID, name string, domains, capabilities []string,
	adminLCT, creatorLCT string, memberCount int) (*Team, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, _ := r.getTeam(teamID); existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrTeamRegistered, teamID)
	}
	if capabilities == nil {
		capabilities = []string{"external_witnessing"}
	}
	if domains == nil {
		domains = []string{}
	}
	team := &Team{
		TeamID:       teamID,
		Name:         name,
		RegisteredAt: r.now().UTC().Format(time.RFC3339Nano),
		Status:       StatusActive,
		Domains:      domains,
		Capabilities: capabilities,
		AdminLCT:     adminLCT,
		CreatorLCT:   creatorLCT,
		MemberCount:  memberCount,
		WitnessScore: 1.0,
	}
	domainsJSON, err := crypto.CanonicalJSON(team.Domains)
	if err != nil {
		return nil, err
	}
	capsJSON, err := crypto.CanonicalJSON(team.Capabilities)
	if err != nil {
		return nil, err
	}
	_, err = r.db.Exec(`
        INSERT INTO federated_teams
        (team_id, name, registered_at, status, domains, capabilities,
         admin_lct, creator_lct, member_count, witness_score, witness_count,
         witness_successes, witness_failures)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1.0, 0, 0, 0)
    `, team.TeamID, team.Name, team.RegisteredAt, string(team.Status),
		string(domainsJSON), string(capsJSON), team.AdminLCT, team.CreatorLCT, team.MemberCount)
	if err != nil {
		return nil, fmt.Errorf("register team: %w", err)
	}
	return team, nil
}

// GetTeam loads a federated team by id.
func (r *Registry) GetTeam(teamID string) (*Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getTeam(teamID)
}

func (r *Registry) getTeam(teamID string) (*Team, error) {
	row := r.db.QueryRow("SELECT * FROM federated_teams WHERE team_id = ?", teamID)
	team, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	return team, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTeam(row rowScanner) (*Team, error) {
	var t Team
	var statusStr, domainsJSON, capsJSON string
	err := row.Scan(&t.TeamID, &t.Name, &t.RegisteredAt, &statusStr,
		&domainsJSON, &capsJSON, &t.AdminLCT, &t.CreatorLCT, &t.MemberCount,
		&t.WitnessScore, &t.WitnessCount, &t.WitnessSuccesses, &t.WitnessFailures)
	if err != nil {
		return nil, err
	}
	if t.Status, err = ParseStatus(statusStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(domainsJSON), &t.Domains); err != nil {
		return nil, fmt.Errorf("decode domains: %w", err)
	}
	if err := json.Unmarshal([]byte(capsJSON), &t.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &t, nil
}

// FindQuery narrows team discovery.
type FindQuery struct {
	Domain          string
	Capability      string
	MinWitnessScore float64
	ExcludeTeamID   string
	Status          Status
	Limit           int
}

// FindTeams is the discovery mechanism, ordered by witness score.
func (r *Registry) FindTeams(q FindQuery) ([]*Team, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findTeams(q)
}

func (r *Registry) findTeams(q FindQuery) ([]*Team, error) {
	if q.Status == "" {
		q.Status = StatusActive
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	query := "SELECT * FROM federated_teams WHERE status = ?"
	args := []any{string(q.Status)}
	if q.ExcludeTeamID != "" {
		query += " AND team_id != ?"
		args = append(args, q.ExcludeTeamID)
	}
	if q.MinWitnessScore > 0 {
		query += " AND witness_score >= ?"
		args = append(args, q.MinWitnessScore)
	}
	query += " ORDER BY witness_score DESC, team_id ASC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		if q.Domain != "" && !contains(team.Domains, q.Domain) {
			continue
		}
		if q.Capability != "" && !contains(team.Capabilities, q.Capability) {
			continue
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

func contains(list []string, item string) bool {
	for _, x := range list {
		if x == item {
			return true
		}
	}
	return false
}

// FindWitnessPool returns qualified external witness candidates for a team:
// reputation over the floor, no shared creator, no high-reciprocity pairs.
func (r *Registry) FindWitnessPool(requestingTeamID string, count int, minScore float64) ([]*Team, error) {
	if minScore <= 0 {
		minScore = MinWitnessScore
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates, err := r.findTeams(FindQuery{
		ExcludeTeamID:   requestingTeamID,
		MinWitnessScore: minScore,
		Capability:      "external_witnessing",
		Limit:           count * 2,
	})
	if err != nil {
		return nil, err
	}

	requestingCreator := ""
	if requesting, err := r.getTeam(requestingTeamID); err == nil {
		requestingCreator = requesting.CreatorLCT
	}

	clean := make([]*Team, 0, count)
	for _, candidate := range candidates {
		// Same-creator teams are a lineage conflict, not neutral witnesses.
		if requestingCreator != "" && candidate.CreatorLCT != "" && requestingCreator == candidate.CreatorLCT {
			continue
		}
		reciprocity, err := r.checkReciprocity(requestingTeamID, candidate.TeamID)
		if err != nil {
			return nil, err
		}
		if reciprocity.ReciprocityRatio <= MaxReciprocityRatio {
			clean = append(clean, candidate)
		}
		if len(clean) >= count {
			break
		}
	}
	return clean, nil
}

// SelectWitnesses draws witnesses from the qualified pool with
// reputation-proportional weighting. A seed makes the draw reproducible.
func (r *Registry) SelectWitnesses(requestingTeamID string, count int, seed *int64) ([]*Team, error) {
	pool, err := r.FindWitnessPool(requestingTeamID, count*3, 0)
	if err != nil {
		return nil, err
	}
	if len(pool) <= count {
		return pool, nil
	}

	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewSource(*seed))
	} else {
		rng = rand.New(rand.NewSource(r.now().UnixNano()))
	}

	type weighted struct {
		team   *Team
		weight float64
	}
	remaining := make([]weighted, 0, len(pool))
	for _, t := range pool {
		w := t.WitnessScore
		if w < 0.01 {
			w = 0.01
		}
		remaining = append(remaining, weighted{team: t, weight: w})
	}

	selected := make([]*Team, 0, count)
	for len(selected) < count && len(remaining) > 0 {
		total := 0.0
		for _, w := range remaining {
			total += w.weight
		}
		pick := rng.Float64() * total
		cumulative := 0.0
		for i, w := range remaining {
			cumulative += w.weight
			if cumulative >= pick {
				selected = append(selected, w.team)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return selected, nil
}

// RecordWitnessEvent stores one witnessing event and bumps the witness
// team's counter.
func (r *Registry) RecordWitnessEvent(witnessTeamID, proposalTeamID, witnessLCT, proposalID string) (*WitnessRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record := &WitnessRecord{
		WitnessTeamID:  witnessTeamID,
		ProposalTeamID: proposalTeamID,
		WitnessLCT:     witnessLCT,
		ProposalID:     proposalID,
		Timestamp:      r.now().UTC().Format(time.RFC3339Nano),
		Outcome:        OutcomePending,
	}
	if _, err := r.db.Exec(`
        INSERT INTO witness_records
        (witness_team_id, proposal_team_id, witness_lct, proposal_id, timestamp, outcome)
        VALUES (?, ?, ?, ?, ?, ?)
    `, record.WitnessTeamID, record.ProposalTeamID, record.WitnessLCT,
		record.ProposalID, record.Timestamp, string(record.Outcome)); err != nil {
		return nil, fmt.Errorf("record witness event: %w", err)
	}
	if _, err := r.db.Exec(
		"UPDATE federated_teams SET witness_count = witness_count + 1 WHERE team_id = ?",
		witnessTeamID,
	); err != nil {
		return nil, fmt.Errorf("bump witness count: %w", err)
	}
	return record, nil
}

// UpdateWitnessOutcome settles every witness record for a proposal and
// recomputes the participating teams' reputation scores.
func (r *Registry) UpdateWitnessOutcome(proposalID string, outcome WitnessOutcome) (int, error) {
	switch outcome {
	case OutcomeSucceeded, OutcomeFailed, OutcomeReversed:
	default:
		return 0, fmt.Errorf("invalid witness outcome: %q", outcome)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(
		"SELECT witness_team_id FROM witness_records WHERE proposal_id = ?", proposalID,
	)
	if err != nil {
		return 0, fmt.Errorf("load witness records: %w", err)
	}
	teamSet := make(map[string]struct{})
	total := 0
	for rows.Next() {
		var teamID string
		if err := rows.Scan(&teamID); err != nil {
			rows.Close()
			return 0, err
		}
		teamSet[teamID] = struct{}{}
		total++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	if _, err := r.db.Exec(
		"UPDATE witness_records SET outcome = ? WHERE proposal_id = ?",
		string(outcome), proposalID,
	); err != nil {
		return 0, fmt.Errorf("settle witness records: %w", err)
	}

	column := "witness_failures"
	if outcome == OutcomeSucceeded {
		column = "witness_successes"
	}
	for teamID := range teamSet {
		if _, err := r.db.Exec(
			"UPDATE federated_teams SET "+column+" = "+column+" + 1 WHERE team_id = ?",
			teamID,
		); err != nil {
			return 0, fmt.Errorf("bump outcome counter: %w", err)
		}
		if err := r.recalculateWitnessScore(teamID); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// recalculateWitnessScore applies Bayesian smoothing: (successes + 5) /
// (total + 5), clamped to [0, 1]. One failure cannot tank a new team.
func (r *Registry) recalculateWitnessScore(teamID string) error {
	var count, successes int
	err := r.db.QueryRow(
		"SELECT witness_count, witness_successes FROM federated_teams WHERE team_id = ?",
		teamID,
	).Scan(&count, &successes)
	if err != nil {
		return fmt.Errorf("load witness counters: %w", err)
	}
	if count == 0 {
		return nil
	}
	score := float64(successes+witnessScorePrior) / float64(count+witnessScorePrior)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	_, err = r.db.Exec(
		"UPDATE federated_teams SET witness_score = ? WHERE team_id = ?", score, teamID,
	)
	return err
}

// SuspendTeam flags a team (e.g. for collusion) while preserving history.
func (r *Registry) SuspendTeam(teamID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec(
		"UPDATE federated_teams SET status = ? WHERE team_id = ?",
		string(StatusSuspended), teamID,
	)
	if err != nil {
		return fmt.Errorf("suspend team: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	return nil
}

// TeamsByCreator finds every team registered by a creator LCT: the Sybil
// team-farming signal.
func (r *Registry) TeamsByCreator(creatorLCT string) ([]*Team, error) {
	if creatorLCT == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query("SELECT * FROM federated_teams WHERE creator_lct = ?", creatorLCT)
	if err != nil {
		return nil, fmt.Errorf("teams by creator: %w", err)
	}
	defer rows.Close()
	var teams []*Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// SignPattern seals an analysis artifact under the registry's domain key.
func (r *Registry) SignPattern(patternType string, data map[string]any, signerLCT string) (*crypto.SignedPattern, error) {
	return crypto.SignPattern(patternType, data, signerLCT, r.dbPath, r.now())
}

// VerifyPatternSignature checks an envelope against this registry instance.
func (r *Registry) VerifyPatternSignature(p *crypto.SignedPattern) bool {
	return crypto.VerifyPattern(p, r.dbPath)
}

// activeTeamIDs lists active team ids in stable order.
func (r *Registry) activeTeamIDs() ([]string, error) {
	rows, err := r.db.Query(
		"SELECT team_id FROM federated_teams WHERE status = ? ORDER BY team_id ASC",
		string(StatusActive),
	)
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
