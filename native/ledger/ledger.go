package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"

	"hardbound/crypto"
	"hardbound/observability"
)

var (
	// ErrSessionExists is returned when starting a session that is already open.
	// Starting an already-open session is a programmer error.
	ErrSessionExists = errors.New("ledger: session already exists")

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("ledger: session not found")

	// ErrInsufficientATP is returned when a session's ATP budget is exhausted.
	ErrInsufficientATP = errors.New("ledger: insufficient ATP")
)

// Record is one hash-chained audit entry. The hash covers every other field,
// including the previous record's hash, so tampering anywhere breaks the
// chain on verification.
type Record struct {
	SessionID    string         `json:"session_id"`
	Sequence     int64          `json:"sequence"`
	ActionType   string         `json:"action_type"`
	ToolName     string         `json:"tool_name"`
	Target       string         `json:"target"`
	InputHash    string         `json:"input_hash"`
	OutputHash   string         `json:"output_hash"`
	Status       string         `json:"status"`
	R6Data       map[string]any `json:"r6_data"`
	Timestamp    string         `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// computeHash derives the record hash from the canonical encoding of every
// field except the hash itself.
func (r *Record) computeHash() (string, error) {
	return crypto.HashCanonical(map[string]any{
		"session_id":    r.SessionID,
		"sequence":      r.Sequence,
		"action_type":   r.ActionType,
		"tool_name":     r.ToolName,
		"target":        r.Target,
		"input_hash":    r.InputHash,
		"output_hash":   r.OutputHash,
		"status":        r.Status,
		"r6_data":       r.R6Data,
		"timestamp":     r.Timestamp,
		"previous_hash": r.PreviousHash,
	})
}

// Session is the bookkeeping row that scopes an audit chain and meters ATP.
// A nil ATPBudget means the session is unbounded (admin sessions).
type Session struct {
	SessionID   string
	OwnerLCT    string
	Project     string
	CreatedAt   string
	EndedAt     string
	ATPBudget   *float64
	ATPConsumed float64
}

// Ledger is the append-only audit store. One instance is shared by a team and
// every workflow bound to it; per-session locks serialise writers so sequence
// numbers and hash links are assigned atomically.
type Ledger struct {
	db     *sql.DB
	dbPath string

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex

	now func() time.Time
}

// applyPragmas configures WAL journaling and the busy timeout. PRAGMA
// statements return rows, so they go through Query.
func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 30000"} {
		rows, err := db.Query(pragma)
		if err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
		rows.Close()
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    owner_lct TEXT NOT NULL,
    project TEXT DEFAULT '',
    created_at TEXT NOT NULL,
    ended_at TEXT,
    atp_budget REAL,
    atp_consumed REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audits (
    session_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    action_type TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    target TEXT DEFAULT '',
    input_hash TEXT DEFAULT '',
    output_hash TEXT DEFAULT '',
    status TEXT DEFAULT '',
    r6_data TEXT DEFAULT '{}',
    timestamp TEXT NOT NULL,
    previous_hash TEXT NOT NULL,
    hash TEXT NOT NULL,
    PRIMARY KEY (session_id, sequence)
);
`

// Open initialises the ledger at the sqlite DSN. ":memory:" works for tests.
func Open(path string) (*Ledger, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// The sqlite driver serialises writers; a single pooled connection keeps
	// in-memory databases coherent as well.
	db.SetMaxOpenConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{
		db:           db,
		dbPath:       trimmed,
		sessionLocks: make(map[string]*sync.Mutex),
		now:          time.Now,
	}, nil
}

// SetNowFunc overrides the wall clock, for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) { l.now = now }

// DB exposes the underlying handle so sibling stores (teams, proposals,
// requests) can share one database file.
func (l *Ledger) DB() *sql.DB { return l.db }

// Path returns the DSN the ledger was opened with. Used as the domain
// separator for pattern signing.
func (l *Ledger) Path() string { return l.dbPath }

// Close releases database resources.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.sessionLocks[sessionID] = lock
	}
	return lock
}

// StartSession opens a new audit session. Fails if the session exists.
func (l *Ledger) StartSession(sessionID, ownerLCT, project string, atpBudget *float64) (*Session, error) {
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var exists int
	err := l.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE session_id = ?", sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	created := l.now().UTC().Format(time.RFC3339Nano)
	var budget sql.NullFloat64
	if atpBudget != nil {
		budget = sql.NullFloat64{Float64: *atpBudget, Valid: true}
	}
	_, err = l.db.Exec(`
        INSERT INTO sessions (session_id, owner_lct, project, created_at, atp_budget, atp_consumed)
        VALUES (?, ?, ?, ?, ?, 0)
    `, sessionID, ownerLCT, project, created, budget)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &Session{
		SessionID: sessionID,
		OwnerLCT:  ownerLCT,
		Project:   project,
		CreatedAt: created,
		ATPBudget: atpBudget,
	}, nil
}

// EnsureSession opens the session if it does not exist yet. Teams use this so
// that loading an existing team does not trip the duplicate-session guard.
func (l *Ledger) EnsureSession(sessionID, ownerLCT, project string, atpBudget *float64) error {
	_, err := l.StartSession(sessionID, ownerLCT, project, atpBudget)
	if errors.Is(err, ErrSessionExists) {
		return nil
	}
	return err
}

// GetSession returns the session row.
func (l *Ledger) GetSession(sessionID string) (*Session, error) {
	row := l.db.QueryRow(`
        SELECT session_id, owner_lct, project, created_at, COALESCE(ended_at, ''), atp_budget, atp_consumed
        FROM sessions WHERE session_id = ?
    `, sessionID)
	var s Session
	var budget sql.NullFloat64
	if err := row.Scan(&s.SessionID, &s.OwnerLCT, &s.Project, &s.CreatedAt, &s.EndedAt, &budget, &s.ATPConsumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if budget.Valid {
		b := budget.Float64
		s.ATPBudget = &b
	}
	return &s, nil
}

// EndSession stamps the session closed. Records can no longer be appended by
// convention; the chain itself remains verifiable forever.
func (l *Ledger) EndSession(sessionID string) error {
	res, err := l.db.Exec(
		"UPDATE sessions SET ended_at = ? WHERE session_id = ?",
		l.now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// RecordAudit appends a record to the session chain. Sequence and hash are
// assigned atomically under the session lock; concurrent writers serialise.
func (l *Ledger) RecordAudit(sessionID, actionType, toolName, target, inputHash, outputHash, status string, r6Data map[string]any) (*Record, error) {
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := l.GetSession(sessionID); err != nil {
		return nil, err
	}

	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err := l.db.QueryRow(`
        SELECT sequence, hash FROM audits WHERE session_id = ?
        ORDER BY sequence DESC LIMIT 1
    `, sessionID).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}

	seq := int64(0)
	prevHash := crypto.GenesisHash
	if lastSeq.Valid {
		seq = lastSeq.Int64 + 1
		prevHash = lastHash.String
	}

	if r6Data == nil {
		r6Data = map[string]any{}
	}
	record := &Record{
		SessionID:    sessionID,
		Sequence:     seq,
		ActionType:   actionType,
		ToolName:     toolName,
		Target:       target,
		InputHash:    inputHash,
		OutputHash:   outputHash,
		Status:       status,
		R6Data:       r6Data,
		Timestamp:    l.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: prevHash,
	}
	hash, err := record.computeHash()
	if err != nil {
		return nil, err
	}
	record.Hash = hash

	r6JSON, err := crypto.CanonicalJSON(record.R6Data)
	if err != nil {
		return nil, err
	}
	_, err = l.db.Exec(`
        INSERT INTO audits
        (session_id, sequence, action_type, tool_name, target, input_hash,
         output_hash, status, r6_data, timestamp, previous_hash, hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, record.SessionID, record.Sequence, record.ActionType, record.ToolName,
		record.Target, record.InputHash, record.OutputHash, record.Status,
		string(r6JSON), record.Timestamp, record.PreviousHash, record.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}
	observability.Metrics().AuditRecords.WithLabelValues(actionType).Inc()
	return record, nil
}

// SessionAuditTrail returns the full ordered chain for a session.
func (l *Ledger) SessionAuditTrail(sessionID string) ([]Record, error) {
	rows, err := l.db.Query(`
        SELECT session_id, sequence, action_type, tool_name, target, input_hash,
               output_hash, status, r6_data, timestamp, previous_hash, hash
        FROM audits WHERE session_id = ? ORDER BY sequence ASC
    `, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var r6JSON string
		if err := rows.Scan(&r.SessionID, &r.Sequence, &r.ActionType, &r.ToolName,
			&r.Target, &r.InputHash, &r.OutputHash, &r.Status, &r6JSON,
			&r.Timestamp, &r.PreviousHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if err := json.Unmarshal([]byte(r6JSON), &r.R6Data); err != nil {
			return nil, fmt.Errorf("decode r6 data at sequence %d: %w", r.Sequence, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// VerifyAuditChain walks the session chain recomputing every hash and
// checking sequence contiguity and previous-hash linkage. A broken chain is a
// report, not an error: ok=false with a human-readable detail.
func (l *Ledger) VerifyAuditChain(sessionID string) (bool, string, error) {
	records, err := l.SessionAuditTrail(sessionID)
	if err != nil {
		return false, "", err
	}
	for i := range records {
		r := &records[i]
		if r.Sequence != int64(i) {
			return false, fmt.Sprintf("sequence gap at index %d: got %d", i, r.Sequence), nil
		}
		if i == 0 {
			if r.PreviousHash != crypto.GenesisHash {
				return false, "record 0 must link to genesis", nil
			}
		} else if r.PreviousHash != records[i-1].Hash {
			return false, fmt.Sprintf("hash chain broken at sequence %d", r.Sequence), nil
		}
		expected, err := r.computeHash()
		if err != nil {
			return false, "", err
		}
		if expected != r.Hash {
			return false, fmt.Sprintf("hash mismatch at sequence %d: expected %s", r.Sequence, expected), nil
		}
	}
	return true, "", nil
}

// ConsumeATP debits the session budget and returns the remaining balance.
// Sessions without a budget are unbounded and always report -1 remaining.
func (l *Ledger) ConsumeATP(sessionID string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("atp amount must not be negative: %v", amount)
	}
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := l.GetSession(sessionID)
	if err != nil {
		return 0, err
	}
	if session.ATPBudget == nil {
		_, err = l.db.Exec(
			"UPDATE sessions SET atp_consumed = atp_consumed + ? WHERE session_id = ?",
			amount, sessionID,
		)
		if err != nil {
			return 0, fmt.Errorf("consume atp: %w", err)
		}
		return -1, nil
	}

	remaining := *session.ATPBudget - session.ATPConsumed
	if amount > remaining {
		return remaining, fmt.Errorf("%w: need %v, have %v", ErrInsufficientATP, amount, remaining)
	}
	_, err = l.db.Exec(
		"UPDATE sessions SET atp_consumed = atp_consumed + ? WHERE session_id = ?",
		amount, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("consume atp: %w", err)
	}
	return remaining - amount, nil
}
