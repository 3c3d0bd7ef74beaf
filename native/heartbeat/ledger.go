package heartbeat

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/glebarez/sqlite"

	"hardbound/crypto"
	"hardbound/observability"
)

var (
	// ErrInvalidTransition is returned for edges outside the state graph.
	ErrInvalidTransition = errors.New("heartbeat: invalid metabolic transition")

	// ErrInsufficientReserves is returned when sealing a block would overdraw
	// the team's ATP reserves.
	ErrInsufficientReserves = errors.New("heartbeat: insufficient ATP reserves")
)

// Transaction is a record in the pending pool, sealed into the next block.
type Transaction struct {
	TxID      string         `json:"tx_id"`
	TxType    string         `json:"tx_type"`
	ActorLCT  string         `json:"actor_lct"`
	TargetLCT string         `json:"target_lct,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	ATPCost   float64        `json:"atp_cost"`
}

// Block is sealed by a heartbeat. Empty blocks are presence proofs: even at
// rest the team proves its continued existence.
type Block struct {
	BlockNumber       int64          `json:"block_number"`
	TeamID            string         `json:"team_id"`
	PreviousHash      string         `json:"previous_hash"`
	BlockHash         string         `json:"block_hash"`
	Timestamp         string         `json:"timestamp"`
	MetabolicState    MetabolicState `json:"metabolic_state"`
	HeartbeatInterval float64        `json:"heartbeat_interval"`
	ExpectedInterval  float64        `json:"expected_interval"`
	Transactions      []Transaction  `json:"transactions"`
	TxCount           int            `json:"tx_count"`
	EnergyCost        float64        `json:"energy_cost"`
	SentinelWitness   string         `json:"sentinel_witness,omitempty"`
}

// computeHash covers the chained block content; sentinel identity and derived
// bookkeeping are excluded, matching what verification recomputes.
func (b *Block) computeHash() (string, error) {
	return crypto.HashCanonical(map[string]any{
		"block_number":       b.BlockNumber,
		"previous_hash":      b.PreviousHash,
		"timestamp":          b.Timestamp,
		"metabolic_state":    string(b.MetabolicState),
		"heartbeat_interval": b.HeartbeatInterval,
		"tx_count":           b.TxCount,
		"transactions":       b.Transactions,
		"energy_cost":        b.EnergyCost,
		"team_id":            b.TeamID,
	})
}

// Transition records one metabolic state change.
type Transition struct {
	FromState   MetabolicState `json:"from_state"`
	ToState     MetabolicState `json:"to_state"`
	Trigger     string         `json:"trigger"`
	Timestamp   string         `json:"timestamp"`
	BlockNumber int64          `json:"block_number"`
	ATPCost     float64        `json:"atp_cost"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Health is the metabolic health report. It has no side effects; consumers
// use it for anomaly detection.
type Health struct {
	State              MetabolicState `json:"state"`
	HeartbeatRegularity float64       `json:"heartbeat_regularity"`
	EnergyEfficiency   float64        `json:"energy_efficiency"`
	TransactionDensity float64        `json:"transaction_density"`
	StateStability     float64        `json:"state_stability"`
	Reliability        float64        `json:"metabolic_reliability"`
	BlocksAnalyzed     int            `json:"blocks_analyzed"`
	TotalTransactions  int            `json:"total_transactions"`
	TotalEnergySpent   float64        `json:"total_energy_spent"`
}

// Ledger is one team's heartbeat-driven block chain. Blocks are produced when
// the heartbeat fires, not on a wall-clock timer; the cadence adapts to the
// team's metabolic state.
type Ledger struct {
	teamID string
	db     *sql.DB
	ownsDB bool

	mu                sync.Mutex
	pending           []Transaction
	inTransition      bool
	state             MetabolicState
	stateEnteredAt    time.Time
	lastHeartbeatAt   time.Time
	lastTransactionAt *time.Time
	maxReserves       float64

	now func() time.Time
}

const hbSchema = `
CREATE TABLE IF NOT EXISTS blocks (
    team_id TEXT NOT NULL,
    block_number INTEGER NOT NULL,
    previous_hash TEXT NOT NULL,
    block_hash TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    metabolic_state TEXT NOT NULL,
    heartbeat_interval REAL NOT NULL,
    expected_interval REAL NOT NULL,
    tx_count INTEGER NOT NULL,
    transactions TEXT NOT NULL,
    energy_cost REAL NOT NULL,
    sentinel_witness TEXT,
    metadata TEXT DEFAULT '{}',
    UNIQUE (team_id, block_number)
);

CREATE TABLE IF NOT EXISTS metabolic_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    team_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    trigger TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    block_number INTEGER NOT NULL,
    atp_cost REAL NOT NULL DEFAULT 0,
    metadata TEXT DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS team_state (
    team_id TEXT PRIMARY KEY,
    current_state TEXT NOT NULL,
    state_entered_at TEXT NOT NULL,
    last_heartbeat_at TEXT NOT NULL,
    last_transaction_at TEXT,
    total_blocks INTEGER NOT NULL DEFAULT 0,
    total_transactions INTEGER NOT NULL DEFAULT 0,
    total_energy_spent REAL NOT NULL DEFAULT 0,
    atp_reserves REAL NOT NULL DEFAULT 1000
);

CREATE INDEX IF NOT EXISTS idx_blocks_team ON blocks(team_id);
CREATE INDEX IF NOT EXISTS idx_transitions_team ON metabolic_transitions(team_id);
`

// Open initialises a heartbeat ledger with its own sqlite database.
func Open(teamID, path string) (*Ledger, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("heartbeat ledger path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open heartbeat ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 30000"} {
		rows, err := db.Query(pragma)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("configure heartbeat ledger: %w", err)
		}
		rows.Close()
	}
	l, err := attach(teamID, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

// New attaches a heartbeat ledger for teamID to a shared database handle.
func New(teamID string, db *sql.DB) (*Ledger, error) {
	return attach(teamID, db)
}

func attach(teamID string, db *sql.DB) (*Ledger, error) {
	if _, err := db.Exec(hbSchema); err != nil {
		return nil, fmt.Errorf("apply heartbeat schema: %w", err)
	}
	l := &Ledger{
		teamID:      teamID,
		db:          db,
		state:       StateActive,
		maxReserves: 1000,
		now:         time.Now,
	}
	if err := l.loadState(); err != nil {
		return nil, err
	}
	return l, nil
}

// SetNowFunc overrides the wall clock, for tests. When the injected clock
// sits before the persisted anchors they are re-anchored so intervals never
// go negative.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	n := now().UTC()
	if n.Before(l.lastHeartbeatAt) {
		l.lastHeartbeatAt = n
	}
	if n.Before(l.stateEnteredAt) {
		l.stateEnteredAt = n
	}
}

// SetMaxReserves configures the reference level for the ATP-critical check.
func (l *Ledger) SetMaxReserves(max float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if max > 0 {
		l.maxReserves = max
	}
}

// Close releases the database when this ledger owns it.
func (l *Ledger) Close() error {
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

func (l *Ledger) loadState() error {
	row := l.db.QueryRow(`
        SELECT current_state, state_entered_at, last_heartbeat_at, last_transaction_at
        FROM team_state WHERE team_id = ?
    `, l.teamID)
	var stateStr, enteredStr, heartbeatStr string
	var lastTx sql.NullString
	err := row.Scan(&stateStr, &enteredStr, &heartbeatStr, &lastTx)
	if errors.Is(err, sql.ErrNoRows) {
		now := l.now().UTC()
		l.state = StateActive
		l.stateEnteredAt = now
		l.lastHeartbeatAt = now
		_, err = l.db.Exec(`
            INSERT INTO team_state (team_id, current_state, state_entered_at, last_heartbeat_at)
            VALUES (?, ?, ?, ?)
        `, l.teamID, string(l.state), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("init team state: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load team state: %w", err)
	}

	state, err := ParseState(stateStr)
	if err != nil {
		return err
	}
	l.state = state
	if l.stateEnteredAt, err = time.Parse(time.RFC3339Nano, enteredStr); err != nil {
		return fmt.Errorf("parse state_entered_at: %w", err)
	}
	if l.lastHeartbeatAt, err = time.Parse(time.RFC3339Nano, heartbeatStr); err != nil {
		return fmt.Errorf("parse last_heartbeat_at: %w", err)
	}
	if lastTx.Valid && lastTx.String != "" {
		ts, err := time.Parse(time.RFC3339Nano, lastTx.String)
		if err != nil {
			return fmt.Errorf("parse last_transaction_at: %w", err)
		}
		l.lastTransactionAt = &ts
	}
	return nil
}

func (l *Ledger) saveStateLocked() error {
	var lastTx any
	if l.lastTransactionAt != nil {
		lastTx = l.lastTransactionAt.Format(time.RFC3339Nano)
	}
	_, err := l.db.Exec(`
        UPDATE team_state SET current_state = ?, state_entered_at = ?,
               last_heartbeat_at = ?, last_transaction_at = ?
        WHERE team_id = ?
    `, string(l.state), l.stateEnteredAt.Format(time.RFC3339Nano),
		l.lastHeartbeatAt.Format(time.RFC3339Nano), lastTx, l.teamID)
	if err != nil {
		return fmt.Errorf("save team state: %w", err)
	}
	return nil
}

// State returns the current metabolic state.
func (l *Ledger) State() MetabolicState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// PendingCount reports the size of the pending transaction pool.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Reserves reads the team's ATP reserves.
func (l *Ledger) Reserves() (float64, error) {
	var reserves float64
	err := l.db.QueryRow(
		"SELECT atp_reserves FROM team_state WHERE team_id = ?", l.teamID,
	).Scan(&reserves)
	if err != nil {
		return 0, fmt.Errorf("load reserves: %w", err)
	}
	return reserves, nil
}

// SubmitTransaction adds a transaction to the pending pool. Submitting while
// resting wakes the team before the next heartbeat; the in-progress guard
// keeps the resulting transition from re-entering itself.
func (l *Ledger) SubmitTransaction(txType, actorLCT string, data map[string]any, targetLCT string, atpCost float64) (*Transaction, error) {
	if atpCost < 0 {
		return nil, fmt.Errorf("transaction atp cost must not be negative: %v", atpCost)
	}
	l.mu.Lock()
	if data == nil {
		data = map[string]any{}
	}
	now := l.now().UTC()
	tx := Transaction{
		TxID:      "tx:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		TxType:    txType,
		ActorLCT:  actorLCT,
		TargetLCT: targetLCT,
		Data:      data,
		Timestamp: now.Format(time.RFC3339Nano),
		ATPCost:   atpCost,
	}
	l.pending = append(l.pending, tx)
	l.lastTransactionAt = &now

	wake := !l.inTransition && l.state == StateRest
	l.mu.Unlock()

	if wake {
		if _, err := l.TransitionState(StateActive, "transaction_received", nil); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

// Heartbeat seals the pending pool into a new block, debits reserves, and
// evaluates auto-transitions. Sealing fails without side effects when the
// block's energy cost would overdraw reserves.
func (l *Ledger) Heartbeat(sentinelLCT string) (*Block, error) {
	l.mu.Lock()

	now := l.now().UTC()
	actual := now.Sub(l.lastHeartbeatAt).Seconds()
	if actual < 0 {
		actual = 0
	}
	expected := l.state.Interval().Seconds()

	prevNumber, prevHash, err := l.latestBlock()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	txs := make([]Transaction, len(l.pending))
	copy(txs, l.pending)

	energy := 0.01 * actual * l.state.EnergyMultiplier()
	for _, tx := range txs {
		energy += tx.ATPCost
	}

	reserves, err := l.reservesLocked()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if energy > reserves {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: block costs %.4f, reserves %.4f", ErrInsufficientReserves, energy, reserves)
	}

	block := &Block{
		BlockNumber:       prevNumber + 1,
		TeamID:            l.teamID,
		PreviousHash:      prevHash,
		Timestamp:         now.Format(time.RFC3339Nano),
		MetabolicState:    l.state,
		HeartbeatInterval: actual,
		ExpectedInterval:  expected,
		Transactions:      txs,
		TxCount:           len(txs),
		EnergyCost:        energy,
		SentinelWitness:   sentinelLCT,
	}
	hash, err := block.computeHash()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	block.BlockHash = hash

	if err := l.persistBlock(block); err != nil {
		l.mu.Unlock()
		return nil, err
	}

	l.pending = l.pending[:0]
	l.lastHeartbeatAt = now
	if err := l.saveStateLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if _, err := l.db.Exec(`
        UPDATE team_state SET total_blocks = total_blocks + 1,
               total_transactions = total_transactions + ?,
               total_energy_spent = total_energy_spent + ?,
               atp_reserves = atp_reserves - ?
        WHERE team_id = ?
    `, block.TxCount, energy, energy, l.teamID); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("update stats: %w", err)
	}
	l.mu.Unlock()

	metrics := observability.Metrics()
	metrics.BlocksSealed.WithLabelValues(string(block.MetabolicState)).Inc()
	metrics.BlockEnergy.Observe(block.EnergyCost)

	if err := l.checkAutoTransitions(now); err != nil {
		return nil, err
	}
	return block, nil
}

func (l *Ledger) reservesLocked() (float64, error) {
	var reserves float64
	err := l.db.QueryRow(
		"SELECT atp_reserves FROM team_state WHERE team_id = ?", l.teamID,
	).Scan(&reserves)
	if err != nil {
		return 0, fmt.Errorf("load reserves: %w", err)
	}
	return reserves, nil
}

// latestBlock returns (-1, genesis) for an empty chain.
func (l *Ledger) latestBlock() (int64, string, error) {
	row := l.db.QueryRow(`
        SELECT block_number, block_hash FROM blocks
        WHERE team_id = ? ORDER BY block_number DESC LIMIT 1
    `, l.teamID)
	var number int64
	var hash string
	err := row.Scan(&number, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, crypto.GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("load latest block: %w", err)
	}
	return number, hash, nil
}

func (l *Ledger) persistBlock(b *Block) error {
	txJSON, err := crypto.CanonicalJSON(b.Transactions)
	if err != nil {
		return err
	}
	var sentinel any
	if b.SentinelWitness != "" {
		sentinel = b.SentinelWitness
	}
	_, err = l.db.Exec(`
        INSERT INTO blocks
        (team_id, block_number, previous_hash, block_hash, timestamp,
         metabolic_state, heartbeat_interval, expected_interval, tx_count,
         transactions, energy_cost, sentinel_witness, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '{}')
    `, b.TeamID, b.BlockNumber, b.PreviousHash, b.BlockHash, b.Timestamp,
		string(b.MetabolicState), b.HeartbeatInterval, b.ExpectedInterval,
		b.TxCount, string(txJSON), b.EnergyCost, sentinel)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// TransitionState moves the team to a new metabolic state. Illegal edges are
// rejected; the transition is recorded and also submitted as a transaction so
// it appears in the next block.
func (l *Ledger) TransitionState(to MetabolicState, trigger string, metadata map[string]any) (*Transition, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown metabolic state: %q", to)
	}
	l.mu.Lock()
	from := l.state
	if !CanTransition(from, to) {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	l.inTransition = true
	defer func() {
		l.mu.Lock()
		l.inTransition = false
		l.mu.Unlock()
	}()

	now := l.now().UTC()
	cost := transitionCost(from, to, now.Sub(l.stateEnteredAt))

	prevNumber, _, err := l.latestBlock()
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	transition := &Transition{
		FromState:   from,
		ToState:     to,
		Trigger:     trigger,
		Timestamp:   now.Format(time.RFC3339Nano),
		BlockNumber: prevNumber + 1,
		ATPCost:     cost,
		Metadata:    metadata,
	}

	metaJSON, err := crypto.CanonicalJSON(metadata)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if _, err := l.db.Exec(`
        INSERT INTO metabolic_transitions
        (team_id, from_state, to_state, trigger, timestamp, block_number, atp_cost, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, l.teamID, string(from), string(to), trigger, transition.Timestamp,
		transition.BlockNumber, cost, string(metaJSON)); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("insert transition: %w", err)
	}

	// The transition itself rides the next block as a transaction. The
	// in-progress flag set above keeps this submit from re-entering wake.
	tx := Transaction{
		TxID:     "tx:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		TxType:   "metabolic_transition",
		ActorLCT: l.teamID,
		Data: map[string]any{
			"from":    string(from),
			"to":      string(to),
			"trigger": trigger,
		},
		Timestamp: now.Format(time.RFC3339Nano),
		ATPCost:   cost,
	}
	l.pending = append(l.pending, tx)
	l.lastTransactionAt = &now

	l.state = to
	l.stateEnteredAt = now
	if err := l.saveStateLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()
	return transition, nil
}

// checkAutoTransitions applies idle/ATP rules after a heartbeat.
func (l *Ledger) checkAutoTransitions(now time.Time) error {
	l.mu.Lock()
	state := l.state
	idleSince := l.stateEnteredAt
	if l.lastTransactionAt != nil {
		idleSince = *l.lastTransactionAt
	}
	idle := now.Sub(idleSince)
	l.mu.Unlock()

	switch state {
	case StateActive:
		reserves, err := l.Reserves()
		if err != nil {
			return err
		}
		if l.maxReserves > 0 && reserves/l.maxReserves < atpCriticalFraction {
			_, err := l.TransitionState(StateTorpor, "auto:atp_critical", nil)
			return err
		}
		if idle >= activeIdleToRest {
			_, err := l.TransitionState(StateRest, "auto:no_transactions", nil)
			return err
		}
	case StateRest:
		if idle >= restIdleToSleep {
			_, err := l.TransitionState(StateSleep, "auto:no_activity", nil)
			return err
		}
	case StateSleep:
		if idle >= sleepIdleToHibernate {
			_, err := l.TransitionState(StateHibernation, "auto:no_activity", nil)
			return err
		}
	}
	return nil
}

// Blocks returns the team's chain in block-number order.
func (l *Ledger) Blocks() ([]Block, error) {
	rows, err := l.db.Query(`
        SELECT block_number, previous_hash, block_hash, timestamp, metabolic_state,
               heartbeat_interval, expected_interval, tx_count, transactions,
               energy_cost, COALESCE(sentinel_witness, '')
        FROM blocks WHERE team_id = ? ORDER BY block_number ASC
    `, l.teamID)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var stateStr, txJSON string
		if err := rows.Scan(&b.BlockNumber, &b.PreviousHash, &b.BlockHash,
			&b.Timestamp, &stateStr, &b.HeartbeatInterval, &b.ExpectedInterval,
			&b.TxCount, &txJSON, &b.EnergyCost, &b.SentinelWitness); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		state, err := ParseState(stateStr)
		if err != nil {
			return nil, err
		}
		b.MetabolicState = state
		b.TeamID = l.teamID
		if err := json.Unmarshal([]byte(txJSON), &b.Transactions); err != nil {
			return nil, fmt.Errorf("decode transactions at block %d: %w", b.BlockNumber, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// VerifyChain walks the whole chain enforcing block-number contiguity, hash
// linkage, and hash reproducibility. Breaks are reports, not errors.
func (l *Ledger) VerifyChain() (bool, string, error) {
	blocks, err := l.Blocks()
	if err != nil {
		return false, "", err
	}
	for i := range blocks {
		b := &blocks[i]
		if i == 0 {
			if b.PreviousHash != crypto.GenesisHash {
				return false, "block 0 must link to genesis", nil
			}
			if b.BlockNumber != 0 {
				return false, fmt.Sprintf("first block number must be 0, got %d", b.BlockNumber), nil
			}
		} else {
			prev := &blocks[i-1]
			if b.BlockNumber != prev.BlockNumber+1 {
				return false, fmt.Sprintf("block number gap: %d -> %d", prev.BlockNumber, b.BlockNumber), nil
			}
			if b.PreviousHash != prev.BlockHash {
				return false, fmt.Sprintf("hash chain broken at block %d", b.BlockNumber), nil
			}
		}
		expected, err := b.computeHash()
		if err != nil {
			return false, "", err
		}
		if expected != b.BlockHash {
			return false, fmt.Sprintf("hash mismatch at block %d", b.BlockNumber), nil
		}
	}
	return true, "", nil
}

// TransitionHistory returns the team's transitions in time order.
func (l *Ledger) TransitionHistory() ([]Transition, error) {
	rows, err := l.db.Query(`
        SELECT from_state, to_state, trigger, timestamp, block_number, atp_cost, metadata
        FROM metabolic_transitions WHERE team_id = ? ORDER BY id ASC
    `, l.teamID)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var fromStr, toStr, metaJSON string
		if err := rows.Scan(&fromStr, &toStr, &t.Trigger, &t.Timestamp,
			&t.BlockNumber, &t.ATPCost, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.FromState, err = ParseState(fromStr); err != nil {
			return nil, err
		}
		if t.ToState, err = ParseState(toStr); err != nil {
			return nil, err
		}
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode transition metadata: %w", err)
			}
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
