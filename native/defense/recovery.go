package defense

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"hardbound/crypto"
)

var (
	// ErrCaseNotFound is returned for unknown recovery cases.
	ErrCaseNotFound = errors.New("defense: recovery case not found")

	// ErrIllegalRecoveryTransition rejects edges outside the state machine.
	ErrIllegalRecoveryTransition = errors.New("defense: illegal recovery transition")
)

// RecoveryState is a federation's position in the recovery pipeline.
type RecoveryState string

const (
	RecoveryActive      RecoveryState = "active"
	RecoveryUnderReview RecoveryState = "under_review"
	RecoveryQuarantined RecoveryState = "quarantined"
	RecoveryRecovering  RecoveryState = "recovering"
	RecoveryRecovered   RecoveryState = "recovered"
	RecoveryRevoked     RecoveryState = "revoked"
)

// ParseRecoveryState rejects unknown labels from storage.
func ParseRecoveryState(s string) (RecoveryState, error) {
	switch RecoveryState(s) {
	case RecoveryActive, RecoveryUnderReview, RecoveryQuarantined,
		RecoveryRecovering, RecoveryRecovered, RecoveryRevoked:
		return RecoveryState(s), nil
	}
	return "", fmt.Errorf("unknown recovery state: %q", s)
}

// recoveryTransitions is the legal edge set.
var recoveryTransitions = map[RecoveryState][]RecoveryState{
	RecoveryActive:      {RecoveryUnderReview},
	RecoveryUnderReview: {RecoveryActive, RecoveryQuarantined},
	RecoveryQuarantined: {RecoveryRecovering, RecoveryRevoked},
	RecoveryRecovering:  {RecoveryRecovered, RecoveryRevoked},
	RecoveryRecovered:   {},
	RecoveryRevoked:     {},
}

func canRecover(from, to RecoveryState) bool {
	for _, t := range recoveryTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// RecoveryCase tracks one federation through the recovery pipeline.
type RecoveryCase struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FederationID string    `gorm:"index" json:"federation_id"`
	State        string    `gorm:"index" json:"state"`
	Reason       string    `json:"reason"`
	OpenedBy     string    `json:"opened_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ReportRecord archives a signed defense report. Reports are evidence; the
// manager never mutates trust or ATP.
type ReportRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ReportType string    `gorm:"index" json:"report_type"`
	Subject    string    `gorm:"index" json:"subject"`
	Payload    string    `json:"payload"`
	SignerLCT  string    `json:"signer_lct"`
	Signature  string    `json:"signature"`
	SignedAt   string    `json:"signed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransitionRecord audits every recovery state change.
type TransitionRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CaseID    uuid.UUID `gorm:"type:uuid;index" json:"case_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Trigger   string    `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
}

// RecoveryManager runs the federation recovery state machine and archives
// signed reports.
type RecoveryManager struct {
	db     *gorm.DB
	dbPath string
	now    func() time.Time
}

// OpenRecoveryManager opens (or creates) the archive at the sqlite path.
func OpenRecoveryManager(path string) (*RecoveryManager, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open recovery archive: %w", err)
	}
	if err := db.AutoMigrate(&RecoveryCase{}, &ReportRecord{}, &TransitionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate recovery archive: %w", err)
	}
	return &RecoveryManager{db: db, dbPath: path, now: time.Now}, nil
}

// SetNowFunc overrides the wall clock, for tests.
func (m *RecoveryManager) SetNowFunc(now func() time.Time) { m.now = now }

// OpenCase starts a recovery case for a federation in the active state.
func (m *RecoveryManager) OpenCase(federationID, reason, openedBy string) (*RecoveryCase, error) {
	c := &RecoveryCase{
		ID:           uuid.New(),
		FederationID: federationID,
		State:        string(RecoveryActive),
		Reason:       reason,
		OpenedBy:     openedBy,
		CreatedAt:    m.now().UTC(),
		UpdatedAt:    m.now().UTC(),
	}
	if err := m.db.Create(c).Error; err != nil {
		return nil, fmt.Errorf("create recovery case: %w", err)
	}
	return c, nil
}

// GetCase loads a recovery case by id.
func (m *RecoveryManager) GetCase(id uuid.UUID) (*RecoveryCase, error) {
	var c RecoveryCase
	err := m.db.First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load recovery case: %w", err)
	}
	return &c, nil
}

// Transition advances a case through the state machine, recording the edge.
func (m *RecoveryManager) Transition(id uuid.UUID, to RecoveryState, trigger string) (*RecoveryCase, error) {
	if _, err := ParseRecoveryState(string(to)); err != nil {
		return nil, err
	}
	c, err := m.GetCase(id)
	if err != nil {
		return nil, err
	}
	from, err := ParseRecoveryState(c.State)
	if err != nil {
		return nil, err
	}
	if !canRecover(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalRecoveryTransition, from, to)
	}

	c.State = string(to)
	c.UpdatedAt = m.now().UTC()
	if err := m.db.Save(c).Error; err != nil {
		return nil, fmt.Errorf("save recovery case: %w", err)
	}
	record := &TransitionRecord{
		ID:        uuid.New(),
		CaseID:    c.ID,
		FromState: string(from),
		ToState:   string(to),
		Trigger:   trigger,
		CreatedAt: m.now().UTC(),
	}
	if err := m.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("record recovery transition: %w", err)
	}
	return c, nil
}

// CaseHistory returns a case's transition records in order.
func (m *RecoveryManager) CaseHistory(id uuid.UUID) ([]TransitionRecord, error) {
	var records []TransitionRecord
	err := m.db.Where("case_id = ?", id).Order("created_at asc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load case history: %w", err)
	}
	return records, nil
}

// ArchiveReport signs a defense report and stores it. The signature binds to
// this archive instance.
func (m *RecoveryManager) ArchiveReport(reportType, subject string, payload map[string]any, signerLCT string) (*ReportRecord, error) {
	signed, err := crypto.SignPattern(reportType, payload, signerLCT, m.dbPath, m.now())
	if err != nil {
		return nil, err
	}
	payloadJSON, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	record := &ReportRecord{
		ID:         uuid.New(),
		ReportType: reportType,
		Subject:    subject,
		Payload:    string(payloadJSON),
		SignerLCT:  signerLCT,
		Signature:  signed.Signature,
		SignedAt:   signed.SignedAt,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("archive report: %w", err)
	}
	return record, nil
}

// VerifyReport checks an archived report's signature against this instance.
func (m *RecoveryManager) VerifyReport(record *ReportRecord) bool {
	var payload map[string]any
	if err := json.Unmarshal([]byte(record.Payload), &payload); err != nil {
		return false
	}
	return crypto.VerifyPattern(&crypto.SignedPattern{
		PatternType: record.ReportType,
		Data:        payload,
		SignerLCT:   record.SignerLCT,
		SignedAt:    record.SignedAt,
		Signature:   record.Signature,
		Algorithm:   "hmac-sha256",
	}, m.dbPath)
}

// ReportsFor lists archived reports for a subject.
func (m *RecoveryManager) ReportsFor(subject string) ([]ReportRecord, error) {
	var records []ReportRecord
	err := m.db.Where("subject = ?", subject).Order("created_at asc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	return records, nil
}
