package policy

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"hardbound/crypto"
)

// ErrVersionNotIncreasing rejects snapshots that do not advance the version.
var ErrVersionNotIncreasing = errors.New("policy: version must strictly increase")

// Snapshot is one persisted policy version. Snapshots hash-chain so a team's
// policy history verifies exactly like its audit chain.
type Snapshot struct {
	TeamID       string  `json:"team_id"`
	Version      int     `json:"version"`
	Policy       *Policy `json:"policy"`
	ChangedBy    string  `json:"changed_by"`
	Description  string  `json:"description"`
	SavedAt      string  `json:"saved_at"`
	PreviousHash string  `json:"previous_hash"`
	Hash         string  `json:"hash"`
}

func (s *Snapshot) computeHash() (string, error) {
	return crypto.HashCanonical(map[string]any{
		"team_id":       s.TeamID,
		"version":       s.Version,
		"policy":        s.Policy,
		"changed_by":    s.ChangedBy,
		"description":   s.Description,
		"saved_at":      s.SavedAt,
		"previous_hash": s.PreviousHash,
	})
}

// Store persists versioned policy snapshots per team in a bbolt database.
// One bucket per team, keyed by big-endian version for ordered iteration.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenStore opens (or creates) the policy store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetNowFunc overrides the wall clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }

// Close releases the store.
func (s *Store) Close() error { return s.db.Close() }

func versionKey(v int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(v))
	return key
}

// Save appends a policy snapshot for the team. The version must strictly
// exceed the last saved version.
func (s *Store) Save(teamID string, p *Policy, changedBy, description string) (*Snapshot, error) {
	snapshot := &Snapshot{
		TeamID:      teamID,
		Version:     p.Version,
		Policy:      p,
		ChangedBy:   changedBy,
		Description: description,
		SavedAt:     s.now().UTC().Format(time.RFC3339Nano),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(teamID))
		if err != nil {
			return fmt.Errorf("create team bucket: %w", err)
		}

		snapshot.PreviousHash = crypto.GenesisHash
		cursor := bucket.Cursor()
		if lastKey, lastValue := cursor.Last(); lastKey != nil {
			var last Snapshot
			if err := json.Unmarshal(lastValue, &last); err != nil {
				return fmt.Errorf("decode last snapshot: %w", err)
			}
			if p.Version <= last.Version {
				return fmt.Errorf("%w: %d <= %d", ErrVersionNotIncreasing, p.Version, last.Version)
			}
			snapshot.PreviousHash = last.Hash
		}

		hash, err := snapshot.computeHash()
		if err != nil {
			return err
		}
		snapshot.Hash = hash

		payload, err := crypto.CanonicalJSON(snapshot)
		if err != nil {
			return err
		}
		return bucket.Put(versionKey(snapshot.Version), payload)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Load returns the latest policy for the team, or nil when none is saved.
func (s *Store) Load(teamID string) (*Policy, error) {
	var latest *Policy
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(teamID))
		if bucket == nil {
			return nil
		}
		_, value := bucket.Cursor().Last()
		if value == nil {
			return nil
		}
		var snapshot Snapshot
		if err := json.Unmarshal(value, &snapshot); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		latest = snapshot.Policy
		return nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// History returns every snapshot for the team in version order.
func (s *Store) History(teamID string) ([]Snapshot, error) {
	var history []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(teamID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var snapshot Snapshot
			if err := json.Unmarshal(value, &snapshot); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			history = append(history, snapshot)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// VerifyChain walks a team's snapshot chain checking hash linkage and
// reproducibility. A break is a report, not an error.
func (s *Store) VerifyChain(teamID string) (bool, string, error) {
	history, err := s.History(teamID)
	if err != nil {
		return false, "", err
	}
	prev := crypto.GenesisHash
	for i := range history {
		snap := &history[i]
		if snap.PreviousHash != prev {
			return false, fmt.Sprintf("policy chain broken at version %d", snap.Version), nil
		}
		expected, err := snap.computeHash()
		if err != nil {
			return false, "", err
		}
		if expected != snap.Hash {
			return false, fmt.Sprintf("policy hash mismatch at version %d", snap.Version), nil
		}
		prev = snap.Hash
	}
	return true, "", nil
}
