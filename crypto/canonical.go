package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the previous-hash marker carried by the first record of every
// hash chain (audit sessions, heartbeat block chains, policy snapshots).
const GenesisHash = "genesis"

// CanonicalJSON renders v as byte-deterministic JSON: object keys sorted,
// compact separators, UTF-8 strings. Two processes encoding the same value
// must produce identical bytes or cross-instance chain verification breaks.
//
// The value is first round-tripped through the generic JSON model so that
// struct field order never leaks into the output; encoding/json emits map keys
// in sorted order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical normalise: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical re-encode: %w", err)
	}
	return out, nil
}

// HashCanonical returns the hex SHA-256 digest of the canonical encoding of v.
func HashCanonical(v any) (string, error) {
	payload, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// HashString returns the hex SHA-256 digest of s. Used for id derivation
// (r6/proposal ids are seeded from team, actor, and timestamp).
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 12 hex characters of the SHA-256 of seed,
// the id suffix format shared by r6, multisig, and federation proposals.
func ShortHash(seed string) string {
	return HashString(seed)[:12]
}
