package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SignedPattern is the tamper-evident envelope wrapped around federation
// analysis artifacts (collusion reports, lineage reports, health dashboards).
// The signature binds the payload to a signer identity and a registry
// instance; it is integrity protection, not confidentiality.
type SignedPattern struct {
	PatternType string         `json:"pattern_type"`
	Data        map[string]any `json:"data"`
	SignerLCT   string         `json:"signer_lct"`
	SignedAt    string         `json:"signed_at"`
	Signature   string         `json:"signature"`
	Algorithm   string         `json:"algorithm"`
}

const patternAlgorithm = "hmac-sha256"

// patternKey derives the HMAC key from the signer identity and a domain
// separator (the registry database path). Signatures from one registry
// instance do not verify against another.
func patternKey(signerLCT, domain string) []byte {
	sum := sha256.Sum256([]byte(signerLCT + ":" + domain))
	return sum[:]
}

func patternDigest(patternType string, data map[string]any, signer, signedAt, key string) (string, error) {
	canonical, err := CanonicalJSON(map[string]any{
		"type":      patternType,
		"data":      data,
		"signer":    signer,
		"timestamp": signedAt,
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, patternKey(signer, key))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignPattern seals data under the signer's derived key. The domain string is
// the registry's database path, acting as an instance separator.
func SignPattern(patternType string, data map[string]any, signerLCT, domain string, now time.Time) (*SignedPattern, error) {
	signedAt := now.UTC().Format(time.RFC3339Nano)
	sig, err := patternDigest(patternType, data, signerLCT, signedAt, domain)
	if err != nil {
		return nil, err
	}
	return &SignedPattern{
		PatternType: patternType,
		Data:        data,
		SignerLCT:   signerLCT,
		SignedAt:    signedAt,
		Signature:   sig,
		Algorithm:   patternAlgorithm,
	}, nil
}

// VerifyPattern reports whether the envelope's signature matches its payload.
// Comparison is constant-time.
func VerifyPattern(p *SignedPattern, domain string) bool {
	if p == nil || p.Algorithm != patternAlgorithm {
		return false
	}
	expected, err := patternDigest(p.PatternType, p.Data, p.SignerLCT, p.SignedAt, domain)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(p.Signature))
}
