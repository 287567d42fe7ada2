package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer signs audit entry hashes and verifies signatures during chain
// verification. Signing failures surface as verification failures, never as
// silently unsigned entries.
type Signer interface {
	Sign(payload []byte) string
	Verify(payload []byte, signature string) bool
}

// HMACSigner signs payloads with HMAC-SHA256 under a shared key
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a new HMACSigner with the given key
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: key}
}

// Sign returns the hex-encoded HMAC-SHA256 of the payload
func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature against the payload in constant time
func (s *HMACSigner) Verify(payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// NopSigner leaves entries unsigned. Used when no signing key is configured.
type NopSigner struct{}

// Sign returns an empty signature
func (NopSigner) Sign(payload []byte) string {
	return ""
}

// Verify accepts only unsigned entries
func (NopSigner) Verify(payload []byte, signature string) bool {
	return signature == ""
}
