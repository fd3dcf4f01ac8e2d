package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed keys.
// The version suffix allows the derivation to change without collisions.
const (
	DomainSynthesis   = "querypilot/synthesis/v1"
	DomainFingerprint = "querypilot/operation/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SynthesisKey identifies a (user text, collection) pair for the generation
// cache. Both inputs are NFC-normalized and trimmed first, so visually
// identical requests share a key.
func SynthesisKey(userText, collection string) string {
	text := norm.NFC.String(strings.TrimSpace(userText))
	coll := norm.NFC.String(strings.TrimSpace(collection))

	var b strings.Builder
	b.WriteString(coll)
	b.WriteByte(0x00)
	b.WriteString(text)
	return hashWithDomain(DomainSynthesis, []byte(b.String()))
}

// Fingerprint identifies a request by its relaxed extended JSON form.
// Key order is significant.
func Fingerprint(doc Document) string {
	return hashWithDomain(DomainFingerprint, []byte(doc.JSON()))
}
