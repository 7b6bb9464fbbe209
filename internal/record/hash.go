package record

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns a stable digest of a payload's normalized content.
// Two payloads that differ only in whitespace or Unicode composition hash equal.
func ContentHash(p Payload) (string, error) {
	data, err := EncodePayload(Normalize(p))
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(p.RecordType()))
	sum.Write([]byte{0})
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// IdentityHash derives a short local id from an identity string such as a
// GUID or canonical URL.
func IdentityHash(identity string) string {
	sum := sha256.Sum256([]byte(nfc(identity)))
	return hex.EncodeToString(sum[:16])
}
