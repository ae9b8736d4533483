package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the lowercase hex-encoded SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the raw SHA-256 digest of data.
func HashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// CanonicalHash canonicalizes v per RFC 8785 and returns the hex-encoded
// SHA-256 digest of the canonical bytes, along with the canonical bytes
// themselves so callers can sign them directly without re-deriving them.
func CanonicalHash(v any) (digest string, canonical []byte, err error) {
	canonical, err = CanonicalJSON(v)
	if err != nil {
		return "", nil, err
	}
	return Hash(canonical), canonical, nil
}

// DomainHash prepends a domain-separation prefix before hashing, so the
// same byte string can never collide across two different semantic uses
// (e.g. a Merkle leaf hash and a Merkle node hash).
func DomainHash(domain string, parts ...[]byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
