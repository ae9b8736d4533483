package cryptoutil

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRegistry holds multiple signers keyed by key id, supporting
// rotation: a newly added key becomes active for signing while older
// keys remain available for verifying previously-issued signatures until
// explicitly revoked.
type KeyRegistry struct {
	mu        sync.RWMutex
	signers   map[string]*Signer
	activeID  string
	revoked   map[string]bool
}

// NewKeyRegistry returns an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{
		signers: make(map[string]*Signer),
		revoked: make(map[string]bool),
	}
}

// AddKey registers s and makes it the active signing key.
func (k *KeyRegistry) AddKey(s *Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
	k.activeID = s.KeyID()
}

// RevokeKey marks keyID as no longer trusted for verification. Revoked
// keys are not removed so that revocation itself is auditable, but
// VerifyByKeyID refuses them.
func (k *KeyRegistry) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[keyID] = true
	if k.activeID == keyID {
		k.activeID = k.nextActiveLocked()
	}
}

func (k *KeyRegistry) nextActiveLocked() string {
	var ids []string
	for id := range k.signers {
		if !k.revoked[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// Active returns the currently active signer, or an error if none is
// registered or the active key has been revoked.
func (k *KeyRegistry) Active() (*Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.activeID == "" {
		return nil, fmt.Errorf("cryptoutil: no active signing key")
	}
	if k.revoked[k.activeID] {
		return nil, fmt.Errorf("cryptoutil: active key %s is revoked", k.activeID)
	}
	return k.signers[k.activeID], nil
}

// Sign signs data with the active key and returns the signature and the
// signing key's id.
func (k *KeyRegistry) Sign(data []byte) (signature, keyID string, err error) {
	signer, err := k.Active()
	if err != nil {
		return "", "", err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return "", "", err
	}
	return sig, signer.KeyID(), nil
}

// SignDigest signs a pre-computed 32-byte digest with the active key,
// avoiding a redundant hash of already-hashed data (e.g. a domain-
// separated Merkle root).
func (k *KeyRegistry) SignDigest(digest []byte) (signature, keyID string, err error) {
	signer, err := k.Active()
	if err != nil {
		return "", "", err
	}
	sig, err := signer.SignDigest(digest)
	if err != nil {
		return "", "", err
	}
	return sig, signer.KeyID(), nil
}

// VerifyDigestByKeyID verifies a pre-computed digest against the
// signature claimed to have been produced by keyID.
func (k *KeyRegistry) VerifyDigestByKeyID(keyID string, digest []byte, signature string) (bool, error) {
	k.mu.RLock()
	signer, exists := k.signers[keyID]
	isRevoked := k.revoked[keyID]
	k.mu.RUnlock()

	if !exists {
		return false, fmt.Errorf("cryptoutil: unknown signing key %s", keyID)
	}
	if isRevoked {
		return false, fmt.Errorf("cryptoutil: signing key %s is revoked", keyID)
	}
	return VerifyDigest(signer.PublicKeyHex(), signature, digest)
}

// VerifyByKeyID verifies data against the signature claimed to have been
// produced by keyID. It refuses revoked keys and unknown key ids.
func (k *KeyRegistry) VerifyByKeyID(keyID string, data []byte, signature string) (bool, error) {
	k.mu.RLock()
	signer, exists := k.signers[keyID]
	isRevoked := k.revoked[keyID]
	k.mu.RUnlock()

	if !exists {
		return false, fmt.Errorf("cryptoutil: unknown signing key %s", keyID)
	}
	if isRevoked {
		return false, fmt.Errorf("cryptoutil: signing key %s is revoked", keyID)
	}
	return Verify(signer.PublicKeyHex(), signature, data)
}
