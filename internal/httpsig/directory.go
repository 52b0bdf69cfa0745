package httpsig

import (
	"slices"
	"sync"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// KeyDirectory holds the public keys a Verifier trusts, keyed by key id.
// It is safe for concurrent use; a verifier holds only public halves and
// never any private key material.
type KeyDirectory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyDirectory returns an empty directory.
func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: make(map[string][]byte)}
}

// Register adds or replaces the public key for keyID.
func (d *KeyDirectory) Register(keyID string, public []byte) error {
	if keyID == "" {
		return ErrEmptyKeyID
	}

	if len(public) != keys.PublicKeySize {
		return keys.ErrInvalidPublicKey
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[keyID] = append([]byte(nil), public...)

	return nil
}

// Remove drops the key for keyID. Removing an unknown id is a no-op.
func (d *KeyDirectory) Remove(keyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, keyID)
}

// Lookup returns a copy of the public key for keyID.
func (d *KeyDirectory) Lookup(keyID string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	public, ok := d.keys[keyID]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), public...), true
}

// KeyIDs returns the registered key ids in sorted order.
func (d *KeyDirectory) KeyIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id := range d.keys {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
