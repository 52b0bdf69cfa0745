package rotation

import (
	"context"
	"errors"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// Keystore errors. Implementations must return errors matching these
// sentinels for the named conditions so callers can tell an absent key
// and a wrong passphrase apart from transport failures, which pass
// through untranslated.
var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrPassphraseInvalid = errors.New("invalid keystore passphrase")
)

// Entry is one stored key as listed by the keystore.
type Entry struct {
	ID       string
	Metadata map[string]string
}

// Keystore is the persistence collaborator the manager writes through
// to. It is the sole durable source of key material; the manager's
// in-memory state is working state, never an independent authority.
type Keystore interface {
	StoreKeyPair(ctx context.Context, keyID string, kp *keys.KeyPair, passphrase string, metadata map[string]string) error
	RetrieveKeyPair(ctx context.Context, keyID, passphrase string) (*keys.KeyPair, error)
	DeleteKeyPair(ctx context.Context, keyID string) error
	ListKeys(ctx context.Context) ([]Entry, error)
	KeyExists(ctx context.Context, keyID string) (bool, error)
}
