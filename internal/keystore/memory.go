// Package keystore provides the reference keystore collaborators: an
// in-memory store for tests and short-lived processes, and a file store
// for durable client state. Both keep key pairs sealed in backup
// records, so plaintext material never sits at rest, and both surface
// not-found and passphrase failures as the rotation package's
// sentinels while storage failures pass through untranslated.
package keystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/shiba4life/fold-db-sub003/internal/backup"
	"github.com/shiba4life/fold-db-sub003/internal/keys"
	"github.com/shiba4life/fold-db-sub003/internal/rotation"
)

// Memory is a map-backed keystore. Safe for concurrent use.
type Memory struct {
	codec backup.Options

	mu      sync.RWMutex
	records map[string]*backup.Record
}

// NewMemory builds an empty in-memory keystore. codec sets the sealing
// parameters for stored entries; tests pass reduced KDF cost here.
func NewMemory(codec backup.Options) *Memory {
	return &Memory{codec: codec, records: make(map[string]*backup.Record)}
}

func (s *Memory) StoreKeyPair(ctx context.Context, keyID string, kp *keys.KeyPair, passphrase string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntryID(keyID); err != nil {
		return err
	}
	opts := s.codec
	opts.Metadata = metadata
	rec, err := backup.Export(kp, passphrase, opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[keyID] = rec
	s.mu.Unlock()
	return nil
}

func (s *Memory) RetrieveKeyPair(ctx context.Context, keyID, passphrase string) (*keys.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", rotation.ErrKeyNotFound, keyID)
	}
	kp, _, err := backup.Import(rec, passphrase, backup.ImportOptions{})
	if err != nil {
		// The codec refuses to distinguish wrong passphrase from a
		// corrupted record; with an intact store this is a passphrase
		// failure.
		return nil, rotation.ErrPassphraseInvalid
	}
	return kp, nil
}

func (s *Memory) DeleteKeyPair(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[keyID]; !ok {
		return fmt.Errorf("%w: %s", rotation.ErrKeyNotFound, keyID)
	}
	delete(s.records, keyID)
	return nil
}

func (s *Memory) ListKeys(ctx context.Context) ([]rotation.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rotation.Entry, 0, len(s.records))
	for id, rec := range s.records {
		out = append(out, rotation.Entry{ID: id, Metadata: cloneMetadata(rec.Metadata)})
	}
	return out, nil
}

func (s *Memory) KeyExists(ctx context.Context, keyID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[keyID]
	return ok, nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
