package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shiba4life/fold-db-sub003/internal/backup"
	"github.com/shiba4life/fold-db-sub003/internal/keys"
	"github.com/shiba4life/fold-db-sub003/internal/rotation"
)

// ErrInvalidEntryID rejects ids that cannot be mapped to a safe file
// name.
var ErrInvalidEntryID = errors.New("invalid keystore entry id")

const recordSuffix = ".json"

// File persists each entry as one sealed JSON record under dir, with
// 0700 on the directory and 0600 on the files.
type File struct {
	dir   string
	codec backup.Options

	mu sync.RWMutex
}

// NewFile builds a file keystore rooted at dir. The directory is
// created lazily on first store.
func NewFile(dir string, codec backup.Options) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore directory must not be empty")
	}
	return &File{dir: dir, codec: codec}, nil
}

func (s *File) StoreKeyPair(ctx context.Context, keyID string, kp *keys.KeyPair, passphrase string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(keyID)
	if err != nil {
		return err
	}
	opts := s.codec
	opts.Metadata = metadata
	rec, err := backup.Export(kp, passphrase, opts)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (s *File) RetrieveKeyPair(ctx context.Context, keyID, passphrase string) (*keys.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.readRecord(keyID)
	if err != nil {
		return nil, err
	}
	kp, _, err := backup.Import(rec, passphrase, backup.ImportOptions{})
	if err != nil {
		return nil, rotation.ErrPassphraseInvalid
	}
	return kp, nil
}

func (s *File) DeleteKeyPair(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(keyID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", rotation.ErrKeyNotFound, keyID)
		}
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

func (s *File) ListKeys(ctx context.Context) ([]rotation.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []rotation.Entry{}, nil
		}
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	out := make([]rotation.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, recordSuffix)
		entry := rotation.Entry{ID: id}
		// A record that no longer parses is still listed so callers can
		// see the entry exists; its metadata is simply unavailable.
		if rec, err := s.readRecordLocked(id); err == nil {
			entry.Metadata = cloneMetadata(rec.Metadata)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *File) KeyExists(ctx context.Context, keyID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.pathFor(keyID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat record: %w", err)
	}
	return true, nil
}

func (s *File) readRecord(keyID string) (*backup.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readRecordLocked(keyID)
}

func (s *File) readRecordLocked(keyID string) (*backup.Record, error) {
	path, err := s.pathFor(keyID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rotation.ErrKeyNotFound, keyID)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec backup.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", keyID, err)
	}
	return &rec, nil
}

func (s *File) pathFor(keyID string) (string, error) {
	if err := validateEntryID(keyID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, keyID+recordSuffix), nil
}

func validateEntryID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
	}
	return nil
}
