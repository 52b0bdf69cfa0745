// Package rotation owns the versioned history of logical key
// identities: creation, rotation, retirement, and cleanup of key
// versions, written through to an external keystore.
package rotation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// VersionState is the lifecycle state of one key version. Exactly one
// version of an identity is active; superseded versions are retired
// until purged.
type VersionState string

const (
	VersionActive  VersionState = "active"
	VersionRetired VersionState = "retired"
)

var (
	ErrInvalidKeyID       = errors.New("key id must be non-empty and use only letters, digits, dot, underscore, hyphen")
	ErrDuplicateKey       = errors.New("key id already exists")
	ErrCorruptKeyHistory  = errors.New("key version history is inconsistent")
	ErrInvalidKeyMaterial = errors.New("key pair is missing or malformed")
)

// KeyVersionRecord is one generation of a key identity. KeyPair may be
// nil when the record was reconstructed from keystore metadata and the
// material has not been loaded.
type KeyVersionRecord struct {
	Version   int
	KeyPair   *keys.KeyPair
	State     VersionState
	Reason    string
	CreatedAt time.Time
	Metadata  map[string]string
}

// VersionedKeyIdentity is the full rotation history of one logical key.
type VersionedKeyIdentity struct {
	KeyID          string
	CurrentVersion int
	Versions       map[int]*KeyVersionRecord
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActiveRecord returns the currently active version record, or nil when
// the history is empty.
func (id *VersionedKeyIdentity) ActiveRecord() *KeyVersionRecord {
	if id == nil {
		return nil
	}
	return id.Versions[id.CurrentVersion]
}

func (r *KeyVersionRecord) clone() *KeyVersionRecord {
	if r == nil {
		return nil
	}
	out := &KeyVersionRecord{
		Version:   r.Version,
		KeyPair:   r.KeyPair.Clone(),
		State:     r.State,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (id *VersionedKeyIdentity) clone() *VersionedKeyIdentity {
	if id == nil {
		return nil
	}
	out := &VersionedKeyIdentity{
		KeyID:          id.KeyID,
		CurrentVersion: id.CurrentVersion,
		Versions:       make(map[int]*KeyVersionRecord, len(id.Versions)),
		CreatedAt:      id.CreatedAt,
		UpdatedAt:      id.UpdatedAt,
	}
	for v, rec := range id.Versions {
		out.Versions[v] = rec.clone()
	}
	return out
}

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validateKeyID(keyID string) error {
	if keyID == "" || !keyIDPattern.MatchString(keyID) {
		return ErrInvalidKeyID
	}
	return nil
}

// versionedKeyID names the keystore entry for one version of a key.
// The separator cannot occur inside a valid key id, so parsing is
// unambiguous.
func versionedKeyID(keyID string, version int) string {
	return keyID + "@v" + strconv.Itoa(version)
}

func parseVersionedKeyID(entryID string) (keyID string, version int, ok bool) {
	idx := strings.LastIndex(entryID, "@v")
	if idx <= 0 {
		return "", 0, false
	}
	version, err := strconv.Atoi(entryID[idx+2:])
	if err != nil || version < 1 {
		return "", 0, false
	}
	return entryID[:idx], version, true
}

// Reserved metadata keys written alongside each keystore entry so the
// history can be rebuilt from the store alone.
const (
	metaKeyID   = "key_id"
	metaVersion = "version"
	metaState   = "state"
	metaReason  = "reason"
	metaCreated = "created"
)

func versionMetadata(keyID string, rec *KeyVersionRecord) map[string]string {
	out := make(map[string]string, len(rec.Metadata)+5)
	for k, v := range rec.Metadata {
		out[k] = v
	}
	out[metaKeyID] = keyID
	out[metaVersion] = strconv.Itoa(rec.Version)
	out[metaState] = string(rec.State)
	out[metaReason] = rec.Reason
	out[metaCreated] = rec.CreatedAt.UTC().Format(time.RFC3339)
	return out
}

func recordFromMetadata(entry Entry) (*KeyVersionRecord, error) {
	version, err := strconv.Atoi(entry.Metadata[metaVersion])
	if err != nil || version < 1 {
		return nil, fmt.Errorf("%w: entry %q has no usable version", ErrCorruptKeyHistory, entry.ID)
	}
	state := VersionState(entry.Metadata[metaState])
	if state != VersionActive && state != VersionRetired {
		return nil, fmt.Errorf("%w: entry %q has state %q", ErrCorruptKeyHistory, entry.ID, state)
	}
	created, err := time.Parse(time.RFC3339, entry.Metadata[metaCreated])
	if err != nil {
		created = time.Time{}
	}
	extra := make(map[string]string)
	for k, v := range entry.Metadata {
		switch k {
		case metaKeyID, metaVersion, metaState, metaReason, metaCreated:
		default:
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		extra = nil
	}
	return &KeyVersionRecord{
		Version:   version,
		State:     state,
		Reason:    entry.Metadata[metaReason],
		CreatedAt: created,
		Metadata:  extra,
	}, nil
}
