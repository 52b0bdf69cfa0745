package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// Manager orchestrates versioned key lifecycles. Operations against the
// same key id are serialized; the keystore collaborator holds the
// durable material and every mutation is written through before the
// in-memory history changes, so a failed keystore call leaves the
// previously active version active.
type Manager struct {
	store Keystore
	log   *slog.Logger
	now   func() time.Time

	mu         sync.Mutex
	identities map[string]*VersionedKeyIdentity
	keyLocks   map[string]*sync.RWMutex
}

// ManagerOptions configures a Manager. Zero values mean slog's default
// logger and the wall clock.
type ManagerOptions struct {
	Logger *slog.Logger
	Clock  func() time.Time
}

// RotateOptions tunes one rotation. NewPassphrase, when set, encrypts
// the new version under a different passphrase than the one that
// unlocked the old version.
type RotateOptions struct {
	Reason         string
	KeepOldVersion bool
	Metadata       map[string]string
	NewPassphrase  string
}

func NewManager(store Keystore, opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:      store,
		log:        log,
		now:        now,
		identities: make(map[string]*VersionedKeyIdentity),
		keyLocks:   make(map[string]*sync.RWMutex),
	}
}

// CreateVersionedKeyPair starts a new identity at version 1 with kp as
// its active material. The key id must be unused in both memory and the
// keystore.
func (m *Manager) CreateVersionedKeyPair(ctx context.Context, keyID string, kp *keys.KeyPair, passphrase string, metadata map[string]string) (*VersionedKeyIdentity, error) {
	if err := validateKeyID(keyID); err != nil {
		return nil, err
	}
	if kp == nil || len(kp.Private) != keys.SeedSize || len(kp.Public) != keys.PublicKeySize {
		return nil, ErrInvalidKeyMaterial
	}

	lk := m.keyLock(keyID)
	lk.Lock()
	defer lk.Unlock()

	switch _, err := m.identityFor(ctx, keyID); {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, keyID)
	case errors.Is(err, ErrKeyNotFound):
	default:
		return nil, err
	}

	createdAt := m.now().UTC()
	rec := &KeyVersionRecord{
		Version:   1,
		KeyPair:   kp.Clone(),
		State:     VersionActive,
		CreatedAt: createdAt,
		Metadata:  cloneStringMap(metadata),
	}
	if err := m.store.StoreKeyPair(ctx, versionedKeyID(keyID, 1), rec.KeyPair, passphrase, versionMetadata(keyID, rec)); err != nil {
		keys.Clear(rec.KeyPair)
		return nil, fmt.Errorf("store version 1: %w", err)
	}

	id := &VersionedKeyIdentity{
		KeyID:          keyID,
		CurrentVersion: 1,
		Versions:       map[int]*KeyVersionRecord{1: rec},
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	m.commit(id)
	m.log.Info("key identity created", "key_id", keyID)
	return id.clone(), nil
}

// RotateKey moves the identity from Active(n) to Active(n+1). The old
// version is retired when KeepOldVersion is set and purged otherwise.
// Every keystore step runs before the in-memory history mutates; on any
// failure the new version's entry is rolled back and the old version
// stays active.
func (m *Manager) RotateKey(ctx context.Context, keyID, passphrase string, opts RotateOptions) (*VersionedKeyIdentity, error) {
	if err := validateKeyID(keyID); err != nil {
		return nil, err
	}

	lk := m.keyLock(keyID)
	lk.Lock()
	defer lk.Unlock()

	id, err := m.identityFor(ctx, keyID)
	if err != nil {
		return nil, err
	}
	oldVersion := id.CurrentVersion
	oldEntryID := versionedKeyID(keyID, oldVersion)

	// Retrieving with the caller's passphrase both authenticates the
	// rotation and yields the material needed to rewrite the retired
	// entry.
	oldKP, err := m.store.RetrieveKeyPair(ctx, oldEntryID, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock version %d: %w", oldVersion, err)
	}
	defer keys.Clear(oldKP)

	newKP, err := keys.Generate(nil)
	if err != nil {
		return nil, fmt.Errorf("generate replacement key: %w", err)
	}

	newVersion := oldVersion + 1
	newEntryID := versionedKeyID(keyID, newVersion)
	createdAt := m.now().UTC()
	newRec := &KeyVersionRecord{
		Version:   newVersion,
		KeyPair:   newKP,
		State:     VersionActive,
		Reason:    opts.Reason,
		CreatedAt: createdAt,
		Metadata:  cloneStringMap(opts.Metadata),
	}
	newPassphrase := passphrase
	if opts.NewPassphrase != "" {
		newPassphrase = opts.NewPassphrase
	}
	if err := m.store.StoreKeyPair(ctx, newEntryID, newKP, newPassphrase, versionMetadata(keyID, newRec)); err != nil {
		keys.Clear(newKP)
		return nil, fmt.Errorf("store version %d: %w", newVersion, err)
	}

	oldRec := id.Versions[oldVersion]
	if opts.KeepOldVersion {
		retired := oldRec.clone()
		retired.State = VersionRetired
		retired.KeyPair = oldKP
		if err := m.store.StoreKeyPair(ctx, oldEntryID, oldKP, passphrase, versionMetadata(keyID, retired)); err != nil {
			_ = m.store.DeleteKeyPair(ctx, newEntryID)
			keys.Clear(newKP)
			return nil, fmt.Errorf("retire version %d: %w", oldVersion, err)
		}
	} else {
		if err := m.store.DeleteKeyPair(ctx, oldEntryID); err != nil {
			_ = m.store.DeleteKeyPair(ctx, newEntryID)
			keys.Clear(newKP)
			return nil, fmt.Errorf("purge version %d: %w", oldVersion, err)
		}
	}

	if opts.KeepOldVersion {
		oldRec.State = VersionRetired
		if oldRec.KeyPair == nil {
			oldRec.KeyPair = oldKP.Clone()
		}
	} else {
		keys.Clear(oldRec.KeyPair)
		delete(id.Versions, oldVersion)
	}
	id.Versions[newVersion] = newRec
	id.CurrentVersion = newVersion
	id.UpdatedAt = createdAt

	m.log.Info("key rotated",
		"key_id", keyID,
		"from_version", oldVersion,
		"to_version", newVersion,
		"kept_old", opts.KeepOldVersion,
		"reason", opts.Reason,
	)
	return id.clone(), nil
}

// EmergencyRotate is a rotation with the old version purged, a
// distinguishing reason, and optionally a new passphrase for the
// replacement. After the rotation it double-checks that the superseded
// entry is really gone, since the point of the operation is revoking
// passphrase access.
func (m *Manager) EmergencyRotate(ctx context.Context, keyID, passphrase, reason, newPassphrase string) (*VersionedKeyIdentity, error) {
	if reason == "" {
		reason = "emergency-rotation"
	}
	id, err := m.RotateKey(ctx, keyID, passphrase, RotateOptions{
		Reason:         reason,
		KeepOldVersion: false,
		NewPassphrase:  newPassphrase,
	})
	if err != nil {
		return nil, err
	}
	oldEntryID := versionedKeyID(keyID, id.CurrentVersion-1)
	exists, err := m.store.KeyExists(ctx, oldEntryID)
	if err != nil {
		return nil, fmt.Errorf("confirm purge of %s: %w", oldEntryID, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: superseded entry %s still present after emergency rotation", ErrCorruptKeyHistory, oldEntryID)
	}
	m.log.Warn("emergency rotation completed", "key_id", keyID, "version", id.CurrentVersion, "reason", reason)
	return id, nil
}

// CleanupOldVersions removes the oldest retired versions beyond keep.
// The active version is never removed, even with keep=0. The passphrase
// must unlock the active version before anything is deleted. Returns
// the number of versions removed.
func (m *Manager) CleanupOldVersions(ctx context.Context, keyID, passphrase string, keep int) (int, error) {
	if err := validateKeyID(keyID); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}

	lk := m.keyLock(keyID)
	lk.Lock()
	defer lk.Unlock()

	id, err := m.identityFor(ctx, keyID)
	if err != nil {
		return 0, err
	}

	activeKP, err := m.store.RetrieveKeyPair(ctx, versionedKeyID(keyID, id.CurrentVersion), passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlock active version: %w", err)
	}
	keys.Clear(activeKP)

	var retired []int
	for v, rec := range id.Versions {
		if rec.State == VersionRetired {
			retired = append(retired, v)
		}
	}
	sort.Ints(retired)
	excess := len(retired) - keep
	if excess <= 0 {
		return 0, nil
	}

	removed := 0
	var errs []error
	for _, v := range retired[:excess] {
		if err := m.store.DeleteKeyPair(ctx, versionedKeyID(keyID, v)); err != nil {
			errs = append(errs, fmt.Errorf("remove version %d: %w", v, err))
			continue
		}
		keys.Clear(id.Versions[v].KeyPair)
		delete(id.Versions, v)
		removed++
	}
	if removed > 0 {
		id.UpdatedAt = m.now().UTC()
		m.log.Info("old key versions removed", "key_id", keyID, "removed", removed, "kept", keep)
	}
	return removed, errors.Join(errs...)
}

// GetKeyVersion returns a copy of one version record, the active one
// for version <= 0. Unknown keys and versions return nil rather than an
// error.
func (m *Manager) GetKeyVersion(ctx context.Context, keyID string, version int) (*KeyVersionRecord, error) {
	if validateKeyID(keyID) != nil {
		return nil, nil
	}

	lk := m.keyLock(keyID)
	lk.RLock()
	defer lk.RUnlock()

	id, err := m.identityFor(ctx, keyID)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if version <= 0 {
		version = id.CurrentVersion
	}
	return id.Versions[version].clone(), nil
}

// ListKeyVersions returns copies of all version records ordered by
// version. Unknown keys return an empty slice.
func (m *Manager) ListKeyVersions(ctx context.Context, keyID string) ([]*KeyVersionRecord, error) {
	if validateKeyID(keyID) != nil {
		return []*KeyVersionRecord{}, nil
	}

	lk := m.keyLock(keyID)
	lk.RLock()
	defer lk.RUnlock()

	id, err := m.identityFor(ctx, keyID)
	if errors.Is(err, ErrKeyNotFound) {
		return []*KeyVersionRecord{}, nil
	}
	if err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(id.Versions))
	for v := range id.Versions {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	out := make([]*KeyVersionRecord, 0, len(versions))
	for _, v := range versions {
		out = append(out, id.Versions[v].clone())
	}
	return out, nil
}

// ListKeyIdentities reconstructs every identity visible in the keystore
// plus any known only in memory, sorted by key id.
func (m *Manager) ListKeyIdentities(ctx context.Context) ([]*VersionedKeyIdentity, error) {
	entries, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keystore entries: %w", err)
	}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if keyID, _, ok := parseVersionedKeyID(entry.ID); ok {
			seen[keyID] = struct{}{}
		}
	}
	m.mu.Lock()
	for keyID := range m.identities {
		seen[keyID] = struct{}{}
	}
	m.mu.Unlock()

	keyIDs := make([]string, 0, len(seen))
	for keyID := range seen {
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)

	out := make([]*VersionedKeyIdentity, 0, len(keyIDs))
	for _, keyID := range keyIDs {
		lk := m.keyLock(keyID)
		lk.RLock()
		id, err := m.identityFor(ctx, keyID)
		if err == nil {
			out = append(out, id.clone())
		}
		lk.RUnlock()
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	return out, nil
}

// ActiveKeyPair retrieves the active version's material from the
// keystore. Callers own the returned copy and should clear it when
// done.
func (m *Manager) ActiveKeyPair(ctx context.Context, keyID, passphrase string) (*keys.KeyPair, int, error) {
	if err := validateKeyID(keyID); err != nil {
		return nil, 0, err
	}

	lk := m.keyLock(keyID)
	lk.RLock()
	defer lk.RUnlock()

	id, err := m.identityFor(ctx, keyID)
	if err != nil {
		return nil, 0, err
	}
	kp, err := m.store.RetrieveKeyPair(ctx, versionedKeyID(keyID, id.CurrentVersion), passphrase)
	if err != nil {
		return nil, 0, fmt.Errorf("unlock version %d: %w", id.CurrentVersion, err)
	}
	return kp, id.CurrentVersion, nil
}

// Wipe clears all in-memory key material. Version metadata stays so
// reads keep working; material reloads from the keystore on demand.
func (m *Manager) Wipe() {
	m.mu.Lock()
	keyIDs := make([]string, 0, len(m.identities))
	for keyID := range m.identities {
		keyIDs = append(keyIDs, keyID)
	}
	m.mu.Unlock()

	for _, keyID := range keyIDs {
		lk := m.keyLock(keyID)
		lk.Lock()
		m.mu.Lock()
		if id, ok := m.identities[keyID]; ok {
			for _, rec := range id.Versions {
				keys.Clear(rec.KeyPair)
				rec.KeyPair = nil
			}
		}
		m.mu.Unlock()
		lk.Unlock()
	}
}

func (m *Manager) keyLock(keyID string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.keyLocks[keyID]
	if !ok {
		lk = &sync.RWMutex{}
		m.keyLocks[keyID] = lk
	}
	return lk
}

func (m *Manager) commit(id *VersionedKeyIdentity) {
	m.mu.Lock()
	m.identities[id.KeyID] = id
	m.mu.Unlock()
}

// identityFor returns the in-memory history for keyID, reconstructing
// it from keystore entries when the manager has not seen the key in
// this process. Callers must hold the per-key lock.
func (m *Manager) identityFor(ctx context.Context, keyID string) (*VersionedKeyIdentity, error) {
	m.mu.Lock()
	id, ok := m.identities[keyID]
	m.mu.Unlock()
	if ok {
		return id, nil
	}

	entries, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keystore entries: %w", err)
	}
	id = &VersionedKeyIdentity{KeyID: keyID, Versions: make(map[int]*KeyVersionRecord)}
	for _, entry := range entries {
		entryKeyID, version, ok := parseVersionedKeyID(entry.ID)
		if !ok || entryKeyID != keyID {
			continue
		}
		rec, err := recordFromMetadata(entry)
		if err != nil {
			return nil, err
		}
		if rec.Version != version {
			return nil, fmt.Errorf("%w: entry %q metadata claims version %d", ErrCorruptKeyHistory, entry.ID, rec.Version)
		}
		id.Versions[version] = rec
	}
	if len(id.Versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	active := 0
	for v, rec := range id.Versions {
		if rec.State == VersionActive {
			if active != 0 {
				return nil, fmt.Errorf("%w: versions %d and %d both active for %s", ErrCorruptKeyHistory, active, v, keyID)
			}
			active = v
		}
		if id.CreatedAt.IsZero() || rec.CreatedAt.Before(id.CreatedAt) {
			id.CreatedAt = rec.CreatedAt
		}
		if rec.CreatedAt.After(id.UpdatedAt) {
			id.UpdatedAt = rec.CreatedAt
		}
	}
	if active == 0 {
		return nil, fmt.Errorf("%w: no active version for %s", ErrCorruptKeyHistory, keyID)
	}
	id.CurrentVersion = active
	m.commit(id)
	return id, nil
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
