package rotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

type fakeEntry struct {
	kp         *keys.KeyPair
	passphrase string
	metadata   map[string]string
}

// fakeStore is an in-memory Keystore with per-entry fault injection.
type fakeStore struct {
	mu         sync.Mutex
	entries    map[string]fakeEntry
	failStore  map[string]error
	failDelete map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:    make(map[string]fakeEntry),
		failStore:  make(map[string]error),
		failDelete: make(map[string]error),
	}
}

func (s *fakeStore) StoreKeyPair(_ context.Context, keyID string, kp *keys.KeyPair, passphrase string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failStore[keyID]; err != nil {
		return err
	}
	s.entries[keyID] = fakeEntry{kp: kp.Clone(), passphrase: passphrase, metadata: cloneStringMap(metadata)}
	return nil
}

func (s *fakeStore) RetrieveKeyPair(_ context.Context, keyID, passphrase string) (*keys.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if entry.passphrase != passphrase {
		return nil, ErrPassphraseInvalid
	}
	return entry.kp.Clone(), nil
}

func (s *fakeStore) DeleteKeyPair(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failDelete[keyID]; err != nil {
		return err
	}
	if _, ok := s.entries[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	delete(s.entries, keyID)
	return nil
}

func (s *fakeStore) ListKeys(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for id, entry := range s.entries {
		out = append(out, Entry{ID: id, Metadata: cloneStringMap(entry.metadata)})
	}
	return out, nil
}

func (s *fakeStore) KeyExists(_ context.Context, keyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[keyID]
	return ok, nil
}

func (s *fakeStore) has(keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[keyID]
	return ok
}

func (s *fakeStore) metadataOf(keyID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneStringMap(s.entries[keyID].metadata)
}

func newTestManager(store Keystore) *Manager {
	return NewManager(store, ManagerOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func createKey(t *testing.T, m *Manager, keyID, passphrase string) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if _, err := m.CreateVersionedKeyPair(context.Background(), keyID, kp, passphrase, nil); err != nil {
		t.Fatalf("create %s: %v", keyID, err)
	}
	return kp
}

func assertSingleActive(t *testing.T, m *Manager, keyID string, wantCurrent int) {
	t.Helper()
	records, err := m.ListKeyVersions(context.Background(), keyID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	active := 0
	for _, rec := range records {
		if rec.State == VersionActive {
			active++
			if rec.Version != wantCurrent {
				t.Fatalf("active version = %d, want %d", rec.Version, wantCurrent)
			}
		}
	}
	if active != 1 {
		t.Fatalf("active version count = %d, want exactly 1", active)
	}
}

func TestCreateVersionedKeyPair(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	kp := createKey(t, m, "api-key", "pass-phrase-1")

	id, err := m.GetKeyVersion(context.Background(), "api-key", 0)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if id == nil || id.Version != 1 || id.State != VersionActive {
		t.Fatalf("unexpected initial record: %+v", id)
	}
	if !bytes.Equal(id.KeyPair.Public, kp.Public) {
		t.Fatal("stored public key mismatch")
	}
	if !store.has("api-key@v1") {
		t.Fatal("keystore entry for version 1 missing")
	}
	if got := store.metadataOf("api-key@v1")[metaState]; got != string(VersionActive) {
		t.Fatalf("stored state = %q, want active", got)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	kp, _ := keys.Generate(nil)
	if _, err := m.CreateVersionedKeyPair(context.Background(), "api-key", kp, "other", nil); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// A fresh manager over the same store must also see the duplicate.
	other := newTestManager(store)
	if _, err := other.CreateVersionedKeyPair(context.Background(), "api-key", kp, "other", nil); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey after hydration, got %v", err)
	}
}

func TestCreateValidatesInputs(t *testing.T) {
	m := newTestManager(newFakeStore())
	kp, _ := keys.Generate(nil)
	if _, err := m.CreateVersionedKeyPair(context.Background(), "bad/id", kp, "p", nil); !errors.Is(err, ErrInvalidKeyID) {
		t.Fatalf("expected ErrInvalidKeyID, got %v", err)
	}
	if _, err := m.CreateVersionedKeyPair(context.Background(), "ok", nil, "p", nil); !errors.Is(err, ErrInvalidKeyMaterial) {
		t.Fatalf("expected ErrInvalidKeyMaterial, got %v", err)
	}
}

func TestRotateKeepsOldVersionAsRetired(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	id, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{Reason: "scheduled", KeepOldVersion: true})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if id.CurrentVersion != 2 {
		t.Fatalf("current version = %d, want 2", id.CurrentVersion)
	}
	if id.Versions[1].State != VersionRetired {
		t.Fatal("version 1 should be retired")
	}
	if id.Versions[2].Reason != "scheduled" {
		t.Fatalf("reason = %q", id.Versions[2].Reason)
	}
	assertSingleActive(t, m, "api-key", 2)

	if got := store.metadataOf("api-key@v1")[metaState]; got != string(VersionRetired) {
		t.Fatalf("stored v1 state = %q, want retired", got)
	}
	if got := store.metadataOf("api-key@v2")[metaState]; got != string(VersionActive) {
		t.Fatalf("stored v2 state = %q, want active", got)
	}
}

func TestRotatePurgesOldVersionByDefault(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	id, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{Reason: "compromise"})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if store.has("api-key@v1") {
		t.Fatal("purged version 1 should be gone from the keystore")
	}
	if _, ok := id.Versions[1]; ok {
		t.Fatal("purged version 1 should be gone from the history")
	}
	assertSingleActive(t, m, "api-key", 2)
}

func TestRotateUnknownKey(t *testing.T) {
	m := newTestManager(newFakeStore())
	if _, err := m.RotateKey(context.Background(), "ghost", "p", RotateOptions{}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRotateWrongPassphraseLeavesStateUntouched(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	if _, err := m.RotateKey(context.Background(), "api-key", "wrong", RotateOptions{}); !errors.Is(err, ErrPassphraseInvalid) {
		t.Fatalf("expected ErrPassphraseInvalid, got %v", err)
	}
	assertSingleActive(t, m, "api-key", 1)
	if store.has("api-key@v2") {
		t.Fatal("no version 2 entry should exist after a failed rotation")
	}
}

func TestRotateStoreFailureLeavesOldActive(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	store.failStore["api-key@v2"] = errors.New("disk full")
	if _, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{}); err == nil {
		t.Fatal("expected rotation to fail")
	}
	assertSingleActive(t, m, "api-key", 1)
}

func TestRotateRetireFailureRollsBackNewVersion(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	// The flip of version 1 to retired fails after version 2 was stored.
	store.failStore["api-key@v1"] = errors.New("disk full")
	if _, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{KeepOldVersion: true}); err == nil {
		t.Fatal("expected rotation to fail")
	}
	if store.has("api-key@v2") {
		t.Fatal("rolled-back version 2 entry should be gone")
	}
	if got := store.metadataOf("api-key@v1")[metaState]; got != string(VersionActive) {
		t.Fatalf("stored v1 state = %q, want still active", got)
	}
	assertSingleActive(t, m, "api-key", 1)
}

func TestRotatePurgeFailureRollsBackNewVersion(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	store.failDelete["api-key@v1"] = errors.New("permission denied")
	if _, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{}); err == nil {
		t.Fatal("expected rotation to fail")
	}
	if store.has("api-key@v2") {
		t.Fatal("rolled-back version 2 entry should be gone")
	}
	assertSingleActive(t, m, "api-key", 1)
}

func TestRotationCountInvariant(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	const rotations = 5
	for i := 0; i < rotations; i++ {
		if _, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{KeepOldVersion: true}); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}
	assertSingleActive(t, m, "api-key", rotations+1)

	records, err := m.ListKeyVersions(context.Background(), "api-key")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(records) != rotations+1 {
		t.Fatalf("version count = %d, want %d", len(records), rotations+1)
	}
	for i, rec := range records {
		if rec.Version != i+1 {
			t.Fatalf("versions not strictly increasing: %d at index %d", rec.Version, i)
		}
	}
}

func TestCleanupOldVersions(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")
	for range 3 {
		if _, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{KeepOldVersion: true}); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}
	// Versions now: 1..3 retired, 4 active.

	removed, err := m.CleanupOldVersions(context.Background(), "api-key", "pass-phrase-1", 1)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if store.has("api-key@v1") || store.has("api-key@v2") {
		t.Fatal("oldest retired versions should be gone")
	}
	if !store.has("api-key@v3") || !store.has("api-key@v4") {
		t.Fatal("kept versions should remain")
	}

	// keep=0 removes every retired version but never the active one.
	removed, err = m.CleanupOldVersions(context.Background(), "api-key", "pass-phrase-1", 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	records, err := m.ListKeyVersions(context.Background(), "api-key")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(records) != 1 || records[0].State != VersionActive || records[0].Version != 4 {
		t.Fatalf("cleanup must leave exactly the active version, got %+v", records)
	}
}

func TestCleanupRequiresPassphrase(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")
	if _, err := m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{KeepOldVersion: true}); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := m.CleanupOldVersions(context.Background(), "api-key", "wrong", 0); !errors.Is(err, ErrPassphraseInvalid) {
		t.Fatalf("expected ErrPassphraseInvalid, got %v", err)
	}
	if !store.has("api-key@v1") {
		t.Fatal("nothing should be removed on a failed passphrase check")
	}
}

func TestReadsReturnEmptyForUnknownKeys(t *testing.T) {
	m := newTestManager(newFakeStore())

	rec, err := m.GetKeyVersion(context.Background(), "ghost", 1)
	if err != nil || rec != nil {
		t.Fatalf("get unknown = (%+v, %v), want (nil, nil)", rec, err)
	}
	records, err := m.ListKeyVersions(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("list unknown: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("list unknown = %v, want empty slice", records)
	}
}

func TestGetKeyVersionCopiesOut(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	first, err := m.GetKeyVersion(context.Background(), "api-key", 1)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	keys.Clear(first.KeyPair)

	second, err := m.GetKeyVersion(context.Background(), "api-key", 1)
	if err != nil {
		t.Fatalf("get version again: %v", err)
	}
	if bytes.Equal(second.KeyPair.Private, make([]byte, keys.SeedSize)) {
		t.Fatal("clearing a returned copy must not wipe the stored record")
	}
}

func TestHydrationFromKeystore(t *testing.T) {
	store := newFakeStore()
	first := newTestManager(store)
	createKey(t, first, "api-key", "pass-phrase-1")
	if _, err := first.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{Reason: "scheduled", KeepOldVersion: true}); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// A fresh manager rebuilds the history from keystore metadata alone.
	second := newTestManager(store)
	records, err := second.ListKeyVersions(context.Background(), "api-key")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("hydrated version count = %d, want 2", len(records))
	}
	if records[0].State != VersionRetired || records[1].State != VersionActive {
		t.Fatalf("hydrated states wrong: %+v", records)
	}
	if records[1].Reason != "scheduled" {
		t.Fatalf("hydrated reason = %q", records[1].Reason)
	}

	// And can continue the history where the old manager stopped.
	id, err := second.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{KeepOldVersion: true})
	if err != nil {
		t.Fatalf("rotate after hydration: %v", err)
	}
	if id.CurrentVersion != 3 {
		t.Fatalf("current version = %d, want 3", id.CurrentVersion)
	}
}

func TestEmergencyRotateRevokesOldAccess(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "old-passphrase")

	id, err := m.EmergencyRotate(context.Background(), "api-key", "old-passphrase", "credential leak", "new-passphrase")
	if err != nil {
		t.Fatalf("emergency rotate: %v", err)
	}
	if id.CurrentVersion != 2 {
		t.Fatalf("current version = %d, want 2", id.CurrentVersion)
	}
	if id.Versions[2].Reason != "credential leak" {
		t.Fatalf("reason = %q", id.Versions[2].Reason)
	}
	if store.has("api-key@v1") {
		t.Fatal("superseded version must be purged")
	}

	if _, _, err := m.ActiveKeyPair(context.Background(), "api-key", "old-passphrase"); !errors.Is(err, ErrPassphraseInvalid) {
		t.Fatalf("old passphrase should be revoked, got %v", err)
	}
	kp, version, err := m.ActiveKeyPair(context.Background(), "api-key", "new-passphrase")
	if err != nil {
		t.Fatalf("new passphrase should unlock: %v", err)
	}
	if version != 2 || len(kp.Private) != keys.SeedSize {
		t.Fatalf("unexpected active material: version %d", version)
	}
}

func TestRotateManyReportsPerKeyOutcomes(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "key-a", "pass-a")
	createKey(t, m, "key-b", "pass-b")

	results := m.RotateMany(context.Background(), []RotateRequest{
		{KeyID: "key-a", Passphrase: "pass-a", Options: RotateOptions{KeepOldVersion: true}},
		{KeyID: "key-b", Passphrase: "wrong", Options: RotateOptions{}},
		{KeyID: "ghost", Passphrase: "none", Options: RotateOptions{}},
	})
	if len(results) != 3 {
		t.Fatalf("result count = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[0].Identity.CurrentVersion != 2 {
		t.Fatalf("key-a should rotate: %+v", results[0])
	}
	if !errors.Is(results[1].Err, ErrPassphraseInvalid) {
		t.Fatalf("key-b expected ErrPassphraseInvalid, got %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, ErrKeyNotFound) {
		t.Fatalf("ghost expected ErrKeyNotFound, got %v", results[2].Err)
	}
	assertSingleActive(t, m, "key-b", 1)
}

func TestConcurrentRotationsSerializePerKey(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.RotateKey(context.Background(), "api-key", "pass-phrase-1", RotateOptions{KeepOldVersion: true})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d rotate failed: %v", i, err)
		}
	}
	assertSingleActive(t, m, "api-key", workers+1)
}

func TestListKeyIdentities(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "key-b", "pass-b")
	createKey(t, m, "key-a", "pass-a")

	ids, err := m.ListKeyIdentities(context.Background())
	if err != nil {
		t.Fatalf("list identities: %v", err)
	}
	if len(ids) != 2 || ids[0].KeyID != "key-a" || ids[1].KeyID != "key-b" {
		t.Fatalf("unexpected identity list: %+v", ids)
	}
}

func TestWipeClearsInMemoryMaterial(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	createKey(t, m, "api-key", "pass-phrase-1")

	m.Wipe()
	rec, err := m.GetKeyVersion(context.Background(), "api-key", 1)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if rec.KeyPair != nil {
		t.Fatal("wiped record should carry no material")
	}

	// Material is still retrievable from the keystore.
	kp, _, err := m.ActiveKeyPair(context.Background(), "api-key", "pass-phrase-1")
	if err != nil {
		t.Fatalf("active key pair after wipe: %v", err)
	}
	if len(kp.Private) != keys.SeedSize {
		t.Fatal("keystore copy should be intact after wipe")
	}
}

func TestCorruptHistoryIsDetected(t *testing.T) {
	store := newFakeStore()
	kp, _ := keys.Generate(nil)
	ctx := context.Background()

	// Two versions both claiming to be active.
	meta1 := map[string]string{metaKeyID: "broken", metaVersion: "1", metaState: "active", metaCreated: "2026-01-01T00:00:00Z"}
	meta2 := map[string]string{metaKeyID: "broken", metaVersion: "2", metaState: "active", metaCreated: "2026-01-02T00:00:00Z"}
	if err := store.StoreKeyPair(ctx, "broken@v1", kp, "p", meta1); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := store.StoreKeyPair(ctx, "broken@v2", kp, "p", meta2); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	m := newTestManager(store)
	if _, err := m.RotateKey(ctx, "broken", "p", RotateOptions{}); !errors.Is(err, ErrCorruptKeyHistory) {
		t.Fatalf("expected ErrCorruptKeyHistory, got %v", err)
	}
}
