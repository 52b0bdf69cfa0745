package keystore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/shiba4life/fold-db-sub003/internal/backup"
	"github.com/shiba4life/fold-db-sub003/internal/keys"
	"github.com/shiba4life/fold-db-sub003/internal/rotation"
)

// fastCodec keeps sealing cheap enough for tests.
func fastCodec() backup.Options {
	return backup.Options{
		KDFParams: &backup.KDFParams{Iterations: 1, MemoryKB: 8 * 1024, Parallelism: 1},
	}
}

func mustKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestMemoryStoreRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(fastCodec())
	kp := mustKeyPair(t)

	if err := store.StoreKeyPair(ctx, "api-key@v1", kp, "pass-phrase-1", map[string]string{"state": "active"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := store.RetrieveKeyPair(ctx, "api-key@v1", "pass-phrase-1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !bytes.Equal(got.Private, kp.Private) || !bytes.Equal(got.Public, kp.Public) {
		t.Fatal("round trip lost key material")
	}
}

func TestMemoryFailureClasses(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(fastCodec())
	kp := mustKeyPair(t)
	if err := store.StoreKeyPair(ctx, "api-key@v1", kp, "pass-phrase-1", nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, err := store.RetrieveKeyPair(ctx, "ghost", "pass-phrase-1"); !errors.Is(err, rotation.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := store.RetrieveKeyPair(ctx, "api-key@v1", "wrong"); !errors.Is(err, rotation.ErrPassphraseInvalid) {
		t.Fatalf("expected ErrPassphraseInvalid, got %v", err)
	}
	if err := store.DeleteKeyPair(ctx, "ghost"); !errors.Is(err, rotation.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound on delete, got %v", err)
	}
	if err := store.StoreKeyPair(ctx, "api-key@v2", kp, "short", nil); !errors.Is(err, backup.ErrWeakPassphrase) {
		t.Fatalf("expected ErrWeakPassphrase, got %v", err)
	}
}

func TestMemoryListAndExists(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(fastCodec())
	kp := mustKeyPair(t)

	if err := store.StoreKeyPair(ctx, "a@v1", kp, "pass-phrase-1", map[string]string{"state": "active"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.StoreKeyPair(ctx, "b@v1", kp, "pass-phrase-1", nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	entries, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entry count = %d, want 2", len(entries))
	}
	byID := map[string]rotation.Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	if byID["a@v1"].Metadata["state"] != "active" {
		t.Fatalf("metadata not listed: %+v", byID["a@v1"])
	}

	ok, err := store.KeyExists(ctx, "a@v1")
	if err != nil || !ok {
		t.Fatalf("exists a@v1 = (%v, %v), want true", ok, err)
	}
	if err := store.DeleteKeyPair(ctx, "a@v1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = store.KeyExists(ctx, "a@v1")
	if err != nil || ok {
		t.Fatalf("exists after delete = (%v, %v), want false", ok, err)
	}
}

func TestMemoryStoreOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(fastCodec())
	first := mustKeyPair(t)
	second := mustKeyPair(t)

	if err := store.StoreKeyPair(ctx, "api-key@v1", first, "pass-phrase-1", nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.StoreKeyPair(ctx, "api-key@v1", second, "pass-phrase-2", nil); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.RetrieveKeyPair(ctx, "api-key@v1", "pass-phrase-2")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !bytes.Equal(got.Private, second.Private) {
		t.Fatal("overwrite should replace the stored material")
	}
	if _, err := store.RetrieveKeyPair(ctx, "api-key@v1", "pass-phrase-1"); !errors.Is(err, rotation.ErrPassphraseInvalid) {
		t.Fatalf("old passphrase should no longer unlock, got %v", err)
	}
}

func TestMemoryHonorsContextCancellation(t *testing.T) {
	store := NewMemory(fastCodec())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.StoreKeyPair(ctx, "a@v1", mustKeyPair(t), "pass-phrase-1", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
