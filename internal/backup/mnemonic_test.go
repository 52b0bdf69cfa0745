package backup

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestMnemonicRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	mnemonic, err := ExportMnemonic(kp)
	if err != nil {
		t.Fatalf("export mnemonic failed: %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Fatalf("mnemonic word count = %d, want 24", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Fatal("exported mnemonic should validate")
	}

	restored, err := ImportMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("import mnemonic failed: %v", err)
	}
	if !bytes.Equal(restored.Private, kp.Private) || !bytes.Equal(restored.Public, kp.Public) {
		t.Fatal("mnemonic round trip must restore the identical key pair")
	}
}

func TestImportMnemonicRejectsInvalidPhrases(t *testing.T) {
	for _, phrase := range []string{
		"",
		"   ",
		"not a mnemonic at all",
		"abandon abandon abandon",
	} {
		if _, err := ImportMnemonic(phrase); !errors.Is(err, ErrInvalidMnemonic) {
			t.Fatalf("phrase %q: expected ErrInvalidMnemonic, got %v", phrase, err)
		}
	}
}

func TestImportMnemonicTrimsWhitespace(t *testing.T) {
	kp := mustKeyPair(t)
	mnemonic, err := ExportMnemonic(kp)
	if err != nil {
		t.Fatalf("export mnemonic failed: %v", err)
	}
	restored, err := ImportMnemonic("  " + mnemonic + "\n")
	if err != nil {
		t.Fatalf("import with padding failed: %v", err)
	}
	if !bytes.Equal(restored.Private, kp.Private) {
		t.Fatal("padded phrase should restore the same key")
	}
}
