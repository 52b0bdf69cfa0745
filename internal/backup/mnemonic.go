package backup

import (
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// ExportMnemonic encodes the private seed as a 24-word phrase for
// offline transcription. The phrase carries the raw seed with only a
// checksum, no encryption, so it deserves the same handling as the key
// itself.
func ExportMnemonic(kp *keys.KeyPair) (string, error) {
	if kp == nil || len(kp.Private) != keys.SeedSize {
		return "", ErrInvalidKeyPair
	}
	mnemonic, err := bip39.NewMnemonic(append([]byte(nil), kp.Private...))
	if err != nil {
		return "", err
	}
	return mnemonic, nil
}

// ImportMnemonic restores the exact key pair a phrase was exported from.
func ImportMnemonic(mnemonic string) (*keys.KeyPair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" || !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	defer zeroBytes(entropy)
	if len(entropy) != keys.SeedSize {
		return nil, ErrInvalidMnemonic
	}
	return keys.Generate(entropy)
}

// ValidateMnemonic reports whether the phrase is well-formed without
// restoring anything.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}
