package keys

import (
	"fmt"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// FingerprintPrefix marks the human-readable key fingerprint format.
const FingerprintPrefix = "fold1"

// Fingerprint returns the short printable identifier for a public key:
// the prefix followed by base58 of blake2b-256 over the key bytes.
func Fingerprint(public []byte) (string, error) {
	if len(public) != PublicKeySize {
		return "", fmt.Errorf("invalid public key size: %d", len(public))
	}
	h := blake2b.Sum256(public)
	return FingerprintPrefix + base58.Encode(h[:]), nil
}

// VerifyFingerprint reports whether fingerprint matches public.
func VerifyFingerprint(fingerprint string, public []byte) (bool, error) {
	expected, err := Fingerprint(public)
	if err != nil {
		return false, err
	}
	return fingerprint == expected, nil
}
