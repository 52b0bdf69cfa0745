// Package keys implements Ed25519 signing key material: generation from
// caller-supplied or system entropy, detached signatures, verification,
// and explicit zeroization of private halves.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

const (
	// SeedSize is the length of the private key seed and of caller-supplied entropy.
	SeedSize = 32
	// PublicKeySize is the length of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the length of a detached Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
)

var (
	ErrInvalidEntropyLength = errors.New("entropy must be exactly 32 bytes")
	ErrDegenerateKey        = errors.New("generated key material is degenerate")
	ErrInvalidPrivateKey    = errors.New("private key must be exactly 32 bytes")
	ErrInvalidPublicKey     = errors.New("public key must be exactly 32 bytes")
	ErrEmptyMessage         = errors.New("message must not be empty")
)

// KeyPair holds one Ed25519 signing keypair. Private is the 32-byte seed
// form; the expanded form never leaves this package.
type KeyPair struct {
	Public    []byte
	Private   []byte
	CreatedAt time.Time
}

// Generate creates a keypair from the given entropy. Nil entropy means
// draw 32 fresh bytes from the system CSPRNG; any other length than 32
// is rejected. Caller-supplied entropy is the deterministic seam for
// tests and derivation flows, so an all-zero input is legal — only the
// derived key halves are checked for degenerate patterns.
func Generate(entropy []byte) (*KeyPair, error) {
	seed := make([]byte, SeedSize)
	switch {
	case entropy == nil:
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("read entropy: %w", err)
		}
	case len(entropy) != SeedSize:
		return nil, ErrInvalidEntropyLength
	default:
		copy(seed, entropy)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	zeroBytes(seed)

	kp := &KeyPair{
		Public:    append([]byte(nil), pub...),
		Private:   append([]byte(nil), priv.Seed()...),
		CreatedAt: time.Now().UTC(),
	}
	if degenerate(kp.Private) || degenerate(kp.Public) {
		Clear(kp)
		return nil, ErrDegenerateKey
	}
	return kp, nil
}

// Sign produces a 64-byte detached signature over message with the
// 32-byte seed private key.
func Sign(message, private []byte) ([]byte, error) {
	if len(private) != SeedSize {
		return nil, ErrInvalidPrivateKey
	}
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	priv := ed25519.NewKeyFromSeed(private)
	defer zeroBytes(priv)
	return ed25519.Sign(priv, message), nil
}

// Verify reports whether signature is a valid detached signature over
// message under public. Malformed inputs verify as false, never panic.
func Verify(signature, message, public []byte) bool {
	if len(public) != PublicKeySize || len(signature) != SignatureSize || len(message) == 0 {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), message, signature)
}

// Clear wipes both key halves in place. Safe to call more than once and
// on nil.
func Clear(kp *KeyPair) {
	if kp == nil {
		return
	}
	zeroBytes(kp.Private)
	zeroBytes(kp.Public)
}

// Clone returns an independent copy so callers can hand out key material
// without aliasing the stored halves.
func (kp *KeyPair) Clone() *KeyPair {
	if kp == nil {
		return nil
	}
	return &KeyPair{
		Public:    append([]byte(nil), kp.Public...),
		Private:   append([]byte(nil), kp.Private...),
		CreatedAt: kp.CreatedAt,
	}
}

// degenerate reports all-0x00 or all-0xFF byte strings, the two patterns
// that indicate a broken entropy source rather than a valid key.
func degenerate(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	allZero, allOnes := true, true
	for _, c := range b {
		if c != 0x00 {
			allZero = false
		}
		if c != 0xFF {
			allOnes = false
		}
		if !allZero && !allOnes {
			return false
		}
	}
	return true
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
