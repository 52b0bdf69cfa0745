// Package kdf derives subordinate keys from a master key with explicit
// context separation. The algorithm set is closed: adding one is a
// reviewed change here, not a plugin point.
package kdf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Algorithm selects the derivation function.
type Algorithm string

const (
	AlgorithmHKDF   Algorithm = "hkdf"
	AlgorithmPBKDF2 Algorithm = "pbkdf2"
)

// Hash names the digest backing the derivation.
type Hash string

const (
	HashSHA256 Hash = "sha256"
	HashSHA512 Hash = "sha512"
)

const (
	// MinPBKDF2Iterations is the floor below which PBKDF2 offers no
	// meaningful stretching for interactive passphrases.
	MinPBKDF2Iterations = 100_000

	defaultSaltSize  = 32
	defaultKeyLength = 32
)

var (
	ErrEmptyMasterKey       = errors.New("master key must not be empty")
	ErrUnsupportedAlgorithm = errors.New("unsupported derivation algorithm")
	ErrUnsupportedHash      = errors.New("unsupported derivation hash")
	ErrWeakParameters       = errors.New("derivation parameters below minimum strength")
	ErrMissingContext       = errors.New("hkdf derivation requires a context string")
)

// Params configures a single derivation. Info carries the HKDF context
// string; Iterations applies to PBKDF2 only. A nil Salt means draw 32
// fresh random bytes. Zero values for Hash and Length mean sha256 and
// 32 bytes.
type Params struct {
	Algorithm  Algorithm
	Info       string
	Salt       []byte
	Iterations int
	Hash       Hash
	Length     int
}

// DerivedKey is an independent value object: clearing it never touches
// the master key it came from, and it records everything needed to
// re-derive for validation.
type DerivedKey struct {
	Key        []byte
	Algorithm  Algorithm
	Salt       []byte
	Info       string
	Iterations int
	Hash       Hash
	Length     int
	DerivedAt  time.Time
}

// Derive produces a subordinate key from masterKey per p.
func Derive(masterKey []byte, p Params) (*DerivedKey, error) {
	if len(masterKey) == 0 {
		return nil, ErrEmptyMasterKey
	}
	hashName, hashNew, err := resolveHash(p.Hash)
	if err != nil {
		return nil, err
	}
	length := p.Length
	if length == 0 {
		length = defaultKeyLength
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: length %d", ErrWeakParameters, length)
	}

	salt := p.Salt
	if salt == nil {
		salt = make([]byte, defaultSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}

	out := &DerivedKey{
		Algorithm: p.Algorithm,
		Salt:      append([]byte(nil), salt...),
		Info:      p.Info,
		Hash:      hashName,
		Length:    length,
		DerivedAt: time.Now().UTC(),
	}

	switch p.Algorithm {
	case AlgorithmHKDF:
		if p.Info == "" {
			return nil, ErrMissingContext
		}
		key := make([]byte, length)
		reader := hkdf.New(hashNew, masterKey, salt, []byte(p.Info))
		if _, err := io.ReadFull(reader, key); err != nil {
			return nil, fmt.Errorf("hkdf expand: %w", err)
		}
		out.Key = key
	case AlgorithmPBKDF2:
		if p.Iterations < MinPBKDF2Iterations {
			return nil, fmt.Errorf("%w: pbkdf2 iterations %d < %d", ErrWeakParameters, p.Iterations, MinPBKDF2Iterations)
		}
		out.Iterations = p.Iterations
		out.Key = pbkdf2.Key(masterKey, salt, p.Iterations, length, hashNew)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, p.Algorithm)
	}
	return out, nil
}

// Validate re-derives with the recorded salt/context/params and reports
// whether the stored key still matches. Used to detect corruption of a
// derived-key record at rest.
func Validate(masterKey []byte, derived *DerivedKey) (bool, error) {
	if derived == nil {
		return false, errors.New("derived key record is nil")
	}
	again, err := Derive(masterKey, Params{
		Algorithm:  derived.Algorithm,
		Info:       derived.Info,
		Salt:       derived.Salt,
		Iterations: derived.Iterations,
		Hash:       derived.Hash,
		Length:     derived.Length,
	})
	if err != nil {
		return false, err
	}
	defer again.Clear()
	return hmac.Equal(again.Key, derived.Key), nil
}

// Clear wipes the derived key bytes in place. Idempotent.
func (d *DerivedKey) Clear() {
	if d == nil {
		return
	}
	for i := range d.Key {
		d.Key[i] = 0
	}
}

func resolveHash(h Hash) (Hash, func() hash.Hash, error) {
	switch h {
	case "", HashSHA256:
		return HashSHA256, sha256.New, nil
	case HashSHA512:
		return HashSHA512, sha512.New, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedHash, h)
	}
}
