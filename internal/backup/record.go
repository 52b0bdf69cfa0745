// Package backup encrypts signing key pairs into versioned,
// self-describing records and restores them with integrity checks.
// Records travel as JSON or as a binary framing with a fixed magic
// prefix; both carry the same fields.
package backup

import (
	"fmt"
	"time"
)

// KDF tags the passphrase-stretching function of a record. The set is
// closed and security-reviewed.
type KDF string

const (
	KDFArgon2id KDF = "argon2id"
	KDFPBKDF2   KDF = "pbkdf2"
	KDFScrypt   KDF = "scrypt"
)

// Cipher tags the AEAD protecting the key material.
type Cipher string

const (
	CipherXChaCha20Poly1305 Cipher = "xchacha20-poly1305"
	CipherAESGCM            Cipher = "aes-gcm"
)

const (
	// RecordVersion is written into new records.
	RecordVersion = 1
	// MinRecordVersion is the rollback floor: older records are refused.
	MinRecordVersion = 1

	saltSize         = 16
	xchachaNonceSize = 24
	aesGCMNonceSize  = 12
	aeadTagSize      = 16

	// Caps on attacker-controlled KDF parameters so a crafted record
	// cannot turn import into a memory or CPU sink.
	maxIterations  = 10_000_000
	maxMemoryKB    = 1 << 20 // 1 GiB
	maxParallelism = 8
	maxScryptN     = 1 << 22
	maxScryptR     = 32
)

// KDFParams carries the algorithm-specific stretching parameters.
// argon2id uses Iterations (passes), MemoryKB, Parallelism; pbkdf2 uses
// Iterations and Hash; scrypt uses CostN, BlockSizeR, Parallelism.
type KDFParams struct {
	Iterations  uint32 `json:"iterations,omitempty"`
	MemoryKB    uint32 `json:"memory,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	Hash        string `json:"hash,omitempty"`
	CostN       uint32 `json:"n,omitempty"`
	BlockSizeR  uint32 `json:"r,omitempty"`
}

// Record is one encrypted backup. Byte slices marshal as base64 under
// encoding/json; Created marshals as RFC 3339.
type Record struct {
	Version    int               `json:"version"`
	KDF        KDF               `json:"kdf"`
	KDFParams  KDFParams         `json:"kdf_params"`
	Encryption Cipher            `json:"encryption"`
	Salt       []byte            `json:"salt"`
	Nonce      []byte            `json:"nonce"`
	Ciphertext []byte            `json:"ciphertext"`
	Created    time.Time         `json:"created"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validation is the outcome of a structural pre-check. A record that
// fails here would also fail import, but callers get the issue list
// without paying for a KDF run.
type Validation struct {
	Valid  bool
	Issues []string
}

// Validate runs pure structural and format checks: field presence,
// algorithm allow-lists, length invariants, parameter sanity. It never
// touches the passphrase or attempts decryption.
func Validate(rec *Record) Validation {
	var issues []string
	if rec == nil {
		return Validation{Issues: []string{"record is nil"}}
	}
	if rec.Version < MinRecordVersion || rec.Version > RecordVersion {
		issues = append(issues, fmt.Sprintf("invalid version %d", rec.Version))
	}
	switch rec.KDF {
	case KDFArgon2id, KDFPBKDF2, KDFScrypt:
	default:
		issues = append(issues, fmt.Sprintf("unsupported kdf %q", rec.KDF))
	}
	switch rec.Encryption {
	case CipherXChaCha20Poly1305:
		if len(rec.Nonce) != xchachaNonceSize {
			issues = append(issues, fmt.Sprintf("nonce length %d, want %d", len(rec.Nonce), xchachaNonceSize))
		}
	case CipherAESGCM:
		if len(rec.Nonce) != aesGCMNonceSize {
			issues = append(issues, fmt.Sprintf("nonce length %d, want %d", len(rec.Nonce), aesGCMNonceSize))
		}
	default:
		issues = append(issues, fmt.Sprintf("unsupported encryption %q", rec.Encryption))
	}
	if len(rec.Salt) < saltSize {
		issues = append(issues, fmt.Sprintf("salt length %d below minimum %d", len(rec.Salt), saltSize))
	}
	if len(rec.Ciphertext) < aeadTagSize {
		issues = append(issues, "ciphertext shorter than authentication tag")
	}
	issues = append(issues, paramIssues(rec.KDF, rec.KDFParams)...)
	return Validation{Valid: len(issues) == 0, Issues: issues}
}

func paramIssues(kdfName KDF, p KDFParams) []string {
	var issues []string
	switch kdfName {
	case KDFArgon2id:
		if p.Iterations == 0 || p.Iterations > maxIterations {
			issues = append(issues, "argon2id iterations out of range")
		}
		if p.MemoryKB == 0 || p.MemoryKB > maxMemoryKB {
			issues = append(issues, "argon2id memory out of range")
		}
		if p.Parallelism == 0 || p.Parallelism > maxParallelism {
			issues = append(issues, "argon2id parallelism out of range")
		}
	case KDFPBKDF2:
		if p.Iterations < minPBKDF2Iterations || p.Iterations > maxIterations {
			issues = append(issues, "pbkdf2 iterations out of range")
		}
		if p.Hash != "sha256" && p.Hash != "sha512" {
			issues = append(issues, fmt.Sprintf("pbkdf2 hash %q unsupported", p.Hash))
		}
	case KDFScrypt:
		if p.CostN < 2 || p.CostN > maxScryptN || p.CostN&(p.CostN-1) != 0 {
			issues = append(issues, "scrypt cost out of range")
		}
		if p.BlockSizeR == 0 || p.BlockSizeR > maxScryptR {
			issues = append(issues, "scrypt block size out of range")
		}
		if p.Parallelism == 0 || p.Parallelism > maxParallelism {
			issues = append(issues, "scrypt parallelism out of range")
		}
	}
	return issues
}
