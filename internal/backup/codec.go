package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

const (
	// MinPassphraseLength is enforced before any key material is read.
	MinPassphraseLength = 8

	minPBKDF2Iterations = 100_000
	payloadSize         = keys.SeedSize + keys.PublicKeySize
)

var (
	ErrWeakPassphrase    = errors.New("passphrase must be at least 8 characters")
	ErrInvalidKeyPair    = errors.New("key pair must hold 32-byte private and public halves")
	ErrUnsupportedKDF    = errors.New("unsupported backup kdf")
	ErrUnsupportedCipher = errors.New("unsupported backup cipher")

	// ErrImport is the single error surfaced for every import failure:
	// wrong passphrase, corrupted or truncated record, tampered
	// parameters, unsupported tags, version rollback. The message stays
	// generic so failures cannot be used as a decryption oracle.
	ErrImport = errors.New("incorrect passphrase or corrupted backup")
)

// Options selects the protection for one export. Zero values mean
// argon2id under xchacha20-poly1305 with the default parameters.
type Options struct {
	KDF        KDF
	Encryption Cipher
	// KDFParams overrides the defaults for the chosen KDF. Primarily a
	// seam for tests that cannot afford production stretching cost.
	KDFParams *KDFParams
	Metadata  map[string]string
}

// ImportOptions tunes restore behavior. The integrity check re-derives
// the public half from the private and compares; skipping it is for
// recovery tooling only.
type ImportOptions struct {
	SkipIntegrityCheck bool
}

// Export encrypts kp under passphrase and returns a self-describing
// record. The passphrase length gate runs before any key material is
// touched. Every export draws a fresh salt and nonce, so two exports of
// the same key share no ciphertext bytes.
func Export(kp *keys.KeyPair, passphrase string, opts Options) (*Record, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrWeakPassphrase
	}
	if kp == nil || len(kp.Private) != keys.SeedSize || len(kp.Public) != keys.PublicKeySize {
		return nil, ErrInvalidKeyPair
	}
	kdfName, params, err := resolveKDF(opts)
	if err != nil {
		return nil, err
	}
	cipherName, err := resolveCipher(opts.Encryption)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := stretchPassphrase(passphrase, salt, kdfName, params)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := newAEAD(cipherName, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	payload := make([]byte, 0, payloadSize)
	payload = append(payload, kp.Private...)
	payload = append(payload, kp.Public...)
	ciphertext := aead.Seal(nil, nonce, payload, nil)
	zeroBytes(payload)

	return &Record{
		Version:    RecordVersion,
		KDF:        kdfName,
		KDFParams:  params,
		Encryption: cipherName,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Created:    time.Now().UTC(),
		Metadata:   cloneMetadata(opts.Metadata),
	}, nil
}

// Import decrypts rec under passphrase and returns the key pair plus
// the record metadata. The record is fully validated structurally
// before any KDF work; all failure legs return ErrImport.
func Import(rec *Record, passphrase string, opts ImportOptions) (*keys.KeyPair, map[string]string, error) {
	if v := Validate(rec); !v.Valid {
		return nil, nil, ErrImport
	}
	key, err := stretchPassphrase(passphrase, rec.Salt, rec.KDF, rec.KDFParams)
	if err != nil {
		return nil, nil, ErrImport
	}
	defer zeroBytes(key)

	aead, err := newAEAD(rec.Encryption, key)
	if err != nil {
		return nil, nil, ErrImport
	}
	payload, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return nil, nil, ErrImport
	}
	defer zeroBytes(payload)
	if len(payload) != payloadSize {
		return nil, nil, ErrImport
	}

	kp := &keys.KeyPair{
		Private:   append([]byte(nil), payload[:keys.SeedSize]...),
		Public:    append([]byte(nil), payload[keys.SeedSize:]...),
		CreatedAt: rec.Created,
	}
	if !opts.SkipIntegrityCheck {
		derived := ed25519.NewKeyFromSeed(kp.Private).Public().(ed25519.PublicKey)
		if subtle.ConstantTimeCompare(derived, kp.Public) != 1 {
			keys.Clear(kp)
			return nil, nil, ErrImport
		}
	}
	return kp, cloneMetadata(rec.Metadata), nil
}

func resolveKDF(opts Options) (KDF, KDFParams, error) {
	kdfName := opts.KDF
	if kdfName == "" {
		kdfName = KDFArgon2id
	}
	var params KDFParams
	switch kdfName {
	case KDFArgon2id:
		params = KDFParams{Iterations: 2, MemoryKB: 64 * 1024, Parallelism: 1}
	case KDFPBKDF2:
		params = KDFParams{Iterations: 600_000, Hash: "sha256"}
	case KDFScrypt:
		params = KDFParams{CostN: 1 << 15, BlockSizeR: 8, Parallelism: 1}
	default:
		return "", KDFParams{}, fmt.Errorf("%w: %q", ErrUnsupportedKDF, kdfName)
	}
	if opts.KDFParams != nil {
		params = *opts.KDFParams
	}
	if issues := paramIssues(kdfName, params); len(issues) > 0 {
		return "", KDFParams{}, fmt.Errorf("%w: %s", ErrUnsupportedKDF, issues[0])
	}
	return kdfName, params, nil
}

func resolveCipher(c Cipher) (Cipher, error) {
	switch c {
	case "":
		return CipherXChaCha20Poly1305, nil
	case CipherXChaCha20Poly1305, CipherAESGCM:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCipher, c)
	}
}

func stretchPassphrase(passphrase string, salt []byte, kdfName KDF, p KDFParams) ([]byte, error) {
	switch kdfName {
	case KDFArgon2id:
		return argon2.IDKey([]byte(passphrase), salt, p.Iterations, p.MemoryKB, p.Parallelism, chacha20poly1305.KeySize), nil
	case KDFPBKDF2:
		var h func() hash.Hash
		switch p.Hash {
		case "sha256":
			h = sha256.New
		case "sha512":
			h = sha512.New
		default:
			return nil, fmt.Errorf("%w: pbkdf2 hash %q", ErrUnsupportedKDF, p.Hash)
		}
		return pbkdf2.Key([]byte(passphrase), salt, int(p.Iterations), chacha20poly1305.KeySize, h), nil
	case KDFScrypt:
		key, err := scrypt.Key([]byte(passphrase), salt, int(p.CostN), int(p.BlockSizeR), int(p.Parallelism), chacha20poly1305.KeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKDF, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, kdfName)
	}
}

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	switch c {
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, c)
	}
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
