package httpsig

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// defaultLabel keys the Signature/Signature-Input dictionary member when
// no label is configured.
const defaultLabel = "sig1"

// defaultCoveredComponents are signed when no covered components are
// configured.
var defaultCoveredComponents = []string{ComponentMethod, ComponentAuthority, ComponentPath}

// NonceFunc produces the nonce bound into signature parameters.
type NonceFunc func() (string, error)

// SignerOptions configures optional Signer behavior.
type SignerOptions struct {
	// Label keys the produced dictionary members. Defaults to "sig1".
	Label string

	// CoveredComponents lists the component ids to sign, in order.
	// Defaults to @method, @authority, @path.
	CoveredComponents []string

	// DigestAlgorithm, when set, computes a Content-Digest header before
	// signing and appends content-digest to the covered components.
	DigestAlgorithm DigestAlgorithm

	// Clock overrides the source of created timestamps. Nonce overrides
	// nonce generation. Both seams exist for deterministic tests;
	// production signers keep the defaults.
	Clock func() time.Time
	Nonce NonceFunc
}

// Signer signs HTTP requests under a fixed key id with an Ed25519 key
// pair, producing RFC 9421 Signature and Signature-Input headers.
type Signer struct {
	keyID      string
	key        *keys.KeyPair
	label      string
	components []string
	digest     DigestAlgorithm
	now        func() time.Time
	nonce      NonceFunc
}

// NewSigner validates the key material and returns a ready Signer. The
// key pair is copied, so a later wipe of the caller's copy does not break
// in-flight signing.
func NewSigner(keyID string, key *keys.KeyPair, opts *SignerOptions) (*Signer, error) {
	if keyID == "" {
		return nil, ErrEmptyKeyID
	}

	if key == nil || len(key.Private) != keys.SeedSize || len(key.Public) != keys.PublicKeySize {
		return nil, ErrInvalidSigningKey
	}

	s := &Signer{
		keyID:      keyID,
		key:        key.Clone(),
		label:      defaultLabel,
		components: defaultCoveredComponents,
		now:        time.Now,
		nonce:      generateNonce,
	}

	if opts != nil {
		if opts.Label != "" {
			s.label = opts.Label
		}

		if len(opts.CoveredComponents) > 0 {
			s.components = slices.Clone(opts.CoveredComponents)
		}

		s.digest = opts.DigestAlgorithm

		if opts.Clock != nil {
			s.now = opts.Clock
		}

		if opts.Nonce != nil {
			s.nonce = opts.Nonce
		}
	}

	for _, id := range s.components {
		if issue := componentIssue(id); issue != "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, issue)
		}
	}

	return s, nil
}

// KeyID returns the key id bound into produced signatures.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns a copy of the signer's public key, for registration
// in a verifier's key directory.
func (s *Signer) PublicKey() []byte {
	return append([]byte(nil), s.key.Public...)
}

// SignResult reports what signing a single request produced.
type SignResult struct {
	// Signature is the raw 64-byte Ed25519 signature.
	Signature []byte

	// SignatureInput is the serialized parameter list that was bound into
	// the canonical message.
	SignatureInput string

	// Headers holds the final header values set on the request, keyed by
	// canonical header name.
	Headers map[string]string
}

// SignRequest builds the canonical message for the request, signs it, and
// sets the Signature and Signature-Input headers in place. Existing
// signature members under other labels are preserved.
func (s *Signer) SignRequest(r *http.Request) (*SignResult, error) {
	components := s.components

	if s.digest != "" {
		if err := SetContentDigest(r, s.digest); err != nil {
			return nil, err
		}

		if !slices.Contains(components, ComponentContentDigest) {
			components = append(slices.Clone(components), ComponentContentDigest)
		}
	}

	nonce, err := s.nonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	params := Params{
		Components: components,
		Created:    s.now(),
		KeyID:      s.keyID,
		Algorithm:  AlgorithmEd25519,
		Nonce:      nonce,
	}

	serialized := params.serialize()

	base, err := BuildCanonicalMessage(r, components, serialized)
	if err != nil {
		return nil, err
	}

	sig, err := keys.Sign(base, s.key.Private)
	if err != nil {
		return nil, fmt.Errorf("sign canonical message: %w", err)
	}

	appendDictMember(r.Header, "Signature-Input", s.label, serialized)
	appendDictMember(r.Header, "Signature", s.label, ":"+base64.StdEncoding.EncodeToString(sig)+":")

	return &SignResult{
		Signature:      sig,
		SignatureInput: serialized,
		Headers: map[string]string{
			"Signature-Input": r.Header.Get("Signature-Input"),
			"Signature":       r.Header.Get("Signature"),
		},
	}, nil
}

// SignOutcome pairs one request of a batch with its signing result.
type SignOutcome struct {
	Request *http.Request
	Result  *SignResult
	Err     error
}

// SignAll signs each request independently. A failure on one request is
// recorded in its outcome and never prevents signing the rest.
func (s *Signer) SignAll(reqs []*http.Request) []SignOutcome {
	outcomes := make([]SignOutcome, 0, len(reqs))

	for _, r := range reqs {
		result, err := s.SignRequest(r)
		outcomes = append(outcomes, SignOutcome{Request: r, Result: result, Err: err})
	}

	return outcomes
}

// generateNonce is the default NonceFunc: a fresh random UUID.
func generateNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}
