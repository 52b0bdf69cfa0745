package httpsig

import "errors"

// Signing errors.
var (
	// ErrNilSigner is returned when a Transport is built without a Signer.
	ErrNilSigner = errors.New("httpsig: signer must not be nil")

	// ErrEmptyKeyID is returned when a signer or directory entry is given
	// an empty key id.
	ErrEmptyKeyID = errors.New("httpsig: key id must not be empty")

	// ErrInvalidSigningKey is returned when a Signer is constructed with
	// missing or wrong-sized key material.
	ErrInvalidSigningKey = errors.New("httpsig: invalid signing key material")
)

// Canonical message errors.
var (
	// ErrMissingComponent is returned when a covered component cannot be
	// resolved from the request. A component requested for signing must be
	// present; silently skipping it would weaken the produced signature.
	ErrMissingComponent = errors.New("httpsig: covered component missing from request")

	// ErrUnknownComponent is returned for an unrecognized derived
	// component identifier.
	ErrUnknownComponent = errors.New("httpsig: unknown component identifier")
)

// Verification errors.
var (
	// ErrNoKeyDirectory is returned when a Verifier is built without a key
	// directory.
	ErrNoKeyDirectory = errors.New("httpsig: key directory must not be nil")

	// ErrNoSignatureHeaders is returned by VerifyRequest when the request
	// carries neither a Signature nor a Signature-Input header. This is
	// the only verification outcome reported as an error; every other
	// failure is a Result with Valid=false and a recorded stage and reason.
	ErrNoSignatureHeaders = errors.New("httpsig: no signature headers present")

	// ErrMalformedHeader is returned by the parse helpers when Signature
	// or Signature-Input header values do not follow the structured format.
	ErrMalformedHeader = errors.New("httpsig: malformed signature header")

	// ErrUnknownPolicy is returned by PolicyByName for an unrecognized
	// policy name.
	ErrUnknownPolicy = errors.New("httpsig: unknown policy name")
)

// Digest errors.
var (
	// ErrDigestNotFound is returned when a Content-Digest header is
	// required but absent.
	ErrDigestNotFound = errors.New("httpsig: content digest not found")

	// ErrDigestMismatch is returned when a Content-Digest value does not
	// match the request body.
	ErrDigestMismatch = errors.New("httpsig: content digest mismatch")

	// ErrUnsupportedDigest is returned when no recognized digest algorithm
	// appears in the Content-Digest header.
	ErrUnsupportedDigest = errors.New("httpsig: unsupported digest algorithm")
)
