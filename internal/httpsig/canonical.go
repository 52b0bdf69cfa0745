package httpsig

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Algorithm identifies the signature algorithm named in signature
// parameters. This package only produces Ed25519 signatures; other
// registered values parse cleanly but fail verification at the crypto
// stage.
type Algorithm string

// AlgorithmEd25519 is the Edwards-Curve DSA identifier from the HTTP
// Signature Algorithms registry.
const AlgorithmEd25519 Algorithm = "ed25519"

// String returns the registry form of the algorithm.
func (a Algorithm) String() string { return string(a) }

// Params are the signature parameters bound into the canonical message
// through the trailing @signature-params component (RFC 9421 Section 2.3).
type Params struct {
	// Components lists the covered component identifiers in signed order.
	Components []string

	// Created is the signature creation time. Zero means the parameter
	// was absent.
	Created time.Time

	// Expires is an optional hard expiry. Zero means absent.
	Expires time.Time

	// KeyID names the signing key.
	KeyID string

	// Algorithm names the signature algorithm.
	Algorithm Algorithm

	// Nonce is the per-signature random value, empty when absent.
	Nonce string
}

// serialize renders the inner-list form of the parameters:
//
//	("@method" "@authority");created=...;keyid="...";alg="ed25519";nonce="..."
//
// The component list keeps its order and the parameter keys are emitted in
// a fixed order so the same Params always serialize to the same bytes.
func (p Params) serialize() string {
	var b strings.Builder

	b.WriteByte('(')
	for i, id := range p.Components {
		if i > 0 {
			b.WriteByte(' ')
		}

		b.WriteString(strconv.Quote(id))
	}
	b.WriteByte(')')

	if !p.Created.IsZero() {
		fmt.Fprintf(&b, ";created=%d", p.Created.Unix())
	}

	b.WriteString(";keyid=")
	b.WriteString(quoteString(p.KeyID))
	b.WriteString(";alg=")
	b.WriteString(quoteString(p.Algorithm.String()))

	if p.Nonce != "" {
		b.WriteString(";nonce=")
		b.WriteString(quoteString(p.Nonce))
	}

	if !p.Expires.IsZero() {
		fmt.Fprintf(&b, ";expires=%d", p.Expires.Unix())
	}

	return b.String()
}

// parseParams parses a serialized signature parameter list. The inner
// component list and the keyid/alg parameters are mandatory; unknown
// parameter keys are ignored, since verification re-binds the raw
// serialized value into the canonical message anyway.
func parseParams(raw string) (Params, error) {
	var params Params

	open := strings.IndexByte(raw, '(')
	closing := strings.IndexByte(raw, ')')
	if open < 0 || closing < 0 || closing <= open {
		return params, fmt.Errorf("%w: signature params must start with a component list", ErrMalformedHeader)
	}

	params.Components = parseInnerList(raw[open+1 : closing])

	for _, part := range splitQuoteAware(raw[closing+1:], ';') {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}

		switch key {
		case "created":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return params, fmt.Errorf("%w: invalid created timestamp", ErrMalformedHeader)
			}

			params.Created = time.Unix(ts, 0)

		case "expires":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return params, fmt.Errorf("%w: invalid expires timestamp", ErrMalformedHeader)
			}

			params.Expires = time.Unix(ts, 0)

		case "keyid":
			params.KeyID = unquoteString(value)

		case "alg":
			params.Algorithm = Algorithm(unquoteString(value))

		case "nonce":
			params.Nonce = unquoteString(value)
		}
	}

	if params.KeyID == "" {
		return params, fmt.Errorf("%w: missing keyid parameter", ErrMalformedHeader)
	}

	if params.Algorithm == "" {
		return params, fmt.Errorf("%w: missing alg parameter", ErrMalformedHeader)
	}

	return params, nil
}

// BuildCanonicalMessage renders the RFC 9421 signature base: one
// `"<id>": <value>` line per covered component, in order, closed by the
// `"@signature-params"` line carrying serializedParams. Signing serializes
// its own Params first; verification passes the raw received value so the
// reconstructed message is byte-identical to what the signer produced.
func BuildCanonicalMessage(r *http.Request, components []string, serializedParams string) ([]byte, error) {
	var b strings.Builder

	for _, id := range components {
		value, err := componentValue(r, id)
		if err != nil {
			return nil, err
		}

		fmt.Fprintf(&b, "%q: %s\n", id, value)
	}

	fmt.Fprintf(&b, "%q: %s", ComponentSignatureParams, serializedParams)

	return []byte(b.String()), nil
}
