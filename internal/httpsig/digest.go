package httpsig

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DigestAlgorithm identifies the hash behind a Content-Digest header
// per RFC 9530.
type DigestAlgorithm string

const (
	// DigestSHA256 uses SHA-256 for the content digest.
	DigestSHA256 DigestAlgorithm = "sha-256"

	// DigestSHA512 uses SHA-512 for the content digest.
	DigestSHA512 DigestAlgorithm = "sha-512"
)

// SetContentDigest computes the digest of the request body with alg, sets
// the Content-Digest header, and restores the body for later readers.
func SetContentDigest(r *http.Request, alg DigestAlgorithm) error {
	body, err := readAndRestoreBody(r)
	if err != nil {
		return err
	}

	digest, err := computeDigest(body, alg)
	if err != nil {
		return err
	}

	r.Header.Set("Content-Digest", fmt.Sprintf("%s=:%s:", alg, base64.StdEncoding.EncodeToString(digest)))

	return nil
}

// VerifyContentDigest checks every recognized entry of the Content-Digest
// header against the request body. All recognized entries must match;
// entries with unknown algorithms are ignored, and a header carrying only
// unknown algorithms fails with ErrUnsupportedDigest.
func VerifyContentDigest(r *http.Request) error {
	header := r.Header.Get("Content-Digest")
	if header == "" {
		return ErrDigestNotFound
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return err
	}

	recognized := 0

	for _, entry := range splitQuoteAware(header, ',') {
		alg, encoded, ok := parseDigestEntry(entry)
		if !ok {
			continue
		}

		recognized++

		expected, err := computeDigest(body, alg)
		if err != nil {
			return err
		}

		actual, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("%w: invalid base64 in digest", ErrMalformedHeader)
		}

		if !bytes.Equal(expected, actual) {
			return ErrDigestMismatch
		}
	}

	if recognized == 0 {
		return ErrUnsupportedDigest
	}

	return nil
}

// parseDigestEntry parses one "alg=:base64:" member of the Content-Digest
// dictionary.
func parseDigestEntry(entry string) (DigestAlgorithm, string, bool) {
	algStr, value, ok := strings.Cut(entry, "=")
	if !ok {
		return "", "", false
	}

	alg := DigestAlgorithm(strings.TrimSpace(algStr))
	value = strings.TrimSpace(value)

	if len(value) < 2 || value[0] != ':' || value[len(value)-1] != ':' {
		return "", "", false
	}

	switch alg {
	case DigestSHA256, DigestSHA512:
		return alg, value[1 : len(value)-1], true
	}

	return "", "", false
}

func computeDigest(data []byte, alg DigestAlgorithm) ([]byte, error) {
	switch alg {
	case DigestSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil

	case DigestSHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, alg)
}

// readAndRestoreBody drains the request body and swaps in a fresh reader
// so downstream consumers still see the full body.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	return body, nil
}
