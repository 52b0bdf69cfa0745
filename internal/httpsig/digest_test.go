package httpsig

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentDigest(t *testing.T) {
	t.Run("set then verify round trip", func(t *testing.T) {
		for _, alg := range []DigestAlgorithm{DigestSHA256, DigestSHA512} {
			req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))

			require.NoError(t, SetContentDigest(req, alg))
			assert.Contains(t, req.Header.Get("Content-Digest"), string(alg)+"=:")
			assert.NoError(t, VerifyContentDigest(req))

			// Body still readable after both passes.
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(body))
		}
	})

	t.Run("tampered body mismatches", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))
		require.NoError(t, SetContentDigest(req, DigestSHA256))

		req.Body = io.NopCloser(strings.NewReader("goodbye"))

		assert.ErrorIs(t, VerifyContentDigest(req), ErrDigestMismatch)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))
		assert.ErrorIs(t, VerifyContentDigest(req), ErrDigestNotFound)
	})

	t.Run("unknown algorithms only", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))
		req.Header.Set("Content-Digest", "md5=:AAAA:")

		assert.ErrorIs(t, VerifyContentDigest(req), ErrUnsupportedDigest)
	})

	t.Run("unsupported digest on set", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))
		assert.ErrorIs(t, SetContentDigest(req, DigestAlgorithm("md5")), ErrUnsupportedDigest)
	})

	t.Run("every recognized entry must match", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))
		require.NoError(t, SetContentDigest(req, DigestSHA256))
		good := req.Header.Get("Content-Digest")

		// A second, wrong entry alongside the good one fails verification.
		req.Header.Set("Content-Digest", good+", sha-512=:AAAABBBB:")

		assert.ErrorIs(t, VerifyContentDigest(req), ErrDigestMismatch)
	})

	t.Run("unknown entries alongside a good one are ignored", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))
		require.NoError(t, SetContentDigest(req, DigestSHA256))
		good := req.Header.Get("Content-Digest")

		req.Header.Set("Content-Digest", "md5=:AAAA:, "+good)

		assert.NoError(t, VerifyContentDigest(req))
	})

	t.Run("invalid base64 in digest value", func(t *testing.T) {
		req := httptest.NewRequest("POST", "https://example.com/", strings.NewReader("hello"))
		req.Header.Set("Content-Digest", "sha-256=:!!!:")

		assert.ErrorIs(t, VerifyContentDigest(req), ErrMalformedHeader)
	})

	t.Run("empty body digests fine", func(t *testing.T) {
		req := httptest.NewRequest("GET", "https://example.com/", nil)
		require.NoError(t, SetContentDigest(req, DigestSHA256))
		assert.NoError(t, VerifyContentDigest(req))
	})
}
