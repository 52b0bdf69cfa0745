package httpsig

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransport(t *testing.T) {
	t.Run("nil signer rejected", func(t *testing.T) {
		_, err := NewTransport(nil, nil)
		assert.ErrorIs(t, err, ErrNilSigner)
	})
}

func TestTransportRoundTrip(t *testing.T) {
	kp := testKeyPair(t, 0x42)

	directory := NewKeyDirectory()
	require.NoError(t, directory.Register("client-1", kp.Public))

	verifier, err := NewVerifier(directory, nil)
	require.NoError(t, err)

	signer, err := NewSigner("client-1", kp, &SignerOptions{DigestAlgorithm: DigestSHA256})
	require.NoError(t, err)

	var serverResult *Result
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := verifier.VerifyRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		serverResult = res
		if !res.Valid {
			http.Error(w, res.Reason, http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport, err := NewTransport(nil, signer)
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	t.Run("signed request verifies server side", func(t *testing.T) {
		req, err := http.NewRequest("POST", server.URL+"/v1/items", bytes.NewReader([]byte(`{"n":1}`)))
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.NotNil(t, serverResult)
		assert.True(t, serverResult.Valid, serverResult.Reason)
		assert.Equal(t, "client-1", serverResult.KeyID)
	})

	t.Run("caller request is never mutated", func(t *testing.T) {
		req, err := http.NewRequest("POST", server.URL+"/v1/items", bytes.NewReader([]byte("payload")))
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		assert.Empty(t, req.Header.Get("Signature"))
		assert.Empty(t, req.Header.Get("Signature-Input"))
		assert.Empty(t, req.Header.Get("Content-Digest"))
	})

	t.Run("signing failure surfaces before the wire", func(t *testing.T) {
		strict, err := NewSigner("client-1", kp, &SignerOptions{
			CoveredComponents: []string{ComponentMethod, "x-required"},
		})
		require.NoError(t, err)

		failing, err := NewTransport(nil, strict)
		require.NoError(t, err)

		req, err := http.NewRequest("GET", server.URL+"/v1/items", nil)
		require.NoError(t, err)

		_, err = (&http.Client{Transport: failing}).Do(req)
		assert.ErrorIs(t, err, ErrMissingComponent)
	})
}
