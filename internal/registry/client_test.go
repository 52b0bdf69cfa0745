package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiba4life/fold-db-sub003/internal/httpsig"
	"github.com/shiba4life/fold-db-sub003/internal/keys"
	"github.com/shiba4life/fold-db-sub003/pkg/models"
)

func testKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()

	kp, err := keys.Generate(bytes.Repeat([]byte{0x5a}, keys.SeedSize))
	require.NoError(t, err)
	return kp
}

func TestNewClient(t *testing.T) {
	t.Run("rejects missing url", func(t *testing.T) {
		_, err := NewClient("", Options{})
		assert.ErrorIs(t, err, ErrBaseURLRequired)

		_, err = NewClient("   ", Options{})
		assert.ErrorIs(t, err, ErrBaseURLRequired)
	})

	t.Run("rejects non-http urls", func(t *testing.T) {
		_, err := NewClient("ftp://registry.example.com", Options{})
		assert.ErrorIs(t, err, ErrBaseURLRequired)

		_, err = NewClient("not a url", Options{})
		assert.ErrorIs(t, err, ErrBaseURLRequired)
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		c, err := NewClient("https://registry.example.com/", Options{})
		require.NoError(t, err)
		assert.Equal(t, "https://registry.example.com", c.baseURL)
	})
}

func TestRegister(t *testing.T) {
	kp := testKeyPair(t)

	t.Run("submits public key and decodes registration", func(t *testing.T) {
		var got registerRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/register", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			_ = json.NewEncoder(w).Encode(models.Registration{RegistrationID: "reg-42", Status: "pending"})
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL, Options{})
		require.NoError(t, err)

		reg, err := c.Register(context.Background(), "client-1", kp.Public, map[string]string{"env": "test"})
		require.NoError(t, err)

		assert.Equal(t, "reg-42", reg.RegistrationID)
		assert.Equal(t, "pending", reg.Status)
		assert.Equal(t, "client-1", got.ClientID)
		assert.Equal(t, kp.Public, got.PublicKey)
		assert.Equal(t, "test", got.Metadata["env"])
	})

	t.Run("rejects empty client id", func(t *testing.T) {
		c, err := NewClient("http://127.0.0.1:1", Options{})
		require.NoError(t, err)

		_, err = c.Register(context.Background(), "  ", kp.Public, nil)
		assert.ErrorIs(t, err, ErrEmptyClientID)
	})

	t.Run("rejects malformed public key", func(t *testing.T) {
		c, err := NewClient("http://127.0.0.1:1", Options{})
		require.NoError(t, err)

		_, err = c.Register(context.Background(), "client-1", kp.Public[:16], nil)
		assert.ErrorIs(t, err, keys.ErrInvalidPublicKey)
	})

	t.Run("surfaces server errors with status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL, Options{})
		require.NoError(t, err)

		_, err = c.Register(context.Background(), "client-1", kp.Public, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})
}

func TestStatus(t *testing.T) {
	kp := testKeyPair(t)

	t.Run("returns registration state", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/v1/status/client-1", r.URL.Path)

			_ = json.NewEncoder(w).Encode(models.RegistrationStatus{Status: "active", PublicKey: kp.Public})
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL, Options{})
		require.NoError(t, err)

		status, err := c.Status(context.Background(), "client-1")
		require.NoError(t, err)
		assert.Equal(t, "active", status.Status)
		assert.Equal(t, kp.Public, status.PublicKey)
	})

	t.Run("maps 404 to ErrNotRegistered", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL, Options{})
		require.NoError(t, err)

		_, err = c.Status(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("escapes client ids in the path", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/status/team%2Fkey", r.URL.EscapedPath())
			_ = json.NewEncoder(w).Encode(models.RegistrationStatus{Status: "active"})
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL, Options{})
		require.NoError(t, err)

		_, err = c.Status(context.Background(), "team/key")
		require.NoError(t, err)
	})
}

func TestVerify(t *testing.T) {
	kp := testKeyPair(t)
	message := []byte("attest this")
	sig, err := keys.Sign(message, kp.Private)
	require.NoError(t, err)

	t.Run("round-trips the server decision", func(t *testing.T) {
		var got verifyRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/verify", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			verified := keys.Verify(got.Signature, got.Message, kp.Public)
			_ = json.NewEncoder(w).Encode(verifyResponse{Verified: verified})
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL, Options{})
		require.NoError(t, err)

		ok, err := c.Verify(context.Background(), "client-1", message, sig)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.Verify(context.Background(), "client-1", []byte("different message"), sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects empty client id", func(t *testing.T) {
		c, err := NewClient("http://127.0.0.1:1", Options{})
		require.NoError(t, err)

		_, err = c.Verify(context.Background(), "", message, sig)
		assert.ErrorIs(t, err, ErrEmptyClientID)
	})
}

func TestSignedRegistryCalls(t *testing.T) {
	kp := testKeyPair(t)

	signer, err := httpsig.NewSigner("client-1", kp, nil)
	require.NoError(t, err)

	directory := httpsig.NewKeyDirectory()
	require.NoError(t, directory.Register("client-1", kp.Public))
	verifier, err := httpsig.NewVerifier(directory, nil)
	require.NoError(t, err)

	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := verifier.VerifyRequest(r)
		require.NoError(t, err)
		verified = res.Valid

		_ = json.NewEncoder(w).Encode(models.Registration{RegistrationID: "reg-1", Status: "active"})
	}))
	defer srv.Close()

	transport, err := httpsig.NewTransport(nil, signer)
	require.NoError(t, err)

	c, err := NewClient(srv.URL, Options{HTTPClient: &http.Client{Transport: transport}})
	require.NoError(t, err)

	reg, err := c.Register(context.Background(), "client-1", kp.Public, nil)
	require.NoError(t, err)
	assert.Equal(t, "reg-1", reg.RegistrationID)
	assert.True(t, verified, "registry call should carry a verifiable signature")
}
