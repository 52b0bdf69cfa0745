// Package registry is the client for the remote registration and
// verification service. The server is consumed as a black box: three
// JSON endpoints, no retry policy, no transport opinions beyond what
// the injected http.Client carries. Callers who want signed calls pass
// a client whose Transport is an httpsig.Transport.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
	"github.com/shiba4life/fold-db-sub003/pkg/models"
)

var (
	ErrBaseURLRequired = errors.New("registry: base url is required")
	ErrEmptyClientID   = errors.New("registry: client id is required")

	// ErrNotRegistered distinguishes "the server does not know this
	// client" from transport failures.
	ErrNotRegistered = errors.New("registry: client is not registered")
)

// Client talks to one registry server.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// Options configures a Client. Zero values mean http.DefaultClient and
// slog's default logger.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClient(baseURL string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q is not an http(s) url", ErrBaseURLRequired, baseURL)
	}

	c := &Client{
		baseURL: baseURL,
		http:    http.DefaultClient,
		log:     slog.Default(),
	}
	if opts.HTTPClient != nil {
		c.http = opts.HTTPClient
	}
	if opts.Logger != nil {
		c.log = opts.Logger
	}
	return c, nil
}

type registerRequest struct {
	ClientID  string            `json:"client_id"`
	PublicKey []byte            `json:"public_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type verifyRequest struct {
	ClientID  string `json:"client_id"`
	Message   []byte `json:"message"`
	Signature []byte `json:"signature"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

// Register submits the client's public key and returns the server's
// registration record.
func (c *Client) Register(ctx context.Context, clientID string, publicKey []byte, metadata map[string]string) (models.Registration, error) {
	if strings.TrimSpace(clientID) == "" {
		return models.Registration{}, ErrEmptyClientID
	}
	if len(publicKey) != keys.PublicKeySize {
		return models.Registration{}, keys.ErrInvalidPublicKey
	}

	var reg models.Registration
	err := c.postJSON(ctx, "/v1/register", registerRequest{
		ClientID:  clientID,
		PublicKey: publicKey,
		Metadata:  metadata,
	}, &reg)
	if err != nil {
		return models.Registration{}, err
	}
	c.log.Debug("registration submitted", "client_id", clientID, "status", reg.Status)
	return reg, nil
}

// Status fetches the server-side registration state for a client.
// Unknown clients return ErrNotRegistered.
func (c *Client) Status(ctx context.Context, clientID string) (models.RegistrationStatus, error) {
	if strings.TrimSpace(clientID) == "" {
		return models.RegistrationStatus{}, ErrEmptyClientID
	}

	var status models.RegistrationStatus
	if err := c.getJSON(ctx, "/v1/status/"+url.PathEscape(clientID), &status); err != nil {
		return models.RegistrationStatus{}, err
	}
	return status, nil
}

// Verify asks the server whether signature is valid for message under
// the client's registered key. A clean "no" is (false, nil); errors are
// transport or registration problems.
func (c *Client) Verify(ctx context.Context, clientID string, message, signature []byte) (bool, error) {
	if strings.TrimSpace(clientID) == "" {
		return false, ErrEmptyClientID
	}

	var resp verifyResponse
	err := c.postJSON(ctx, "/v1/verify", verifyRequest{
		ClientID:  clientID,
		Message:   message,
		Signature: signature,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Verified, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("registry: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) (retErr error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotRegistered
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("registry: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("registry: decode response: %w", err)
	}
	return nil
}
