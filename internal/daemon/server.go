package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiba4life/fold-db-sub003/internal/backup"
	"github.com/shiba4life/fold-db-sub003/internal/httpsig"
	"github.com/shiba4life/fold-db-sub003/internal/keys"
	"github.com/shiba4life/fold-db-sub003/internal/platform/ratelimiter"
	"github.com/shiba4life/fold-db-sub003/internal/registry"
	"github.com/shiba4life/fold-db-sub003/internal/rotation"
)

// DefaultListenAddr is the loopback address the daemon binds when the
// config does not name one.
const DefaultListenAddr = "127.0.0.1:8750"

const maxBodyBytes int64 = 1 << 20 // 1 MiB

// Server exposes the Service over a localhost HTTP surface. All state
// lives in the Service; the server owns only transport concerns:
// routing, decoding, rate limiting, shutdown.
type Server struct {
	httpServer *http.Server
	service    *Service
	limiter    *ratelimiter.MapLimiter
	log        *slog.Logger
}

// ServerOptions wires a Server. Service is required. A nil Limiter
// disables rate limiting; a nil Logger falls back to slog's default.
type ServerOptions struct {
	Addr    string
	Service *Service
	Limiter *ratelimiter.MapLimiter
	Logger  *slog.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("daemon: service is required")
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultListenAddr
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service: opts.Service,
		limiter: opts.Limiter,
		log:     log,
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/keys", s.handleKeys)
	mux.HandleFunc("/v1/keys/versions", s.handleKeyVersions)
	mux.HandleFunc("/v1/keys/rotate", s.handleRotate)
	mux.HandleFunc("/v1/keys/cleanup", s.handleCleanup)
	mux.HandleFunc("/v1/keys/export", s.handleExport)
	mux.HandleFunc("/v1/keys/import", s.handleImport)
	mux.HandleFunc("/v1/sign", s.handleSign)
	mux.HandleFunc("/v1/verify", s.handleVerify)
	mux.HandleFunc("/v1/inspect", s.handleInspect)
	mux.HandleFunc("/v1/trust", s.handleTrust)
	mux.HandleFunc("/v1/register", s.handleRegister)
	mux.HandleFunc("/v1/register/status", s.handleRegisterStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return s, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the daemon's HTTP handler, for tests that want to
// drive it without a listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully with a
// five second drain window.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.log.Info("daemon listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createKeyRequest struct {
	KeyID      string            `json:"key_id"`
	Passphrase string            `json:"passphrase"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		summaries, err := s.service.ListKeys(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	case http.MethodPost:
		var req createKeyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		summary, err := s.service.CreateKey(r.Context(), req.KeyID, req.Passphrase, req.Metadata)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, summary)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleKeyVersions(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keyID := strings.TrimSpace(r.URL.Query().Get("key_id"))
	if keyID == "" {
		http.Error(w, "key_id query parameter is required", http.StatusBadRequest)
		return
	}
	versions, err := s.service.KeyVersions(r.Context(), keyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type rotateKeyRequest struct {
	KeyID          string            `json:"key_id"`
	Passphrase     string            `json:"passphrase"`
	Reason         string            `json:"reason,omitempty"`
	KeepOldVersion bool              `json:"keep_old_version,omitempty"`
	NewPassphrase  string            `json:"new_passphrase,omitempty"`
	Emergency      bool              `json:"emergency,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rotateKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := s.service.RotateKey(r.Context(), req.KeyID, req.Passphrase, RotateParams{
		Reason:         req.Reason,
		KeepOldVersion: req.KeepOldVersion,
		NewPassphrase:  req.NewPassphrase,
		Emergency:      req.Emergency,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type cleanupRequest struct {
	KeyID      string `json:"key_id"`
	Passphrase string `json:"passphrase"`
	Keep       int    `json:"keep"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cleanupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	removed, err := s.service.CleanupKey(r.Context(), req.KeyID, req.Passphrase, req.Keep)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type exportKeyRequest struct {
	KeyID            string `json:"key_id"`
	Passphrase       string `json:"passphrase"`
	BackupPassphrase string `json:"backup_passphrase"`
	KDF              string `json:"kdf,omitempty"`
	Encryption       string `json:"encryption,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req exportKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.service.ExportKey(r.Context(), req.KeyID, req.Passphrase, req.BackupPassphrase, backup.Options{
		KDF:        backup.KDF(req.KDF),
		Encryption: backup.Cipher(req.Encryption),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type importKeyRequest struct {
	KeyID            string         `json:"key_id"`
	Passphrase       string         `json:"passphrase"`
	BackupPassphrase string         `json:"backup_passphrase"`
	Record           *backup.Record `json:"record"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req importKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Record == nil {
		http.Error(w, "record is required", http.StatusBadRequest)
		return
	}
	summary, err := s.service.ImportKey(r.Context(), req.KeyID, req.Passphrase, req.BackupPassphrase, req.Record)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// requestDescriptor is the JSON shape of an HTTP request rebuilt for
// signing, verification, or inspection. The daemon never proxies the
// request anywhere; it only computes or checks signature headers for it.
type requestDescriptor struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

func (d requestDescriptor) build() (*http.Request, error) {
	method := d.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(d.Body) > 0 {
		body = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequest(method, d.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

type signRequest struct {
	KeyID      string            `json:"key_id"`
	Passphrase string            `json:"passphrase"`
	Request    requestDescriptor `json:"request"`
	Label      string            `json:"label,omitempty"`
	Components []string          `json:"components,omitempty"`
	Digest     string            `json:"digest,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := req.Request.build()
	if err != nil {
		http.Error(w, "invalid request descriptor", http.StatusBadRequest)
		return
	}
	headers, err := s.service.Sign(r.Context(), req.KeyID, req.Passphrase, target, SignOptions{
		Label:      req.Label,
		Components: req.Components,
		Digest:     httpsig.DigestAlgorithm(req.Digest),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, headers)
}

type verifyRequest struct {
	Request requestDescriptor `json:"request"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := req.Request.build()
	if err != nil {
		http.Error(w, "invalid request descriptor", http.StatusBadRequest)
		return
	}
	outcome, err := s.service.Verify(target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := req.Request.build()
	if err != nil {
		http.Error(w, "invalid request descriptor", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Inspect(target))
}

type trustRequest struct {
	KeyID     string `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string][]string{"key_ids": s.service.TrustedKeys()})
	case http.MethodPost:
		var req trustRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.service.TrustKey(req.KeyID, req.PublicKey); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"key_id": req.KeyID})
	case http.MethodDelete:
		keyID := strings.TrimSpace(r.URL.Query().Get("key_id"))
		if keyID == "" {
			http.Error(w, "key_id query parameter is required", http.StatusBadRequest)
			return
		}
		s.service.RevokeTrust(keyID)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type registerKeyRequest struct {
	KeyID      string            `json:"key_id"`
	Passphrase string            `json:"passphrase"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reg, err := s.service.RegisterKey(r.Context(), req.KeyID, req.Passphrase, req.Metadata)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleRegisterStatus(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keyID := strings.TrimSpace(r.URL.Query().Get("key_id"))
	if keyID == "" {
		http.Error(w, "key_id query parameter is required", http.StatusBadRequest)
		return
	}
	status, err := s.service.RegistrationStatus(r.Context(), keyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// admit applies the per-client rate limit. The limiter key is the
// remote host so one chatty client cannot starve the rest of the
// loopback surface.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.Allow(clientKey(r), time.Now()) {
		return true
	}
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

func clientKey(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil || strings.TrimSpace(host) == "" {
		return "ip:" + remote
	}
	return "ip:" + host
}

// fail maps engine errors onto HTTP statuses. Error text passes through
// untouched: the engines already keep oracle-sensitive detail out of
// their messages.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "status", status, "error", err.Error())
	}
	http.Error(w, err.Error(), status)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, rotation.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, rotation.ErrKeyNotFound), errors.Is(err, registry.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, rotation.ErrPassphraseInvalid):
		return http.StatusForbidden
	case errors.Is(err, ErrNoRegistry):
		return http.StatusNotImplemented
	case errors.Is(err, rotation.ErrInvalidKeyID),
		errors.Is(err, rotation.ErrInvalidKeyMaterial),
		errors.Is(err, backup.ErrWeakPassphrase),
		errors.Is(err, backup.ErrImport),
		errors.Is(err, backup.ErrUnsupportedKDF),
		errors.Is(err, backup.ErrUnsupportedCipher),
		errors.Is(err, keys.ErrInvalidPublicKey),
		errors.Is(err, httpsig.ErrEmptyKeyID),
		errors.Is(err, httpsig.ErrUnknownComponent),
		errors.Is(err, httpsig.ErrMissingComponent),
		errors.Is(err, httpsig.ErrNoSignatureHeaders):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
