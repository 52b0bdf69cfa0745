// Package daemon is the local control surface for the signing-key
// engine: an HTTP server over the key lifecycle (create, rotate,
// cleanup, export, import), request signing and verification, and the
// registry collaborator.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/shiba4life/fold-db-sub003/internal/backup"
	"github.com/shiba4life/fold-db-sub003/internal/httpsig"
	"github.com/shiba4life/fold-db-sub003/internal/keys"
	"github.com/shiba4life/fold-db-sub003/internal/registry"
	"github.com/shiba4life/fold-db-sub003/internal/rotation"
	"github.com/shiba4life/fold-db-sub003/pkg/models"
)

var (
	ErrNoManager  = errors.New("daemon: rotation manager is required")
	ErrNoRegistry = errors.New("daemon: no registry configured")
)

// Service glues the key lifecycle engine to the daemon surface. The
// verifier's key directory is fed by every create, rotate, and trust
// operation, so locally held identities are immediately verifiable.
type Service struct {
	manager   *rotation.Manager
	directory *httpsig.KeyDirectory
	verifier  *httpsig.Verifier
	registry  *registry.Client
	policy    httpsig.Policy
	log       *slog.Logger
	now       func() time.Time
}

// ServiceOptions wires a Service. Manager is required; everything else
// has working defaults (standard policy, default logger, wall clock,
// no registry).
type ServiceOptions struct {
	Manager  *rotation.Manager
	Registry *registry.Client
	Policy   httpsig.Policy
	Metrics  *httpsig.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Manager == nil {
		return nil, ErrNoManager
	}

	policy := opts.Policy
	if policy.Name == "" {
		policy = httpsig.StandardPolicy()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	directory := httpsig.NewKeyDirectory()
	verifier, err := httpsig.NewVerifier(directory, &httpsig.VerifierOptions{
		Policy:  policy,
		Nonces:  httpsig.NewNonceCache(0, 0),
		Metrics: opts.Metrics,
		Clock:   now,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		manager:   opts.Manager,
		directory: directory,
		verifier:  verifier,
		registry:  opts.Registry,
		policy:    policy,
		log:       log,
		now:       now,
	}, nil
}

// Policy returns the verification policy the service was built with.
func (s *Service) Policy() httpsig.Policy { return s.policy }

// CreateKey generates a fresh key pair and starts a versioned identity
// for it. The public half is registered with the local verifier.
func (s *Service) CreateKey(ctx context.Context, keyID, passphrase string, metadata map[string]string) (models.KeyIdentitySummary, error) {
	kp, err := keys.Generate(nil)
	if err != nil {
		return models.KeyIdentitySummary{}, err
	}
	defer keys.Clear(kp)

	id, err := s.manager.CreateVersionedKeyPair(ctx, keyID, kp, passphrase, metadata)
	if err != nil {
		return models.KeyIdentitySummary{}, err
	}
	defer wipeIdentity(id)

	if err := s.directory.Register(keyID, kp.Public); err != nil {
		return models.KeyIdentitySummary{}, err
	}
	return identitySummary(id), nil
}

// ListKeys summarizes every key identity the keystore knows about.
func (s *Service) ListKeys(ctx context.Context) ([]models.KeyIdentitySummary, error) {
	ids, err := s.manager.ListKeyIdentities(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.KeyIdentitySummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, identitySummary(id))
		wipeIdentity(id)
	}
	return out, nil
}

// KeyVersions lists the version history for one key. Unknown keys
// return an empty slice, matching the manager's read semantics.
func (s *Service) KeyVersions(ctx context.Context, keyID string) ([]models.KeyVersionSummary, error) {
	recs, err := s.manager.ListKeyVersions(ctx, keyID)
	if err != nil {
		return nil, err
	}

	out := make([]models.KeyVersionSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, versionSummary(rec))
		keys.Clear(rec.KeyPair)
	}
	return out, nil
}

// RotateParams tunes one rotation through the daemon surface.
type RotateParams struct {
	Reason         string
	KeepOldVersion bool
	NewPassphrase  string
	Emergency      bool
	Metadata       map[string]string
}

// RotateKey advances the identity to a new active version and points
// the local verifier at the new public key.
func (s *Service) RotateKey(ctx context.Context, keyID, passphrase string, params RotateParams) (models.KeyIdentitySummary, error) {
	var (
		id  *rotation.VersionedKeyIdentity
		err error
	)
	if params.Emergency {
		id, err = s.manager.EmergencyRotate(ctx, keyID, passphrase, params.Reason, params.NewPassphrase)
	} else {
		id, err = s.manager.RotateKey(ctx, keyID, passphrase, rotation.RotateOptions{
			Reason:         params.Reason,
			KeepOldVersion: params.KeepOldVersion,
			Metadata:       params.Metadata,
			NewPassphrase:  params.NewPassphrase,
		})
	}
	if err != nil {
		return models.KeyIdentitySummary{}, err
	}
	defer wipeIdentity(id)

	if active := id.ActiveRecord(); active != nil && active.KeyPair != nil {
		if err := s.directory.Register(keyID, active.KeyPair.Public); err != nil {
			return models.KeyIdentitySummary{}, err
		}
	}
	return identitySummary(id), nil
}

// CleanupKey removes the oldest retired versions beyond keep.
func (s *Service) CleanupKey(ctx context.Context, keyID, passphrase string, keep int) (int, error) {
	return s.manager.CleanupOldVersions(ctx, keyID, passphrase, keep)
}

// SignOptions selects the signature shape for one signing call.
type SignOptions struct {
	Label      string
	Components []string
	Digest     httpsig.DigestAlgorithm
}

// Sign signs the rebuilt request with the key's active version and
// returns the produced header values.
func (s *Service) Sign(ctx context.Context, keyID, passphrase string, r *http.Request, opts SignOptions) (models.SignatureHeaders, error) {
	kp, version, err := s.manager.ActiveKeyPair(ctx, keyID, passphrase)
	if err != nil {
		return models.SignatureHeaders{}, err
	}
	defer keys.Clear(kp)

	signer, err := httpsig.NewSigner(keyID, kp, &httpsig.SignerOptions{
		Label:             opts.Label,
		CoveredComponents: opts.Components,
		DigestAlgorithm:   opts.Digest,
		Clock:             s.now,
	})
	if err != nil {
		return models.SignatureHeaders{}, err
	}

	res, err := signer.SignRequest(r)
	if err != nil {
		return models.SignatureHeaders{}, err
	}

	headers := res.Headers
	if digest := r.Header.Get("Content-Digest"); digest != "" {
		headers["Content-Digest"] = digest
	}

	s.log.Info("request signed", "key_id", keyID, "key_version", version)
	return models.SignatureHeaders{
		Signature:      headers["Signature"],
		SignatureInput: headers["Signature-Input"],
		Headers:        headers,
	}, nil
}

// Verify runs the verification pipeline over a rebuilt request. The
// outcome is data, not an error; the only error is a request carrying
// no signature headers at all.
func (s *Service) Verify(r *http.Request) (models.VerificationOutcome, error) {
	res, err := s.verifier.VerifyRequest(r)
	if err != nil {
		return models.VerificationOutcome{}, err
	}
	return verificationOutcome(res), nil
}

// Inspect renders the verdict-free diagnostic report for a rebuilt
// request.
func (s *Service) Inspect(r *http.Request) models.InspectionReport {
	return inspectionReport(httpsig.InspectRequest(r))
}

// TrustKey registers a peer's public key with the local verifier.
func (s *Service) TrustKey(keyID string, public []byte) error {
	if err := s.directory.Register(keyID, public); err != nil {
		return err
	}
	s.log.Info("peer key trusted", "key_id", keyID)
	return nil
}

// TrustedKeys lists the key ids the verifier currently accepts.
func (s *Service) TrustedKeys() []string {
	return s.directory.KeyIDs()
}

// RevokeTrust removes a key id from the verifier's directory.
func (s *Service) RevokeTrust(keyID string) {
	s.directory.Remove(keyID)
	s.log.Info("peer key trust revoked", "key_id", keyID)
}

// RegisterKey submits the key's active public half to the registry.
func (s *Service) RegisterKey(ctx context.Context, keyID, passphrase string, metadata map[string]string) (models.Registration, error) {
	if s.registry == nil {
		return models.Registration{}, ErrNoRegistry
	}

	kp, _, err := s.manager.ActiveKeyPair(ctx, keyID, passphrase)
	if err != nil {
		return models.Registration{}, err
	}
	defer keys.Clear(kp)

	return s.registry.Register(ctx, keyID, kp.Public, metadata)
}

// RegistrationStatus fetches the registry's view of one key.
func (s *Service) RegistrationStatus(ctx context.Context, keyID string) (models.RegistrationStatus, error) {
	if s.registry == nil {
		return models.RegistrationStatus{}, ErrNoRegistry
	}
	return s.registry.Status(ctx, keyID)
}

// ExportKey encrypts the key's active version into a portable backup
// record under its own passphrase.
func (s *Service) ExportKey(ctx context.Context, keyID, passphrase, backupPassphrase string, opts backup.Options) (*backup.Record, error) {
	kp, version, err := s.manager.ActiveKeyPair(ctx, keyID, passphrase)
	if err != nil {
		return nil, err
	}
	defer keys.Clear(kp)

	if opts.Metadata == nil {
		opts.Metadata = make(map[string]string, 2)
	}
	opts.Metadata["key_id"] = keyID
	opts.Metadata["key_version"] = strconv.Itoa(version)

	rec, err := backup.Export(kp, backupPassphrase, opts)
	if err != nil {
		return nil, err
	}
	s.log.Info("key exported", "key_id", keyID, "key_version", version)
	return rec, nil
}

// ImportKey decrypts a backup record and starts a fresh identity from
// its key material.
func (s *Service) ImportKey(ctx context.Context, keyID, passphrase, backupPassphrase string, rec *backup.Record) (models.KeyIdentitySummary, error) {
	kp, metadata, err := backup.Import(rec, backupPassphrase, backup.ImportOptions{})
	if err != nil {
		return models.KeyIdentitySummary{}, err
	}
	defer keys.Clear(kp)

	delete(metadata, "key_id")
	delete(metadata, "key_version")
	if len(metadata) == 0 {
		metadata = nil
	}

	id, err := s.manager.CreateVersionedKeyPair(ctx, keyID, kp, passphrase, metadata)
	if err != nil {
		return models.KeyIdentitySummary{}, err
	}
	defer wipeIdentity(id)

	if err := s.directory.Register(keyID, kp.Public); err != nil {
		return models.KeyIdentitySummary{}, err
	}
	s.log.Info("key imported", "key_id", keyID)
	return identitySummary(id), nil
}

func identitySummary(id *rotation.VersionedKeyIdentity) models.KeyIdentitySummary {
	out := models.KeyIdentitySummary{
		KeyID:          id.KeyID,
		CurrentVersion: id.CurrentVersion,
		CreatedAt:      id.CreatedAt,
		UpdatedAt:      id.UpdatedAt,
	}

	versions := make([]int, 0, len(id.Versions))
	for v := range id.Versions {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	for _, v := range versions {
		out.Versions = append(out.Versions, versionSummary(id.Versions[v]))
	}
	return out
}

func versionSummary(rec *rotation.KeyVersionRecord) models.KeyVersionSummary {
	out := models.KeyVersionSummary{
		Version:   rec.Version,
		State:     string(rec.State),
		Reason:    rec.Reason,
		CreatedAt: rec.CreatedAt,
	}
	if rec.KeyPair != nil {
		out.PublicKey = append([]byte(nil), rec.KeyPair.Public...)
		if fp, err := keys.Fingerprint(rec.KeyPair.Public); err == nil {
			out.Fingerprint = fp
		}
	}
	return out
}

// wipeIdentity clears the private material in a manager-returned copy
// once the public summary has been taken from it.
func wipeIdentity(id *rotation.VersionedKeyIdentity) {
	if id == nil {
		return
	}
	for _, rec := range id.Versions {
		keys.Clear(rec.KeyPair)
	}
}

func verificationOutcome(res *httpsig.Result) models.VerificationOutcome {
	out := models.VerificationOutcome{
		Valid:     res.Valid,
		Stage:     string(res.Stage),
		Reason:    res.Reason,
		KeyID:     res.KeyID,
		Algorithm: res.Algorithm.String(),
		Missing:   res.Missing,
		Extra:     res.Extra,
		ElapsedUs: res.Elapsed.Microseconds(),
	}
	if len(res.Timings) > 0 {
		out.StageMicros = make(map[string]int64, len(res.Timings))
		for _, t := range res.Timings {
			out.StageMicros[string(t.Stage)] = t.Duration.Microseconds()
		}
	}
	return out
}

func inspectionReport(rep httpsig.Report) models.InspectionReport {
	out := models.InspectionReport{Issues: rep.Issues}
	for _, sig := range rep.Signatures {
		entry := models.SignatureInspection{
			Label:         sig.Label,
			KeyID:         sig.Params.KeyID,
			Algorithm:     sig.Params.Algorithm.String(),
			Nonce:         sig.Params.Nonce,
			HasSignature:  sig.HasSignature,
			SecurityLevel: string(sig.SecurityLevel),
			Issues:        sig.Issues,
		}
		if !sig.Params.Created.IsZero() {
			entry.Created = sig.Params.Created.Unix()
		}
		if !sig.Params.Expires.IsZero() {
			entry.Expires = sig.Params.Expires.Unix()
		}
		for _, comp := range sig.Components {
			entry.Components = append(entry.Components, models.ComponentInspection{
				ID:      comp.ID,
				Kind:    string(comp.Kind),
				Present: comp.Present,
				Issue:   comp.Issue,
			})
		}
		out.Signatures = append(out.Signatures, entry)
	}
	return out
}
