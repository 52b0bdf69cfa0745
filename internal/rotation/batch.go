package rotation

import "context"

// RotateRequest names one key to rotate in a batch.
type RotateRequest struct {
	KeyID      string
	Passphrase string
	Options    RotateOptions
}

// RotateResult is the per-key outcome of a batch rotation. Either
// Identity or Err is set.
type RotateResult struct {
	KeyID    string
	Identity *VersionedKeyIdentity
	Err      error
}

// RotateMany rotates each key independently. A failure on one key never
// stops the others; callers inspect the per-key results.
func (m *Manager) RotateMany(ctx context.Context, requests []RotateRequest) []RotateResult {
	results := make([]RotateResult, 0, len(requests))
	for _, req := range requests {
		id, err := m.RotateKey(ctx, req.KeyID, req.Passphrase, req.Options)
		results = append(results, RotateResult{KeyID: req.KeyID, Identity: id, Err: err})
	}
	return results
}
