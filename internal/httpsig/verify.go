package httpsig

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// Stage identifies one phase of the verification pipeline.
type Stage string

const (
	// StageExtract pulls the raw signature headers off the request.
	StageExtract Stage = "extract"

	// StageFormat checks that both headers are present and parseable.
	StageFormat Stage = "format"

	// StageComponent checks that every referenced component identifier is
	// well-formed.
	StageComponent Stage = "component"

	// StageCrypto rebuilds the canonical message and checks the signature
	// against the registered public key.
	StageCrypto Stage = "crypto"

	// StagePolicy applies the named policy: required components, timing
	// rules, nonce rules.
	StagePolicy Stage = "policy"

	// StageDecision is the terminal stage of a fully verified request.
	StageDecision Stage = "decision"
)

// StageTiming records how long one pipeline stage ran.
type StageTiming struct {
	Stage    Stage
	Duration time.Duration
}

// Result is the structured outcome of one verification attempt. Malformed
// input is an invalid Result, not an error; VerifyRequest only errors when
// the request carries no signature headers at all.
type Result struct {
	// Valid is the final decision.
	Valid bool

	// Stage names the pipeline stage that decided: the failing stage for
	// invalid results, StageDecision for valid ones.
	Stage Stage

	// Reason describes the failure; empty when Valid.
	Reason string

	// Label, KeyID, Algorithm, Created, Nonce, and Components echo the
	// parsed signature once the format stage has succeeded.
	Label      string
	KeyID      string
	Algorithm  Algorithm
	Created    time.Time
	Nonce      string
	Components []string

	// Missing and Extra come from the policy stage: required components
	// absent from the covered set, and covered components beyond it.
	// Both are recorded independent of cryptographic validity.
	Missing []string
	Extra   []string

	// Timings is the per-stage performance breakdown in pipeline order;
	// Elapsed is the total. The whole pipeline is budgeted at single-digit
	// milliseconds per request.
	Timings []StageTiming
	Elapsed time.Duration
}

// VerifierOptions configures optional Verifier behavior.
type VerifierOptions struct {
	// Policy is the acceptance rule set. Defaults to StandardPolicy.
	Policy Policy

	// Label selects which signature to verify when a request carries
	// several. Empty means the first one found.
	Label string

	// Nonces enables replay tracking when set.
	Nonces *NonceCache

	// Metrics publishes per-stage timings and decisions when set.
	Metrics *Metrics

	// Clock overrides the time source for policy timing rules.
	Clock func() time.Time
}

// Verifier checks HTTP request signatures against a directory of trusted
// public keys and a named policy. It holds no private key material.
type Verifier struct {
	keys    *KeyDirectory
	policy  Policy
	label   string
	nonces  *NonceCache
	metrics *Metrics
	now     func() time.Time
}

// NewVerifier returns a Verifier over the given key directory.
func NewVerifier(directory *KeyDirectory, opts *VerifierOptions) (*Verifier, error) {
	if directory == nil {
		return nil, ErrNoKeyDirectory
	}

	v := &Verifier{
		keys:   directory,
		policy: StandardPolicy(),
		now:    time.Now,
	}

	if opts != nil {
		if opts.Policy.Name != "" {
			v.policy = opts.Policy
		}

		v.label = opts.Label
		v.nonces = opts.Nonces
		v.metrics = opts.Metrics

		if opts.Clock != nil {
			v.now = opts.Clock
		}
	}

	return v, nil
}

// Policy returns the verifier's acceptance rule set.
func (v *Verifier) Policy() Policy { return v.policy }

// VerifyRequest runs the verification pipeline over the request:
// Extract, FormatCheck, ComponentCheck, CryptoCheck, PolicyCheck,
// Decision. Every malformed or failing input yields an invalid Result
// with the deciding stage and reason recorded; the only error return is
// ErrNoSignatureHeaders when both signature headers are absent.
func (v *Verifier) VerifyRequest(r *http.Request) (*Result, error) {
	res := &Result{}
	start := time.Now()
	stageStart := start

	mark := func(stage Stage) {
		now := time.Now()
		res.Timings = append(res.Timings, StageTiming{Stage: stage, Duration: now.Sub(stageStart)})
		stageStart = now
	}

	fail := func(stage Stage, reason string) (*Result, error) {
		mark(stage)
		res.Stage = stage
		res.Reason = reason
		res.Elapsed = time.Since(start)
		v.observe(res)

		return res, nil
	}

	// Extract.
	sigInputHeader := r.Header.Get("Signature-Input")
	sigHeader := r.Header.Get("Signature")
	if sigInputHeader == "" && sigHeader == "" {
		return nil, ErrNoSignatureHeaders
	}
	mark(StageExtract)

	// FormatCheck.
	if sigInputHeader == "" || sigHeader == "" {
		return fail(StageFormat, "signature headers incomplete: need both signature and signature-input")
	}

	label, rawParams, found := findDictMember(sigInputHeader, v.label)
	if !found {
		return fail(StageFormat, fmt.Sprintf("no signature-input member for label %q", v.label))
	}
	res.Label = label

	params, err := parseParams(rawParams)
	if err != nil {
		return fail(StageFormat, err.Error())
	}
	res.KeyID = params.KeyID
	res.Algorithm = params.Algorithm
	res.Created = params.Created
	res.Nonce = params.Nonce
	res.Components = params.Components

	_, rawSig, found := findDictMember(sigHeader, label)
	if !found {
		return fail(StageFormat, fmt.Sprintf("no signature member for label %q", label))
	}

	sig, err := decodeByteSequence(rawSig)
	if err != nil {
		return fail(StageFormat, err.Error())
	}
	mark(StageFormat)

	// ComponentCheck.
	for _, id := range params.Components {
		if issue := componentIssue(id); issue != "" {
			return fail(StageComponent, issue)
		}
	}
	mark(StageComponent)

	// CryptoCheck.
	if params.Algorithm != AlgorithmEd25519 {
		return fail(StageCrypto, fmt.Sprintf("unsupported algorithm %q", params.Algorithm))
	}

	public, known := v.keys.Lookup(params.KeyID)
	if !known {
		return fail(StageCrypto, fmt.Sprintf("unknown key id %q", params.KeyID))
	}

	base, err := BuildCanonicalMessage(r, params.Components, rawParams)
	if err != nil {
		return fail(StageCrypto, err.Error())
	}

	if slices.Contains(params.Components, ComponentContentDigest) {
		if err := VerifyContentDigest(r); err != nil {
			return fail(StageCrypto, err.Error())
		}
	}

	if !keys.Verify(sig, base, public) {
		return fail(StageCrypto, "signature does not match canonical message")
	}
	mark(StageCrypto)

	// PolicyCheck.
	missing, extra, violation := v.policy.Evaluate(params, v.now())
	res.Missing = missing
	res.Extra = extra

	if violation == "" && !v.nonces.Remember(params.KeyID, params.Nonce) {
		violation = "nonce replayed within uniqueness window"
	}

	if violation != "" {
		return fail(StagePolicy, violation)
	}
	mark(StagePolicy)

	// Decision.
	res.Valid = true
	res.Stage = StageDecision
	mark(StageDecision)
	res.Elapsed = time.Since(start)
	v.observe(res)

	return res, nil
}

func (v *Verifier) observe(res *Result) {
	if v.metrics == nil {
		return
	}

	v.metrics.ObserveVerification(res)
}
