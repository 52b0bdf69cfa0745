package httpsig

import (
	"fmt"
	"slices"
	"time"
)

// Named policy presets.
const (
	PolicyStrict   = "strict"
	PolicyStandard = "standard"
	PolicyLenient  = "lenient"
)

// Policy is a named acceptance rule set applied after cryptographic
// verification: which components must be covered, how old a signature may
// be, and whether a nonce is required. A cryptographically valid
// signature that misses the policy is still rejected.
type Policy struct {
	// Name identifies the policy in results and logs.
	Name string

	// RequiredComponents must all appear among the covered components.
	RequiredComponents []string

	// MaxAge bounds how old the created timestamp may be. Zero disables
	// the age check; non-zero makes the created parameter mandatory.
	MaxAge time.Duration

	// ClockSkew tolerates created timestamps this far in the future.
	ClockSkew time.Duration

	// RequireNonce makes the nonce parameter mandatory.
	RequireNonce bool
}

// StrictPolicy covers the request line, target and body and keeps the
// replay window tight.
func StrictPolicy() Policy {
	return Policy{
		Name: PolicyStrict,
		RequiredComponents: []string{
			ComponentMethod, ComponentAuthority, ComponentPath, ComponentContentDigest,
		},
		MaxAge:       2 * time.Minute,
		ClockSkew:    30 * time.Second,
		RequireNonce: true,
	}
}

// StandardPolicy is the default: request line and target covered, a
// moderate freshness window, nonces required.
func StandardPolicy() Policy {
	return Policy{
		Name: PolicyStandard,
		RequiredComponents: []string{
			ComponentMethod, ComponentAuthority, ComponentPath,
		},
		MaxAge:       5 * time.Minute,
		ClockSkew:    time.Minute,
		RequireNonce: true,
	}
}

// LenientPolicy accepts minimal coverage and long-lived signatures, for
// peers that cannot produce richer signatures.
func LenientPolicy() Policy {
	return Policy{
		Name:               PolicyLenient,
		RequiredComponents: []string{ComponentMethod},
		MaxAge:             15 * time.Minute,
		ClockSkew:          2 * time.Minute,
		RequireNonce:       false,
	}
}

// PolicyByName resolves a named preset.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case PolicyStrict:
		return StrictPolicy(), nil
	case PolicyStandard:
		return StandardPolicy(), nil
	case PolicyLenient:
		return LenientPolicy(), nil
	}

	return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// Evaluate checks the parsed signature parameters against the policy.
// missing lists required components absent from the covered set and extra
// lists covered components beyond it; both are reported even when the
// policy is otherwise satisfied. violation names the first broken rule,
// or "" when the policy passes.
func (p Policy) Evaluate(params Params, now time.Time) (missing, extra []string, violation string) {
	for _, req := range p.RequiredComponents {
		if !slices.Contains(params.Components, req) {
			missing = append(missing, req)
		}
	}

	for _, covered := range params.Components {
		if !slices.Contains(p.RequiredComponents, covered) {
			extra = append(extra, covered)
		}
	}

	switch {
	case len(missing) > 0:
		violation = fmt.Sprintf("required components not covered: %v", missing)

	case p.MaxAge > 0 && params.Created.IsZero():
		violation = "created parameter required"

	case !params.Created.IsZero() && params.Created.After(now.Add(p.ClockSkew)):
		violation = "created timestamp is in the future"

	case p.MaxAge > 0 && now.Sub(params.Created) > p.MaxAge:
		violation = "signature exceeds maximum age"

	case !params.Expires.IsZero() && now.After(params.Expires):
		violation = "signature expired"

	case p.RequireNonce && params.Nonce == "":
		violation = "nonce parameter required"
	}

	return missing, extra, violation
}
