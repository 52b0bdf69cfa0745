package httpsig

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// SecurityLevel is the Inspector's qualitative strength assessment.
type SecurityLevel string

const (
	// SecurityHigh marks signatures covering method, target and body with
	// both freshness and replay protection.
	SecurityHigh SecurityLevel = "high"

	// SecurityMedium marks signatures covering the request line and
	// target with a freshness timestamp.
	SecurityMedium SecurityLevel = "medium"

	// SecurityLow marks everything weaker.
	SecurityLow SecurityLevel = "low"
)

// ComponentReport describes one covered component of an inspected
// signature.
type ComponentReport struct {
	// ID is the component identifier as it appears in the signature.
	ID string

	// Kind classifies the identifier as derived or header.
	Kind ComponentKind

	// Present reports whether the request actually carries the component.
	Present bool

	// Issue names a well-formedness problem with the identifier, empty
	// when none.
	Issue string
}

// SignatureReport describes a single signature found on a request.
type SignatureReport struct {
	// Label is the dictionary key of the signature.
	Label string

	// Params are the parsed signature parameters. Zero when the
	// parameters could not be parsed; see Issues.
	Params Params

	// HasSignature reports whether a matching member exists in the
	// Signature header.
	HasSignature bool

	// Components analyzes each covered component.
	Components []ComponentReport

	// Issues lists structural problems with this signature.
	Issues []string

	// SecurityLevel is a qualitative assessment of what the signature
	// protects, independent of whether it cryptographically verifies.
	SecurityLevel SecurityLevel
}

// Report is the Inspector's full diagnostic view of a request. It renders
// no pass/fail verdict; access-control decisions belong to the Verifier.
type Report struct {
	// Signatures describes every signature announced in Signature-Input.
	Signatures []SignatureReport

	// Issues lists request-level structural problems.
	Issues []string
}

// InspectRequest examines the signature headers of a request and reports
// what it finds: parsed parameters, per-component analysis, structural
// issues, and a qualitative security level per signature. It never judges
// validity and it never fails — a request without signatures simply
// yields a report saying so.
func InspectRequest(r *http.Request) Report {
	var report Report

	if r == nil {
		report.Issues = append(report.Issues, "no request")
		return report
	}

	sigInputHeader := r.Header.Get("Signature-Input")
	sigHeader := r.Header.Get("Signature")

	if sigInputHeader == "" && sigHeader == "" {
		report.Issues = append(report.Issues, "no signature headers present")
		return report
	}

	if sigInputHeader == "" {
		report.Issues = append(report.Issues, "signature header present but signature-input missing")
		return report
	}

	announced := make(map[string]bool)

	for _, entry := range splitQuoteAware(sigInputHeader, ',') {
		label, raw, ok := strings.Cut(entry, "=")
		if !ok {
			report.Issues = append(report.Issues, fmt.Sprintf("unparseable signature-input entry %q", entry))
			continue
		}

		label = strings.TrimSpace(label)
		announced[label] = true
		report.Signatures = append(report.Signatures, inspectSignature(r, label, strings.TrimSpace(raw), sigHeader))
	}

	// Signature members nobody announced.
	if sigHeader != "" {
		for _, entry := range splitQuoteAware(sigHeader, ',') {
			label, _, ok := strings.Cut(entry, "=")
			if !ok {
				continue
			}

			if label = strings.TrimSpace(label); !announced[label] {
				report.Issues = append(report.Issues, fmt.Sprintf("signature %q has no matching signature-input member", label))
			}
		}
	}

	return report
}

func inspectSignature(r *http.Request, label, rawParams, sigHeader string) SignatureReport {
	sig := SignatureReport{Label: label, SecurityLevel: SecurityLow}

	params, err := parseParams(rawParams)
	if err != nil {
		sig.Issues = append(sig.Issues, err.Error())
		return sig
	}
	sig.Params = params

	for _, id := range params.Components {
		sig.Components = append(sig.Components, ComponentReport{
			ID:      id,
			Kind:    componentKind(id),
			Present: componentPresent(r, id),
			Issue:   componentIssue(id),
		})
	}

	if _, rawSig, found := findDictMember(sigHeader, label); found {
		sig.HasSignature = true

		switch decoded, err := decodeByteSequence(rawSig); {
		case err != nil:
			sig.Issues = append(sig.Issues, "signature value is not a valid byte sequence")
		case len(decoded) != keys.SignatureSize:
			sig.Issues = append(sig.Issues, fmt.Sprintf("signature is %d bytes, ed25519 signatures are %d", len(decoded), keys.SignatureSize))
		}
	} else {
		sig.Issues = append(sig.Issues, "no matching member in signature header")
	}

	switch {
	case params.Created.IsZero():
		sig.Issues = append(sig.Issues, "no created timestamp; signature age cannot be judged")
	case params.Created.After(time.Now().Add(5 * time.Minute)):
		sig.Issues = append(sig.Issues, "created timestamp is in the future")
	}

	if params.Nonce == "" {
		sig.Issues = append(sig.Issues, "no nonce; replays cannot be detected")
	}

	if params.Algorithm != AlgorithmEd25519 {
		sig.Issues = append(sig.Issues, fmt.Sprintf("unrecognized algorithm %q", params.Algorithm))
	}

	sig.SecurityLevel = assessSecurity(params)

	return sig
}

// assessSecurity grades what the signature protects. High means the
// request line, target, and body are all covered with freshness and
// replay protection; medium means line and target with freshness; low is
// everything else.
func assessSecurity(params Params) SecurityLevel {
	covered := make(map[string]bool, len(params.Components))
	for _, id := range params.Components {
		covered[id] = true
	}

	coversMethod := covered[ComponentMethod]
	coversAuthority := covered[ComponentAuthority] || covered[ComponentTargetURI]
	coversPath := covered[ComponentPath] || covered[ComponentTargetURI] || covered[ComponentRequestTarget]
	coversTarget := coversMethod && coversAuthority && coversPath

	switch {
	case coversTarget && covered[ComponentContentDigest] && !params.Created.IsZero() && params.Nonce != "":
		return SecurityHigh

	case coversTarget && !params.Created.IsZero():
		return SecurityMedium
	}

	return SecurityLow
}
