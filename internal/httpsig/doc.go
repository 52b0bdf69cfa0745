// Package httpsig implements HTTP Message Signatures per RFC 9421 with
// Ed25519 keys, plus Content-Digest support per RFC 9530.
//
// It provides request signing (Signer, Transport), staged verification
// (Verifier), named acceptance policies, nonce replay tracking, and a
// diagnostic Inspector that reports on signatures without judging them.
//
// # Signing
//
// A Signer binds a key id and key pair and signs requests in place:
//
//	signer, err := httpsig.NewSigner("client-1", keyPair, nil)
//	if err != nil {
//	    return err
//	}
//
//	result, err := signer.SignRequest(req)
//
// Each signature covers an ordered component list plus a created
// timestamp and a random nonce, all bound into the canonical message
// through the trailing @signature-params component. Wrap an HTTP client
// with Transport to sign transparently:
//
//	client := &http.Client{Transport: transport}
//
// # Verification
//
// A Verifier runs a fixed pipeline over each request — extract, format
// check, component check, crypto check, policy check, decision — and
// returns a structured Result with the deciding stage, failure reason,
// policy component analysis, and per-stage timings. Malformed input is an
// invalid Result, not an error; only a request with no signature headers
// at all errors out:
//
//	verifier, err := httpsig.NewVerifier(directory, &httpsig.VerifierOptions{
//	    Policy: httpsig.StrictPolicy(),
//	    Nonces: httpsig.NewNonceCache(0, 0),
//	})
//
//	res, err := verifier.VerifyRequest(req)
//	if err != nil {
//	    // no signature headers at all
//	}
//	if !res.Valid {
//	    // res.Stage and res.Reason say what failed
//	}
//
// # Policies
//
// Three named presets grade acceptance: "strict", "standard", and
// "lenient", differing in required components, signature age bounds, and
// nonce rules. A cryptographically valid signature that misses the
// policy is still rejected.
//
// # Inspection
//
// InspectRequest produces a diagnostic report — parsed parameters,
// per-component presence, structural issues, and a qualitative security
// level — without ever rendering a pass/fail verdict.
package httpsig
