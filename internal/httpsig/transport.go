package httpsig

import "net/http"

// Transport is an http.RoundTripper that signs every outgoing request
// before delegating to a base transport. The caller's request is cloned
// first and never mutated.
type Transport struct {
	base   http.RoundTripper
	signer *Signer
}

// NewTransport wraps base with request signing. A nil base gets an
// independent clone of http.DefaultTransport, so proxy, TLS, and timeout
// settings can be tuned on the base without affecting other clients.
func NewTransport(base http.RoundTripper, signer *Signer) (*Transport, error) {
	if signer == nil {
		return nil, ErrNilSigner
	}

	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}

	return &Transport{base: base, signer: signer}, nil
}

// RoundTrip signs a clone of the request and sends it. When GetBody is
// available the clone gets its own body reader, so digest computation
// never consumes the caller's body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	if clone.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}

		clone.Body = body
	}

	if _, err := t.signer.SignRequest(clone); err != nil {
		return nil, err
	}

	return t.base.RoundTrip(clone)
}
