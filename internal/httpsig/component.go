package httpsig

import (
	"fmt"
	"net/http"
	"strings"
)

// Derived component identifiers per RFC 9421 Section 2.2.
const (
	ComponentMethod        = "@method"
	ComponentTargetURI     = "@target-uri"
	ComponentAuthority     = "@authority"
	ComponentScheme        = "@scheme"
	ComponentRequestTarget = "@request-target"
	ComponentPath          = "@path"
	ComponentQuery         = "@query"

	// ComponentSignatureParams terminates every canonical message; it is
	// never listed as a covered component itself.
	ComponentSignatureParams = "@signature-params"

	// ComponentContentDigest covers the RFC 9530 Content-Digest header.
	ComponentContentDigest = "content-digest"
)

// ComponentKind classifies a covered component identifier.
type ComponentKind string

const (
	// KindDerived marks @-prefixed pseudo-components resolved from the
	// request line and URL.
	KindDerived ComponentKind = "derived"

	// KindHeader marks components resolved from request header fields.
	KindHeader ComponentKind = "header"
)

var derivedComponents = map[string]bool{
	ComponentMethod:        true,
	ComponentTargetURI:     true,
	ComponentAuthority:     true,
	ComponentScheme:        true,
	ComponentRequestTarget: true,
	ComponentPath:          true,
	ComponentQuery:         true,
}

// componentKind reports whether id names a derived component or a header
// component.
func componentKind(id string) ComponentKind {
	if strings.HasPrefix(id, "@") {
		return KindDerived
	}

	return KindHeader
}

// componentIssue reports why a component identifier is not well-formed,
// or "" when it is. Well-formedness is independent of whether the request
// actually carries the component.
func componentIssue(id string) string {
	if id == "" {
		return "empty component identifier"
	}

	if componentKind(id) == KindDerived {
		if !derivedComponents[id] {
			return fmt.Sprintf("unknown derived component %q", id)
		}

		return ""
	}

	if !validFieldName(id) {
		return fmt.Sprintf("invalid header field name %q", id)
	}

	return ""
}

// componentValue resolves the canonical value of a covered component from
// the request. A component the request does not carry is a hard failure,
// never a skip.
func componentValue(r *http.Request, id string) (string, error) {
	if componentKind(id) == KindDerived {
		return derivedValue(r, id)
	}

	return headerValue(r, id)
}

// componentPresent reports whether the request carries the component at
// all, without resolving its value.
func componentPresent(r *http.Request, id string) bool {
	_, err := componentValue(r, id)

	return err == nil
}

func derivedValue(r *http.Request, id string) (string, error) {
	switch id {
	case ComponentMethod:
		return r.Method, nil

	case ComponentAuthority:
		return authority(r), nil

	case ComponentScheme:
		return scheme(r), nil

	case ComponentPath:
		if r.URL.Path == "" {
			return "/", nil
		}

		return r.URL.Path, nil

	case ComponentQuery:
		// RFC 9421 Section 2.2.7: the value always starts with "?", even
		// when the query is empty.
		return "?" + r.URL.RawQuery, nil

	case ComponentTargetURI:
		return targetURI(r), nil

	case ComponentRequestTarget:
		return requestTarget(r), nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownComponent, id)
}

func headerValue(r *http.Request, id string) (string, error) {
	canonical := http.CanonicalHeaderKey(id)

	// The Host header lives on the Request struct, not in the header map.
	if canonical == "Host" && r.Host != "" {
		return r.Host, nil
	}

	values := r.Header.Values(canonical)
	if len(values) == 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingComponent, id)
	}

	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}

	return strings.Join(trimmed, ", "), nil
}

// authority is the lowercased host[:port] serving the request.
func authority(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	return strings.ToLower(host)
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}

	if r.URL.Scheme != "" {
		return r.URL.Scheme
	}

	return "http"
}

func targetURI(r *http.Request) string {
	u := *r.URL
	if u.Host == "" {
		u.Host = authority(r)
	}

	if u.Scheme == "" {
		u.Scheme = scheme(r)
	}

	return u.String()
}

func requestTarget(r *http.Request) string {
	target := r.URL.Path
	if target == "" {
		target = "/"
	}

	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	return target
}

// validFieldName reports whether s is a syntactically valid HTTP field
// name (RFC 9110 token).
func validFieldName(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}

	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}

	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}

	return false
}
