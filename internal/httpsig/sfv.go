package httpsig

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Minimal RFC 8941 structured-field helpers: quoted strings, inner lists,
// and dictionaries of the two shapes this package emits
// (label=(...);k=v and label=:base64:).

// quoteString produces an RFC 8941 quoted-string. Only backslash and
// double-quote are escaped (Section 3.3.3).
func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)

	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			b.WriteByte('\\')
		}

		b.WriteByte(s[i])
	}
	b.WriteByte('"')

	return b.String()
}

// unquoteString strips surrounding double quotes and resolves \\ and \"
// escapes.
func unquoteString(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}

		b.WriteByte(s[i])
	}

	return b.String()
}

// parseInnerList splits the space-separated, individually quoted items of
// an inner list body (the text between the parentheses).
func parseInnerList(s string) []string {
	var items []string

	s = strings.TrimSpace(s)
	for s != "" {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}

		if s[0] == '"' {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				// Unterminated quote: keep the remainder as one item.
				items = append(items, s[1:])
				break
			}

			items = append(items, s[1:end+1])
			s = s[end+2:]

			continue
		}

		end := strings.IndexByte(s, ' ')
		if end < 0 {
			items = append(items, s)
			break
		}

		items = append(items, s[:end])
		s = s[end+1:]
	}

	return items
}

// splitQuoteAware splits s on delim outside of "..." regions.
// Backslash-escaped quotes inside quoted strings are honored. Parts are
// trimmed and empty parts dropped.
func splitQuoteAware(s string, delim byte) []string {
	var (
		parts   []string
		part    strings.Builder
		inQuote bool
	)

	flush := func() {
		if p := strings.TrimSpace(part.String()); p != "" {
			parts = append(parts, p)
		}

		part.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case inQuote && c == '\\' && i+1 < len(s):
			part.WriteByte(c)
			i++
			part.WriteByte(s[i])

		case c == '"':
			inQuote = !inQuote
			part.WriteByte(c)

		case !inQuote && c == delim:
			flush()

		default:
			part.WriteByte(c)
		}
	}
	flush()

	return parts
}

// findDictMember locates the member for label in an RFC 8941 dictionary
// header value. An empty label selects the first member; the resolved
// label is returned alongside the member value.
func findDictMember(header, label string) (string, string, bool) {
	for _, entry := range splitQuoteAware(header, ',') {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if label == "" || key == label {
			return key, value, true
		}
	}

	return "", "", false
}

// decodeByteSequence decodes an RFC 8941 byte sequence (":base64:").
func decodeByteSequence(value string) ([]byte, error) {
	if len(value) < 2 || value[0] != ':' || value[len(value)-1] != ':' {
		return nil, fmt.Errorf("%w: value is not a byte sequence", ErrMalformedHeader)
	}

	decoded, err := base64.StdEncoding.DecodeString(value[1 : len(value)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 in byte sequence", ErrMalformedHeader)
	}

	return decoded, nil
}

// appendDictMember appends key=value to an RFC 8941 dictionary header,
// preserving any members already present so a request can carry several
// signatures.
func appendDictMember(h http.Header, name, key, value string) {
	entry := key + "=" + value

	if existing := h.Get(name); existing != "" {
		h.Set(name, existing+", "+entry)
		return
	}

	h.Set(name, entry)
}
