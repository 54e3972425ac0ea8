package dispatcher

import (
	"regexp"
	"strings"
)

var (
	invalidNameByte    = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	repeatedUnderscore = regexp.MustCompile(`_+`)
)

// sanitizeName applies spec.md §4.G's tool/upstream name mangling: bytes
// outside [A-Za-z0-9_-] become underscore, consecutive underscores collapse
// to one, and leading/trailing underscores are stripped. ok is false when
// the sanitized result is empty or exceeds 128 bytes, in which case callers
// drop the name with a warning rather than expose it.
func sanitizeName(name string) (string, bool) {
	s := invalidNameByte.ReplaceAllString(name, "_")
	s = repeatedUnderscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" || len(s) > 128 {
		return "", false
	}
	return s, true
}

// mangledName sanitizes upstream and name and joins them with "__", the
// gateway-visible tool/prompt identifier (spec.md §4.G).
func mangledName(upstream, name string) (string, bool) {
	u, ok := sanitizeName(upstream)
	if !ok {
		return "", false
	}
	n, ok := sanitizeName(name)
	if !ok {
		return "", false
	}
	return u + "__" + n, true
}

// splitMangled reverses mangledName for call routing: split on the first
// "__" (spec.md §4.G: "split(n, '__', 1)").
func splitMangled(full string) (upstream, name string, ok bool) {
	parts := strings.SplitN(full, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// prefixResourceURI sanitizes only the upstream half; a resource URI is an
// opaque string (domain.Resource doc comment, spec.md §9) and is carried
// through untouched after the "<upstream>__" prefix.
func prefixResourceURI(upstream, uri string) (string, bool) {
	u, ok := sanitizeName(upstream)
	if !ok {
		return "", false
	}
	return u + "__" + uri, true
}

// splitResourceURI reverses prefixResourceURI.
func splitResourceURI(prefixed string) (upstream, uri string, ok bool) {
	parts := strings.SplitN(prefixed, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
