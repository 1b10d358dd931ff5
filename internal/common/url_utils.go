package common

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL resolves ref against base and strips any fragment.
// Only http and https results are accepted.
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}

	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}

	resolved := baseURL.ResolveReference(refURL)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q in %q", resolved.Scheme, resolved.String())
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""

	return resolved.String(), nil
}

// NormalizeURL strips the fragment from rawURL; unparsable input is returned trimmed
func NormalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// SameURL compares two URLs ignoring fragments and a trailing slash on the path
func SameURL(a, b string) bool {
	trim := func(s string) string {
		return strings.TrimSuffix(NormalizeURL(s), "/")
	}
	return trim(a) == trim(b)
}
