package crawler

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	collapseSpace        = regexp.MustCompile(`\s+`)
)

// SanitizeFilename keeps unicode names intact and replaces only characters
// that are invalid in file names on common filesystems.
func SanitizeFilename(name, fallback string) string {
	value := strings.TrimSpace(name)
	if value == "" {
		value = fallback
	}
	value = invalidFilenameChars.ReplaceAllString(value, "_")
	value = collapseSpace.ReplaceAllString(value, " ")
	value = strings.Trim(strings.TrimSpace(value), ". ")
	if value == "" {
		return fallback
	}
	return value
}

// CanonicalizeURL drops the fragment and fills in an empty path so the same
// page always yields the same entity id.
func CanonicalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}

// ResolveURL resolves ref against base and canonicalizes the result. Empty,
// javascript: and mailto: references resolve to "".
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "#") {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != "" {
		baseURL, err := url.Parse(base)
		if err == nil {
			refURL = baseURL.ResolveReference(refURL)
		}
	}
	if refURL.Scheme != "http" && refURL.Scheme != "https" {
		return ""
	}
	out, err := CanonicalizeURL(refURL.String())
	if err != nil {
		return ""
	}
	return out
}
