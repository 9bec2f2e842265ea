package crawler

import (
	"net/url"
	"strings"
)

// DomainMatcher stores the allowed hosts. Every entry also admits its
// subdomains; a leading "*." or "." is accepted and ignored.
type DomainMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDomainMatcher builds a matcher from configured domain patterns. It
// returns nil when no usable pattern is given; a nil matcher allows every host.
func NewDomainMatcher(patterns []string) *DomainMatcher {
	matcher := &DomainMatcher{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		value = strings.TrimPrefix(value, "*.")
		value = strings.TrimPrefix(value, ".")
		if value == "" {
			continue
		}
		if _, dup := matcher.exact[value]; dup {
			continue
		}
		matcher.exact[value] = struct{}{}
		matcher.suffixes = append(matcher.suffixes, "."+value)
	}
	if len(matcher.exact) == 0 {
		return nil
	}
	return matcher
}

// Allows reports whether host is inside the allow-list.
func (m *DomainMatcher) Allows(host string) bool {
	if m == nil {
		return true
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := m.exact[host]; exact {
		return true
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// AllowsURL parses raw and checks its host.
func (m *DomainMatcher) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if m == nil {
		return u.Scheme == "http" || u.Scheme == "https"
	}
	return m.Allows(u.Hostname())
}
